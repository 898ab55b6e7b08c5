package rail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

type CardConfig struct {
	BaseURL             string
	SecretKey           string
	HTTPTimeout         time.Duration
	BreakerMaxFailures  uint32
	BreakerOpenInterval time.Duration
}

// CardRail settles synchronously against the card gateway: tokenize the card,
// then charge the token. The gateway client sits behind a circuit breaker so
// a dead gateway fails fast as ErrRailUnavailable instead of queueing charges.
type CardRail struct {
	cfg     CardConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

func NewCardRail(cfg CardConfig) *CardRail {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	openInterval := cfg.BreakerOpenInterval
	if openInterval <= 0 {
		openInterval = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "card-gateway",
		Timeout: openInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	})

	return &CardRail{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

func (r *CardRail) Code() int32 {
	return CodeCard
}

func (r *CardRail) Attempt(ctx context.Context, input *AttemptInput) (*AttemptResult, error) {
	if input.Card == nil {
		return nil, &ValidationError{Fields: []string{"card"}}
	}
	if invalid := ValidateCardDetails(input.Card); len(invalid) > 0 {
		return nil, &ValidationError{Fields: invalid}
	}
	if strings.TrimSpace(r.cfg.SecretKey) == "" {
		return nil, fmt.Errorf("%w: gateway secret key is not configured", ErrRailUnavailable)
	}

	token, err := r.tokenize(ctx, input)
	if err != nil {
		return failureFromGatewayErr(err, input.AmountCents)
	}

	charge, err := r.settle(ctx, token, input)
	if err != nil {
		return failureFromGatewayErr(err, input.AmountCents)
	}

	return &AttemptResult{
		Outcome:            OutcomeSucceeded,
		ExternalPaymentRef: charge.ID,
		AmountCents:        charge.AmountCents,
		Metadata: map[string]string{
			"card_brand": cardBrand(input.Card.Number),
			"token":      token,
		},
	}, nil
}

// declineError carries the gateway's human-readable rejection. The shopper
// can retry; the infrastructure is fine.
type declineError struct {
	reason string
}

func (e *declineError) Error() string {
	return e.reason
}

func failureFromGatewayErr(err error, amountCents int64) (*AttemptResult, error) {
	var decline *declineError
	if errors.As(err, &decline) {
		return &AttemptResult{
			Outcome:       OutcomeFailed,
			AmountCents:   amountCents,
			FailureReason: decline.reason,
		}, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: gateway circuit open", ErrRailUnavailable)
	}
	return nil, fmt.Errorf("%w: %v", ErrRailUnavailable, err)
}

func (r *CardRail) tokenize(ctx context.Context, input *AttemptInput) (string, error) {
	values := url.Values{}
	values.Set("card[number]", strings.ReplaceAll(input.Card.Number, " ", ""))
	values.Set("card[exp_month]", strconv.Itoa(input.Card.ExpMonth))
	values.Set("card[exp_year]", strconv.Itoa(input.Card.ExpYear))
	values.Set("card[cvc]", input.Card.CVC)
	values.Set("billing_details[name]", strings.TrimSpace(input.Card.HolderName))
	values.Set("billing_details[email]", strings.TrimSpace(input.Customer.Email))
	values.Set("billing_details[phone]", strings.TrimSpace(input.Customer.Phone))

	body, err := r.postForm(ctx, "/v1/tokens", values)
	if err != nil {
		return "", err
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", err
	}
	token := strings.TrimSpace(payload.ID)
	if token == "" {
		return "", errors.New("gateway token id missing")
	}
	return token, nil
}

type chargeResult struct {
	ID          string
	AmountCents int64
}

func (r *CardRail) settle(ctx context.Context, token string, input *AttemptInput) (*chargeResult, error) {
	values := url.Values{}
	values.Set("source", token)
	values.Set("amount", strconv.FormatInt(input.AmountCents, 10))
	values.Set("currency", strings.ToLower(input.Currency))
	values.Set("description", input.ProductTitle)
	values.Set("metadata[attempt_ref]", input.AttemptRef)
	values.Set("metadata[session_id]", input.SessionID)
	values.Set("metadata[product_id]", input.ProductID)

	body, err := r.postForm(ctx, "/v1/charges", values)
	if err != nil {
		return nil, err
	}

	var payload struct {
		ID     string `json:"id"`
		Amount int64  `json:"amount"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if payload.Status != "succeeded" {
		return nil, &declineError{reason: "charge was not accepted by the gateway"}
	}

	amount := payload.Amount
	if amount == 0 {
		amount = input.AmountCents
	}
	return &chargeResult{ID: strings.TrimSpace(payload.ID), AmountCents: amount}, nil
}

func (r *CardRail) postForm(ctx context.Context, path string, values url.Values) ([]byte, error) {
	return r.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+path, strings.NewReader(values.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+r.cfg.SecretKey)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		// 402 is a gateway decline, not an infrastructure failure;
		// it must not trip the breaker.
		if resp.StatusCode == http.StatusPaymentRequired {
			return nil, &declineError{reason: parseDeclineReason(body)}
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("gateway request failed: path=%s status=%d body=%s", path, resp.StatusCode, string(body))
		}

		return body, nil
	})
}

func parseDeclineReason(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if reason := strings.TrimSpace(payload.Error.Message); reason != "" {
			return reason
		}
	}
	return "your card was declined"
}

// ValidateCardDetails reports locally rejected card fields. Callers check
// this before any state transition so a typo never consumes an attempt.
func ValidateCardDetails(card *CardDetails) []string {
	invalid := make([]string, 0, 4)

	if strings.TrimSpace(card.HolderName) == "" {
		invalid = append(invalid, "cardholder_name")
	}

	number := strings.ReplaceAll(strings.TrimSpace(card.Number), " ", "")
	if len(number) < 12 || len(number) > 19 || !allDigits(number) || !luhnValid(number) {
		invalid = append(invalid, "card_number")
	}

	if !expiryValid(card.ExpMonth, card.ExpYear, time.Now()) {
		invalid = append(invalid, "expiry")
	}

	cvc := strings.TrimSpace(card.CVC)
	if len(cvc) < 3 || len(cvc) > 4 || !allDigits(cvc) {
		invalid = append(invalid, "cvc")
	}

	return invalid
}

func expiryValid(month, year int, now time.Time) bool {
	if month < 1 || month > 12 {
		return false
	}
	if year < 100 {
		year += 2000
	}
	if year < now.Year() {
		return false
	}
	if year == now.Year() && month < int(now.Month()) {
		return false
	}
	return true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func luhnValid(number string) bool {
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		digit := int(number[i] - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}
	return sum%10 == 0
}

func cardBrand(number string) string {
	number = strings.ReplaceAll(strings.TrimSpace(number), " ", "")
	switch {
	case strings.HasPrefix(number, "4"):
		return "visa"
	case strings.HasPrefix(number, "34"), strings.HasPrefix(number, "37"):
		return "amex"
	case strings.HasPrefix(number, "5"):
		return "mastercard"
	case strings.HasPrefix(number, "60"), strings.HasPrefix(number, "65"), strings.HasPrefix(number, "81"), strings.HasPrefix(number, "82"):
		return "rupay"
	default:
		return "unknown"
	}
}

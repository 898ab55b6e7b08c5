package rail

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type DeepLinkConfig struct {
	MerchantVPA               string
	MerchantName              string
	QRImageBaseURL            string
	WebhookSecret             string
	SignatureToleranceSeconds int64
}

// DeepLinkRail starts an out-of-band UPI payment: it builds the payment URI
// and QR for the shopper and returns a pending result. It never claims
// success on its own; the settlement controller owns the final outcome,
// fed by this rail's verified webhook resolutions.
type DeepLinkRail struct {
	cfg DeepLinkConfig
}

func NewDeepLinkRail(cfg DeepLinkConfig) *DeepLinkRail {
	if cfg.SignatureToleranceSeconds <= 0 {
		cfg.SignatureToleranceSeconds = 300
	}
	return &DeepLinkRail{cfg: cfg}
}

func (r *DeepLinkRail) Code() int32 {
	return CodeDeepLink
}

func (r *DeepLinkRail) Attempt(_ context.Context, input *AttemptInput) (*AttemptResult, error) {
	if strings.TrimSpace(r.cfg.MerchantVPA) == "" {
		return nil, fmt.Errorf("%w: merchant VPA is not configured", ErrRailUnavailable)
	}

	uri := BuildPaymentURI(r.cfg.MerchantVPA, r.cfg.MerchantName, input.AmountCents, input.Currency, input.ProductTitle, input.AttemptRef)

	return &AttemptResult{
		Outcome:            OutcomePendingSettlement,
		ExternalPaymentRef: input.AttemptRef,
		AmountCents:        input.AmountCents,
		PaymentURI:         uri,
		QRImageURL:         BuildQRImageURL(r.cfg.QRImageBaseURL, uri),
	}, nil
}

// BuildPaymentURI renders a provider-neutral UPI deep link. Pure; no network.
func BuildPaymentURI(merchantVPA, merchantName string, amountCents int64, currency, memo, attemptRef string) string {
	values := url.Values{}
	values.Set("pa", strings.TrimSpace(merchantVPA))
	values.Set("pn", strings.TrimSpace(merchantName))
	values.Set("am", formatMajorUnits(amountCents))
	values.Set("cu", strings.ToUpper(strings.TrimSpace(currency)))
	values.Set("tn", strings.TrimSpace(memo))
	values.Set("tr", strings.TrimSpace(attemptRef))
	return "upi://pay?" + values.Encode()
}

func BuildQRImageURL(baseURL, paymentURI string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return ""
	}
	return baseURL + "?size=256x256&data=" + url.QueryEscape(paymentURI)
}

func formatMajorUnits(amountCents int64) string {
	return strconv.FormatInt(amountCents/100, 10) + "." + fmt.Sprintf("%02d", amountCents%100)
}

// VerifyResolution checks the provider webhook signature and parses the
// resolution payload. Header format: "t=<unix>,v1=<hex hmac-sha256>" over
// "<t>.<payload>", with a replay tolerance window.
func (r *DeepLinkRail) VerifyResolution(payload []byte, signature string) (*Resolution, error) {
	if strings.TrimSpace(r.cfg.WebhookSecret) == "" {
		return nil, errors.New("webhook secret is not configured")
	}
	if !verifySignature(payload, signature, r.cfg.WebhookSecret, r.cfg.SignatureToleranceSeconds) {
		return nil, errors.New("invalid webhook signature")
	}

	var event struct {
		AttemptRef string `json:"attempt_ref"`
		Status     string `json:"status"`
		UPITxnID   string `json:"upi_txn_id"`
		Reason     string `json:"reason"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}

	attemptRef := strings.TrimSpace(event.AttemptRef)
	if attemptRef == "" {
		return nil, errors.New("attempt_ref missing from webhook payload")
	}

	resolution := &Resolution{
		AttemptRef:         attemptRef,
		ExternalPaymentRef: strings.TrimSpace(event.UPITxnID),
		Reason:             strings.TrimSpace(event.Reason),
		Metadata:           map[string]string{},
	}
	if resolution.ExternalPaymentRef == "" {
		resolution.ExternalPaymentRef = attemptRef
	} else {
		resolution.Metadata["upi_txn_id"] = resolution.ExternalPaymentRef
	}

	switch strings.ToLower(strings.TrimSpace(event.Status)) {
	case "success", "succeeded", "paid":
		resolution.Succeeded = true
	case "failure", "failed", "declined":
		resolution.Succeeded = false
		if resolution.Reason == "" {
			resolution.Reason = "payment was not completed"
		}
	default:
		return nil, fmt.Errorf("unrecognized webhook status %q", event.Status)
	}

	return resolution, nil
}

func verifySignature(payload []byte, signatureHeader, secret string, toleranceSeconds int64) bool {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if signatureHeader == "" || strings.TrimSpace(secret) == "" {
		return false
	}

	parts := strings.Split(signatureHeader, ",")
	var ts string
	v1 := make([]string, 0, 1)
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "t=") {
			ts = strings.TrimSpace(strings.TrimPrefix(part, "t="))
		}
		if strings.HasPrefix(part, "v1=") {
			v1 = append(v1, strings.TrimSpace(strings.TrimPrefix(part, "v1=")))
		}
	}
	if ts == "" || len(v1) == 0 {
		return false
	}

	tsUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	now := time.Now().Unix()
	if now-tsUnix > toleranceSeconds || tsUnix-now > toleranceSeconds {
		return false
	}

	signedPayload := []byte(ts + "." + string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(signedPayload)
	expected := mac.Sum(nil)

	for _, sig := range v1 {
		candidate, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(candidate, expected) {
			return true
		}
	}

	return false
}

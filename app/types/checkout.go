package types

import (
	"errors"
	"io"
	"net/mail"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/vibast-solutions/ms-go-checkout/app/rail"
)

type StartSessionRequest struct {
	ProductId string `json:"product_id"`
}

func NewStartSessionRequestFromContext(ctx echo.Context) (*StartSessionRequest, error) {
	var body StartSessionRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	body.ProductId = strings.TrimSpace(body.ProductId)
	return &body, nil
}

func (r *StartSessionRequest) Validate() error {
	if r.ProductId == "" {
		return errors.New("product_id is required")
	}
	return nil
}

type GetSessionRequest struct {
	Id string
}

func NewGetSessionRequestFromContext(ctx echo.Context) (*GetSessionRequest, error) {
	return &GetSessionRequest{Id: strings.TrimSpace(ctx.Param("id"))}, nil
}

func (r *GetSessionRequest) Validate() error {
	if r.Id == "" {
		return errors.New("invalid session id")
	}
	return nil
}

type SubmitCustomerInfoRequest struct {
	Id    string `json:"-"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

func NewSubmitCustomerInfoRequestFromContext(ctx echo.Context) (*SubmitCustomerInfoRequest, error) {
	var body SubmitCustomerInfoRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	body.Id = strings.TrimSpace(ctx.Param("id"))
	body.Name = strings.TrimSpace(body.Name)
	body.Email = strings.TrimSpace(body.Email)
	body.Phone = strings.TrimSpace(body.Phone)
	return &body, nil
}

func (r *SubmitCustomerInfoRequest) Validate() error {
	if r.Id == "" {
		return errors.New("invalid session id")
	}
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.Email == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return errors.New("email is invalid")
	}
	if r.Phone == "" {
		return errors.New("phone is required")
	}
	return nil
}

type SelectRailRequest struct {
	Id   string `json:"-"`
	Rail string `json:"rail"`

	RailCode int32 `json:"-"`
}

func NewSelectRailRequestFromContext(ctx echo.Context) (*SelectRailRequest, error) {
	var body SelectRailRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	body.Id = strings.TrimSpace(ctx.Param("id"))
	body.Rail = strings.TrimSpace(strings.ToLower(body.Rail))
	return &body, nil
}

func (r *SelectRailRequest) Validate() error {
	if r.Id == "" {
		return errors.New("invalid session id")
	}
	code, err := ParseRailCode(r.Rail)
	if err != nil {
		return err
	}
	r.RailCode = code
	return nil
}

type AttemptRequest struct {
	Id             string `json:"-"`
	CardholderName string `json:"cardholder_name"`
	CardNumber     string `json:"card_number"`
	ExpMonth       int    `json:"exp_month"`
	ExpYear        int    `json:"exp_year"`
	Cvc            string `json:"cvc"`
}

func NewAttemptRequestFromContext(ctx echo.Context) (*AttemptRequest, error) {
	var body AttemptRequest
	if err := ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	body.Id = strings.TrimSpace(ctx.Param("id"))
	body.CardholderName = strings.TrimSpace(body.CardholderName)
	body.CardNumber = strings.ReplaceAll(strings.TrimSpace(body.CardNumber), " ", "")
	body.Cvc = strings.TrimSpace(body.Cvc)
	return &body, nil
}

func (r *AttemptRequest) Validate() error {
	if r.Id == "" {
		return errors.New("invalid session id")
	}
	return nil
}

// HasCardDetails reports whether the request carries any card fields. Card
// fields are only meaningful when the session's selected rail is card.
func (r *AttemptRequest) HasCardDetails() bool {
	return r.CardholderName != "" || r.CardNumber != "" || r.Cvc != "" || r.ExpMonth != 0 || r.ExpYear != 0
}

func (r *AttemptRequest) CardDetails() *rail.CardDetails {
	if !r.HasCardDetails() {
		return nil
	}
	return &rail.CardDetails{
		HolderName: r.CardholderName,
		Number:     r.CardNumber,
		ExpMonth:   r.ExpMonth,
		ExpYear:    r.ExpYear,
		CVC:        r.Cvc,
	}
}

type RetryRequest struct {
	Id string
}

func NewRetryRequestFromContext(ctx echo.Context) (*RetryRequest, error) {
	return &RetryRequest{Id: strings.TrimSpace(ctx.Param("id"))}, nil
}

func (r *RetryRequest) Validate() error {
	if r.Id == "" {
		return errors.New("invalid session id")
	}
	return nil
}

type GetOrderRequest struct {
	SessionId string
}

func NewGetOrderRequestFromContext(ctx echo.Context) (*GetOrderRequest, error) {
	return &GetOrderRequest{SessionId: strings.TrimSpace(ctx.Param("id"))}, nil
}

func (r *GetOrderRequest) Validate() error {
	if r.SessionId == "" {
		return errors.New("invalid session id")
	}
	return nil
}

type GetOrderByIDRequest struct {
	Id uint64
}

func NewGetOrderByIDRequestFromContext(ctx echo.Context) (*GetOrderByIDRequest, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(ctx.Param("id")), 10, 64)
	if err != nil {
		return nil, errors.New("invalid order id")
	}
	return &GetOrderByIDRequest{Id: id}, nil
}

func (r *GetOrderByIDRequest) Validate() error {
	if r.Id == 0 {
		return errors.New("invalid order id")
	}
	return nil
}

type SettlementWebhookRequest struct {
	Rail       string
	AttemptRef string
	Signature  string
	Payload    []byte

	RailCode int32
}

func NewSettlementWebhookRequestFromContext(ctx echo.Context) (*SettlementWebhookRequest, error) {
	signature := strings.TrimSpace(ctx.Request().Header.Get("X-Provider-Signature"))

	rawBody, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return nil, err
	}

	return &SettlementWebhookRequest{
		Rail:       strings.TrimSpace(strings.ToLower(ctx.Param("rail"))),
		AttemptRef: strings.TrimSpace(ctx.Param("ref")),
		Signature:  signature,
		Payload:    rawBody,
	}, nil
}

func (r *SettlementWebhookRequest) Validate() error {
	if r.Rail == "" {
		return errors.New("rail is required")
	}
	code, err := ParseRailCode(r.Rail)
	if err != nil {
		return err
	}
	r.RailCode = code
	if r.AttemptRef == "" {
		return errors.New("attempt ref is required")
	}
	if r.Signature == "" {
		return errors.New("provider signature is required")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// ParseRailCode maps the externally visible rail names onto rail codes.
func ParseRailCode(value string) (int32, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "1", "card":
		return rail.CodeCard, nil
	case "2", "upi", "deeplink", "deep_link":
		return rail.CodeDeepLink, nil
	default:
		return 0, errors.New("rail must be card or upi")
	}
}

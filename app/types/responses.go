package types

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type SessionEnvelopeResponse struct {
	Session *SessionResponse `json:"session"`
}

type OrderEnvelopeResponse struct {
	Order *OrderResponse `json:"order"`
}

type CustomerInfoResponse struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type FailureResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type SessionResponse struct {
	Id            string                `json:"id"`
	ProductId     string                `json:"product_id"`
	ProductTitle  string                `json:"product_title"`
	AmountCents   int64                 `json:"amount_cents"`
	Currency      string                `json:"currency"`
	State         string                `json:"state"`
	Rail          string                `json:"rail,omitempty"`
	UpiEnabled    bool                  `json:"upi_enabled"`
	AttemptCount  int32                 `json:"attempt_count"`
	Customer      *CustomerInfoResponse `json:"customer,omitempty"`
	LastFailure   *FailureResponse      `json:"last_failure,omitempty"`
	CreatedAt     string                `json:"created_at"`
	UpdatedAt     string                `json:"updated_at"`
}

type AttemptResponse struct {
	Session            *SessionResponse `json:"session"`
	Order              *OrderResponse   `json:"order,omitempty"`
	PaymentUri         string           `json:"payment_uri,omitempty"`
	QrImageUrl         string           `json:"qr_image_url,omitempty"`
	SettlementDeadline string           `json:"settlement_deadline,omitempty"`
	FailureReason      string           `json:"failure_reason,omitempty"`
}

type OrderResponse struct {
	Id            uint64 `json:"id"`
	SessionId     string `json:"session_id"`
	ProductId     string `json:"product_id"`
	ProductTitle  string `json:"product_title"`
	DocumentCount int32  `json:"document_count"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	CustomerPhone string `json:"customer_phone"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	Rail          string `json:"rail"`
	PaymentRef    string `json:"payment_ref"`
	Status        string `json:"status"`
	LedgerStatus  string `json:"ledger_status"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

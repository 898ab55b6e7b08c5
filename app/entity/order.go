package entity

import "time"

const (
	NotifyDeliveryNone    int32 = 0
	NotifyDeliveryPending int32 = 1
	NotifyDeliverySuccess int32 = 10
	NotifyDeliveryFailed  int32 = 20
)

const (
	LedgerStatusPending  int32 = 1
	LedgerStatusRecorded int32 = 10
	LedgerStatusFailed   int32 = 20
)

const (
	OrderStatusPending   int32 = 1
	OrderStatusCompleted int32 = 10
)

type Order struct {
	ID uint64

	SessionID string

	ProductID            string
	ProductTitleSnapshot string
	DocumentCount        int32

	CustomerName  string
	CustomerEmail string
	CustomerPhone string

	AmountCents int64
	Currency    string

	Rail               int32
	ExternalPaymentRef string

	Status int32

	LedgerStatus        int32
	LedgerRetryAttempts int32

	NotifyDeliveryStatus   int32
	NotifyDeliveryAttempts int32
	NotifyDeliveryNextAt   *time.Time
	NotifyDeliveryLastErr  *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

package entity

import "time"

type LedgerEntry struct {
	ID uint64

	OrderID            uint64
	ExternalPaymentRef string

	AmountCents int64
	Currency    string

	CustomerName  string
	CustomerEmail string

	Rail   int32
	Status int32

	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

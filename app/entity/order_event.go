package entity

import "time"

type OrderEvent struct {
	ID uint64

	OrderID uint64

	EventType string

	OldStatus *int32
	NewStatus int32

	AttemptRef  *string
	PayloadJSON *string

	CreatedAt time.Time
}

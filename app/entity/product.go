package entity

import "time"

type Product struct {
	ID string

	Title    string
	Category string

	PriceCents    int64
	DocumentCount int32

	CreatedAt time.Time
	UpdatedAt time.Time
}

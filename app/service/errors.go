package service

import "errors"

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrSessionNotFound     = errors.New("session not found")
	ErrProductNotFound     = errors.New("product not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrAttemptInFlight     = errors.New("a payment attempt is already in flight")
	ErrRailUnsupported     = errors.New("rail is not supported")
	ErrWebhookRejected     = errors.New("settlement webhook rejected")
	ErrMissingCustomerInfo = errors.New("customer info is incomplete")

	// ErrOrderNotRecorded is the worst failure mode: money moved but no
	// durable record exists. It must never be reported as a generic error.
	ErrOrderNotRecorded = errors.New("payment succeeded but order was not recorded")

	// ErrLedgerNotRecorded means the order exists and is authoritative but
	// its ledger entry is still missing; the retry job keeps working on it.
	ErrLedgerNotRecorded = errors.New("order recorded but ledger entry was not written")
)

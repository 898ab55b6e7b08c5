package rail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vibast-solutions/ms-go-checkout/app/checkout"
)

const (
	CodeCard     int32 = 1
	CodeDeepLink int32 = 2
)

const (
	OutcomePendingSettlement int32 = 1
	OutcomeSucceeded         int32 = 10
	OutcomeFailed            int32 = 20
	OutcomeExpired           int32 = 21
)

var (
	ErrRailNotSupported = errors.New("rail is not supported")
	// ErrRailUnavailable means the rail's infrastructure could not be
	// reached at all; no charge was attempted. Distinct from a decline.
	ErrRailUnavailable = errors.New("payment rail unavailable")
)

// ValidationError reports locally rejected fields. No external call was made.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid fields: %s", strings.Join(e.Fields, ", "))
}

type CardDetails struct {
	HolderName string
	Number     string
	ExpMonth   int
	ExpYear    int
	CVC        string
}

type AttemptInput struct {
	SessionID  string
	AttemptRef string

	ProductID    string
	ProductTitle string

	Customer checkout.CustomerInfo

	AmountCents int64
	Currency    string

	Card *CardDetails
}

type AttemptResult struct {
	Outcome            int32
	ExternalPaymentRef string
	AmountCents        int64
	FailureReason      string
	Metadata           map[string]string

	// Set by asynchronous rails only.
	PaymentURI string
	QRImageURL string
}

// Resolution is a verified out-of-band settlement outcome for one attempt.
type Resolution struct {
	AttemptRef         string
	Succeeded          bool
	ExternalPaymentRef string
	Reason             string
	Metadata           map[string]string
}

// Rail drives a single payment attempt. Attempt is invoked at most once per
// transition into authorizing; any retry mints a fresh attempt reference.
type Rail interface {
	Code() int32
	Attempt(ctx context.Context, input *AttemptInput) (*AttemptResult, error)
}

// AsyncRail settles out of band. The settlement controller, not the rail,
// decides the final outcome; the rail only verifies resolution payloads.
type AsyncRail interface {
	Rail
	VerifyResolution(payload []byte, signature string) (*Resolution, error)
}

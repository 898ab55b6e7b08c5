package checkout

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type State int32

const (
	StateIdle         State = 0
	StateCollecting   State = 1
	StateRailSelected State = 2
	StateAuthorizing  State = 3
	StateSettling     State = 4
	StateSucceeded    State = 10
	StateFailed       State = 20
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateRailSelected:
		return "rail_selected"
	case StateAuthorizing:
		return "authorizing"
	case StateSettling:
		return "settling"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

type Event int32

const (
	EventEnterCheckout Event = iota
	EventRailChosen
	EventAttemptStarted
	EventSettlementStarted
	EventSettled
	EventDeclined
	EventRetry
)

var ErrInvalidTransition = errors.New("invalid session transition")

// Transition is the single authority on lifecycle legality. It is pure:
// callers apply side effects only after it accepts the event.
func Transition(from State, event Event) (State, error) {
	switch event {
	case EventEnterCheckout:
		if from == StateIdle {
			return StateCollecting, nil
		}
	case EventRailChosen:
		if from == StateCollecting || from == StateRailSelected {
			return StateRailSelected, nil
		}
	case EventAttemptStarted:
		if from == StateRailSelected {
			return StateAuthorizing, nil
		}
	case EventSettlementStarted:
		if from == StateAuthorizing {
			return StateSettling, nil
		}
	case EventSettled:
		if from == StateAuthorizing || from == StateSettling {
			return StateSucceeded, nil
		}
	case EventDeclined:
		if from == StateAuthorizing || from == StateSettling {
			return StateFailed, nil
		}
	case EventRetry:
		if from == StateFailed {
			return StateCollecting, nil
		}
	}
	return from, fmt.Errorf("%w: %s does not accept event %d", ErrInvalidTransition, from, event)
}

type CustomerInfo struct {
	Name  string
	Email string
	Phone string
}

// MissingFields reports which of the required customer fields are absent.
func (c CustomerInfo) MissingFields() []string {
	missing := make([]string, 0, 3)
	if strings.TrimSpace(c.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(c.Email) == "" {
		missing = append(missing, "email")
	}
	if strings.TrimSpace(c.Phone) == "" {
		missing = append(missing, "phone")
	}
	return missing
}

func (c CustomerInfo) Complete() bool {
	return len(c.MissingFields()) == 0
}

type FailureKind int32

const (
	FailureNone         FailureKind = 0
	FailureDeclined     FailureKind = 1
	FailureUnavailable  FailureKind = 2
	FailureExpired      FailureKind = 3
	FailureCommitBroken FailureKind = 4
)

func (k FailureKind) String() string {
	switch k {
	case FailureDeclined:
		return "declined"
	case FailureUnavailable:
		return "unavailable"
	case FailureExpired:
		return "expired"
	case FailureCommitBroken:
		return "commit_broken"
	default:
		return "none"
	}
}

type Failure struct {
	Kind    FailureKind
	Message string
}

// Session is the per-shopper checkout lifecycle. It is transient: it lives in
// the in-memory store and is never persisted; only the Order it may produce is
// durable. All mutation goes through Apply so the transition table stays the
// single authority.
type Session struct {
	ID string

	ProductID            string
	ProductTitle         string
	ProductDocumentCount int32
	AmountCents          int64
	Currency             string

	Customer CustomerInfo

	Rail       int32
	UPIEnabled bool

	State        State
	AttemptCount int32
	AttemptRef   string

	LastFailure Failure

	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewSession(productID, productTitle string, documentCount int32, amountCents int64, currency string, upiEnabled bool, now time.Time) *Session {
	return &Session{
		ID:                   uuid.NewString(),
		ProductID:            productID,
		ProductTitle:         productTitle,
		ProductDocumentCount: documentCount,
		AmountCents:          amountCents,
		Currency:             currency,
		UPIEnabled:           upiEnabled,
		State:                StateCollecting,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func (s *Session) Apply(event Event, now time.Time) error {
	next, err := Transition(s.State, event)
	if err != nil {
		return err
	}
	s.State = next
	s.UpdatedAt = now
	return nil
}

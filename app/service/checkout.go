package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-checkout/app/checkout"
	"github.com/vibast-solutions/ms-go-checkout/app/entity"
	"github.com/vibast-solutions/ms-go-checkout/app/factory"
	"github.com/vibast-solutions/ms-go-checkout/app/notification"
	"github.com/vibast-solutions/ms-go-checkout/app/rail"
	"github.com/vibast-solutions/ms-go-checkout/app/settlement"
	"github.com/vibast-solutions/ms-go-checkout/config"
)

const (
	defaultBatchSize = int32(100)
)

type orderRepository interface {
	Create(ctx context.Context, order *entity.Order) error
	Update(ctx context.Context, order *entity.Order) error
	FindByID(ctx context.Context, id uint64) (*entity.Order, error)
	FindBySessionID(ctx context.Context, sessionID string) (*entity.Order, error)
	ListDueNotifyDispatch(ctx context.Context, now time.Time, limit int32) ([]*entity.Order, error)
	ListPendingLedger(ctx context.Context, limit int32) ([]*entity.Order, error)
}

type ledgerRepository interface {
	Create(ctx context.Context, entry *entity.LedgerEntry) error
	FindByOrderID(ctx context.Context, orderID uint64) (*entity.LedgerEntry, error)
}

type orderEventRepository interface {
	Create(ctx context.Context, event *entity.OrderEvent) error
}

type productRepository interface {
	FindByID(ctx context.Context, id string) (*entity.Product, error)
}

type confirmationSender interface {
	SendConfirmation(ctx context.Context, confirmation *notification.Confirmation) error
}

type CheckoutService struct {
	orderRepo   orderRepository
	ledgerRepo  ledgerRepository
	eventRepo   orderEventRepository
	productRepo productRepository
	railReg     *rail.Registry
	sessions    *checkout.Store
	settlements *settlement.Controller
	notifier    confirmationSender
	checkoutCfg config.CheckoutConfig
	logger      logrus.FieldLogger
}

func NewCheckoutService(
	orderRepo orderRepository,
	ledgerRepo ledgerRepository,
	eventRepo orderEventRepository,
	productRepo productRepository,
	railReg *rail.Registry,
	sessions *checkout.Store,
	settlements *settlement.Controller,
	notifier confirmationSender,
	checkoutCfg config.CheckoutConfig,
) *CheckoutService {
	s := &CheckoutService{
		orderRepo:   orderRepo,
		ledgerRepo:  ledgerRepo,
		eventRepo:   eventRepo,
		productRepo: productRepo,
		railReg:     railReg,
		sessions:    sessions,
		settlements: settlements,
		notifier:    notifier,
		checkoutCfg: checkoutCfg,
		logger:      factory.NewModuleLogger("checkout-service"),
	}

	// Settlement outcomes commit on their own: the resolution event, not the
	// shopper's browser, drives the pipeline.
	settlements.SetResolutionHook(s.onSettlementResolved)

	return s
}

// AttemptOutput is what one drive of the selected rail produced. For
// asynchronous rails the shopper gets the payment URI/QR and a deadline; the
// outcome arrives later through the settlement controller.
type AttemptOutput struct {
	Session *checkout.Session
	Order   *entity.Order

	PaymentURI         string
	QRImageURL         string
	SettlementDeadline *time.Time

	FailureReason string
}

func (s *CheckoutService) StartSession(ctx context.Context, productID string) (*checkout.Session, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, ErrInvalidRequest
	}

	product, err := s.productRepo.FindByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, ErrProductNotFound
	}

	now := time.Now().UTC()
	session := checkout.NewSession(
		product.ID,
		product.Title,
		product.DocumentCount,
		product.PriceCents,
		s.checkoutCfg.Currency,
		s.checkoutCfg.UPIEnabled,
		now,
	)
	s.sessions.Put(session)

	return session, nil
}

func (s *CheckoutService) GetSession(_ context.Context, sessionID string) (*checkout.Session, error) {
	return s.sessionByID(sessionID)
}

func (s *CheckoutService) sessionByID(sessionID string) (*checkout.Session, error) {
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *CheckoutService) SubmitCustomerInfo(_ context.Context, sessionID string, info checkout.CustomerInfo) (*checkout.Session, error) {
	info.Name = strings.TrimSpace(info.Name)
	info.Email = strings.TrimSpace(info.Email)
	info.Phone = strings.TrimSpace(info.Phone)

	err := s.sessions.Mutate(sessionID, func(session *checkout.Session) error {
		if session.State != checkout.StateCollecting {
			return fmt.Errorf("%w: customer info can only change while collecting", checkout.ErrInvalidTransition)
		}
		session.Customer = info
		session.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	return s.sessionByID(sessionID)
}

func (s *CheckoutService) SelectRail(_ context.Context, sessionID string, railCode int32) (*checkout.Session, error) {
	if _, err := s.railReg.Get(railCode); err != nil {
		return nil, ErrRailUnsupported
	}

	err := s.sessions.Mutate(sessionID, func(session *checkout.Session) error {
		if missing := session.Customer.MissingFields(); len(missing) > 0 {
			return fmt.Errorf("%w: %s", ErrMissingCustomerInfo, strings.Join(missing, ", "))
		}
		if railCode == rail.CodeDeepLink && !session.UPIEnabled {
			return ErrRailUnsupported
		}
		if err := session.Apply(checkout.EventRailChosen, time.Now().UTC()); err != nil {
			return err
		}
		session.Rail = railCode
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	return s.sessionByID(sessionID)
}

// Attempt drives the selected rail exactly once. The session is held busy for
// the duration so a double click cannot produce a second charge.
func (s *CheckoutService) Attempt(ctx context.Context, sessionID string, card *rail.CardDetails) (*AttemptOutput, error) {
	snapshot, err := s.sessions.Acquire(sessionID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer s.sessions.Release(sessionID)

	if snapshot.State != checkout.StateRailSelected {
		return nil, fmt.Errorf("%w: %s does not accept a payment attempt", checkout.ErrInvalidTransition, snapshot.State)
	}
	if missing := snapshot.Customer.MissingFields(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingCustomerInfo, strings.Join(missing, ", "))
	}

	selectedRail, err := s.railReg.Get(snapshot.Rail)
	if err != nil {
		return nil, ErrRailUnsupported
	}

	// Local card validation happens before the Authorizing transition so a
	// typo never consumes an attempt or touches the gateway.
	if snapshot.Rail == rail.CodeCard {
		if card == nil {
			return nil, &rail.ValidationError{Fields: []string{"card"}}
		}
		if invalid := rail.ValidateCardDetails(card); len(invalid) > 0 {
			return nil, &rail.ValidationError{Fields: invalid}
		}
	}

	attemptRef := uuid.NewString()
	now := time.Now().UTC()
	err = s.sessions.Mutate(sessionID, func(session *checkout.Session) error {
		if err := session.Apply(checkout.EventAttemptStarted, now); err != nil {
			return err
		}
		session.AttemptRef = attemptRef
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	input := &rail.AttemptInput{
		SessionID:    snapshot.ID,
		AttemptRef:   attemptRef,
		ProductID:    snapshot.ProductID,
		ProductTitle: snapshot.ProductTitle,
		Customer:     snapshot.Customer,
		AmountCents:  snapshot.AmountCents,
		Currency:     snapshot.Currency,
		Card:         card,
	}

	result, err := selectedRail.Attempt(ctx, input)
	if err != nil {
		s.failSession(sessionID, attemptRef, checkout.FailureUnavailable, err.Error())
		return nil, err
	}

	switch result.Outcome {
	case rail.OutcomeSucceeded:
		return s.finishSynchronousSuccess(ctx, sessionID, attemptRef, result)

	case rail.OutcomePendingSettlement:
		// Settling first, then Begin: once the attempt is registered a
		// resolution can land at any moment, and the hook refuses sessions
		// that are not yet Settling.
		err = s.sessions.Mutate(sessionID, func(session *checkout.Session) error {
			return session.Apply(checkout.EventSettlementStarted, time.Now().UTC())
		})
		if err != nil {
			return nil, mapStoreErr(err)
		}
		deadline := s.settlements.Begin(attemptRef, sessionID, now)
		session, _ := s.sessions.Get(sessionID)
		return &AttemptOutput{
			Session:            session,
			PaymentURI:         result.PaymentURI,
			QRImageURL:         result.QRImageURL,
			SettlementDeadline: &deadline,
		}, nil

	default:
		s.failSession(sessionID, attemptRef, checkout.FailureDeclined, result.FailureReason)
		session, _ := s.sessions.Get(sessionID)
		return &AttemptOutput{
			Session:       session,
			FailureReason: result.FailureReason,
		}, nil
	}
}

func (s *CheckoutService) finishSynchronousSuccess(ctx context.Context, sessionID, attemptRef string, result *rail.AttemptResult) (*AttemptOutput, error) {
	err := s.sessions.Mutate(sessionID, func(session *checkout.Session) error {
		return session.Apply(checkout.EventSettled, time.Now().UTC())
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	order, commitErr := s.CommitSettlement(ctx, session, attemptRef, result.ExternalPaymentRef, result.AmountCents, result.Metadata)
	if commitErr != nil {
		return &AttemptOutput{Session: session, Order: order}, commitErr
	}

	return &AttemptOutput{Session: session, Order: order}, nil
}

// Retry returns a failed session to collecting. The next attempt will mint a
// fresh attempt reference; nothing from the prior attempt is reused.
func (s *CheckoutService) Retry(_ context.Context, sessionID string) (*checkout.Session, error) {
	err := s.sessions.Mutate(sessionID, func(session *checkout.Session) error {
		if err := session.Apply(checkout.EventRetry, time.Now().UTC()); err != nil {
			return err
		}
		session.AttemptCount++
		session.AttemptRef = ""
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	return s.sessionByID(sessionID)
}

// HandleSettlementWebhook verifies a provider resolution and feeds it to the
// settlement controller. Replays and post-expiry arrivals are no-ops; the
// endpoint stays idempotent for the provider's retry loop.
func (s *CheckoutService) HandleSettlementWebhook(_ context.Context, railCode int32, attemptRef string, payload []byte, signature string) error {
	selectedRail, err := s.railReg.Get(railCode)
	if err != nil {
		return ErrRailUnsupported
	}
	asyncRail, ok := selectedRail.(rail.AsyncRail)
	if !ok {
		return ErrRailUnsupported
	}

	resolution, err := asyncRail.VerifyResolution(payload, signature)
	if err != nil {
		s.logger.WithError(err).Warn("Settlement webhook rejected")
		return fmt.Errorf("%w: %v", ErrWebhookRejected, err)
	}
	if resolution.AttemptRef != attemptRef {
		s.logger.WithFields(logrus.Fields{
			"path_ref":    attemptRef,
			"payload_ref": resolution.AttemptRef,
		}).Warn("Settlement webhook rejected")
		return fmt.Errorf("%w: attempt reference mismatch", ErrWebhookRejected)
	}

	honored := s.settlements.Resolve(resolution.AttemptRef, settlement.Outcome{
		Succeeded:          resolution.Succeeded,
		ExternalPaymentRef: resolution.ExternalPaymentRef,
		Reason:             resolution.Reason,
		Metadata:           resolution.Metadata,
	}, time.Now().UTC())
	if !honored {
		s.logger.WithField("attempt_ref", resolution.AttemptRef).Info("Settlement resolution discarded (late or duplicate)")
	}

	return nil
}

// onSettlementResolved is the controller's resolution hook. It runs without
// any HTTP caller attached, so commit failures are logged loudly here rather
// than surfaced to a response.
func (s *CheckoutService) onSettlementResolved(attemptRef, sessionID string, outcome settlement.Outcome) {
	now := time.Now().UTC()

	var snapshot *checkout.Session
	err := s.sessions.Mutate(sessionID, func(session *checkout.Session) error {
		// A session retried past this attempt must not be touched by the
		// stale resolution.
		if session.AttemptRef != attemptRef || session.State != checkout.StateSettling {
			return checkout.ErrInvalidTransition
		}
		if outcome.Succeeded {
			if err := session.Apply(checkout.EventSettled, now); err != nil {
				return err
			}
		} else {
			if err := session.Apply(checkout.EventDeclined, now); err != nil {
				return err
			}
			kind := checkout.FailureDeclined
			if outcome.Expired {
				kind = checkout.FailureExpired
			}
			session.LastFailure = checkout.Failure{Kind: kind, Message: outcome.Reason}
		}
		copyItem := *session
		snapshot = &copyItem
		return nil
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"session_id":  sessionID,
			"attempt_ref": attemptRef,
		}).Info("Settlement resolution ignored")
		return
	}

	if !outcome.Succeeded {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.CommitSettlement(ctx, snapshot, attemptRef, outcome.ExternalPaymentRef, snapshot.AmountCents, outcome.Metadata); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"session_id":           sessionID,
			"attempt_ref":          attemptRef,
			"external_payment_ref": outcome.ExternalPaymentRef,
		}).Error("Commit after settlement resolution failed")
	}
}

// RunExpireSweep forces overdue settling attempts into the expired outcome
// and discards sessions that have sat in a terminal state past the retention
// window. Runs on a ticker inside serve; the wall clock, not the ticker
// cadence, is the expiry authority.
func (s *CheckoutService) RunExpireSweep(_ context.Context) error {
	now := time.Now().UTC()
	expired := s.settlements.ExpireSweep(now)
	if expired > 0 {
		s.logger.WithField("expired", expired).Info("Settlement attempts expired")
	}

	discarded := s.sessions.SweepTerminal(now.Add(-s.sessionRetention()))
	if discarded > 0 {
		s.logger.WithField("discarded", discarded).Info("Terminal sessions discarded")
	}
	return nil
}

func (s *CheckoutService) sessionRetention() time.Duration {
	if s.checkoutCfg.SessionRetention > 0 {
		return s.checkoutCfg.SessionRetention
	}
	return 30 * time.Minute
}

func (s *CheckoutService) GetOrder(ctx context.Context, id uint64) (*entity.Order, error) {
	order, err := s.orderRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *CheckoutService) GetOrderBySession(ctx context.Context, sessionID string) (*entity.Order, error) {
	order, err := s.orderRepo.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *CheckoutService) failSession(sessionID, attemptRef string, kind checkout.FailureKind, message string) {
	err := s.sessions.Mutate(sessionID, func(session *checkout.Session) error {
		if session.AttemptRef != attemptRef {
			return checkout.ErrInvalidTransition
		}
		if err := session.Apply(checkout.EventDeclined, time.Now().UTC()); err != nil {
			return err
		}
		session.LastFailure = checkout.Failure{Kind: kind, Message: message}
		return nil
	})
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Warn("Could not mark session failed")
	}
}

func (s *CheckoutService) batchSize() int32 {
	if s.checkoutCfg.JobBatchSize > 0 {
		return s.checkoutCfg.JobBatchSize
	}
	return defaultBatchSize
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, checkout.ErrSessionNotFound):
		return ErrSessionNotFound
	case errors.Is(err, checkout.ErrSessionBusy):
		return ErrAttemptInFlight
	default:
		return err
	}
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}

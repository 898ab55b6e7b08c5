package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-checkout/app/checkout"
	"github.com/vibast-solutions/ms-go-checkout/app/entity"
	"github.com/vibast-solutions/ms-go-checkout/app/notification"
	"github.com/vibast-solutions/ms-go-checkout/app/repository"
)

// CommitSettlement turns one successful settlement into durable records:
// order first, ledger entry second, confirmation notification last. It is
// idempotent per session id; calling it again returns the existing order and
// writes nothing. Steps never replay an earlier step, so a ledger failure can
// never re-charge the shopper.
func (s *CheckoutService) CommitSettlement(
	ctx context.Context,
	session *checkout.Session,
	attemptRef string,
	externalPaymentRef string,
	amountCents int64,
	metadata map[string]string,
) (*entity.Order, error) {
	existing, err := s.orderRepo.FindBySessionID(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	order := &entity.Order{
		SessionID:            session.ID,
		ProductID:            session.ProductID,
		ProductTitleSnapshot: session.ProductTitle,
		DocumentCount:        session.ProductDocumentCount,
		CustomerName:         session.Customer.Name,
		CustomerEmail:        session.Customer.Email,
		CustomerPhone:        session.Customer.Phone,
		AmountCents:          amountCents,
		Currency:             session.Currency,
		Rail:                 session.Rail,
		ExternalPaymentRef:   externalPaymentRef,
		Status:               entity.OrderStatusCompleted,
		LedgerStatus:         entity.LedgerStatusPending,
		NotifyDeliveryStatus: entity.NotifyDeliveryNone,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.orderRepo.Create(ctx, order); err != nil {
		if errors.Is(err, repository.ErrOrderAlreadyExists) {
			// A concurrent commit for the same session won; its order is
			// authoritative.
			return s.orderRepo.FindBySessionID(ctx, session.ID)
		}
		s.logger.WithError(err).WithFields(logrus.Fields{
			"session_id":           session.ID,
			"attempt_ref":          attemptRef,
			"external_payment_ref": externalPaymentRef,
			"amount_cents":         amountCents,
		}).Error("MONEY MOVED WITHOUT A RECORD: order write failed after successful settlement")
		return nil, fmt.Errorf("%w: external ref %s: %v", ErrOrderNotRecorded, externalPaymentRef, err)
	}

	attemptRefCopy := attemptRef
	_ = s.eventRepo.Create(ctx, &entity.OrderEvent{
		OrderID:    order.ID,
		EventType:  "order_created",
		NewStatus:  order.Status,
		AttemptRef: &attemptRefCopy,
		CreatedAt:  now,
	})

	if err := s.writeLedgerEntry(ctx, order, metadata, now); err != nil {
		// The order stands and is authoritative; the ledger retry job owns
		// the entry from here.
		s.logger.WithError(err).WithFields(logrus.Fields{
			"order_id":             order.ID,
			"external_payment_ref": externalPaymentRef,
		}).Error("Ledger entry write failed; order retained for out-of-band retry")

		_ = s.eventRepo.Create(ctx, &entity.OrderEvent{
			OrderID:   order.ID,
			EventType: "ledger_write_failed",
			NewStatus: order.Status,
			CreatedAt: now,
		})

		s.queueConfirmation(ctx, order, now)
		return order, fmt.Errorf("%w: order %d: %v", ErrLedgerNotRecorded, order.ID, err)
	}

	s.queueConfirmation(ctx, order, now)
	return order, nil
}

// writeLedgerEntry attempts the ledger write with one inline retry before
// handing the order to the out-of-band retry batch.
func (s *CheckoutService) writeLedgerEntry(ctx context.Context, order *entity.Order, metadata map[string]string, now time.Time) error {
	entry := &entity.LedgerEntry{
		OrderID:            order.ID,
		ExternalPaymentRef: order.ExternalPaymentRef,
		AmountCents:        order.AmountCents,
		Currency:           order.Currency,
		CustomerName:       order.CustomerName,
		CustomerEmail:      order.CustomerEmail,
		Rail:               order.Rail,
		Status:             entity.OrderStatusCompleted,
		Metadata:           metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := s.ledgerRepo.Create(ctx, entry)
	if err != nil && !errors.Is(err, repository.ErrLedgerEntryAlreadyExists) {
		err = s.ledgerRepo.Create(ctx, entry)
	}
	if err != nil && !errors.Is(err, repository.ErrLedgerEntryAlreadyExists) {
		order.LedgerRetryAttempts = 1
		order.UpdatedAt = now
		if updateErr := s.orderRepo.Update(ctx, order); updateErr != nil {
			s.logger.WithError(updateErr).WithField("order_id", order.ID).Error("Could not persist ledger retry state")
		}
		return err
	}

	order.LedgerStatus = entity.LedgerStatusRecorded
	order.UpdatedAt = now
	if err := s.orderRepo.Update(ctx, order); err != nil {
		return err
	}

	_ = s.eventRepo.Create(ctx, &entity.OrderEvent{
		OrderID:   order.ID,
		EventType: "ledger_recorded",
		NewStatus: order.Status,
		CreatedAt: now,
	})

	return nil
}

// queueConfirmation marks the confirmation for delivery and tries once
// immediately. A failure stays queued for the dispatch batch; it never
// affects the commit.
func (s *CheckoutService) queueConfirmation(ctx context.Context, order *entity.Order, now time.Time) {
	order.NotifyDeliveryStatus = entity.NotifyDeliveryPending
	order.NotifyDeliveryAttempts = 0
	order.NotifyDeliveryNextAt = &now
	order.NotifyDeliveryLastErr = nil
	order.UpdatedAt = now
	if err := s.orderRepo.Update(ctx, order); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Warn("Could not queue confirmation notification")
		return
	}

	if err := s.dispatchConfirmation(ctx, order, now); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Warn("Confirmation dispatch failed; left queued for retry")
	}
}

func (s *CheckoutService) buildConfirmation(order *entity.Order) *notification.Confirmation {
	return &notification.Confirmation{
		OrderID:              order.ID,
		ProductTitle:         order.ProductTitleSnapshot,
		FormattedPrice:       notification.FormatPrice(order.AmountCents, order.Currency),
		CustomerEmail:        order.CustomerEmail,
		DownloadInstructions: notification.DownloadInstructions(order.DocumentCount),
	}
}

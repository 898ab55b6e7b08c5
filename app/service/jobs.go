package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-checkout/app/entity"
	"github.com/vibast-solutions/ms-go-checkout/app/repository"
)

// RunDispatchNotificationsBatch delivers queued confirmation notifications
// whose retry time has passed. Each order is handled independently; one
// failure does not stop the batch.
func (s *CheckoutService) RunDispatchNotificationsBatch(ctx context.Context) error {
	now := time.Now().UTC()
	orders, err := s.orderRepo.ListDueNotifyDispatch(ctx, now, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, order := range orders {
		if err := s.dispatchConfirmation(ctx, order, now); err != nil {
			s.logger.WithError(err).WithField("order_id", order.ID).Warn("Notification dispatch failed")
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

func (s *CheckoutService) dispatchConfirmation(ctx context.Context, order *entity.Order, now time.Time) error {
	if err := s.notifier.SendConfirmation(ctx, s.buildConfirmation(order)); err != nil {
		s.recordNotifyFailure(ctx, order, err, now)
		return err
	}

	order.NotifyDeliveryStatus = entity.NotifyDeliverySuccess
	order.NotifyDeliveryNextAt = nil
	order.NotifyDeliveryLastErr = nil
	order.UpdatedAt = now
	if err := s.orderRepo.Update(ctx, order); err != nil {
		return err
	}

	_ = s.eventRepo.Create(ctx, &entity.OrderEvent{
		OrderID:   order.ID,
		EventType: "notification_dispatched",
		NewStatus: order.Status,
		CreatedAt: now,
	})

	return nil
}

func (s *CheckoutService) recordNotifyFailure(ctx context.Context, order *entity.Order, cause error, now time.Time) {
	order.NotifyDeliveryAttempts++
	lastErr := truncate(cause.Error(), 1024)
	order.NotifyDeliveryLastErr = &lastErr

	if order.NotifyDeliveryAttempts >= s.checkoutCfg.NotifyMaxAttempts {
		order.NotifyDeliveryStatus = entity.NotifyDeliveryFailed
		order.NotifyDeliveryNextAt = nil
		s.logger.WithField("order_id", order.ID).
			WithField("attempts", order.NotifyDeliveryAttempts).
			Error("Confirmation notification gave up after max attempts")
	} else {
		order.NotifyDeliveryStatus = entity.NotifyDeliveryPending
		nextAt := now.Add(s.checkoutCfg.NotifyRetryInterval)
		order.NotifyDeliveryNextAt = &nextAt
	}

	order.UpdatedAt = now
	if err := s.orderRepo.Update(ctx, order); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Error("Could not persist notification failure state")
		return
	}

	_ = s.eventRepo.Create(ctx, &entity.OrderEvent{
		OrderID:   order.ID,
		EventType: "notification_dispatch_failed",
		NewStatus: order.Status,
		CreatedAt: now,
	})
}

// RunRetryLedgerBatch re-attempts ledger entries for orders whose settlement
// committed but whose ledger write failed. Orders that exhaust their retry
// budget are flagged for manual reconciliation rather than retried forever.
func (s *CheckoutService) RunRetryLedgerBatch(ctx context.Context) error {
	orders, err := s.orderRepo.ListPendingLedger(ctx, s.batchSize())
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var firstErr error
	for _, order := range orders {
		if err := s.retryLedgerEntry(ctx, order, now); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

func (s *CheckoutService) retryLedgerEntry(ctx context.Context, order *entity.Order, now time.Time) error {
	existing, err := s.ledgerRepo.FindByOrderID(ctx, order.ID)
	if err != nil {
		return err
	}

	if existing == nil {
		entry := &entity.LedgerEntry{
			OrderID:            order.ID,
			ExternalPaymentRef: order.ExternalPaymentRef,
			AmountCents:        order.AmountCents,
			Currency:           order.Currency,
			CustomerName:       order.CustomerName,
			CustomerEmail:      order.CustomerEmail,
			Rail:               order.Rail,
			Status:             entity.OrderStatusCompleted,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := s.ledgerRepo.Create(ctx, entry); err != nil && !errors.Is(err, repository.ErrLedgerEntryAlreadyExists) {
			s.markLedgerRetryFailed(ctx, order, err, now)
			return err
		}
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

func (s *CheckoutService) markLedgerRetryFailed(ctx context.Context, order *entity.Order, cause error, now time.Time) {
	order.LedgerRetryAttempts++
	order.UpdatedAt = now

	if order.LedgerRetryAttempts >= s.checkoutCfg.LedgerRetryMaxAttempts {
		order.LedgerStatus = entity.LedgerStatusFailed
		s.logger.WithError(cause).WithFields(logrus.Fields{
			"order_id":             order.ID,
			"external_payment_ref": order.ExternalPaymentRef,
			"amount_cents":         order.AmountCents,
		}).Error("Ledger entry unrecoverable; order needs manual reconciliation")

		_ = s.eventRepo.Create(ctx, &entity.OrderEvent{
			OrderID:   order.ID,
			EventType: "ledger_reconciliation_required",
			NewStatus: order.Status,
			CreatedAt: now,
		})
	} else {
		s.logger.WithError(cause).WithField("order_id", order.ID).Warn("Ledger retry failed")
	}

	if err := s.orderRepo.Update(ctx, order); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Error("Could not persist ledger retry state")
	}
}

func keepFirstErr(current, candidate error) error {
	if current != nil {
		return current
	}
	return candidate
}

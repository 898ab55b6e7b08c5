package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-checkout/app/entity"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderAlreadyExists = errors.New("order already exists")
)

const orderColumns = `
	id, session_id, product_id, product_title_snapshot, document_count,
	customer_name, customer_email, customer_phone,
	amount_cents, currency, rail, external_payment_ref, status,
	ledger_status, ledger_retry_attempts,
	notify_delivery_status, notify_delivery_attempts, notify_delivery_next_at, notify_delivery_last_error,
	created_at, updated_at`

type OrderRepository struct {
	db DBTX
}

func NewOrderRepository(db DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, order *entity.Order) error {
	query := `
		INSERT INTO orders (
			session_id, product_id, product_title_snapshot, document_count,
			customer_name, customer_email, customer_phone,
			amount_cents, currency, rail, external_payment_ref, status,
			ledger_status, ledger_retry_attempts,
			notify_delivery_status, notify_delivery_attempts, notify_delivery_next_at, notify_delivery_last_error,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		order.SessionID,
		order.ProductID,
		order.ProductTitleSnapshot,
		order.DocumentCount,
		order.CustomerName,
		order.CustomerEmail,
		order.CustomerPhone,
		order.AmountCents,
		order.Currency,
		order.Rail,
		order.ExternalPaymentRef,
		order.Status,
		order.LedgerStatus,
		order.LedgerRetryAttempts,
		order.NotifyDeliveryStatus,
		order.NotifyDeliveryAttempts,
		nullableTimeValue(order.NotifyDeliveryNextAt),
		nullableStringValue(order.NotifyDeliveryLastErr),
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrOrderAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	order.ID = uint64(id)
	return nil
}

func (r *OrderRepository) Update(ctx context.Context, order *entity.Order) error {
	query := `
		UPDATE orders SET
			status = ?,
			external_payment_ref = ?,
			ledger_status = ?,
			ledger_retry_attempts = ?,
			notify_delivery_status = ?,
			notify_delivery_attempts = ?,
			notify_delivery_next_at = ?,
			notify_delivery_last_error = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		order.Status,
		order.ExternalPaymentRef,
		order.LedgerStatus,
		order.LedgerRetryAttempts,
		order.NotifyDeliveryStatus,
		order.NotifyDeliveryAttempts,
		nullableTimeValue(order.NotifyDeliveryNextAt),
		nullableStringValue(order.NotifyDeliveryLastErr),
		order.UpdatedAt,
		order.ID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrOrderNotFound
	}

	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, id uint64) (*entity.Order, error) {
	query := `SELECT` + orderColumns + ` FROM orders WHERE id = ?`

	order := &entity.Order{}
	if err := scanOrder(r.db.QueryRowContext(ctx, query, id), order); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return order, nil
}

func (r *OrderRepository) FindBySessionID(ctx context.Context, sessionID string) (*entity.Order, error) {
	query := `SELECT` + orderColumns + ` FROM orders WHERE session_id = ? LIMIT 1`

	order := &entity.Order{}
	if err := scanOrder(r.db.QueryRowContext(ctx, query, sessionID), order); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return order, nil
}

func (r *OrderRepository) ListDueNotifyDispatch(ctx context.Context, now time.Time, limit int32) ([]*entity.Order, error) {
	query := `SELECT` + orderColumns + `
		FROM orders
		WHERE notify_delivery_status = ? AND notify_delivery_next_at IS NOT NULL AND notify_delivery_next_at <= ?
		ORDER BY notify_delivery_next_at ASC
		LIMIT ?`

	return r.queryOrders(ctx, query, entity.NotifyDeliveryPending, now, limit)
}

func (r *OrderRepository) ListPendingLedger(ctx context.Context, limit int32) ([]*entity.Order, error) {
	query := `SELECT` + orderColumns + `
		FROM orders
		WHERE ledger_status = ?
		ORDER BY created_at ASC
		LIMIT ?`

	return r.queryOrders(ctx, query, entity.LedgerStatusPending, limit)
}

func (r *OrderRepository) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*entity.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*entity.Order, 0)
	for rows.Next() {
		order := &entity.Order{}
		if err := scanOrder(rows, order); err != nil {
			return nil, err
		}
		items = append(items, order)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner, order *entity.Order) error {
	var notifyNextAt sql.NullTime
	var notifyLastErr sql.NullString

	err := row.Scan(
		&order.ID,
		&order.SessionID,
		&order.ProductID,
		&order.ProductTitleSnapshot,
		&order.DocumentCount,
		&order.CustomerName,
		&order.CustomerEmail,
		&order.CustomerPhone,
		&order.AmountCents,
		&order.Currency,
		&order.Rail,
		&order.ExternalPaymentRef,
		&order.Status,
		&order.LedgerStatus,
		&order.LedgerRetryAttempts,
		&order.NotifyDeliveryStatus,
		&order.NotifyDeliveryAttempts,
		&notifyNextAt,
		&notifyLastErr,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return err
	}

	order.NotifyDeliveryNextAt = timePtrFromNull(notifyNextAt)
	order.NotifyDeliveryLastErr = stringPtrFromNull(notifyLastErr)
	return nil
}

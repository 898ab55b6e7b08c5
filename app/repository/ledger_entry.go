package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vibast-solutions/ms-go-checkout/app/entity"
)

var ErrLedgerEntryAlreadyExists = errors.New("ledger entry already exists")

type LedgerEntryRepository struct {
	db DBTX
}

func NewLedgerEntryRepository(db DBTX) *LedgerEntryRepository {
	return &LedgerEntryRepository{db: db}
}

func (r *LedgerEntryRepository) Create(ctx context.Context, entry *entity.LedgerEntry) error {
	metadataJSON, err := serializeMetadata(entry.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO payment_ledger_entries (
			order_id, external_payment_ref, amount_cents, currency,
			customer_name, customer_email, rail, status, metadata_json,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		entry.OrderID,
		entry.ExternalPaymentRef,
		entry.AmountCents,
		entry.Currency,
		entry.CustomerName,
		entry.CustomerEmail,
		entry.Rail,
		entry.Status,
		metadataJSON,
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrLedgerEntryAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	entry.ID = uint64(id)
	return nil
}

func (r *LedgerEntryRepository) FindByOrderID(ctx context.Context, orderID uint64) (*entity.LedgerEntry, error) {
	query := `
		SELECT id, order_id, external_payment_ref, amount_cents, currency,
			customer_name, customer_email, rail, status, metadata_json,
			created_at, updated_at
		FROM payment_ledger_entries
		WHERE order_id = ?
		LIMIT 1
	`

	entry := &entity.LedgerEntry{}
	var metadataJSON string
	err := r.db.QueryRowContext(ctx, query, orderID).Scan(
		&entry.ID,
		&entry.OrderID,
		&entry.ExternalPaymentRef,
		&entry.AmountCents,
		&entry.Currency,
		&entry.CustomerName,
		&entry.CustomerEmail,
		&entry.Rail,
		&entry.Status,
		&metadataJSON,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry.Metadata, err = parseMetadata(metadataJSON)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

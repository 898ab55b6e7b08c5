package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vibast-solutions/ms-go-checkout/app/entity"
)

var ErrProductNotFound = errors.New("product not found")

// ProductRepository is the catalog collaborator. Read-only to checkout:
// prices are snapshotted into the session at start and never re-read.
type ProductRepository struct {
	db DBTX
}

func NewProductRepository(db DBTX) *ProductRepository {
	return &ProductRepository{db: db}
}

func (r *ProductRepository) FindByID(ctx context.Context, id string) (*entity.Product, error) {
	query := `
		SELECT id, title, category, price_cents, document_count, created_at, updated_at
		FROM products
		WHERE id = ?
	`

	product := &entity.Product{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&product.ID,
		&product.Title,
		&product.Category,
		&product.PriceCents,
		&product.DocumentCount,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return product, nil
}

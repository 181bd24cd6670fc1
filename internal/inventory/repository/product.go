package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vialpoint/vialpoint-backend/pkg/database"
	"github.com/vialpoint/vialpoint-backend/pkg/errors"
)

// Product represents an injectable or retail product tracked by the service
type Product struct {
	ID                    string          `db:"id" json:"id"`
	Name                  string          `db:"name" json:"name"`
	SKU                   string          `db:"sku" json:"sku"`
	Category              string          `db:"category" json:"category"`
	UnitType              string          `db:"unit_type" json:"unit_type"`
	IsMultiDose           bool            `db:"is_multi_dose" json:"is_multi_dose"`
	DefaultStabilityHours int             `db:"default_stability_hours" json:"default_stability_hours"`
	UnitsPerPackage       decimal.Decimal `db:"units_per_package" json:"units_per_package"`
	CostPrice             decimal.Decimal `db:"cost_price" json:"cost_price"`
	MinStockLevel         decimal.Decimal `db:"min_stock_level" json:"min_stock_level"`
	ReorderPoint          decimal.Decimal `db:"reorder_point" json:"reorder_point"`
	IsActive              bool            `db:"is_active" json:"is_active"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`
}

// ProductRepository handles product persistence
type ProductRepository struct {
	db *database.DB
}

// NewProductRepository creates a new product repository
func NewProductRepository(db *database.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// Create creates a new product
func (r *ProductRepository) Create(ctx context.Context, p *Product) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	query := `
		INSERT INTO products (
			id, name, sku, category, unit_type, is_multi_dose,
			default_stability_hours, units_per_package, cost_price,
			min_stock_level, reorder_point, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		p.ID, p.Name, p.SKU, p.Category, p.UnitType, p.IsMultiDose,
		p.DefaultStabilityHours, p.UnitsPerPackage, p.CostPrice,
		p.MinStockLevel, p.ReorderPoint, p.IsActive,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}
	return nil
}

// GetByID gets a product by ID
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*Product, error) {
	var p Product
	query := `SELECT * FROM products WHERE id = $1`
	if err := r.db.GetContext(ctx, &p, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("product")
		}
		return nil, err
	}
	return &p, nil
}

// GetBySKU gets a product by SKU
func (r *ProductRepository) GetBySKU(ctx context.Context, sku string) (*Product, error) {
	var p Product
	query := `SELECT * FROM products WHERE sku = $1`
	if err := r.db.GetContext(ctx, &p, query, sku); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("product")
		}
		return nil, err
	}
	return &p, nil
}

// List lists products, optionally filtered by category
func (r *ProductRepository) List(ctx context.Context, category string, activeOnly bool) ([]*Product, error) {
	var products []*Product
	query := `SELECT * FROM products WHERE ($1 = '' OR category = $1) AND (NOT $2 OR is_active) ORDER BY name`
	if err := r.db.SelectContext(ctx, &products, query, category, activeOnly); err != nil {
		return nil, err
	}
	return products, nil
}

// Update updates a product
func (r *ProductRepository) Update(ctx context.Context, p *Product) error {
	query := `
		UPDATE products SET
			name = $2, category = $3, unit_type = $4, is_multi_dose = $5,
			default_stability_hours = $6, units_per_package = $7, cost_price = $8,
			min_stock_level = $9, reorder_point = $10, is_active = $11,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		p.ID, p.Name, p.Category, p.UnitType, p.IsMultiDose,
		p.DefaultStabilityHours, p.UnitsPerPackage, p.CostPrice,
		p.MinStockLevel, p.ReorderPoint, p.IsActive,
	)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("product")
	}

	return nil
}

// Deactivate soft-deletes a product
func (r *ProductRepository) Deactivate(ctx context.Context, id string) error {
	query := `UPDATE products SET is_active = false, updated_at = NOW() WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("product")
	}

	return nil
}

package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/vialpoint/vialpoint-backend/pkg/database"
	"github.com/vialpoint/vialpoint-backend/pkg/errors"
)

// Lot statuses
const (
	LotStatusAvailable   = "available"
	LotStatusQuarantined = "quarantined"
	LotStatusRecalled    = "recalled"
	LotStatusExpired     = "expired"
	LotStatusDepleted    = "depleted"
)

// Lot represents a received inventory lot
type Lot struct {
	ID              string          `db:"id" json:"id"`
	ProductID       string          `db:"product_id" json:"product_id"`
	LotNumber       string          `db:"lot_number" json:"lot_number"`
	LocationID      string          `db:"location_id" json:"location_id"`
	Status          string          `db:"status" json:"status"`
	InitialQuantity decimal.Decimal `db:"initial_quantity" json:"initial_quantity"`
	AvailableQty    decimal.Decimal `db:"available_quantity" json:"available_quantity"`
	PurchaseCost    decimal.Decimal `db:"purchase_cost" json:"purchase_cost"`
	ExpirationDate  time.Time       `db:"expiration_date" json:"expiration_date"`
	ReceivedAt      time.Time       `db:"received_at" json:"received_at"`
	ReceivedBy      string          `db:"received_by" json:"received_by"`
	RecallClass     *string         `db:"recall_class" json:"recall_class,omitempty"`
	RecallReason    *string         `db:"recall_reason" json:"recall_reason,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// UnitCost returns the per-unit acquisition cost of the lot.
// Zero when the lot was received without a quantity.
func (l *Lot) UnitCost() decimal.Decimal {
	if l.InitialQuantity.IsZero() {
		return decimal.Zero
	}
	return l.PurchaseCost.Div(l.InitialQuantity).Round(4)
}

// StockLevel is the aggregate available quantity for a product at a location
type StockLevel struct {
	ProductID     string          `db:"product_id" json:"product_id"`
	ProductName   string          `db:"product_name" json:"product_name"`
	LocationID    string          `db:"location_id" json:"location_id"`
	TotalQuantity decimal.Decimal `db:"total_quantity" json:"total_quantity"`
	LotCount      int             `db:"lot_count" json:"lot_count"`
	MinStockLevel decimal.Decimal `db:"min_stock_level" json:"min_stock_level"`
	ReorderPoint  decimal.Decimal `db:"reorder_point" json:"reorder_point"`
	NextExpiry    *time.Time      `db:"next_expiry" json:"next_expiry,omitempty"`
}

// LotRepository handles lot persistence
type LotRepository struct {
	db *database.DB
}

// NewLotRepository creates a new lot repository
func NewLotRepository(db *database.DB) *LotRepository {
	return &LotRepository{db: db}
}

// Create creates a new lot
func (r *LotRepository) Create(ctx context.Context, lot *Lot) error {
	if lot.ID == "" {
		lot.ID = uuid.New().String()
	}
	if lot.Status == "" {
		lot.Status = LotStatusAvailable
	}

	query := `
		INSERT INTO lots (
			id, product_id, lot_number, location_id, status,
			initial_quantity, available_quantity, purchase_cost,
			expiration_date, received_at, received_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		lot.ID, lot.ProductID, lot.LotNumber, lot.LocationID, lot.Status,
		lot.InitialQuantity, lot.AvailableQty, lot.PurchaseCost,
		lot.ExpirationDate, lot.ReceivedAt, lot.ReceivedBy,
	).Scan(&lot.CreatedAt, &lot.UpdatedAt)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}
	return nil
}

// GetByID gets a lot by ID
func (r *LotRepository) GetByID(ctx context.Context, id string) (*Lot, error) {
	var lot Lot
	query := `SELECT * FROM lots WHERE id = $1`
	if err := r.db.GetContext(ctx, &lot, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("lot")
		}
		return nil, err
	}
	return &lot, nil
}

// ListByProduct lists lots for a product, newest expiry last
func (r *LotRepository) ListByProduct(ctx context.Context, productID string, status string) ([]*Lot, error) {
	var lots []*Lot
	query := `
		SELECT * FROM lots
		WHERE product_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY expiration_date, received_at
	`
	if err := r.db.SelectContext(ctx, &lots, query, productID, status); err != nil {
		return nil, err
	}
	return lots, nil
}

// ListAvailableFEFO lists available, unexpired lots for a product at a
// location in first-expire-first-out order. Ties on expiration date break
// on the earlier received_at.
func (r *LotRepository) ListAvailableFEFO(ctx context.Context, productID, locationID string) ([]*Lot, error) {
	var lots []*Lot
	query := `
		SELECT * FROM lots
		WHERE product_id = $1
		AND ($2 = '' OR location_id = $2)
		AND status = 'available'
		AND available_quantity > 0
		AND expiration_date >= CURRENT_DATE
		ORDER BY expiration_date, received_at
	`
	if err := r.db.SelectContext(ctx, &lots, query, productID, locationID); err != nil {
		return nil, err
	}
	return lots, nil
}

// DecrementAvailable atomically deducts quantity from a lot. The guard on
// available_quantity means a concurrent deduction of the same units loses
// the race instead of driving the lot negative.
func (r *LotRepository) DecrementAvailable(ctx context.Context, id string, qty decimal.Decimal) (decimal.Decimal, error) {
	return r.decrement(ctx, r.db, id, qty)
}

// DecrementAvailableTx is DecrementAvailable inside an existing transaction
func (r *LotRepository) DecrementAvailableTx(ctx context.Context, tx *sqlx.Tx, id string, qty decimal.Decimal) (decimal.Decimal, error) {
	return r.decrement(ctx, tx, id, qty)
}

func (r *LotRepository) decrement(ctx context.Context, q sqlx.QueryerContext, id string, qty decimal.Decimal) (decimal.Decimal, error) {
	query := `
		UPDATE lots SET
			available_quantity = available_quantity - $2,
			status = CASE WHEN available_quantity - $2 <= 0 THEN 'depleted' ELSE status END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'available' AND available_quantity >= $2
		RETURNING available_quantity
	`

	var remaining decimal.Decimal
	err := sqlx.GetContext(ctx, q, &remaining, query, id, qty)
	if err == nil {
		return remaining, nil
	}
	if err != sql.ErrNoRows {
		return decimal.Zero, err
	}

	// Zero rows: figure out whether the lot is gone, short, or was raced
	var lot Lot
	if err := sqlx.GetContext(ctx, q, &lot, `SELECT * FROM lots WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return decimal.Zero, errors.NotFound("lot")
		}
		return decimal.Zero, err
	}
	if lot.Status != LotStatusAvailable {
		return decimal.Zero, errors.Conflict("lot is " + lot.Status)
	}
	if lot.AvailableQty.LessThan(qty) {
		return decimal.Zero, errors.InsufficientQuantity(lot.AvailableQty.String(), qty.String())
	}
	return decimal.Zero, errors.ConcurrencyConflict("lot")
}

// IncrementAvailable adds quantity back to a lot (reversals, positive
// adjustments). A depleted lot becomes available again. The guard keeps
// available_quantity from climbing past initial_quantity.
func (r *LotRepository) IncrementAvailable(ctx context.Context, id string, qty decimal.Decimal) (decimal.Decimal, error) {
	return r.increment(ctx, r.db, id, qty)
}

// IncrementAvailableTx is IncrementAvailable inside an existing transaction
func (r *LotRepository) IncrementAvailableTx(ctx context.Context, tx *sqlx.Tx, id string, qty decimal.Decimal) (decimal.Decimal, error) {
	return r.increment(ctx, tx, id, qty)
}

func (r *LotRepository) increment(ctx context.Context, q sqlx.QueryerContext, id string, qty decimal.Decimal) (decimal.Decimal, error) {
	query := `
		UPDATE lots SET
			available_quantity = available_quantity + $2,
			status = CASE WHEN status = 'depleted' THEN 'available' ELSE status END,
			updated_at = NOW()
		WHERE id = $1 AND available_quantity + $2 <= initial_quantity
		RETURNING available_quantity
	`

	var remaining decimal.Decimal
	err := sqlx.GetContext(ctx, q, &remaining, query, id, qty)
	if err == nil {
		return remaining, nil
	}
	if err != sql.ErrNoRows {
		return decimal.Zero, err
	}

	var lot Lot
	if err := sqlx.GetContext(ctx, q, &lot, `SELECT * FROM lots WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return decimal.Zero, errors.NotFound("lot")
		}
		return decimal.Zero, err
	}
	return decimal.Zero, errors.BadRequest("adjustment exceeds the lot's initial quantity")
}

// UpdateStatus transitions a lot between statuses
func (r *LotRepository) UpdateStatus(ctx context.Context, id, status string) error {
	query := `UPDATE lots SET status = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, status)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("lot")
	}

	return nil
}

// Recall marks a lot recalled with its FDA recall class
func (r *LotRepository) Recall(ctx context.Context, id, recallClass, reason string) error {
	query := `
		UPDATE lots SET
			status = 'recalled', recall_class = $2, recall_reason = $3, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id, recallClass, reason)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("lot")
	}

	return nil
}

// TotalAvailable returns the total available quantity for a product at a location
func (r *LotRepository) TotalAvailable(ctx context.Context, productID, locationID string) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	query := `
		SELECT SUM(available_quantity) FROM lots
		WHERE product_id = $1
		AND ($2 = '' OR location_id = $2)
		AND status = 'available'
		AND expiration_date >= CURRENT_DATE
	`
	if err := r.db.GetContext(ctx, &total, query, productID, locationID); err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

// StockLevels aggregates available stock per product, joined with the
// product thresholds the alert evaluator compares against
func (r *LotRepository) StockLevels(ctx context.Context, locationID string) ([]*StockLevel, error) {
	var levels []*StockLevel
	query := `
		SELECT
			p.id AS product_id,
			p.name AS product_name,
			COALESCE($1, '') AS location_id,
			COALESCE(SUM(l.available_quantity), 0) AS total_quantity,
			COUNT(l.id) AS lot_count,
			p.min_stock_level,
			p.reorder_point,
			MIN(l.expiration_date) AS next_expiry
		FROM products p
		LEFT JOIN lots l ON l.product_id = p.id
			AND l.status = 'available'
			AND l.available_quantity > 0
			AND l.expiration_date >= CURRENT_DATE
			AND ($1 = '' OR l.location_id = $1)
		WHERE p.is_active
		GROUP BY p.id, p.name, p.min_stock_level, p.reorder_point
		ORDER BY p.name
	`
	if err := r.db.SelectContext(ctx, &levels, query, locationID); err != nil {
		return nil, err
	}
	return levels, nil
}

// ExpiringLots lists available lots expiring within the given number of days
func (r *LotRepository) ExpiringLots(ctx context.Context, withinDays int) ([]*Lot, error) {
	var lots []*Lot
	query := `
		SELECT * FROM lots
		WHERE status = 'available' AND available_quantity > 0
		AND expiration_date <= CURRENT_DATE + $1
		AND expiration_date >= CURRENT_DATE
		ORDER BY expiration_date
	`
	if err := r.db.SelectContext(ctx, &lots, query, withinDays); err != nil {
		return nil, err
	}
	return lots, nil
}

// MarkExpiredLots transitions lots past their expiration date to expired.
// Returns the lots it transitioned.
func (r *LotRepository) MarkExpiredLots(ctx context.Context) ([]*Lot, error) {
	var lots []*Lot
	query := `
		UPDATE lots SET status = 'expired', updated_at = NOW()
		WHERE status = 'available' AND expiration_date < CURRENT_DATE
		RETURNING *
	`
	if err := r.db.SelectContext(ctx, &lots, query); err != nil {
		return nil, err
	}
	return lots, nil
}

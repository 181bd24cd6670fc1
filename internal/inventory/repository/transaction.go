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

// Transaction types
const (
	TxTypeReceipt          = "receipt"
	TxTypeTreatmentUse     = "treatment_use"
	TxTypeManualAdjustment = "manual_adjustment"
	TxTypeWaste            = "waste"
)

// Transaction statuses
const (
	TxStatusCompleted = "completed"
	TxStatusReversed  = "reversed"
)

// InventoryTransaction is one row of the append-only ledger. Rows are never
// updated or deleted; corrections are new rows referencing the original via
// ReversalOf.
type InventoryTransaction struct {
	ID              string           `db:"id" json:"id"`
	TransactionType string           `db:"transaction_type" json:"transaction_type"`
	Status          string           `db:"status" json:"status"`
	ProductID       string           `db:"product_id" json:"product_id"`
	LotID           *string          `db:"lot_id" json:"lot_id,omitempty"`
	SessionID       *string          `db:"session_id" json:"session_id,omitempty"`
	QuantityChange  decimal.Decimal  `db:"quantity_change" json:"quantity_change"`
	BalanceAfter    *decimal.Decimal `db:"balance_after" json:"balance_after,omitempty"`
	UnitCost        *decimal.Decimal `db:"unit_cost" json:"unit_cost,omitempty"`
	TotalCost       *decimal.Decimal `db:"total_cost" json:"total_cost,omitempty"`
	PatientID       *string          `db:"patient_id" json:"patient_id,omitempty"`
	AppointmentID   *string          `db:"appointment_id" json:"appointment_id,omitempty"`
	ChartID         *string          `db:"chart_id" json:"chart_id,omitempty"`
	Reason          *string          `db:"reason" json:"reason,omitempty"`
	ReversalOf      *string          `db:"reversal_of" json:"reversal_of,omitempty"`
	PerformedBy     string           `db:"performed_by" json:"performed_by"`
	PerformedByName string           `db:"performed_by_name" json:"performed_by_name"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
}

// TransactionFilter narrows ledger queries
type TransactionFilter struct {
	ProductID string
	LotID     string
	SessionID string
	ChartID   string
	PatientID string
	Type      string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// TransactionRepository handles the inventory ledger
type TransactionRepository struct {
	db *database.DB
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *database.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create appends a transaction to the ledger
func (r *TransactionRepository) Create(ctx context.Context, tx *InventoryTransaction) error {
	return r.create(ctx, r.db, tx)
}

// CreateTx appends a transaction inside an existing database transaction
func (r *TransactionRepository) CreateTx(ctx context.Context, dbtx *sqlx.Tx, tx *InventoryTransaction) error {
	return r.create(ctx, dbtx, tx)
}

func (r *TransactionRepository) create(ctx context.Context, q sqlx.QueryerContext, tx *InventoryTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Status == "" {
		tx.Status = TxStatusCompleted
	}

	query := `
		INSERT INTO inventory_transactions (
			id, transaction_type, status, product_id, lot_id, session_id,
			quantity_change, balance_after, unit_cost, total_cost,
			patient_id, appointment_id, chart_id, reason, reversal_of,
			performed_by, performed_by_name
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at
	`

	err := sqlx.GetContext(ctx, q, &tx.CreatedAt, query,
		tx.ID, tx.TransactionType, tx.Status, tx.ProductID, tx.LotID, tx.SessionID,
		tx.QuantityChange, tx.BalanceAfter, tx.UnitCost, tx.TotalCost,
		tx.PatientID, tx.AppointmentID, tx.ChartID, tx.Reason, tx.ReversalOf,
		tx.PerformedBy, tx.PerformedByName,
	)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}
	return nil
}

// GetByID gets a ledger row by ID
func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*InventoryTransaction, error) {
	var tx InventoryTransaction
	query := `SELECT * FROM inventory_transactions WHERE id = $1`
	if err := r.db.GetContext(ctx, &tx, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("transaction")
		}
		return nil, err
	}
	return &tx, nil
}

// GetByIDForUpdateTx locks a ledger row for the duration of the database
// transaction. Used when reversing, so two concurrent reversals of the same
// row serialize.
func (r *TransactionRepository) GetByIDForUpdateTx(ctx context.Context, dbtx *sqlx.Tx, id string) (*InventoryTransaction, error) {
	var tx InventoryTransaction
	query := `SELECT * FROM inventory_transactions WHERE id = $1 FOR UPDATE`
	if err := dbtx.GetContext(ctx, &tx, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("transaction")
		}
		return nil, err
	}
	return &tx, nil
}

// HasReversalTx reports whether a ledger row already has a reversal
// pointing at it
func (r *TransactionRepository) HasReversalTx(ctx context.Context, dbtx *sqlx.Tx, id string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM inventory_transactions WHERE reversal_of = $1)`
	if err := dbtx.GetContext(ctx, &exists, query, id); err != nil {
		return false, err
	}
	return exists, nil
}

// List returns ledger rows matching the filter, newest first
func (r *TransactionRepository) List(ctx context.Context, f TransactionFilter) ([]*InventoryTransaction, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}

	var txs []*InventoryTransaction
	query := `
		SELECT * FROM inventory_transactions
		WHERE ($1 = '' OR product_id::text = $1)
		AND ($2 = '' OR lot_id::text = $2)
		AND ($3 = '' OR session_id::text = $3)
		AND ($4 = '' OR chart_id = $4)
		AND ($5 = '' OR patient_id = $5)
		AND ($6 = '' OR transaction_type = $6)
		AND ($7::timestamptz IS NULL OR created_at >= $7)
		AND ($8::timestamptz IS NULL OR created_at <= $8)
		ORDER BY created_at DESC
		LIMIT $9 OFFSET $10
	`
	err := r.db.SelectContext(ctx, &txs, query,
		f.ProductID, f.LotID, f.SessionID, f.ChartID, f.PatientID, f.Type,
		f.Since, f.Until, f.Limit, f.Offset,
	)
	if err != nil {
		return nil, err
	}
	return txs, nil
}

// ListByLot returns the full trace for a lot, oldest first. Used for
// recall patient tracing.
func (r *TransactionRepository) ListByLot(ctx context.Context, lotID string) ([]*InventoryTransaction, error) {
	var txs []*InventoryTransaction
	query := `SELECT * FROM inventory_transactions WHERE lot_id = $1 ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &txs, query, lotID); err != nil {
		return nil, err
	}
	return txs, nil
}

// PatientsExposedToLot returns the distinct patients who received product
// from a lot, directly or through an open vial
func (r *TransactionRepository) PatientsExposedToLot(ctx context.Context, lotID string) ([]string, error) {
	var patients []string
	query := `
		SELECT DISTINCT patient_id FROM (
			SELECT patient_id FROM inventory_transactions
			WHERE lot_id = $1 AND patient_id IS NOT NULL
			UNION
			SELECT vu.patient_id FROM vial_uses vu
			JOIN open_vial_sessions s ON s.id = vu.session_id
			WHERE s.lot_id = $1
		) exposed
		ORDER BY patient_id
	`
	if err := r.db.SelectContext(ctx, &patients, query, lotID); err != nil {
		return nil, err
	}
	return patients, nil
}

// WasteSummary aggregates waste quantity and cost per product over a window
type WasteSummary struct {
	ProductID   string          `db:"product_id" json:"product_id"`
	WastedUnits decimal.Decimal `db:"wasted_units" json:"wasted_units"`
	WastedCost  decimal.Decimal `db:"wasted_cost" json:"wasted_cost"`
}

// WasteByProduct aggregates waste rows per product since the given time
func (r *TransactionRepository) WasteByProduct(ctx context.Context, since time.Time) ([]*WasteSummary, error) {
	var rows []*WasteSummary
	query := `
		SELECT product_id,
			COALESCE(SUM(-quantity_change), 0) AS wasted_units,
			COALESCE(SUM(COALESCE(total_cost, 0)), 0) AS wasted_cost
		FROM inventory_transactions
		WHERE transaction_type = 'waste' AND created_at >= $1
		GROUP BY product_id
	`
	if err := r.db.SelectContext(ctx, &rows, query, since); err != nil {
		return nil, err
	}
	return rows, nil
}

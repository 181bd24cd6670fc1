package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/vialpoint/vialpoint-backend/pkg/database"
	"github.com/vialpoint/vialpoint-backend/pkg/errors"
)

// Alert types
const (
	AlertTypeLowStock    = "low_stock"
	AlertTypeOutOfStock  = "out_of_stock"
	AlertTypeExpiringLot = "expiring_lot"
	AlertTypeExpiredLot  = "expired_lot"
	AlertTypeLowVial     = "low_vial"
	AlertTypeVialExpired = "vial_expired"
	AlertTypeLotRecalled = "lot_recalled"
)

// Alert severities
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert represents an inventory alert awaiting acknowledgement
type Alert struct {
	ID             string     `db:"id" json:"id"`
	AlertType      string     `db:"alert_type" json:"alert_type"`
	Severity       string     `db:"severity" json:"severity"`
	Message        string     `db:"message" json:"message"`
	ProductID      *string    `db:"product_id" json:"product_id,omitempty"`
	LotID          *string    `db:"lot_id" json:"lot_id,omitempty"`
	SessionID      *string    `db:"session_id" json:"session_id,omitempty"`
	LocationID     *string    `db:"location_id" json:"location_id,omitempty"`
	Acknowledged   bool       `db:"acknowledged" json:"acknowledged"`
	AcknowledgedBy *string    `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// AlertRepository handles alert persistence
type AlertRepository struct {
	db *database.DB
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(db *database.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Create creates a new alert
func (r *AlertRepository) Create(ctx context.Context, a *Alert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	query := `
		INSERT INTO alerts (
			id, alert_type, severity, message,
			product_id, lot_id, session_id, location_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	return r.db.QueryRowxContext(ctx, query,
		a.ID, a.AlertType, a.Severity, a.Message,
		a.ProductID, a.LotID, a.SessionID, a.LocationID,
	).Scan(&a.CreatedAt)
}

// GetByID gets an alert by ID
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*Alert, error) {
	var a Alert
	query := `SELECT * FROM alerts WHERE id = $1`
	if err := r.db.GetContext(ctx, &a, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("alert")
		}
		return nil, err
	}
	return &a, nil
}

// ListOpen lists unacknowledged alerts, most severe and newest first
func (r *AlertRepository) ListOpen(ctx context.Context, alertType, severity string) ([]*Alert, error) {
	var alerts []*Alert
	query := `
		SELECT * FROM alerts
		WHERE NOT acknowledged
		AND ($1 = '' OR alert_type = $1)
		AND ($2 = '' OR severity = $2)
		ORDER BY
			CASE severity WHEN 'critical' THEN 0 WHEN 'warning' THEN 1 ELSE 2 END,
			created_at DESC
	`
	if err := r.db.SelectContext(ctx, &alerts, query, alertType, severity); err != nil {
		return nil, err
	}
	return alerts, nil
}

// Acknowledge marks an alert as seen
func (r *AlertRepository) Acknowledge(ctx context.Context, id, userID string) error {
	query := `
		UPDATE alerts SET
			acknowledged = true, acknowledged_by = $2, acknowledged_at = NOW()
		WHERE id = $1 AND NOT acknowledged
	`
	result, err := r.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("alert")
	}

	return nil
}

// HasOpen reports whether an open alert of the same type already exists
// for the same subject. The scanner uses this to avoid duplicate alerts
// on every pass.
func (r *AlertRepository) HasOpen(ctx context.Context, alertType string, productID, lotID, sessionID *string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM alerts
			WHERE NOT acknowledged
			AND alert_type = $1
			AND product_id IS NOT DISTINCT FROM $2
			AND lot_id IS NOT DISTINCT FROM $3
			AND session_id IS NOT DISTINCT FROM $4
		)
	`
	if err := r.db.GetContext(ctx, &exists, query, alertType, productID, lotID, sessionID); err != nil {
		return false, err
	}
	return exists, nil
}

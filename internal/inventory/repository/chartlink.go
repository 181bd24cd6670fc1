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

// Chart deduction link statuses
const (
	LinkStatusPending        = "pending"
	LinkStatusCompleted      = "completed"
	LinkStatusFailed         = "failed"
	LinkStatusManualOverride = "manual_override"
)

// Chart deduction line statuses
const (
	LineStatusPending   = "pending"
	LineStatusCompleted = "completed"
	LineStatusFailed    = "failed"
)

// ChartDeductionLink ties a completed chart to its inventory deductions.
// The unique chart_id constraint is what makes chart processing idempotent.
type ChartDeductionLink struct {
	ID             string     `db:"id" json:"id"`
	ChartID        string     `db:"chart_id" json:"chart_id"`
	PatientID      string     `db:"patient_id" json:"patient_id"`
	AppointmentID  *string    `db:"appointment_id" json:"appointment_id,omitempty"`
	LocationID     string     `db:"location_id" json:"location_id"`
	Status         string     `db:"status" json:"status"`
	AttemptedAt    time.Time  `db:"attempted_at" json:"attempted_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	OverrideReason *string    `db:"override_reason" json:"override_reason,omitempty"`
	OverriddenBy   *string    `db:"overridden_by" json:"overridden_by,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// ChartDeductionLine is one product usage on a chart and the outcome of
// deducting it
type ChartDeductionLine struct {
	ID             string          `db:"id" json:"id"`
	LinkID         string          `db:"link_id" json:"link_id"`
	ProductID      string          `db:"product_id" json:"product_id"`
	RequestedUnits decimal.Decimal `db:"requested_units" json:"requested_units"`
	LotID          *string         `db:"lot_id" json:"lot_id,omitempty"`
	SessionID      *string         `db:"session_id" json:"session_id,omitempty"`
	Status         string          `db:"status" json:"status"`
	FailureCode    *string         `db:"failure_code" json:"failure_code,omitempty"`
	FailureMessage *string         `db:"failure_message" json:"failure_message,omitempty"`
	TransactionID  *string         `db:"transaction_id" json:"transaction_id,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// ChartLinkRepository handles chart deduction link persistence
type ChartLinkRepository struct {
	db *database.DB
}

// NewChartLinkRepository creates a new chart link repository
func NewChartLinkRepository(db *database.DB) *ChartLinkRepository {
	return &ChartLinkRepository{db: db}
}

// CreateLink creates a deduction link for a chart. Returns a conflict
// error if the chart already has one.
func (r *ChartLinkRepository) CreateLink(ctx context.Context, link *ChartDeductionLink) error {
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	if link.Status == "" {
		link.Status = LinkStatusPending
	}

	query := `
		INSERT INTO chart_deduction_links (
			id, chart_id, patient_id, appointment_id, location_id, status, attempted_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING attempted_at, created_at, updated_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		link.ID, link.ChartID, link.PatientID, link.AppointmentID, link.LocationID, link.Status,
	).Scan(&link.AttemptedAt, &link.CreatedAt, &link.UpdatedAt)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}
	return nil
}

// GetByChartID gets the link for a chart
func (r *ChartLinkRepository) GetByChartID(ctx context.Context, chartID string) (*ChartDeductionLink, error) {
	var link ChartDeductionLink
	query := `SELECT * FROM chart_deduction_links WHERE chart_id = $1`
	if err := r.db.GetContext(ctx, &link, query, chartID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("chart deduction link")
		}
		return nil, err
	}
	return &link, nil
}

// GetLinkByID gets a link by its own ID
func (r *ChartLinkRepository) GetLinkByID(ctx context.Context, id string) (*ChartDeductionLink, error) {
	var link ChartDeductionLink
	query := `SELECT * FROM chart_deduction_links WHERE id = $1`
	if err := r.db.GetContext(ctx, &link, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("chart deduction link")
		}
		return nil, err
	}
	return &link, nil
}

// UpdateLinkStatus transitions a link's status
func (r *ChartLinkRepository) UpdateLinkStatus(ctx context.Context, id, status string, completedAt *time.Time) error {
	query := `
		UPDATE chart_deduction_links SET
			status = $2, completed_at = $3, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id, status, completedAt)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("chart deduction link")
	}

	return nil
}

// MarkOverridden closes a link as manually handled, recording who and why
func (r *ChartLinkRepository) MarkOverridden(ctx context.Context, id, reason, userID string, completedAt time.Time) error {
	query := `
		UPDATE chart_deduction_links SET
			status = $2, completed_at = $3, override_reason = $4, overridden_by = $5,
			updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id, LinkStatusManualOverride, completedAt, reason, userID)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("chart deduction link")
	}

	return nil
}

// CreateLine creates a deduction line under a link
func (r *ChartLinkRepository) CreateLine(ctx context.Context, line *ChartDeductionLine) error {
	if line.ID == "" {
		line.ID = uuid.New().String()
	}
	if line.Status == "" {
		line.Status = LineStatusPending
	}

	query := `
		INSERT INTO chart_deduction_lines (
			id, link_id, product_id, requested_units, lot_id, session_id, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	return r.db.QueryRowxContext(ctx, query,
		line.ID, line.LinkID, line.ProductID, line.RequestedUnits,
		line.LotID, line.SessionID, line.Status,
	).Scan(&line.CreatedAt, &line.UpdatedAt)
}

// UpdateLine records the outcome of resolving a line
func (r *ChartLinkRepository) UpdateLine(ctx context.Context, line *ChartDeductionLine) error {
	query := `
		UPDATE chart_deduction_lines SET
			lot_id = $2, session_id = $3, status = $4,
			failure_code = $5, failure_message = $6, transaction_id = $7,
			updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		line.ID, line.LotID, line.SessionID, line.Status,
		line.FailureCode, line.FailureMessage, line.TransactionID,
	)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("chart deduction line")
	}

	return nil
}

// ListLines lists the lines under a link in creation order
func (r *ChartLinkRepository) ListLines(ctx context.Context, linkID string) ([]*ChartDeductionLine, error) {
	var lines []*ChartDeductionLine
	query := `SELECT * FROM chart_deduction_lines WHERE link_id = $1 ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &lines, query, linkID); err != nil {
		return nil, err
	}
	return lines, nil
}

// ListFailedLines lists only the failed lines under a link, for retry
func (r *ChartLinkRepository) ListFailedLines(ctx context.Context, linkID string) ([]*ChartDeductionLine, error) {
	var lines []*ChartDeductionLine
	query := `SELECT * FROM chart_deduction_lines WHERE link_id = $1 AND status = 'failed' ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &lines, query, linkID); err != nil {
		return nil, err
	}
	return lines, nil
}

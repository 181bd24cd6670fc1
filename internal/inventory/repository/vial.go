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

// Open-vial session statuses. Active is the only non-terminal status.
const (
	VialStatusActive    = "active"
	VialStatusDepleted  = "depleted"
	VialStatusExpired   = "expired"
	VialStatusDiscarded = "discarded"
)

// OpenVialSession represents an opened multi-dose vial being drawn down
// across patients within its stability window
type OpenVialSession struct {
	ID             string          `db:"id" json:"id"`
	VialNumber     string          `db:"vial_number" json:"vial_number"`
	LotID          string          `db:"lot_id" json:"lot_id"`
	ProductID      string          `db:"product_id" json:"product_id"`
	LocationID     string          `db:"location_id" json:"location_id"`
	Status         string          `db:"status" json:"status"`
	OriginalUnits  decimal.Decimal `db:"original_units" json:"original_units"`
	CurrentUnits   decimal.Decimal `db:"current_units" json:"current_units"`
	UsedUnits      decimal.Decimal `db:"used_units" json:"used_units"`
	WastedUnits    decimal.Decimal `db:"wasted_units" json:"wasted_units"`
	Diluent        *string         `db:"diluent" json:"diluent,omitempty"`
	Concentration  *string         `db:"concentration" json:"concentration,omitempty"`
	StabilityHours int             `db:"stability_hours" json:"stability_hours"`
	OpenedAt       time.Time       `db:"opened_at" json:"opened_at"`
	ExpiresAt      time.Time       `db:"expires_at" json:"expires_at"`
	ClosedAt       *time.Time      `db:"closed_at" json:"closed_at,omitempty"`
	CloseReason    *string         `db:"close_reason" json:"close_reason,omitempty"`
	OpenedBy       string          `db:"opened_by" json:"opened_by"`
	ClosedBy       *string         `db:"closed_by" json:"closed_by,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// VialUse records a single draw from an open vial for one patient
type VialUse struct {
	ID            string          `db:"id" json:"id"`
	SessionID     string          `db:"session_id" json:"session_id"`
	PatientID     string          `db:"patient_id" json:"patient_id"`
	Units         decimal.Decimal `db:"units" json:"units"`
	WastedUnits   decimal.Decimal `db:"wasted_units" json:"wasted_units"`
	ChartID       *string         `db:"chart_id" json:"chart_id,omitempty"`
	AppointmentID *string         `db:"appointment_id" json:"appointment_id,omitempty"`
	AreasInjected *string         `db:"areas_injected" json:"areas_injected,omitempty"`
	TransactionID *string         `db:"transaction_id" json:"transaction_id,omitempty"`
	PerformedBy   string          `db:"performed_by" json:"performed_by"`
	PerformedAt   time.Time       `db:"performed_at" json:"performed_at"`
}

// ExpiredVial is a session the expiry sweep just transitioned, with the
// units that were still in the vial when it lapsed
type ExpiredVial struct {
	OpenVialSession
	ExpiredUnits decimal.Decimal `db:"expired_units" json:"expired_units"`
}

// VialRepository handles open-vial session persistence
type VialRepository struct {
	db *database.DB
}

// NewVialRepository creates a new vial repository
func NewVialRepository(db *database.DB) *VialRepository {
	return &VialRepository{db: db}
}

// Create creates a new open-vial session
func (r *VialRepository) Create(ctx context.Context, s *OpenVialSession) error {
	return r.create(ctx, r.db, s)
}

// CreateTx creates a session inside an existing database transaction
func (r *VialRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, s *OpenVialSession) error {
	return r.create(ctx, tx, s)
}

func (r *VialRepository) create(ctx context.Context, q sqlx.QueryerContext, s *OpenVialSession) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Status == "" {
		s.Status = VialStatusActive
	}

	query := `
		INSERT INTO open_vial_sessions (
			id, vial_number, lot_id, product_id, location_id, status,
			original_units, current_units, used_units, wasted_units,
			diluent, concentration, stability_hours, opened_at, expires_at, opened_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at
	`

	err := q.QueryRowxContext(ctx, query,
		s.ID, s.VialNumber, s.LotID, s.ProductID, s.LocationID, s.Status,
		s.OriginalUnits, s.CurrentUnits, s.UsedUnits, s.WastedUnits,
		s.Diluent, s.Concentration, s.StabilityHours, s.OpenedAt, s.ExpiresAt, s.OpenedBy,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}
	return nil
}

// GetByID gets a session by ID
func (r *VialRepository) GetByID(ctx context.Context, id string) (*OpenVialSession, error) {
	var s OpenVialSession
	query := `SELECT * FROM open_vial_sessions WHERE id = $1`
	if err := r.db.GetContext(ctx, &s, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("vial session")
		}
		return nil, err
	}
	return &s, nil
}

// GetByIDForUpdate locks a session row for the duration of the transaction.
// Concurrent dose recordings against the same vial serialize here.
func (r *VialRepository) GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*OpenVialSession, error) {
	var s OpenVialSession
	query := `SELECT * FROM open_vial_sessions WHERE id = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &s, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("vial session")
		}
		return nil, err
	}
	return &s, nil
}

// ListActive lists active sessions, soonest-expiring first so the front
// desk uses up the most urgent vial
func (r *VialRepository) ListActive(ctx context.Context, productID, locationID string) ([]*OpenVialSession, error) {
	var sessions []*OpenVialSession
	query := `
		SELECT * FROM open_vial_sessions
		WHERE status = 'active'
		AND ($1 = '' OR product_id = $1)
		AND ($2 = '' OR location_id = $2)
		ORDER BY expires_at
	`
	if err := r.db.SelectContext(ctx, &sessions, query, productID, locationID); err != nil {
		return nil, err
	}
	return sessions, nil
}

// NextVialSequence returns the count of sessions opened for a lot, used to
// number vials within the lot
func (r *VialRepository) NextVialSequence(ctx context.Context, lotID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM open_vial_sessions WHERE lot_id = $1`
	if err := r.db.GetContext(ctx, &count, query, lotID); err != nil {
		return 0, err
	}
	return count + 1, nil
}

// UpdateUnitsTx persists the session's unit counters inside a transaction
func (r *VialRepository) UpdateUnitsTx(ctx context.Context, tx *sqlx.Tx, s *OpenVialSession) error {
	query := `
		UPDATE open_vial_sessions SET
			current_units = $2, used_units = $3, wasted_units = $4,
			status = $5, closed_at = $6, close_reason = $7, closed_by = $8,
			updated_at = NOW()
		WHERE id = $1
	`
	result, err := tx.ExecContext(ctx, query,
		s.ID, s.CurrentUnits, s.UsedUnits, s.WastedUnits,
		s.Status, s.ClosedAt, s.CloseReason, s.ClosedBy,
	)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("vial session")
	}

	return nil
}

// MarkExpired transitions a session to expired outside a dose transaction
func (r *VialRepository) MarkExpired(ctx context.Context, id string) error {
	query := `
		UPDATE open_vial_sessions SET
			status = 'expired', closed_at = NOW(), close_reason = 'stability window lapsed',
			updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// ExpireOverdue transitions all active sessions past their stability window.
// Returns the sessions it transitioned, for waste accounting.
func (r *VialRepository) ExpireOverdue(ctx context.Context) ([]*ExpiredVial, error) {
	var sessions []*ExpiredVial
	query := `
		UPDATE open_vial_sessions SET
			status = 'expired', closed_at = NOW(), close_reason = 'expired',
			wasted_units = wasted_units + current_units, current_units = 0,
			updated_at = NOW()
		FROM (
			SELECT id, current_units AS expired_units
			FROM open_vial_sessions
			WHERE status = 'active' AND expires_at < NOW()
			FOR UPDATE
		) overdue
		WHERE open_vial_sessions.id = overdue.id
		RETURNING open_vial_sessions.*, overdue.expired_units
	`
	if err := r.db.SelectContext(ctx, &sessions, query); err != nil {
		return nil, err
	}
	return sessions, nil
}

// RecordUseTx inserts a vial use row inside a transaction
func (r *VialRepository) RecordUseTx(ctx context.Context, tx *sqlx.Tx, use *VialUse) error {
	if use.ID == "" {
		use.ID = uuid.New().String()
	}

	query := `
		INSERT INTO vial_uses (
			id, session_id, patient_id, units, wasted_units,
			chart_id, appointment_id, areas_injected, transaction_id, performed_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING performed_at
	`

	return tx.QueryRowxContext(ctx, query,
		use.ID, use.SessionID, use.PatientID, use.Units, use.WastedUnits,
		use.ChartID, use.AppointmentID, use.AreasInjected, use.TransactionID, use.PerformedBy,
	).Scan(&use.PerformedAt)
}

// ListUses lists the dose history for a session
func (r *VialRepository) ListUses(ctx context.Context, sessionID string) ([]*VialUse, error) {
	var uses []*VialUse
	query := `SELECT * FROM vial_uses WHERE session_id = $1 ORDER BY performed_at`
	if err := r.db.SelectContext(ctx, &uses, query, sessionID); err != nil {
		return nil, err
	}
	return uses, nil
}

// CountPatients counts distinct patients served from a session
func (r *VialRepository) CountPatients(ctx context.Context, sessionID string) (int, error) {
	var count int
	query := `SELECT COUNT(DISTINCT patient_id) FROM vial_uses WHERE session_id = $1`
	if err := r.db.GetContext(ctx, &count, query, sessionID); err != nil {
		return 0, err
	}
	return count, nil
}

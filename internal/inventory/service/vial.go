package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/events"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/repository"
	"github.com/vialpoint/vialpoint-backend/pkg/actor"
	"github.com/vialpoint/vialpoint-backend/pkg/database"
	"github.com/vialpoint/vialpoint-backend/pkg/errors"
	"github.com/vialpoint/vialpoint-backend/pkg/logger"
)

// Close reasons accepted for an open vial
const (
	CloseReasonExpired       = "expired"
	CloseReasonContamination = "contamination"
	CloseReasonDepleted      = "depleted"
	CloseReasonEndOfDay      = "end_of_day"
	CloseReasonManualClose   = "manual_close"
)

// VialService manages the lifecycle of multi-dose open vial sessions
type VialService struct {
	db          *database.DB
	vialRepo    *repository.VialRepository
	lotRepo     *repository.LotRepository
	productRepo *repository.ProductRepository
	txRepo      *repository.TransactionRepository
	alerts      *AlertService
	publisher   *events.InventoryEventPublisher
	logger      *logger.Logger

	lowVialThreshold decimal.Decimal
}

// NewVialService creates a new vial service. lowVialUnits is the
// remaining-units level below which a low vial warning is raised.
func NewVialService(
	db *database.DB,
	vialRepo *repository.VialRepository,
	lotRepo *repository.LotRepository,
	productRepo *repository.ProductRepository,
	txRepo *repository.TransactionRepository,
	alerts *AlertService,
	publisher *events.InventoryEventPublisher,
	lowVialUnits float64,
	log *logger.Logger,
) *VialService {
	return &VialService{
		db:               db,
		vialRepo:         vialRepo,
		lotRepo:          lotRepo,
		productRepo:      productRepo,
		txRepo:           txRepo,
		alerts:           alerts,
		publisher:        publisher,
		logger:           log,
		lowVialThreshold: decimal.NewFromFloat(lowVialUnits),
	}
}

// OpenVialInput carries the parameters for opening a vial. Units is
// optional; when zero the product's units-per-package is used.
type OpenVialInput struct {
	LotID          string
	Units          decimal.Decimal
	Diluent        *string
	Concentration  *string
	StabilityHours int
}

// DoseInput carries one dose draw against an open vial
type DoseInput struct {
	PatientID     string
	Units         decimal.Decimal
	WastedUnits   decimal.Decimal
	ChartID       *string
	AppointmentID *string
	AreasInjected *string
}

// UseResult is the outcome of drawing a dose from an open vial
type UseResult struct {
	Session        *repository.OpenVialSession      `json:"session"`
	Use            *repository.VialUse              `json:"use"`
	Transaction    *repository.InventoryTransaction `json:"transaction"`
	LowVial        bool                             `json:"low_vial"`
	Depleted       bool                             `json:"depleted"`
	HoursRemaining float64                          `json:"stability_hours_remaining"`
}

// SessionDetail is an open vial session with its dose history
type SessionDetail struct {
	*repository.OpenVialSession
	Uses         []*repository.VialUse `json:"uses"`
	PatientCount int                   `json:"patient_count"`
}

// OpenVial opens a vial from a lot, starting its stability window. The
// vial's units are moved out of the lot's available quantity and tracked
// on the session from here on.
func (s *VialService) OpenVial(ctx context.Context, in OpenVialInput, act *actor.Actor) (*repository.OpenVialSession, error) {
	lot, err := s.lotRepo.GetByID(ctx, in.LotID)
	if err != nil {
		return nil, err
	}

	product, err := s.productRepo.GetByID(ctx, lot.ProductID)
	if err != nil {
		return nil, err
	}
	if !product.IsMultiDose {
		return nil, errors.BadRequest("product is not multi-dose")
	}

	units := in.Units.Round(2)
	if units.IsZero() {
		units = product.UnitsPerPackage
	}
	if units.LessThanOrEqual(decimal.Zero) {
		return nil, errors.BadRequest("vial units must be positive")
	}
	if lot.AvailableQty.LessThan(units) {
		return nil, errors.InsufficientQuantity(lot.AvailableQty.String(), units.String())
	}

	stabilityHours := in.StabilityHours
	if stabilityHours <= 0 {
		stabilityHours = product.DefaultStabilityHours
	}
	if stabilityHours <= 0 {
		return nil, errors.BadRequest("stability window is required")
	}

	seq, err := s.vialRepo.NextVialSequence(ctx, in.LotID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &repository.OpenVialSession{
		VialNumber:     fmt.Sprintf("V-%s-%03d", now.Format("20060102"), seq),
		LotID:          lot.ID,
		ProductID:      lot.ProductID,
		LocationID:     lot.LocationID,
		Status:         repository.VialStatusActive,
		OriginalUnits:  units,
		CurrentUnits:   units,
		Diluent:        in.Diluent,
		Concentration:  in.Concentration,
		StabilityHours: stabilityHours,
		OpenedAt:       now,
		ExpiresAt:      now.Add(time.Duration(stabilityHours) * time.Hour),
		OpenedBy:       act.ID,
	}

	err = s.db.Transaction(ctx, func(dbtx *sqlx.Tx) error {
		balance, err := s.lotRepo.DecrementAvailableTx(ctx, dbtx, in.LotID, units)
		if err != nil {
			return err
		}
		if err := s.vialRepo.CreateTx(ctx, dbtx, session); err != nil {
			return err
		}

		unitCost := lot.UnitCost()
		totalCost := unitCost.Mul(units).Round(2)
		change := units.Neg()
		reason := "vial opened"
		tx := &repository.InventoryTransaction{
			TransactionType: repository.TxTypeManualAdjustment,
			ProductID:       lot.ProductID,
			LotID:           &lot.ID,
			SessionID:       &session.ID,
			QuantityChange:  change,
			BalanceAfter:    &balance,
			UnitCost:        &unitCost,
			TotalCost:       &totalCost,
			Reason:          &reason,
			PerformedBy:     act.ID,
			PerformedByName: act.Name,
		}
		return s.txRepo.CreateTx(ctx, dbtx, tx)
	})
	if err != nil {
		return nil, err
	}

	s.publisher.PublishVialOpened(ctx, session)
	s.alerts.CheckProductThresholds(ctx, lot.ProductID)
	return session, nil
}

// RecordUse draws a dose from an active vial for a patient. Runs under a
// row lock so concurrent draws cannot overdraw the vial. An expired vial
// is persisted as expired before the draw is rejected.
func (s *VialService) RecordUse(ctx context.Context, sessionID string, in DoseInput, act *actor.Actor) (*UseResult, error) {
	units := in.Units.Round(2)
	wastedUnits := in.WastedUnits.Round(2)
	if units.LessThanOrEqual(decimal.Zero) {
		return nil, errors.BadRequest("dose units must be positive")
	}
	if wastedUnits.IsNegative() {
		return nil, errors.BadRequest("wasted units cannot be negative")
	}
	if in.PatientID == "" {
		return nil, errors.BadRequest("patient is required")
	}

	result := &UseResult{}
	var lapsed bool
	err := s.db.Transaction(ctx, func(dbtx *sqlx.Tx) error {
		session, err := s.vialRepo.GetByIDForUpdate(ctx, dbtx, sessionID)
		if err != nil {
			return err
		}

		if session.Status != repository.VialStatusActive {
			return errors.VialNotActive(session.Status)
		}
		if time.Now().After(session.ExpiresAt) {
			// The expiry transition has to commit even though the
			// draw is rejected, so finish the transaction cleanly
			// and reject afterwards.
			if err := s.expireTx(ctx, dbtx, session, act); err != nil {
				return err
			}
			lapsed = true
			result.Session = session
			return nil
		}

		draw := units.Add(wastedUnits)
		if session.CurrentUnits.LessThan(draw) {
			return errors.InsufficientQuantity(session.CurrentUnits.String(), draw.String())
		}

		session.CurrentUnits = session.CurrentUnits.Sub(draw)
		session.UsedUnits = session.UsedUnits.Add(units)
		session.WastedUnits = session.WastedUnits.Add(wastedUnits)

		if session.CurrentUnits.IsZero() {
			now := time.Now().UTC()
			reason := CloseReasonDepleted
			session.Status = repository.VialStatusDepleted
			session.ClosedAt = &now
			session.CloseReason = &reason
			session.ClosedBy = &act.ID
			result.Depleted = true
		}

		if err := s.vialRepo.UpdateUnitsTx(ctx, dbtx, session); err != nil {
			return err
		}

		lot, err := s.lotRepo.GetByID(ctx, session.LotID)
		if err != nil {
			return err
		}
		unitCost := lot.UnitCost()
		totalCost := unitCost.Mul(units).Round(2)
		change := units.Neg()
		tx := &repository.InventoryTransaction{
			TransactionType: repository.TxTypeTreatmentUse,
			ProductID:       session.ProductID,
			LotID:           &session.LotID,
			SessionID:       &session.ID,
			QuantityChange:  change,
			BalanceAfter:    &session.CurrentUnits,
			UnitCost:        &unitCost,
			TotalCost:       &totalCost,
			PatientID:       &in.PatientID,
			AppointmentID:   in.AppointmentID,
			ChartID:         in.ChartID,
			PerformedBy:     act.ID,
			PerformedByName: act.Name,
		}
		if err := s.txRepo.CreateTx(ctx, dbtx, tx); err != nil {
			return err
		}

		use := &repository.VialUse{
			SessionID:     session.ID,
			PatientID:     in.PatientID,
			Units:         units,
			WastedUnits:   wastedUnits,
			ChartID:       in.ChartID,
			AppointmentID: in.AppointmentID,
			AreasInjected: in.AreasInjected,
			TransactionID: &tx.ID,
			PerformedBy:   act.ID,
		}
		if err := s.vialRepo.RecordUseTx(ctx, dbtx, use); err != nil {
			return err
		}

		result.Session = session
		result.Use = use
		result.Transaction = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	if lapsed {
		s.afterExpiry(ctx, result.Session)
		return nil, errors.VialExpired()
	}

	result.LowVial = !result.Depleted && result.Session.CurrentUnits.LessThan(s.lowVialThreshold)
	if !result.Depleted {
		result.HoursRemaining = time.Until(result.Session.ExpiresAt).Hours()
	}

	s.publisher.PublishVialUsed(ctx, result.Session, result.Use, result.LowVial)
	if result.LowVial {
		s.alerts.RaiseLowVial(ctx, result.Session)
	}
	if result.Depleted {
		patients, _ := s.vialRepo.CountPatients(ctx, result.Session.ID)
		s.publisher.PublishVialClosed(ctx, result.Session, patients)
	}

	return result, nil
}

// RecordWaste discards units from an active vial without a patient dose
func (s *VialService) RecordWaste(ctx context.Context, sessionID string, units decimal.Decimal, reason string, act *actor.Actor) (*repository.OpenVialSession, error) {
	units = units.Round(2)
	if units.LessThanOrEqual(decimal.Zero) {
		return nil, errors.BadRequest("waste units must be positive")
	}
	if reason == "" {
		return nil, errors.BadRequest("waste requires a reason")
	}

	var session *repository.OpenVialSession
	err := s.db.Transaction(ctx, func(dbtx *sqlx.Tx) error {
		var err error
		session, err = s.vialRepo.GetByIDForUpdate(ctx, dbtx, sessionID)
		if err != nil {
			return err
		}
		if session.Status != repository.VialStatusActive {
			return errors.VialNotActive(session.Status)
		}
		if session.CurrentUnits.LessThan(units) {
			return errors.InsufficientQuantity(session.CurrentUnits.String(), units.String())
		}

		session.CurrentUnits = session.CurrentUnits.Sub(units)
		session.WastedUnits = session.WastedUnits.Add(units)
		if session.CurrentUnits.IsZero() {
			now := time.Now().UTC()
			closeReason := CloseReasonDepleted
			session.Status = repository.VialStatusDepleted
			session.ClosedAt = &now
			session.CloseReason = &closeReason
			session.ClosedBy = &act.ID
		}
		if err := s.vialRepo.UpdateUnitsTx(ctx, dbtx, session); err != nil {
			return err
		}

		return s.wasteLedgerTx(ctx, dbtx, session, units, reason, act)
	})
	if err != nil {
		return nil, err
	}

	return session, nil
}

// CloseVial closes an open vial. Remaining units are written off as
// waste. The close reason determines the terminal status.
func (s *VialService) CloseVial(ctx context.Context, sessionID, reason string, act *actor.Actor) (*repository.OpenVialSession, error) {
	switch reason {
	case CloseReasonExpired, CloseReasonContamination, CloseReasonDepleted,
		CloseReasonEndOfDay, CloseReasonManualClose:
	default:
		return nil, errors.BadRequest("unknown close reason")
	}

	var session *repository.OpenVialSession
	err := s.db.Transaction(ctx, func(dbtx *sqlx.Tx) error {
		var err error
		session, err = s.vialRepo.GetByIDForUpdate(ctx, dbtx, sessionID)
		if err != nil {
			return err
		}
		if session.Status != repository.VialStatusActive {
			return errors.VialNotActive(session.Status)
		}

		remaining := session.CurrentUnits

		now := time.Now().UTC()
		session.Status = terminalStatus(reason, remaining)
		session.CurrentUnits = decimal.Zero
		session.WastedUnits = session.WastedUnits.Add(remaining)
		session.ClosedAt = &now
		session.CloseReason = &reason
		session.ClosedBy = &act.ID

		if err := s.vialRepo.UpdateUnitsTx(ctx, dbtx, session); err != nil {
			return err
		}

		if remaining.IsPositive() {
			return s.wasteLedgerTx(ctx, dbtx, session, remaining, "vial closed: "+reason, act)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	patients, _ := s.vialRepo.CountPatients(ctx, session.ID)
	s.publisher.PublishVialClosed(ctx, session, patients)
	return session, nil
}

// GetSession gets an open vial session with its dose history
func (s *VialService) GetSession(ctx context.Context, id string) (*SessionDetail, error) {
	session, err := s.vialRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	uses, err := s.vialRepo.ListUses(ctx, id)
	if err != nil {
		return nil, err
	}

	patients, err := s.vialRepo.CountPatients(ctx, id)
	if err != nil {
		return nil, err
	}

	return &SessionDetail{
		OpenVialSession: session,
		Uses:            uses,
		PatientCount:    patients,
	}, nil
}

// ListActive lists active sessions, soonest to expire first
func (s *VialService) ListActive(ctx context.Context, productID, locationID string) ([]*repository.OpenVialSession, error) {
	return s.vialRepo.ListActive(ctx, productID, locationID)
}

// expireTx transitions a lapsed vial to expired inside the caller's
// transaction, wasting whatever units remain.
func (s *VialService) expireTx(ctx context.Context, dbtx *sqlx.Tx, session *repository.OpenVialSession, act *actor.Actor) error {
	remaining := session.CurrentUnits
	now := time.Now().UTC()
	reason := CloseReasonExpired

	session.Status = repository.VialStatusExpired
	session.CurrentUnits = decimal.Zero
	session.WastedUnits = session.WastedUnits.Add(remaining)
	session.ClosedAt = &now
	session.CloseReason = &reason
	session.ClosedBy = &act.ID

	if err := s.vialRepo.UpdateUnitsTx(ctx, dbtx, session); err != nil {
		return err
	}
	if remaining.IsPositive() {
		return s.wasteLedgerTx(ctx, dbtx, session, remaining, "stability window lapsed", act)
	}
	return nil
}

// afterExpiry publishes the alerts and events for a vial that was just
// lazily expired.
func (s *VialService) afterExpiry(ctx context.Context, session *repository.OpenVialSession) {
	s.alerts.RaiseVialExpired(ctx, session, session.WastedUnits)
	patients, _ := s.vialRepo.CountPatients(ctx, session.ID)
	s.publisher.PublishVialClosed(ctx, session, patients)
}

func (s *VialService) wasteLedgerTx(ctx context.Context, dbtx *sqlx.Tx, session *repository.OpenVialSession, units decimal.Decimal, reason string, act *actor.Actor) error {
	lot, err := s.lotRepo.GetByID(ctx, session.LotID)
	if err != nil {
		return err
	}
	unitCost := lot.UnitCost()
	totalCost := unitCost.Mul(units).Round(2)
	change := units.Neg()
	tx := &repository.InventoryTransaction{
		TransactionType: repository.TxTypeWaste,
		ProductID:       session.ProductID,
		LotID:           &session.LotID,
		SessionID:       &session.ID,
		QuantityChange:  change,
		BalanceAfter:    &session.CurrentUnits,
		UnitCost:        &unitCost,
		TotalCost:       &totalCost,
		Reason:          &reason,
		PerformedBy:     act.ID,
		PerformedByName: act.Name,
	}
	return s.txRepo.CreateTx(ctx, dbtx, tx)
}

// terminalStatus maps a close reason to the session's terminal status
func terminalStatus(reason string, remaining decimal.Decimal) string {
	switch {
	case reason == CloseReasonContamination || reason == CloseReasonManualClose:
		return repository.VialStatusDiscarded
	case reason == CloseReasonDepleted || remaining.IsZero():
		return repository.VialStatusDepleted
	default:
		return repository.VialStatusExpired
	}
}

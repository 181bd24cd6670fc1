package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/events"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/repository"
	"github.com/vialpoint/vialpoint-backend/pkg/actor"
	"github.com/vialpoint/vialpoint-backend/pkg/database"
	"github.com/vialpoint/vialpoint-backend/pkg/errors"
	"github.com/vialpoint/vialpoint-backend/pkg/logger"
	"github.com/vialpoint/vialpoint-backend/pkg/messaging"
)

// DeductionService turns completed charts into inventory deductions.
// Each chart is processed at most once, enforced by the unique chart
// link, and each chart line is resolved independently so one failing
// line does not block the rest.
type DeductionService struct {
	db          *database.DB
	productRepo *repository.ProductRepository
	lotRepo     *repository.LotRepository
	txRepo      *repository.TransactionRepository
	linkRepo    *repository.ChartLinkRepository
	vials       *VialService
	alerts      *AlertService
	publisher   *events.InventoryEventPublisher
	logger      *logger.Logger
}

// NewDeductionService creates a new deduction service
func NewDeductionService(
	db *database.DB,
	productRepo *repository.ProductRepository,
	lotRepo *repository.LotRepository,
	txRepo *repository.TransactionRepository,
	linkRepo *repository.ChartLinkRepository,
	vials *VialService,
	alerts *AlertService,
	publisher *events.InventoryEventPublisher,
	log *logger.Logger,
) *DeductionService {
	return &DeductionService{
		db:          db,
		productRepo: productRepo,
		lotRepo:     lotRepo,
		txRepo:      txRepo,
		linkRepo:    linkRepo,
		vials:       vials,
		alerts:      alerts,
		publisher:   publisher,
		logger:      log,
	}
}

// LotAllocation is one lot's share of a planned deduction
type LotAllocation struct {
	LotID string          `json:"lot_id"`
	Units decimal.Decimal `json:"units"`
}

// PlanAllocation spreads a requested quantity across lots in the order
// given. Lots are expected in FEFO order. The plan is all or nothing:
// if the lots cannot cover the full request no allocation is returned.
func PlanAllocation(lots []*repository.Lot, requested decimal.Decimal) ([]LotAllocation, error) {
	if requested.LessThanOrEqual(decimal.Zero) {
		return nil, errors.BadRequest("requested units must be positive")
	}

	var plan []LotAllocation
	remaining := requested
	for _, lot := range lots {
		if remaining.IsZero() {
			break
		}
		if lot.AvailableQty.LessThanOrEqual(decimal.Zero) {
			continue
		}
		take := decimal.Min(lot.AvailableQty, remaining)
		plan = append(plan, LotAllocation{LotID: lot.ID, Units: take})
		remaining = remaining.Sub(take)
	}

	if remaining.IsPositive() {
		return nil, errors.ErrNoAvailableInventory
	}
	return plan, nil
}

// DeductionResult is the outcome of processing a chart
type DeductionResult struct {
	Link           *repository.ChartDeductionLink   `json:"link"`
	Lines          []*repository.ChartDeductionLine `json:"lines"`
	TransactionIDs []string                         `json:"transaction_ids"`
}

// ProcessChart deducts inventory for every line on a completed chart.
// A chart that was already processed is rejected and the prior link is
// returned on the error details.
func (s *DeductionService) ProcessChart(ctx context.Context, chart *messaging.ChartCompletedEvent, act *actor.Actor) (*DeductionResult, error) {
	if chart.ChartID == "" {
		return nil, errors.BadRequest("chart id is required")
	}
	if len(chart.Lines) == 0 {
		return nil, errors.BadRequest("chart has no deduction lines")
	}

	link := &repository.ChartDeductionLink{
		ChartID:     chart.ChartID,
		PatientID:   chart.PatientID,
		LocationID:  chart.LocationID,
		Status:      repository.LinkStatusPending,
		AttemptedAt: time.Now().UTC(),
	}
	if chart.AppointmentID != "" {
		appointmentID := chart.AppointmentID
		link.AppointmentID = &appointmentID
	}
	if err := s.linkRepo.CreateLink(ctx, link); err != nil {
		if errors.Is(err, errors.ErrConflict) {
			return s.alreadyProcessed(ctx, chart.ChartID)
		}
		return nil, err
	}

	lines := make([]*repository.ChartDeductionLine, 0, len(chart.Lines))
	for _, cl := range chart.Lines {
		line := &repository.ChartDeductionLine{
			LinkID:         link.ID,
			ProductID:      cl.ProductID,
			RequestedUnits: cl.Units.Round(2),
			Status:         repository.LineStatusPending,
		}
		if cl.LotID != "" {
			lotID := cl.LotID
			line.LotID = &lotID
		}
		if cl.SessionID != "" {
			sessionID := cl.SessionID
			line.SessionID = &sessionID
		}
		if err := s.linkRepo.CreateLine(ctx, line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}

	return s.resolve(ctx, link, lines, chart.PatientID, act)
}

// RetryChart re-resolves the failed lines of a failed chart link.
// Lines that already completed are left alone.
func (s *DeductionService) RetryChart(ctx context.Context, chartID string, act *actor.Actor) (*DeductionResult, error) {
	link, err := s.linkRepo.GetByChartID(ctx, chartID)
	if err != nil {
		return nil, err
	}
	if link.Status != repository.LinkStatusFailed {
		return nil, errors.Conflict("only failed charts can be retried")
	}

	failed, err := s.linkRepo.ListFailedLines(ctx, link.ID)
	if err != nil {
		return nil, err
	}
	if len(failed) == 0 {
		return nil, errors.Conflict("chart has no failed lines")
	}

	link.Status = repository.LinkStatusPending
	if err := s.linkRepo.UpdateLinkStatus(ctx, link.ID, repository.LinkStatusPending, nil); err != nil {
		return nil, err
	}

	for _, line := range failed {
		line.Status = repository.LineStatusPending
		line.FailureCode = nil
		line.FailureMessage = nil
	}

	return s.resolve(ctx, link, failed, link.PatientID, act)
}

// OverrideChart marks a failed chart as manually handled. No inventory
// moves; the link is closed so the chart stops showing up as failed.
func (s *DeductionService) OverrideChart(ctx context.Context, chartID, reason string, act *actor.Actor) (*DeductionResult, error) {
	if reason == "" {
		return nil, errors.BadRequest("override requires a reason")
	}

	link, err := s.linkRepo.GetByChartID(ctx, chartID)
	if err != nil {
		return nil, err
	}
	if link.Status != repository.LinkStatusFailed {
		return nil, errors.Conflict("only failed charts can be overridden")
	}

	now := time.Now().UTC()
	if err := s.linkRepo.MarkOverridden(ctx, link.ID, reason, act.ID, now); err != nil {
		return nil, err
	}
	link.Status = repository.LinkStatusManualOverride
	link.CompletedAt = &now
	link.OverrideReason = &reason
	link.OverriddenBy = &act.ID

	s.logger.Info().Str("chart_id", chartID).Str("reason", reason).Str("user_id", act.ID).Msg("chart deduction manually overridden")

	lines, err := s.linkRepo.ListLines(ctx, link.ID)
	if err != nil {
		return nil, err
	}

	return &DeductionResult{Link: link, Lines: lines}, nil
}

// GetByChartID gets a chart's deduction link and lines
func (s *DeductionService) GetByChartID(ctx context.Context, chartID string) (*DeductionResult, error) {
	link, err := s.linkRepo.GetByChartID(ctx, chartID)
	if err != nil {
		return nil, err
	}

	lines, err := s.linkRepo.ListLines(ctx, link.ID)
	if err != nil {
		return nil, err
	}

	txIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		if line.TransactionID != nil {
			txIDs = append(txIDs, *line.TransactionID)
		}
	}

	return &DeductionResult{Link: link, Lines: lines, TransactionIDs: txIDs}, nil
}

// ManualDeduct deducts stock for a product outside of charting, using
// FEFO lot selection.
func (s *DeductionService) ManualDeduct(ctx context.Context, productID, locationID string, units decimal.Decimal, patientID, reason string, act *actor.Actor) ([]*repository.InventoryTransaction, error) {
	if reason == "" {
		return nil, errors.BadRequest("manual deduction requires a reason")
	}

	var patient *string
	if patientID != "" {
		patient = &patientID
	}
	txs, err := s.deductFEFO(ctx, productID, locationID, units.Round(2), patient, nil, nil, &reason, act)
	if err != nil {
		return nil, err
	}

	s.alerts.CheckProductThresholds(ctx, productID)
	return txs, nil
}

// ReverseTransaction appends a compensating ledger row for a lot-scoped
// transaction and restores the lot's quantity. The original row is never
// touched; the reversal carries status reversed and points back at it.
func (s *DeductionService) ReverseTransaction(ctx context.Context, txID, reason string, act *actor.Actor) (*repository.InventoryTransaction, error) {
	if reason == "" {
		return nil, errors.BadRequest("reversal requires a reason")
	}

	var reversal *repository.InventoryTransaction
	err := s.db.Transaction(ctx, func(dbtx *sqlx.Tx) error {
		original, err := s.txRepo.GetByIDForUpdateTx(ctx, dbtx, txID)
		if err != nil {
			return err
		}
		if original.Status == repository.TxStatusReversed {
			return errors.Conflict("reversals cannot be reversed")
		}
		if original.SessionID != nil {
			return errors.Conflict("vial transactions cannot be reversed; close or waste the vial instead")
		}
		if original.LotID == nil {
			return errors.Conflict("transaction has no lot to restore")
		}

		reversed, err := s.txRepo.HasReversalTx(ctx, dbtx, original.ID)
		if err != nil {
			return err
		}
		if reversed {
			return errors.Conflict("transaction is already reversed")
		}

		var balance decimal.Decimal
		if original.QuantityChange.IsNegative() {
			balance, err = s.lotRepo.IncrementAvailableTx(ctx, dbtx, *original.LotID, original.QuantityChange.Neg())
		} else {
			balance, err = s.lotRepo.DecrementAvailableTx(ctx, dbtx, *original.LotID, original.QuantityChange)
		}
		if err != nil {
			return err
		}

		reversal = &repository.InventoryTransaction{
			TransactionType: original.TransactionType,
			Status:          repository.TxStatusReversed,
			ProductID:       original.ProductID,
			LotID:           original.LotID,
			QuantityChange:  original.QuantityChange.Neg(),
			BalanceAfter:    &balance,
			UnitCost:        original.UnitCost,
			TotalCost:       original.TotalCost,
			PatientID:       original.PatientID,
			AppointmentID:   original.AppointmentID,
			ChartID:         original.ChartID,
			Reason:          &reason,
			ReversalOf:      &original.ID,
			PerformedBy:     act.ID,
			PerformedByName: act.Name,
		}
		return s.txRepo.CreateTx(ctx, dbtx, reversal)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("transaction_id", txID).
		Str("reversal_id", reversal.ID).
		Str("user_id", act.ID).
		Msg("transaction reversed")
	s.alerts.CheckProductThresholds(ctx, reversal.ProductID)

	return reversal, nil
}

// resolve executes the given pending lines and settles the link status
func (s *DeductionService) resolve(ctx context.Context, link *repository.ChartDeductionLink, lines []*repository.ChartDeductionLine, patientID string, act *actor.Actor) (*DeductionResult, error) {
	var txIDs []string
	var reasons []string
	products := map[string]struct{}{}

	for _, line := range lines {
		ids, err := s.executeLine(ctx, link, line, patientID, act)
		if err != nil {
			code, msg := failureOf(err)
			line.Status = repository.LineStatusFailed
			line.FailureCode = &code
			line.FailureMessage = &msg
			reasons = append(reasons, line.ProductID+": "+msg)
			// A line that found no stock still needs its out_of_stock alert
			products[line.ProductID] = struct{}{}
			s.logger.Warn().
				Str("chart_id", link.ChartID).
				Str("product_id", line.ProductID).
				Str("failure_code", code).
				Msg("chart deduction line failed")
		} else {
			line.Status = repository.LineStatusCompleted
			if len(ids) > 0 {
				line.TransactionID = &ids[0]
			}
			txIDs = append(txIDs, ids...)
			products[line.ProductID] = struct{}{}
		}
		if err := s.linkRepo.UpdateLine(ctx, line); err != nil {
			return nil, err
		}
	}

	allLines, err := s.linkRepo.ListLines(ctx, link.ID)
	if err != nil {
		return nil, err
	}

	status := repository.LinkStatusCompleted
	var completedAt *time.Time
	for _, line := range allLines {
		if line.Status != repository.LineStatusCompleted {
			status = repository.LinkStatusFailed
			break
		}
	}
	if status == repository.LinkStatusCompleted {
		now := time.Now().UTC()
		completedAt = &now
	}
	if err := s.linkRepo.UpdateLinkStatus(ctx, link.ID, status, completedAt); err != nil {
		return nil, err
	}
	link.Status = status
	link.CompletedAt = completedAt

	if status == repository.LinkStatusCompleted {
		s.publisher.PublishDeductionCompleted(ctx, link.ChartID, link.ID, txIDs)
	} else {
		s.publisher.PublishDeductionFailed(ctx, link.ChartID, link.ID, reasons)
	}
	for productID := range products {
		s.alerts.CheckProductThresholds(ctx, productID)
	}

	return &DeductionResult{Link: link, Lines: allLines, TransactionIDs: txIDs}, nil
}

// executeLine routes one chart line to the right deduction path
func (s *DeductionService) executeLine(ctx context.Context, link *repository.ChartDeductionLink, line *repository.ChartDeductionLine, patientID string, act *actor.Actor) ([]string, error) {
	chartID := link.ChartID

	switch {
	case line.SessionID != nil:
		result, err := s.vials.RecordUse(ctx, *line.SessionID, DoseInput{
			PatientID:     patientID,
			Units:         line.RequestedUnits,
			ChartID:       &chartID,
			AppointmentID: link.AppointmentID,
		}, act)
		if err != nil {
			return nil, err
		}
		return []string{result.Transaction.ID}, nil

	case line.LotID != nil:
		tx, err := s.deductLot(ctx, *line.LotID, line.RequestedUnits, &patientID, link.AppointmentID, &chartID, nil, act)
		if err != nil {
			return nil, err
		}
		return []string{tx.ID}, nil

	default:
		txs, err := s.deductFEFO(ctx, line.ProductID, link.LocationID, line.RequestedUnits, &patientID, link.AppointmentID, &chartID, nil, act)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(txs))
		for i, tx := range txs {
			ids[i] = tx.ID
		}
		return ids, nil
	}
}

// deductLot decrements a specific lot and writes the ledger entry, both
// in one database transaction
func (s *DeductionService) deductLot(ctx context.Context, lotID string, units decimal.Decimal, patientID, appointmentID, chartID, reason *string, act *actor.Actor) (*repository.InventoryTransaction, error) {
	lot, err := s.lotRepo.GetByID(ctx, lotID)
	if err != nil {
		return nil, err
	}

	var tx *repository.InventoryTransaction
	err = s.db.Transaction(ctx, func(dbtx *sqlx.Tx) error {
		tx, err = s.deductLotTx(ctx, dbtx, lot, units, patientID, appointmentID, chartID, reason, act)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publisher.PublishStockDeducted(ctx, tx, *tx.BalanceAfter)
	return tx, nil
}

func (s *DeductionService) deductLotTx(ctx context.Context, dbtx *sqlx.Tx, lot *repository.Lot, units decimal.Decimal, patientID, appointmentID, chartID, reason *string, act *actor.Actor) (*repository.InventoryTransaction, error) {
	balance, err := s.lotRepo.DecrementAvailableTx(ctx, dbtx, lot.ID, units)
	if err != nil {
		return nil, err
	}

	unitCost := lot.UnitCost()
	totalCost := unitCost.Mul(units).Round(2)
	change := units.Neg()
	tx := &repository.InventoryTransaction{
		TransactionType: repository.TxTypeTreatmentUse,
		ProductID:       lot.ProductID,
		LotID:           &lot.ID,
		QuantityChange:  change,
		BalanceAfter:    &balance,
		UnitCost:        &unitCost,
		TotalCost:       &totalCost,
		PatientID:       patientID,
		AppointmentID:   appointmentID,
		ChartID:         chartID,
		Reason:          reason,
		PerformedBy:     act.ID,
		PerformedByName: act.Name,
	}
	if err := s.txRepo.CreateTx(ctx, dbtx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// deductFEFO plans an allocation across available lots and executes the
// whole plan in one database transaction. A lot that moved underneath
// the plan rolls back every slice and fails the line, so a retry runs
// against a fresh plan with nothing already taken.
func (s *DeductionService) deductFEFO(ctx context.Context, productID, locationID string, units decimal.Decimal, patientID, appointmentID, chartID, reason *string, act *actor.Actor) ([]*repository.InventoryTransaction, error) {
	lots, err := s.lotRepo.ListAvailableFEFO(ctx, productID, locationID)
	if err != nil {
		return nil, err
	}

	plan, err := PlanAllocation(lots, units)
	if err != nil {
		if errors.Is(err, errors.ErrNoAvailableInventory) {
			return nil, errors.NoAvailableInventory(productID)
		}
		return nil, err
	}

	byID := make(map[string]*repository.Lot, len(lots))
	for _, lot := range lots {
		byID[lot.ID] = lot
	}

	var txs []*repository.InventoryTransaction
	err = s.db.Transaction(ctx, func(dbtx *sqlx.Tx) error {
		txs = txs[:0]
		for _, alloc := range plan {
			tx, err := s.deductLotTx(ctx, dbtx, byID[alloc.LotID], alloc.Units, patientID, appointmentID, chartID, reason, act)
			if err != nil {
				return err
			}
			txs = append(txs, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, tx := range txs {
		s.publisher.PublishStockDeducted(ctx, tx, *tx.BalanceAfter)
	}
	return txs, nil
}

// alreadyProcessed loads the existing link for a duplicate chart and
// wraps it on the rejection.
func (s *DeductionService) alreadyProcessed(ctx context.Context, chartID string) (*DeductionResult, error) {
	existing, err := s.GetByChartID(ctx, chartID)
	if err != nil {
		return nil, errors.AlreadyProcessed(chartID)
	}

	appErr := errors.AlreadyProcessed(chartID).WithDetails(map[string]string{
		"link_id":     existing.Link.ID,
		"link_status": existing.Link.Status,
	})
	return existing, appErr
}

// failureOf extracts a stable failure code and message from an error
func failureOf(err error) (string, string) {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return appErr.Code, appErr.Message
	}
	return "INTERNAL_ERROR", err.Error()
}

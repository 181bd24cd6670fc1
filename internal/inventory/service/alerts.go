package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/events"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/repository"
	"github.com/vialpoint/vialpoint-backend/pkg/logger"
)

// Expiry warning bands in days. A lot inside a tighter band gets a more
// severe alert.
const (
	expiryBandCritical = 7
	expiryBandWarning  = 30
	expiryBandInfo     = 90
)

// AlertService evaluates stock thresholds and expiry windows and
// maintains the open alert list
type AlertService struct {
	alertRepo   *repository.AlertRepository
	lotRepo     *repository.LotRepository
	productRepo *repository.ProductRepository
	publisher   *events.InventoryEventPublisher
	logger      *logger.Logger
}

// NewAlertService creates a new alert service
func NewAlertService(
	alertRepo *repository.AlertRepository,
	lotRepo *repository.LotRepository,
	productRepo *repository.ProductRepository,
	publisher *events.InventoryEventPublisher,
	log *logger.Logger,
) *AlertService {
	return &AlertService{
		alertRepo:   alertRepo,
		lotRepo:     lotRepo,
		productRepo: productRepo,
		publisher:   publisher,
		logger:      log,
	}
}

// ListOpen lists unacknowledged alerts, most severe first
func (s *AlertService) ListOpen(ctx context.Context, alertType, severity string) ([]*repository.Alert, error) {
	return s.alertRepo.ListOpen(ctx, alertType, severity)
}

// Acknowledge marks an alert as acknowledged
func (s *AlertService) Acknowledge(ctx context.Context, id, userID string) error {
	return s.alertRepo.Acknowledge(ctx, id, userID)
}

// CheckProductThresholds compares a product's total available stock
// against its reorder point and minimum stock level. Called after any
// operation that reduces stock.
func (s *AlertService) CheckProductThresholds(ctx context.Context, productID string) {
	product, err := s.productRepo.GetByID(ctx, productID)
	if err != nil {
		return
	}

	total, err := s.lotRepo.TotalAvailable(ctx, productID, "")
	if err != nil {
		return
	}

	switch {
	case total.IsZero():
		s.raise(ctx, &repository.Alert{
			AlertType: repository.AlertTypeOutOfStock,
			Severity:  repository.SeverityCritical,
			Message:   fmt.Sprintf("%s is out of stock", product.Name),
			ProductID: &product.ID,
		})
	case total.LessThanOrEqual(product.MinStockLevel):
		s.raise(ctx, &repository.Alert{
			AlertType: repository.AlertTypeLowStock,
			Severity:  repository.SeverityCritical,
			Message: fmt.Sprintf("%s is below minimum stock (%s/%s %s)",
				product.Name, total.String(), product.MinStockLevel.String(), product.UnitType),
			ProductID: &product.ID,
		})
	case total.LessThanOrEqual(product.ReorderPoint):
		s.raise(ctx, &repository.Alert{
			AlertType: repository.AlertTypeLowStock,
			Severity:  repository.SeverityWarning,
			Message: fmt.Sprintf("%s has reached its reorder point (%s/%s %s)",
				product.Name, total.String(), product.ReorderPoint.String(), product.UnitType),
			ProductID: &product.ID,
		})
	}
}

// CheckExpiringLots raises alerts for available lots expiring within the
// configured window and publishes expiring events for lots inside the
// tightest band.
func (s *AlertService) CheckExpiringLots(ctx context.Context, withinDays int) error {
	lots, err := s.lotRepo.ExpiringLots(ctx, withinDays)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, lot := range lots {
		daysUntil := int(lot.ExpirationDate.Sub(now).Hours() / 24)
		severity := expirySeverity(daysUntil)

		product, err := s.productRepo.GetByID(ctx, lot.ProductID)
		if err != nil {
			continue
		}

		s.raise(ctx, &repository.Alert{
			AlertType: repository.AlertTypeExpiringLot,
			Severity:  severity,
			Message: fmt.Sprintf("lot %s of %s expires in %d days (%s %s remaining)",
				lot.LotNumber, product.Name, daysUntil, lot.AvailableQty.String(), product.UnitType),
			ProductID: &lot.ProductID,
			LotID:     &lot.ID,
		})

		if daysUntil <= expiryBandCritical {
			s.publisher.PublishLotExpiring(ctx, lot, product.Name, daysUntil)
		}
	}

	return nil
}

// RaiseExpiredLot raises a critical alert for a lot the scanner just
// marked expired.
func (s *AlertService) RaiseExpiredLot(ctx context.Context, lot *repository.Lot) {
	s.raise(ctx, &repository.Alert{
		AlertType: repository.AlertTypeExpiredLot,
		Severity:  repository.SeverityCritical,
		Message: fmt.Sprintf("lot %s expired with %s units remaining",
			lot.LotNumber, lot.AvailableQty.String()),
		ProductID: &lot.ProductID,
		LotID:     &lot.ID,
	})
}

// RaiseLotRecalled raises an alert for a recalled lot. Class I recalls
// are critical; class II and III are warnings.
func (s *AlertService) RaiseLotRecalled(ctx context.Context, lot *repository.Lot, recallClass string) {
	severity := repository.SeverityWarning
	if recallClass == "I" {
		severity = repository.SeverityCritical
	}
	s.raise(ctx, &repository.Alert{
		AlertType: repository.AlertTypeLotRecalled,
		Severity:  severity,
		Message: fmt.Sprintf("lot %s recalled (class %s) with %s units on hand",
			lot.LotNumber, recallClass, lot.AvailableQty.String()),
		ProductID: &lot.ProductID,
		LotID:     &lot.ID,
	})
}

// RaiseLowVial raises a warning for an open vial running low
func (s *AlertService) RaiseLowVial(ctx context.Context, session *repository.OpenVialSession) {
	s.raise(ctx, &repository.Alert{
		AlertType: repository.AlertTypeLowVial,
		Severity:  repository.SeverityWarning,
		Message: fmt.Sprintf("vial %s has %s units remaining",
			session.VialNumber, session.CurrentUnits.String()),
		ProductID: &session.ProductID,
		SessionID: &session.ID,
	})
}

// RaiseVialExpired raises a warning for an open vial whose stability
// window has lapsed.
func (s *AlertService) RaiseVialExpired(ctx context.Context, session *repository.OpenVialSession, wasted decimal.Decimal) {
	s.raise(ctx, &repository.Alert{
		AlertType: repository.AlertTypeVialExpired,
		Severity:  repository.SeverityWarning,
		Message: fmt.Sprintf("vial %s passed its stability window, %s units wasted",
			session.VialNumber, wasted.String()),
		ProductID: &session.ProductID,
		SessionID: &session.ID,
	})
}

// raise creates an alert unless an identical open one already exists,
// then publishes it. Errors are logged and swallowed so alerting never
// fails the operation that triggered it.
func (s *AlertService) raise(ctx context.Context, alert *repository.Alert) {
	exists, err := s.alertRepo.HasOpen(ctx, alert.AlertType, alert.ProductID, alert.LotID, alert.SessionID)
	if err != nil {
		s.logger.Error().Err(err).Str("alert_type", alert.AlertType).Msg("failed to check open alerts")
		return
	}
	if exists {
		return
	}

	if err := s.alertRepo.Create(ctx, alert); err != nil {
		s.logger.Error().Err(err).Str("alert_type", alert.AlertType).Msg("failed to create alert")
		return
	}

	s.publisher.PublishAlertGenerated(ctx, alert)
}

func expirySeverity(daysUntil int) string {
	switch {
	case daysUntil <= expiryBandCritical:
		return repository.SeverityCritical
	case daysUntil <= expiryBandWarning:
		return repository.SeverityWarning
	default:
		return repository.SeverityInfo
	}
}

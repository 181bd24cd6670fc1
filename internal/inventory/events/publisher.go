package events

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/repository"
	"github.com/vialpoint/vialpoint-backend/pkg/logger"
	"github.com/vialpoint/vialpoint-backend/pkg/messaging"
)

// InventoryEventPublisher publishes inventory-related events
type InventoryEventPublisher struct {
	publisher *messaging.Publisher
	logger    *logger.Logger
}

// NewInventoryEventPublisher creates a new inventory event publisher
func NewInventoryEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*InventoryEventPublisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangeInventoryEvents, "inventory-service", log)
	if err != nil {
		return nil, err
	}

	return &InventoryEventPublisher{
		publisher: publisher,
		logger:    log,
	}, nil
}

// PublishLotReceived publishes a lot received event
func (p *InventoryEventPublisher) PublishLotReceived(ctx context.Context, lot *repository.Lot) {
	if p == nil {
		return
	}
	data := messaging.LotReceivedEvent{
		LotID:          lot.ID,
		ProductID:      lot.ProductID,
		LotNumber:      lot.LotNumber,
		LocationID:     lot.LocationID,
		Quantity:       lot.InitialQuantity,
		ExpirationDate: lot.ExpirationDate,
		ReceivedBy:     lot.ReceivedBy,
	}

	if err := p.publisher.Publish(ctx, messaging.EventLotReceived, data); err != nil {
		p.logger.Error().Err(err).Str("lot_id", lot.ID).Msg("failed to publish lot received event")
	}
}

// PublishLotQuarantined publishes a lot quarantined event
func (p *InventoryEventPublisher) PublishLotQuarantined(ctx context.Context, lot *repository.Lot, reason string) {
	if p == nil {
		return
	}
	data := messaging.LotQuarantinedEvent{
		LotID:     lot.ID,
		ProductID: lot.ProductID,
		LotNumber: lot.LotNumber,
		Reason:    reason,
	}

	if err := p.publisher.Publish(ctx, messaging.EventLotQuarantined, data); err != nil {
		p.logger.Error().Err(err).Str("lot_id", lot.ID).Msg("failed to publish lot quarantined event")
	}
}

// PublishLotReleased publishes a lot released event
func (p *InventoryEventPublisher) PublishLotReleased(ctx context.Context, lot *repository.Lot) {
	if p == nil {
		return
	}
	data := messaging.LotReleasedEvent{
		LotID:     lot.ID,
		ProductID: lot.ProductID,
		LotNumber: lot.LotNumber,
	}

	if err := p.publisher.Publish(ctx, messaging.EventLotReleased, data); err != nil {
		p.logger.Error().Err(err).Str("lot_id", lot.ID).Msg("failed to publish lot released event")
	}
}

// PublishLotRecalled publishes a lot recalled event
func (p *InventoryEventPublisher) PublishLotRecalled(ctx context.Context, lot *repository.Lot, recallClass, reason string, patientCount int) {
	if p == nil {
		return
	}
	data := messaging.LotRecalledEvent{
		LotID:        lot.ID,
		ProductID:    lot.ProductID,
		LotNumber:    lot.LotNumber,
		RecallClass:  recallClass,
		Reason:       reason,
		PatientCount: patientCount,
	}

	if err := p.publisher.Publish(ctx, messaging.EventLotRecalled, data); err != nil {
		p.logger.Error().Err(err).Str("lot_id", lot.ID).Msg("failed to publish lot recalled event")
	}
}

// PublishLotExpiring publishes a lot expiring event
func (p *InventoryEventPublisher) PublishLotExpiring(ctx context.Context, lot *repository.Lot, productName string, daysUntil int) {
	if p == nil {
		return
	}
	data := messaging.LotExpiringEvent{
		LotID:          lot.ID,
		ProductID:      lot.ProductID,
		ProductName:    productName,
		LotNumber:      lot.LotNumber,
		ExpirationDate: lot.ExpirationDate,
		DaysUntil:      daysUntil,
		Quantity:       lot.AvailableQty,
	}

	if err := p.publisher.Publish(ctx, messaging.EventLotExpiring, data); err != nil {
		p.logger.Error().Err(err).Str("lot_id", lot.ID).Msg("failed to publish lot expiring event")
	}
}

// PublishStockDeducted publishes a stock deducted event
func (p *InventoryEventPublisher) PublishStockDeducted(ctx context.Context, tx *repository.InventoryTransaction, newQuantity decimal.Decimal) {
	if p == nil {
		return
	}
	data := messaging.StockDeductedEvent{
		ProductID:   tx.ProductID,
		Units:       tx.QuantityChange.Neg(),
		NewQuantity: newQuantity,
		PerformedBy: tx.PerformedBy,
	}
	if tx.LotID != nil {
		data.LotID = *tx.LotID
	}
	if tx.SessionID != nil {
		data.SessionID = *tx.SessionID
	}
	if tx.ChartID != nil {
		data.ChartID = *tx.ChartID
	}

	if err := p.publisher.Publish(ctx, messaging.EventStockDeducted, data); err != nil {
		p.logger.Error().Err(err).Str("product_id", tx.ProductID).Msg("failed to publish stock deducted event")
	}
}

// PublishStockAdjusted publishes a stock adjusted event
func (p *InventoryEventPublisher) PublishStockAdjusted(ctx context.Context, tx *repository.InventoryTransaction, newQuantity decimal.Decimal) {
	if p == nil {
		return
	}
	reason := ""
	if tx.Reason != nil {
		reason = *tx.Reason
	}
	lotID := ""
	if tx.LotID != nil {
		lotID = *tx.LotID
	}

	data := messaging.StockAdjustedEvent{
		ProductID:   tx.ProductID,
		LotID:       lotID,
		Adjustment:  tx.QuantityChange,
		NewQuantity: newQuantity,
		PerformedBy: tx.PerformedBy,
		Reason:      reason,
	}

	if err := p.publisher.Publish(ctx, messaging.EventStockAdjusted, data); err != nil {
		p.logger.Error().Err(err).Str("product_id", tx.ProductID).Msg("failed to publish stock adjusted event")
	}
}

// PublishVialOpened publishes a vial opened event
func (p *InventoryEventPublisher) PublishVialOpened(ctx context.Context, s *repository.OpenVialSession) {
	if p == nil {
		return
	}
	data := messaging.VialOpenedEvent{
		SessionID:      s.ID,
		VialNumber:     s.VialNumber,
		ProductID:      s.ProductID,
		LotID:          s.LotID,
		OriginalUnits:  s.OriginalUnits,
		StabilityHours: s.StabilityHours,
		ExpiresAt:      s.ExpiresAt,
		OpenedBy:       s.OpenedBy,
	}

	if err := p.publisher.Publish(ctx, messaging.EventVialOpened, data); err != nil {
		p.logger.Error().Err(err).Str("session_id", s.ID).Msg("failed to publish vial opened event")
	}
}

// PublishVialUsed publishes a vial used event
func (p *InventoryEventPublisher) PublishVialUsed(ctx context.Context, s *repository.OpenVialSession, use *repository.VialUse, lowVial bool) {
	if p == nil {
		return
	}
	data := messaging.VialUsedEvent{
		SessionID:    s.ID,
		VialNumber:   s.VialNumber,
		PatientID:    use.PatientID,
		Units:        use.Units,
		WastedUnits:  use.WastedUnits,
		CurrentUnits: s.CurrentUnits,
		LowVial:      lowVial,
	}

	if err := p.publisher.Publish(ctx, messaging.EventVialUsed, data); err != nil {
		p.logger.Error().Err(err).Str("session_id", s.ID).Msg("failed to publish vial used event")
	}
}

// PublishVialClosed publishes a vial closed event
func (p *InventoryEventPublisher) PublishVialClosed(ctx context.Context, s *repository.OpenVialSession, patientCount int) {
	if p == nil {
		return
	}
	closedBy := ""
	if s.ClosedBy != nil {
		closedBy = *s.ClosedBy
	}

	data := messaging.VialClosedEvent{
		SessionID:    s.ID,
		VialNumber:   s.VialNumber,
		Status:       s.Status,
		WastedUnits:  s.WastedUnits,
		PatientCount: patientCount,
		ClosedBy:     closedBy,
	}

	if err := p.publisher.Publish(ctx, messaging.EventVialClosed, data); err != nil {
		p.logger.Error().Err(err).Str("session_id", s.ID).Msg("failed to publish vial closed event")
	}
}

// PublishAlertGenerated publishes an alert generated event
func (p *InventoryEventPublisher) PublishAlertGenerated(ctx context.Context, alert *repository.Alert) {
	if p == nil {
		return
	}
	data := messaging.AlertGeneratedEvent{
		AlertID:   alert.ID,
		AlertType: alert.AlertType,
		Severity:  alert.Severity,
		Message:   alert.Message,
	}
	if alert.ProductID != nil {
		data.ProductID = *alert.ProductID
	}
	if alert.LotID != nil {
		data.LotID = *alert.LotID
	}

	if err := p.publisher.Publish(ctx, messaging.EventAlertGenerated, data); err != nil {
		p.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to publish alert generated event")
	}
}

// PublishDeductionCompleted publishes a chart deduction completed event
func (p *InventoryEventPublisher) PublishDeductionCompleted(ctx context.Context, chartID, linkID string, transactionIDs []string) {
	if p == nil {
		return
	}
	data := messaging.ChartDeductionCompletedEvent{
		ChartID:        chartID,
		LinkID:         linkID,
		TransactionIDs: transactionIDs,
	}

	if err := p.publisher.Publish(ctx, messaging.EventChartDeductionCompleted, data); err != nil {
		p.logger.Error().Err(err).Str("chart_id", chartID).Msg("failed to publish deduction completed event")
	}
}

// PublishDeductionFailed publishes a chart deduction failed event
func (p *InventoryEventPublisher) PublishDeductionFailed(ctx context.Context, chartID, linkID string, reasons []string) {
	if p == nil {
		return
	}
	data := messaging.ChartDeductionFailedEvent{
		ChartID:     chartID,
		LinkID:      linkID,
		FailedLines: len(reasons),
		Reasons:     reasons,
	}

	if err := p.publisher.Publish(ctx, messaging.EventChartDeductionFailed, data); err != nil {
		p.logger.Error().Err(err).Str("chart_id", chartID).Msg("failed to publish deduction failed event")
	}
}

package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/events"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/repository"
	"github.com/vialpoint/vialpoint-backend/pkg/actor"
	"github.com/vialpoint/vialpoint-backend/pkg/errors"
	"github.com/vialpoint/vialpoint-backend/pkg/logger"
)

// RegistryService handles the product catalog and lot lifecycle
type RegistryService struct {
	productRepo *repository.ProductRepository
	lotRepo     *repository.LotRepository
	txRepo      *repository.TransactionRepository
	alerts      *AlertService
	publisher   *events.InventoryEventPublisher
	logger      *logger.Logger
}

// NewRegistryService creates a new registry service
func NewRegistryService(
	productRepo *repository.ProductRepository,
	lotRepo *repository.LotRepository,
	txRepo *repository.TransactionRepository,
	alerts *AlertService,
	publisher *events.InventoryEventPublisher,
	log *logger.Logger,
) *RegistryService {
	return &RegistryService{
		productRepo: productRepo,
		lotRepo:     lotRepo,
		txRepo:      txRepo,
		alerts:      alerts,
		publisher:   publisher,
		logger:      log,
	}
}

// ProductWithStock is a product enriched with its current stock position
type ProductWithStock struct {
	*repository.Product
	TotalAvailable decimal.Decimal `json:"total_available"`
	LotCount       int             `json:"lot_count"`
	NextExpiry     *time.Time      `json:"next_expiry,omitempty"`
}

// LotDetail is a lot enriched with its transaction history
type LotDetail struct {
	*repository.Lot
	Transactions []*repository.InventoryTransaction `json:"transactions"`
}

// RecallResult summarizes a recall and the patients it may affect
type RecallResult struct {
	Lot          *repository.Lot `json:"lot"`
	PatientIDs   []string        `json:"patient_ids"`
	PatientCount int             `json:"patient_count"`
}

// DashboardStats represents dashboard statistics
type DashboardStats struct {
	ProductCount  int                        `json:"product_count"`
	LotCount      int                        `json:"lot_count"`
	LowStockCount int                        `json:"low_stock_count"`
	ExpiringCount int                        `json:"expiring_count"`
	OpenAlerts    int                        `json:"open_alerts"`
	StockLevels   []*repository.StockLevel   `json:"stock_levels"`
	WasteSummary  []*repository.WasteSummary `json:"waste_summary"`
}

// Product operations

// CreateProduct creates a new product
func (s *RegistryService) CreateProduct(ctx context.Context, p *repository.Product) error {
	if p.IsMultiDose && p.DefaultStabilityHours <= 0 {
		return errors.BadRequest("multi-dose products require a stability window in hours")
	}
	return s.productRepo.Create(ctx, p)
}

// GetProduct gets a product with its stock position
func (s *RegistryService) GetProduct(ctx context.Context, id string) (*ProductWithStock, error) {
	product, err := s.productRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	lots, err := s.lotRepo.ListAvailableFEFO(ctx, id, "")
	if err != nil {
		return nil, err
	}

	return enrichProduct(product, lots), nil
}

// ListProducts lists products with stock positions
func (s *RegistryService) ListProducts(ctx context.Context, category string, activeOnly bool) ([]*ProductWithStock, error) {
	products, err := s.productRepo.List(ctx, category, activeOnly)
	if err != nil {
		return nil, err
	}

	result := make([]*ProductWithStock, len(products))
	for i, p := range products {
		lots, _ := s.lotRepo.ListAvailableFEFO(ctx, p.ID, "")
		result[i] = enrichProduct(p, lots)
	}

	return result, nil
}

// UpdateProduct updates a product
func (s *RegistryService) UpdateProduct(ctx context.Context, p *repository.Product) error {
	if p.IsMultiDose && p.DefaultStabilityHours <= 0 {
		return errors.BadRequest("multi-dose products require a stability window in hours")
	}
	return s.productRepo.Update(ctx, p)
}

// DeactivateProduct deactivates a product
func (s *RegistryService) DeactivateProduct(ctx context.Context, id string) error {
	return s.productRepo.Deactivate(ctx, id)
}

// Lot operations

// ReceiveLot receives a new lot into inventory, records the receipt in
// the ledger and announces it.
func (s *RegistryService) ReceiveLot(ctx context.Context, lot *repository.Lot, act *actor.Actor) error {
	product, err := s.productRepo.GetByID(ctx, lot.ProductID)
	if err != nil {
		return err
	}
	if !product.IsActive {
		return errors.Conflict("product is inactive")
	}
	if lot.InitialQuantity.LessThanOrEqual(decimal.Zero) {
		return errors.BadRequest("quantity must be positive")
	}

	// A lot received past its expiration date is accepted for the audit
	// trail but never becomes sellable stock.
	lot.Status = repository.LotStatusAvailable
	if !lot.ExpirationDate.After(time.Now()) {
		lot.Status = repository.LotStatusExpired
	}
	lot.AvailableQty = lot.InitialQuantity
	lot.ReceivedBy = act.ID
	if lot.ReceivedAt.IsZero() {
		lot.ReceivedAt = time.Now().UTC()
	}

	if err := s.lotRepo.Create(ctx, lot); err != nil {
		return err
	}

	unitCost := lot.UnitCost()
	tx := &repository.InventoryTransaction{
		TransactionType: repository.TxTypeReceipt,
		ProductID:       lot.ProductID,
		LotID:           &lot.ID,
		QuantityChange:  lot.InitialQuantity,
		BalanceAfter:    &lot.AvailableQty,
		UnitCost:        &unitCost,
		TotalCost:       &lot.PurchaseCost,
		PerformedBy:     act.ID,
		PerformedByName: act.Name,
	}
	if err := s.txRepo.Create(ctx, tx); err != nil {
		return err
	}

	if lot.Status == repository.LotStatusExpired {
		s.alerts.RaiseExpiredLot(ctx, lot)
	}
	s.publisher.PublishLotReceived(ctx, lot)
	return nil
}

// GetLot gets a lot with its transaction history
func (s *RegistryService) GetLot(ctx context.Context, id string) (*LotDetail, error) {
	lot, err := s.lotRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	txs, err := s.txRepo.ListByLot(ctx, id)
	if err != nil {
		return nil, err
	}

	return &LotDetail{Lot: lot, Transactions: txs}, nil
}

// ListLots lists lots for a product, optionally filtered by status
func (s *RegistryService) ListLots(ctx context.Context, productID, status string) ([]*repository.Lot, error) {
	return s.lotRepo.ListByProduct(ctx, productID, status)
}

// QuarantineLot moves an available lot into quarantine
func (s *RegistryService) QuarantineLot(ctx context.Context, id, reason string, act *actor.Actor) error {
	lot, err := s.lotRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if lot.Status != repository.LotStatusAvailable {
		return errors.Conflict("only available lots can be quarantined")
	}

	if err := s.lotRepo.UpdateStatus(ctx, id, repository.LotStatusQuarantined); err != nil {
		return err
	}

	s.logger.Info().Str("lot_id", id).Str("reason", reason).Str("user_id", act.ID).Msg("lot quarantined")
	s.publisher.PublishLotQuarantined(ctx, lot, reason)
	s.alerts.CheckProductThresholds(ctx, lot.ProductID)
	return nil
}

// ReleaseLot returns a quarantined lot to available stock
func (s *RegistryService) ReleaseLot(ctx context.Context, id string, act *actor.Actor) error {
	lot, err := s.lotRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if lot.Status != repository.LotStatusQuarantined {
		return errors.Conflict("only quarantined lots can be released")
	}

	if err := s.lotRepo.UpdateStatus(ctx, id, repository.LotStatusAvailable); err != nil {
		return err
	}

	s.logger.Info().Str("lot_id", id).Str("user_id", act.ID).Msg("lot released from quarantine")
	s.publisher.PublishLotReleased(ctx, lot)
	return nil
}

// RecallLot recalls a lot and traces every patient who received product
// from it, directly or through an open vial.
func (s *RegistryService) RecallLot(ctx context.Context, id, recallClass, reason string, act *actor.Actor) (*RecallResult, error) {
	lot, err := s.lotRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if lot.Status == repository.LotStatusRecalled {
		return nil, errors.Conflict("lot is already recalled")
	}

	if err := s.lotRepo.Recall(ctx, id, recallClass, reason); err != nil {
		return nil, err
	}

	patients, err := s.txRepo.PatientsExposedToLot(ctx, id)
	if err != nil {
		return nil, err
	}

	lot.Status = repository.LotStatusRecalled
	lot.RecallClass = &recallClass
	lot.RecallReason = &reason

	s.logger.Warn().
		Str("lot_id", id).
		Str("recall_class", recallClass).
		Int("patient_count", len(patients)).
		Str("user_id", act.ID).
		Msg("lot recalled")

	s.publisher.PublishLotRecalled(ctx, lot, recallClass, reason, len(patients))
	s.alerts.RaiseLotRecalled(ctx, lot, recallClass)
	s.alerts.CheckProductThresholds(ctx, lot.ProductID)

	return &RecallResult{
		Lot:          lot,
		PatientIDs:   patients,
		PatientCount: len(patients),
	}, nil
}

// AdjustStock applies a signed manual adjustment to a lot's available
// quantity and records it in the ledger.
func (s *RegistryService) AdjustStock(ctx context.Context, lotID string, adjustment decimal.Decimal, reason string, act *actor.Actor) (*repository.InventoryTransaction, error) {
	if adjustment.IsZero() {
		return nil, errors.BadRequest("adjustment must be non-zero")
	}
	if reason == "" {
		return nil, errors.BadRequest("adjustment requires a reason")
	}

	lot, err := s.lotRepo.GetByID(ctx, lotID)
	if err != nil {
		return nil, err
	}

	var balance decimal.Decimal
	if adjustment.IsNegative() {
		balance, err = s.lotRepo.DecrementAvailable(ctx, lotID, adjustment.Neg())
	} else {
		balance, err = s.lotRepo.IncrementAvailable(ctx, lotID, adjustment)
	}
	if err != nil {
		return nil, err
	}

	unitCost := lot.UnitCost()
	totalCost := unitCost.Mul(adjustment.Abs()).Round(2)
	tx := &repository.InventoryTransaction{
		TransactionType: repository.TxTypeManualAdjustment,
		ProductID:       lot.ProductID,
		LotID:           &lotID,
		QuantityChange:  adjustment,
		BalanceAfter:    &balance,
		UnitCost:        &unitCost,
		TotalCost:       &totalCost,
		Reason:          &reason,
		PerformedBy:     act.ID,
		PerformedByName: act.Name,
	}
	if err := s.txRepo.Create(ctx, tx); err != nil {
		return nil, err
	}

	s.publisher.PublishStockAdjusted(ctx, tx, balance)
	if adjustment.IsNegative() {
		s.alerts.CheckProductThresholds(ctx, lot.ProductID)
	}

	return tx, nil
}

// RecordWasteForLot writes off part of a lot as waste
func (s *RegistryService) RecordWasteForLot(ctx context.Context, lotID string, units decimal.Decimal, reason string, act *actor.Actor) (*repository.InventoryTransaction, error) {
	if units.LessThanOrEqual(decimal.Zero) {
		return nil, errors.BadRequest("waste units must be positive")
	}
	if reason == "" {
		return nil, errors.BadRequest("waste requires a reason")
	}

	lot, err := s.lotRepo.GetByID(ctx, lotID)
	if err != nil {
		return nil, err
	}

	balance, err := s.lotRepo.DecrementAvailable(ctx, lotID, units)
	if err != nil {
		return nil, err
	}

	unitCost := lot.UnitCost()
	totalCost := unitCost.Mul(units).Round(2)
	change := units.Neg()
	tx := &repository.InventoryTransaction{
		TransactionType: repository.TxTypeWaste,
		ProductID:       lot.ProductID,
		LotID:           &lotID,
		QuantityChange:  change,
		BalanceAfter:    &balance,
		UnitCost:        &unitCost,
		TotalCost:       &totalCost,
		Reason:          &reason,
		PerformedBy:     act.ID,
		PerformedByName: act.Name,
	}
	if err := s.txRepo.Create(ctx, tx); err != nil {
		return nil, err
	}

	s.alerts.CheckProductThresholds(ctx, lot.ProductID)
	return tx, nil
}

// Reporting

// StockLevels returns the aggregate stock position per product
func (s *RegistryService) StockLevels(ctx context.Context, locationID string) ([]*repository.StockLevel, error) {
	return s.lotRepo.StockLevels(ctx, locationID)
}

// ExpiringLots lists available lots expiring within the given window
func (s *RegistryService) ExpiringLots(ctx context.Context, withinDays int) ([]*repository.Lot, error) {
	if withinDays <= 0 {
		withinDays = expiryBandWarning
	}
	return s.lotRepo.ExpiringLots(ctx, withinDays)
}

// ListTransactions lists ledger entries matching the filter
func (s *RegistryService) ListTransactions(ctx context.Context, f repository.TransactionFilter) ([]*repository.InventoryTransaction, error) {
	return s.txRepo.List(ctx, f)
}

// Dashboard assembles the dashboard statistics
func (s *RegistryService) Dashboard(ctx context.Context) (*DashboardStats, error) {
	levels, err := s.lotRepo.StockLevels(ctx, "")
	if err != nil {
		return nil, err
	}

	stats := &DashboardStats{
		ProductCount: len(levels),
		StockLevels:  levels,
	}
	for _, l := range levels {
		stats.LotCount += l.LotCount
		if l.TotalQuantity.LessThanOrEqual(l.ReorderPoint) {
			stats.LowStockCount++
		}
	}

	expiring, err := s.lotRepo.ExpiringLots(ctx, expiryBandWarning)
	if err != nil {
		return nil, err
	}
	stats.ExpiringCount = len(expiring)

	alerts, err := s.alerts.ListOpen(ctx, "", "")
	if err != nil {
		return nil, err
	}
	stats.OpenAlerts = len(alerts)

	waste, err := s.txRepo.WasteByProduct(ctx, time.Now().UTC().AddDate(0, -1, 0))
	if err != nil {
		return nil, err
	}
	stats.WasteSummary = waste

	return stats, nil
}

func enrichProduct(p *repository.Product, lots []*repository.Lot) *ProductWithStock {
	out := &ProductWithStock{
		Product:        p,
		TotalAvailable: decimal.Zero,
		LotCount:       len(lots),
	}
	for _, lot := range lots {
		out.TotalAvailable = out.TotalAvailable.Add(lot.AvailableQty)
	}
	if len(lots) > 0 {
		// FEFO ordering puts the soonest expiry first
		out.NextExpiry = &lots[0].ExpirationDate
	}
	return out
}

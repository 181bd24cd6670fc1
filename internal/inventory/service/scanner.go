package service

import (
	"context"
	"time"

	"github.com/vialpoint/vialpoint-backend/internal/inventory/events"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/repository"
	"github.com/vialpoint/vialpoint-backend/pkg/actor"
	"github.com/vialpoint/vialpoint-backend/pkg/config"
	"github.com/vialpoint/vialpoint-backend/pkg/logger"
)

// ExpiryScanner periodically sweeps lots and open vials past their
// dates, transitions them, and refreshes threshold alerts.
type ExpiryScanner struct {
	lotRepo   *repository.LotRepository
	vialRepo  *repository.VialRepository
	txRepo    *repository.TransactionRepository
	alerts    *AlertService
	publisher *events.InventoryEventPublisher
	logger    *logger.Logger

	interval     time.Duration
	expiringDays int
	disabled     bool
}

// NewExpiryScanner creates a new expiry scanner from the alerts config
func NewExpiryScanner(
	lotRepo *repository.LotRepository,
	vialRepo *repository.VialRepository,
	txRepo *repository.TransactionRepository,
	alerts *AlertService,
	publisher *events.InventoryEventPublisher,
	cfg *config.AlertsConfig,
	log *logger.Logger,
) *ExpiryScanner {
	return &ExpiryScanner{
		lotRepo:      lotRepo,
		vialRepo:     vialRepo,
		txRepo:       txRepo,
		alerts:       alerts,
		publisher:    publisher,
		logger:       log,
		interval:     cfg.ScanInterval,
		expiringDays: cfg.ExpiringDays,
		disabled:     cfg.ScannerDisabled,
	}
}

// Start runs the scanner until the context is cancelled. An initial
// sweep runs immediately so a restarted service catches up.
func (s *ExpiryScanner) Start(ctx context.Context) {
	if s.disabled {
		s.logger.Info().Msg("expiry scanner disabled")
		return
	}

	go func() {
		s.Sweep(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("expiry scanner stopped")
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one full scan pass
func (s *ExpiryScanner) Sweep(ctx context.Context) {
	start := time.Now()

	expiredLots := s.sweepLots(ctx)
	expiredVials := s.sweepVials(ctx)

	if err := s.alerts.CheckExpiringLots(ctx, s.expiringDays); err != nil {
		s.logger.Error().Err(err).Msg("expiring lot check failed")
	}

	s.logger.Info().
		Int("expired_lots", expiredLots).
		Int("expired_vials", expiredVials).
		Dur("took", time.Since(start)).
		Msg("expiry sweep complete")
}

// sweepLots marks lots past their expiration date and writes off the
// remaining quantity as waste.
func (s *ExpiryScanner) sweepLots(ctx context.Context) int {
	lots, err := s.lotRepo.MarkExpiredLots(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to mark expired lots")
		return 0
	}

	system := actor.SystemActor()
	for _, lot := range lots {
		s.logger.Warn().
			Str("lot_id", lot.ID).
			Str("lot_number", lot.LotNumber).
			Str("remaining", lot.AvailableQty.String()).
			Msg("lot expired")

		if lot.AvailableQty.IsPositive() {
			unitCost := lot.UnitCost()
			totalCost := unitCost.Mul(lot.AvailableQty).Round(2)
			change := lot.AvailableQty.Neg()
			reason := "lot expired"
			tx := &repository.InventoryTransaction{
				TransactionType: repository.TxTypeWaste,
				ProductID:       lot.ProductID,
				LotID:           &lot.ID,
				QuantityChange:  change,
				UnitCost:        &unitCost,
				TotalCost:       &totalCost,
				Reason:          &reason,
				PerformedBy:     system.ID,
				PerformedByName: system.Name,
			}
			if err := s.txRepo.Create(ctx, tx); err != nil {
				s.logger.Error().Err(err).Str("lot_id", lot.ID).Msg("failed to record expiry waste")
			}
		}

		s.alerts.RaiseExpiredLot(ctx, lot)
		s.alerts.CheckProductThresholds(ctx, lot.ProductID)
	}

	return len(lots)
}

// sweepVials expires active vials whose stability window has lapsed
func (s *ExpiryScanner) sweepVials(ctx context.Context) int {
	sessions, err := s.vialRepo.ExpireOverdue(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to expire overdue vials")
		return 0
	}

	system := actor.SystemActor()
	for _, expired := range sessions {
		session := &expired.OpenVialSession

		s.logger.Warn().
			Str("session_id", session.ID).
			Str("vial_number", session.VialNumber).
			Str("wasted", expired.ExpiredUnits.String()).
			Msg("open vial passed stability window")

		if expired.ExpiredUnits.IsPositive() {
			change := expired.ExpiredUnits.Neg()
			reason := "stability window lapsed"
			tx := &repository.InventoryTransaction{
				TransactionType: repository.TxTypeWaste,
				ProductID:       session.ProductID,
				LotID:           &session.LotID,
				SessionID:       &session.ID,
				QuantityChange:  change,
				Reason:          &reason,
				PerformedBy:     system.ID,
				PerformedByName: system.Name,
			}
			if err := s.txRepo.Create(ctx, tx); err != nil {
				s.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to record vial expiry waste")
			}
		}

		s.alerts.RaiseVialExpired(ctx, session, expired.ExpiredUnits)
		patients, _ := s.vialRepo.CountPatients(ctx, session.ID)
		s.publisher.PublishVialClosed(ctx, session, patients)
	}

	return len(sessions)
}

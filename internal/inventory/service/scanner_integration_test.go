package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/repository"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/service"
	"github.com/vialpoint/vialpoint-backend/pkg/config"
	"github.com/vialpoint/vialpoint-backend/pkg/logger"
	"github.com/vialpoint/vialpoint-backend/pkg/testutil"
)

func newTestScanner(svc *testServices) *service.ExpiryScanner {
	cfg := &config.AlertsConfig{
		ScanInterval: time.Hour,
		ExpiringDays: 30,
		LowVialUnits: 10,
	}
	return service.NewExpiryScanner(svc.lotRepo, svc.vialRepo, svc.txRepo, svc.alerts, nil, cfg, logger.New("test", "test"))
}

// insertPastDatedLot bypasses receiving validation so a lot can sit past
// its expiration date, the state a sweep is meant to find.
func insertPastDatedLot(t *testing.T, ctx context.Context, svc *testServices, productID string, qty int64) *repository.Lot {
	t.Helper()

	fixture := suite.Fixtures.Lot(productID,
		testutil.WithQuantity(qty),
		testutil.WithExpiration(time.Now().AddDate(0, 0, -2)),
	)
	lot := &repository.Lot{
		ID:              fixture.ID,
		ProductID:       fixture.ProductID,
		LotNumber:       fixture.LotNumber,
		LocationID:      fixture.LocationID,
		Status:          repository.LotStatusAvailable,
		InitialQuantity: fixture.InitialQuantity,
		AvailableQty:    fixture.AvailableQty,
		PurchaseCost:    fixture.PurchaseCost,
		ExpirationDate:  fixture.ExpirationDate,
		ReceivedAt:      fixture.ReceivedAt,
		ReceivedBy:      fixture.ReceivedBy,
	}
	require.NoError(t, svc.lotRepo.Create(ctx, lot))
	return lot
}

func TestSweep_ExpiresOverdueLots(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()
	scanner := newTestScanner(svc)

	product := createTestProduct(t, ctx, svc, testutil.WithThresholds(0, 0))
	overdue := insertPastDatedLot(t, ctx, svc, product.ID, 35)
	current := receiveTestLot(t, ctx, svc, product.ID, 100, 180)

	scanner.Sweep(ctx)

	expired, err := svc.lotRepo.GetByID(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.LotStatusExpired, expired.Status)

	untouched, err := svc.lotRepo.GetByID(ctx, current.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.LotStatusAvailable, untouched.Status)

	// The remaining quantity was written off
	txs, err := svc.txRepo.ListByLot(ctx, overdue.ID)
	require.NoError(t, err)
	var waste *repository.InventoryTransaction
	for _, tx := range txs {
		if tx.TransactionType == repository.TxTypeWaste {
			waste = tx
		}
	}
	require.NotNil(t, waste)
	assert.True(t, waste.QuantityChange.Equal(decimal.NewFromInt(-35)))

	// And an expired-lot alert raised
	alerts, err := svc.alertRepo.ListOpen(ctx, repository.AlertTypeExpiredLot, "")
	require.NoError(t, err)
	found := false
	for _, a := range alerts {
		if a.LotID != nil && *a.LotID == overdue.ID {
			found = true
		}
	}
	assert.True(t, found, "expected an expired_lot alert")

	// A second sweep does not double-count the waste
	scanner.Sweep(ctx)
	txs, err = svc.txRepo.ListByLot(ctx, overdue.ID)
	require.NoError(t, err)
	wasteCount := 0
	for _, tx := range txs {
		if tx.TransactionType == repository.TxTypeWaste {
			wasteCount++
		}
	}
	assert.Equal(t, 1, wasteCount)
}

func TestSweep_ExpiresOverdueVials(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()
	scanner := newTestScanner(svc)

	product := createTestProduct(t, ctx, svc, testutil.MultiDose(24), testutil.WithThresholds(0, 0))
	lot := receiveTestLot(t, ctx, svc, product.ID, 500, 180)

	fixture := suite.Fixtures.VialSession(lot.ID, product.ID,
		testutil.WithUnits(80),
		testutil.WithCurrentUnits(45),
		testutil.Expired(),
	)
	overdue := &repository.OpenVialSession{
		VialNumber:     fixture.VialNumber,
		LotID:          fixture.LotID,
		ProductID:      fixture.ProductID,
		LocationID:     fixture.LocationID,
		Status:         fixture.Status,
		OriginalUnits:  fixture.OriginalUnits,
		CurrentUnits:   fixture.CurrentUnits,
		UsedUnits:      fixture.UsedUnits,
		StabilityHours: fixture.StabilityHours,
		OpenedAt:       fixture.OpenedAt,
		ExpiresAt:      fixture.ExpiresAt,
		OpenedBy:       fixture.OpenedBy,
	}
	require.NoError(t, svc.vialRepo.Create(ctx, overdue))

	active := openTestVial(t, ctx, svc, lot.ID, 50)

	scanner.Sweep(ctx)

	expired, err := svc.vialRepo.GetByID(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.VialStatusExpired, expired.Status)
	assert.True(t, expired.CurrentUnits.IsZero())
	assert.True(t, expired.WastedUnits.Equal(decimal.NewFromInt(45)))
	require.NotNil(t, expired.CloseReason)
	assert.Equal(t, service.CloseReasonExpired, *expired.CloseReason)

	untouched, err := svc.vialRepo.GetByID(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.VialStatusActive, untouched.Status)

	// Only the units still in the vial hit the waste ledger
	txs, err := svc.txRepo.List(ctx, repository.TransactionFilter{SessionID: overdue.ID})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, repository.TxTypeWaste, txs[0].TransactionType)
	assert.True(t, txs[0].QuantityChange.Equal(decimal.NewFromInt(-45)))

	alerts, err := svc.alertRepo.ListOpen(ctx, repository.AlertTypeVialExpired, "")
	require.NoError(t, err)
	found := false
	for _, a := range alerts {
		if a.SessionID != nil && *a.SessionID == overdue.ID {
			found = true
		}
	}
	assert.True(t, found, "expected a vial_expired alert")
}

func TestSweep_RaisesExpiringLotAlerts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()
	scanner := newTestScanner(svc)

	product := createTestProduct(t, ctx, svc, testutil.WithThresholds(0, 0))
	soon := receiveTestLot(t, ctx, svc, product.ID, 50, 5)
	later := receiveTestLot(t, ctx, svc, product.ID, 50, 25)
	receiveTestLot(t, ctx, svc, product.ID, 50, 300)

	scanner.Sweep(ctx)

	alerts, err := svc.alertRepo.ListOpen(ctx, repository.AlertTypeExpiringLot, "")
	require.NoError(t, err)

	byLot := map[string]*repository.Alert{}
	for _, a := range alerts {
		if a.LotID != nil {
			byLot[*a.LotID] = a
		}
	}

	require.Contains(t, byLot, soon.ID)
	assert.Equal(t, repository.SeverityCritical, byLot[soon.ID].Severity)

	require.Contains(t, byLot, later.ID)
	assert.Equal(t, repository.SeverityWarning, byLot[later.ID].Severity)
}

package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/repository"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/service"
	apperrors "github.com/vialpoint/vialpoint-backend/pkg/errors"
	"github.com/vialpoint/vialpoint-backend/pkg/testutil"
)

func openTestVial(t *testing.T, ctx context.Context, svc *testServices, lotID string, units int64) *repository.OpenVialSession {
	t.Helper()

	session, err := svc.vials.OpenVial(ctx, service.OpenVialInput{
		LotID: lotID,
		Units: decimal.NewFromInt(units),
	}, testActor())
	require.NoError(t, err)
	return session
}

func TestOpenVial(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()

	product := createTestProduct(t, ctx, svc, testutil.MultiDose(24))
	lot := receiveTestLot(t, ctx, svc, product.ID, 500, 180)

	session, err := svc.vials.OpenVial(ctx, service.OpenVialInput{
		LotID: lot.ID,
		Units: decimal.NewFromInt(100),
	}, testActor())
	require.NoError(t, err)

	assert.Equal(t, repository.VialStatusActive, session.Status)
	assert.True(t, session.OriginalUnits.Equal(decimal.NewFromInt(100)))
	assert.True(t, session.CurrentUnits.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 24, session.StabilityHours)
	assert.Equal(t, fmt.Sprintf("V-%s-001", session.OpenedAt.Format("20060102")), session.VialNumber)
	assert.WithinDuration(t, session.OpenedAt.Add(24*time.Hour), session.ExpiresAt, time.Second)

	// Units moved out of the lot
	updated, err := svc.lotRepo.GetByID(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, updated.AvailableQty.Equal(decimal.NewFromInt(400)))

	// Ledger entry for the open
	txs, err := svc.txRepo.List(ctx, repository.TransactionFilter{SessionID: session.ID})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, repository.TxTypeManualAdjustment, txs[0].TransactionType)
	assert.True(t, txs[0].QuantityChange.Equal(decimal.NewFromInt(-100)))
	require.NotNil(t, txs[0].Reason)
	assert.Equal(t, "vial opened", *txs[0].Reason)
}

func TestOpenVial_SingleDoseProduct(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()

	product := createTestProduct(t, ctx, svc)
	lot := receiveTestLot(t, ctx, svc, product.ID, 100, 180)

	_, err := svc.vials.OpenVial(ctx, service.OpenVialInput{
		LotID: lot.ID,
		Units: decimal.NewFromInt(50),
	}, testActor())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestOpenVial_ExceedsLotBalance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()

	product := createTestProduct(t, ctx, svc, testutil.MultiDose(24))
	lot := receiveTestLot(t, ctx, svc, product.ID, 40, 180)

	_, err := svc.vials.OpenVial(ctx, service.OpenVialInput{
		LotID: lot.ID,
		Units: decimal.NewFromInt(100),
	}, testActor())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientQuantity)
}

func TestRecordUse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()

	product := createTestProduct(t, ctx, svc, testutil.MultiDose(24))
	lot := receiveTestLot(t, ctx, svc, product.ID, 500, 180)
	session := openTestVial(t, ctx, svc, lot.ID, 100)

	patientA := "patient-a"
	result, err := svc.vials.RecordUse(ctx, session.ID, service.DoseInput{PatientID: patientA, Units: dec("32.5"), WastedUnits: dec("2.5")}, testActor())
	require.NoError(t, err)

	assert.True(t, result.Session.CurrentUnits.Equal(dec("65")))
	assert.True(t, result.Session.UsedUnits.Equal(dec("32.5")))
	assert.True(t, result.Session.WastedUnits.Equal(dec("2.5")))
	assert.False(t, result.LowVial)
	assert.False(t, result.Depleted)
	assert.Greater(t, result.HoursRemaining, 23.0)
	assert.LessOrEqual(t, result.HoursRemaining, 24.0)

	require.NotNil(t, result.Use)
	assert.Equal(t, patientA, result.Use.PatientID)
	assert.True(t, result.Use.Units.Equal(dec("32.5")))
	require.NotNil(t, result.Use.TransactionID)
	assert.Equal(t, result.Transaction.ID, *result.Use.TransactionID)

	require.NotNil(t, result.Transaction)
	assert.Equal(t, repository.TxTypeTreatmentUse, result.Transaction.TransactionType)
	assert.True(t, result.Transaction.QuantityChange.Equal(dec("-32.5")))
	require.NotNil(t, result.Transaction.BalanceAfter)
	assert.True(t, result.Transaction.BalanceAfter.Equal(dec("65")))

	// A second patient draws from the same vial
	patientB := "patient-b"
	result, err = svc.vials.RecordUse(ctx, session.ID, service.DoseInput{PatientID: patientB, Units: dec("20")}, testActor())
	require.NoError(t, err)
	assert.True(t, result.Session.CurrentUnits.Equal(dec("45")))

	detail, err := svc.vials.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Uses, 2)
	assert.Equal(t, 2, detail.PatientCount)
}

func TestRecordUse_RoundsToTwoDecimals(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()

	product := createTestProduct(t, ctx, svc, testutil.MultiDose(24))
	lot := receiveTestLot(t, ctx, svc, product.ID, 500, 180)
	session := openTestVial(t, ctx, svc, lot.ID, 100)

	result, err := svc.vials.RecordUse(ctx, session.ID, service.DoseInput{PatientID: "patient-a", Units: dec("10.005")}, testActor())
	require.NoError(t, err)
	assert.True(t, result.Use.Units.Equal(dec("10.01")))
	assert.True(t, result.Session.CurrentUnits.Equal(dec("89.99")))
}

func TestRecordUse_Overdraw(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()

	product := createTestProduct(t, ctx, svc, testutil.MultiDose(24))
	lot := receiveTestLot(t, ctx, svc, product.ID, 500, 180)
	session := openTestVial(t, ctx, svc, lot.ID, 20)

	_, err := svc.vials.RecordUse(ctx, session.ID, service.DoseInput{PatientID: "patient-a", Units: dec("18"), WastedUnits: dec("5")}, testActor())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientQuantity)

	// Nothing was drawn
	updated, err := svc.vialRepo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, updated.CurrentUnits.Equal(dec("20")))
	assert.Equal(t, repository.VialStatusActive, updated.Status)
}

func TestRecordUse_DepletesVial(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()

	product := createTestProduct(t, ctx, svc, testutil.MultiDose(24))
	lot := receiveTestLot(t, ctx, svc, product.ID, 500, 180)
	session := openTestVial(t, ctx, svc, lot.ID, 30)

	result, err := svc.vials.RecordUse(ctx, session.ID, service.DoseInput{PatientID: "patient-a", Units: dec("28"), WastedUnits: dec("2")}, testActor())
	require.NoError(t, err)

	assert.True(t, result.Depleted)
	assert.False(t, result.LowVial)
	assert.Equal(t, repository.VialStatusDepleted, result.Session.Status)
	assert.True(t, result.Session.CurrentUnits.IsZero())
	require.NotNil(t, result.Session.CloseReason)
	assert.Equal(t, service.CloseReasonDepleted, *result.Session.CloseReason)
	require.NotNil(t, result.Session.ClosedAt)

	// Draws against a closed vial are rejected
	_, err = svc.vials.RecordUse(ctx, session.ID, service.DoseInput{PatientID: "patient-b", Units: dec("1")}, testActor())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrVialNotActive)
}

func TestRecordUse_LowVialFlag(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()

	product := createTestProduct(t, ctx, svc, testutil.MultiDose(24))
	lot := receiveTestLot(t, ctx, svc, product.ID, 500, 180)
	session := openTestVial(t, ctx, svc, lot.ID, 50)

	// Down to 12 units, still above the threshold of 10
	result, err := svc.vials.RecordUse(ctx, session.ID, service.DoseInput{PatientID: "patient-a", Units: dec("38")}, testActor())
	require.NoError(t, err)
	assert.False(t, result.LowVial)

	// Down to 4 units
	result, err = svc.vials.RecordUse(ctx, session.ID, service.DoseInput{PatientID: "patient-b", Units: dec("8")}, testActor())
	require.NoError(t, err)
	assert.True(t, result.LowVial)

	alerts, err := svc.alertRepo.ListOpen(ctx, repository.AlertTypeLowVial, "")
	require.NoError(t, err)
	found := false
	for _, a := range alerts {
		if a.SessionID != nil && *a.SessionID == session.ID {
			found = true
		}
	}
	assert.True(t, found, "expected a low_vial alert for the session")
}

func TestRecordUse_LapsedStabilityWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()

	product := createTestProduct(t, ctx, svc, testutil.MultiDose(24))
	lot := receiveTestLot(t, ctx, svc, product.ID, 500, 180)

	// Insert a session whose stability window already lapsed
	fixture := suite.Fixtures.VialSession(lot.ID, product.ID,
		testutil.WithUnits(60),
		testutil.Expired(),
	)
	session := &repository.OpenVialSession{
		VialNumber:     fixture.VialNumber,
		LotID:          fixture.LotID,
		ProductID:      fixture.ProductID,
		LocationID:     fixture.LocationID,
		Status:         fixture.Status,
		OriginalUnits:  fixture.OriginalUnits,
		CurrentUnits:   fixture.CurrentUnits,
		StabilityHours: fixture.StabilityHours,
		OpenedAt:       fixture.OpenedAt,
		ExpiresAt:      fixture.ExpiresAt,
		OpenedBy:       fixture.OpenedBy,
	}
	require.NoError(t, svc.vialRepo.Create(ctx, session))

	_, err := svc.vials.RecordUse(ctx, session.ID, service.DoseInput{PatientID: "patient-a", Units: dec("10")}, testActor())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrVialExpired)

	// The expiry transition committed even though the draw was rejected
	updated, err := svc.vialRepo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.VialStatusExpired, updated.Status)
	assert.True(t, updated.CurrentUnits.IsZero())
	assert.True(t, updated.WastedUnits.Equal(dec("60")))
	require.NotNil(t, updated.CloseReason)
	assert.Equal(t, service.CloseReasonExpired, *updated.CloseReason)

	// Remaining units hit the waste ledger
	txs, err := svc.txRepo.List(ctx, repository.TransactionFilter{SessionID: session.ID})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, repository.TxTypeWaste, txs[0].TransactionType)
	assert.True(t, txs[0].QuantityChange.Equal(dec("-60")))
}

func TestRecordWaste(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()

	product := createTestProduct(t, ctx, svc, testutil.MultiDose(24))
	lot := receiveTestLot(t, ctx, svc, product.ID, 500, 180)
	session := openTestVial(t, ctx, svc, lot.ID, 100)

	updated, err := svc.vials.RecordWaste(ctx, session.ID, dec("15"), "dropped syringe", testActor())
	require.NoError(t, err)
	assert.True(t, updated.CurrentUnits.Equal(dec("85")))
	assert.True(t, updated.WastedUnits.Equal(dec("15")))
	assert.Equal(t, repository.VialStatusActive, updated.Status)

	txs, err := svc.txRepo.List(ctx, repository.TransactionFilter{SessionID: session.ID})
	require.NoError(t, err)
	wasteCount := 0
	for _, tx := range txs {
		if tx.TransactionType == repository.TxTypeWaste {
			wasteCount++
			assert.True(t, tx.QuantityChange.Equal(dec("-15")))
		}
	}
	assert.Equal(t, 1, wasteCount)
}

func TestCloseVial_Contamination(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()

	product := createTestProduct(t, ctx, svc, testutil.MultiDose(24))
	lot := receiveTestLot(t, ctx, svc, product.ID, 500, 180)
	session := openTestVial(t, ctx, svc, lot.ID, 100)

	_, err := svc.vials.RecordUse(ctx, session.ID, service.DoseInput{PatientID: "patient-a", Units: dec("30")}, testActor())
	require.NoError(t, err)

	closed, err := svc.vials.CloseVial(ctx, session.ID, service.CloseReasonContamination, testActor())
	require.NoError(t, err)

	assert.Equal(t, repository.VialStatusDiscarded, closed.Status)
	assert.True(t, closed.CurrentUnits.IsZero())
	assert.True(t, closed.WastedUnits.Equal(dec("70")))
	require.NotNil(t, closed.CloseReason)
	assert.Equal(t, service.CloseReasonContamination, *closed.CloseReason)
	require.NotNil(t, closed.ClosedBy)
	assert.Equal(t, testActor().ID, *closed.ClosedBy)

	// Remaining 70 units land in the waste ledger
	txs, err := svc.txRepo.List(ctx, repository.TransactionFilter{SessionID: session.ID})
	require.NoError(t, err)
	var waste *repository.InventoryTransaction
	for _, tx := range txs {
		if tx.TransactionType == repository.TxTypeWaste {
			waste = tx
		}
	}
	require.NotNil(t, waste)
	assert.True(t, waste.QuantityChange.Equal(dec("-70")))

	// Closing twice is rejected
	_, err = svc.vials.CloseVial(ctx, session.ID, service.CloseReasonEndOfDay, testActor())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrVialNotActive)
}

func TestCloseVial_EndOfDayWithNothingLeft(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()

	product := createTestProduct(t, ctx, svc, testutil.MultiDose(24))
	lot := receiveTestLot(t, ctx, svc, product.ID, 500, 180)
	session := openTestVial(t, ctx, svc, lot.ID, 50)

	_, err := svc.vials.RecordUse(ctx, session.ID, service.DoseInput{PatientID: "patient-a", Units: dec("50")}, testActor())
	require.NoError(t, err)

	// Already depleted by the final draw
	updated, err := svc.vialRepo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.VialStatusDepleted, updated.Status)
}

func TestCloseVial_InvalidReason(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()

	product := createTestProduct(t, ctx, svc, testutil.MultiDose(24))
	lot := receiveTestLot(t, ctx, svc, product.ID, 500, 180)
	session := openTestVial(t, ctx, svc, lot.ID, 50)

	_, err := svc.vials.CloseVial(ctx, session.ID, "spilled", testActor())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestOpenVial_SeedsUnitsFromPackage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()

	product := createTestProduct(t, ctx, svc, testutil.MultiDose(24), testutil.WithPackageUnits(50))
	lot := receiveTestLot(t, ctx, svc, product.ID, 500, 180)

	session, err := svc.vials.OpenVial(ctx, service.OpenVialInput{LotID: lot.ID}, testActor())
	require.NoError(t, err)
	assert.True(t, session.OriginalUnits.Equal(decimal.NewFromInt(50)))
	assert.True(t, session.CurrentUnits.Equal(decimal.NewFromInt(50)))

	updated, err := svc.lotRepo.GetByID(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, updated.AvailableQty.Equal(decimal.NewFromInt(450)))
}

func TestOpenVial_LotBelowOnePackage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()

	product := createTestProduct(t, ctx, svc, testutil.MultiDose(24), testutil.WithPackageUnits(50))
	lot := receiveTestLot(t, ctx, svc, product.ID, 30, 180)

	_, err := svc.vials.OpenVial(ctx, service.OpenVialInput{LotID: lot.ID}, testActor())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientQuantity)

	// nothing was taken from the lot
	updated, err := svc.lotRepo.GetByID(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, updated.AvailableQty.Equal(decimal.NewFromInt(30)))
}

func TestRecordUse_ConcurrentDraws(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()

	product := createTestProduct(t, ctx, svc, testutil.MultiDose(24))
	lot := receiveTestLot(t, ctx, svc, product.ID, 500, 180)
	session := openTestVial(t, ctx, svc, lot.ID, 100)

	// Two providers draw 60 units at once. Only one draw fits.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.vials.RecordUse(ctx, session.ID, service.DoseInput{
				PatientID: fmt.Sprintf("patient-draw-%d", i),
				Units:     decimal.NewFromInt(60),
			}, testActor())
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, apperrors.ErrInsufficientQuantity)
		}
	}
	assert.Equal(t, 1, succeeded)

	updated, err := svc.vialRepo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, updated.CurrentUnits.Equal(decimal.NewFromInt(40)),
		"expected 40 units left, got %s", updated.CurrentUnits)
	assert.Equal(t, repository.VialStatusActive, updated.Status)
}

func TestRecordUse_ClinicalContext(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()

	product := createTestProduct(t, ctx, svc, testutil.MultiDose(24))
	lot := receiveTestLot(t, ctx, svc, product.ID, 500, 180)
	session := openTestVial(t, ctx, svc, lot.ID, 100)

	appointment := "appt-" + session.ID
	areas := "glabella, forehead"
	_, err := svc.vials.RecordUse(ctx, session.ID, service.DoseInput{
		PatientID:     "patient-context",
		Units:         dec("24"),
		AppointmentID: &appointment,
		AreasInjected: &areas,
	}, testActor())
	require.NoError(t, err)

	uses, err := svc.vialRepo.ListUses(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, uses, 1)
	require.NotNil(t, uses[0].AppointmentID)
	assert.Equal(t, appointment, *uses[0].AppointmentID)
	require.NotNil(t, uses[0].AreasInjected)
	assert.Equal(t, areas, *uses[0].AreasInjected)
}

func TestCloseVial_ManualClose(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	svc := newTestServices()

	product := createTestProduct(t, ctx, svc, testutil.MultiDose(24))
	lot := receiveTestLot(t, ctx, svc, product.ID, 500, 180)
	session := openTestVial(t, ctx, svc, lot.ID, 50)

	_, err := svc.vials.RecordUse(ctx, session.ID, service.DoseInput{
		PatientID: "patient-manual-close",
		Units:     dec("10"),
	}, testActor())
	require.NoError(t, err)

	closed, err := svc.vials.CloseVial(ctx, session.ID, service.CloseReasonManualClose, testActor())
	require.NoError(t, err)
	assert.Equal(t, repository.VialStatusDiscarded, closed.Status)
	assert.True(t, closed.WastedUnits.Equal(dec("40")))
	assert.True(t, closed.CurrentUnits.IsZero())
}

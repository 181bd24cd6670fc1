package service_test

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/repository"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/service"
	"github.com/vialpoint/vialpoint-backend/pkg/actor"
	"github.com/vialpoint/vialpoint-backend/pkg/logger"
	"github.com/vialpoint/vialpoint-backend/pkg/testutil"
)

var suite *testutil.IntegrationSuite

func TestMain(m *testing.M) {
	ctx := context.Background()

	var err error
	suite, err = testutil.NewIntegrationSuite(ctx)
	if err != nil {
		log.Fatalf("failed to create integration suite: %v", err)
	}
	defer testutil.TerminateContainer(ctx)

	os.Exit(m.Run())
}

type testServices struct {
	registry   *service.RegistryService
	vials      *service.VialService
	deductions *service.DeductionService
	alerts     *service.AlertService

	productRepo *repository.ProductRepository
	lotRepo     *repository.LotRepository
	vialRepo    *repository.VialRepository
	txRepo      *repository.TransactionRepository
	linkRepo    *repository.ChartLinkRepository
	alertRepo   *repository.AlertRepository
}

// newTestServices wires the full service stack against the shared test
// database. No event publisher is needed for service tests.
func newTestServices() *testServices {
	productRepo := repository.NewProductRepository(suite.DB)
	lotRepo := repository.NewLotRepository(suite.DB)
	vialRepo := repository.NewVialRepository(suite.DB)
	txRepo := repository.NewTransactionRepository(suite.DB)
	linkRepo := repository.NewChartLinkRepository(suite.DB)
	alertRepo := repository.NewAlertRepository(suite.DB)
	testLog := logger.New("test", "test")

	alerts := service.NewAlertService(alertRepo, lotRepo, productRepo, nil, testLog)
	registry := service.NewRegistryService(productRepo, lotRepo, txRepo, alerts, nil, testLog)
	vials := service.NewVialService(suite.DB, vialRepo, lotRepo, productRepo, txRepo, alerts, nil, 10, testLog)
	deductions := service.NewDeductionService(suite.DB, productRepo, lotRepo, txRepo, linkRepo, vials, alerts, nil, testLog)

	return &testServices{
		registry:    registry,
		vials:       vials,
		deductions:  deductions,
		alerts:      alerts,
		productRepo: productRepo,
		lotRepo:     lotRepo,
		vialRepo:    vialRepo,
		txRepo:      txRepo,
		linkRepo:    linkRepo,
		alertRepo:   alertRepo,
	}
}

func testActor() *actor.Actor {
	return &actor.Actor{ID: "7b8a3c1e-0000-4000-8000-000000000001", Name: "Test Nurse"}
}

// createTestProduct inserts a product built from a fixture
func createTestProduct(t *testing.T, ctx context.Context, svc *testServices, opts ...func(*testutil.ProductFixture)) *repository.Product {
	t.Helper()

	fixture := suite.Fixtures.Product(opts...)
	product := &repository.Product{
		ID:                    fixture.ID,
		Name:                  fixture.Name,
		SKU:                   fixture.SKU,
		Category:              fixture.Category,
		UnitType:              fixture.UnitType,
		IsMultiDose:           fixture.IsMultiDose,
		DefaultStabilityHours: fixture.DefaultStabilityHours,
		UnitsPerPackage:       fixture.UnitsPerPackage,
		CostPrice:             fixture.CostPrice,
		MinStockLevel:         fixture.MinStockLevel,
		ReorderPoint:          fixture.ReorderPoint,
		IsActive:              true,
	}
	require.NoError(t, svc.productRepo.Create(ctx, product))
	return product
}

// receiveTestLot receives a lot through the registry so the receipt
// ledger entry exists too
func receiveTestLot(t *testing.T, ctx context.Context, svc *testServices, productID string, qty int64, expiresInDays int) *repository.Lot {
	t.Helper()

	fixture := suite.Fixtures.Lot(productID,
		testutil.WithQuantity(qty),
		testutil.WithExpiration(time.Now().AddDate(0, 0, expiresInDays)),
	)
	lot := &repository.Lot{
		ProductID:       fixture.ProductID,
		LotNumber:       fixture.LotNumber,
		LocationID:      fixture.LocationID,
		InitialQuantity: fixture.InitialQuantity,
		PurchaseCost:    fixture.PurchaseCost,
		ExpirationDate:  fixture.ExpirationDate,
		ReceivedAt:      fixture.ReceivedAt,
	}
	require.NoError(t, svc.registry.ReceiveLot(ctx, lot, testActor()))
	return lot
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

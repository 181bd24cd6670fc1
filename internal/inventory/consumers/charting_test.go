package consumers_test

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/consumers"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/repository"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/service"
	"github.com/vialpoint/vialpoint-backend/pkg/actor"
	"github.com/vialpoint/vialpoint-backend/pkg/logger"
	"github.com/vialpoint/vialpoint-backend/pkg/messaging"
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

type consumerEnv struct {
	handler  *consumers.ChartEventHandler
	lotRepo  *repository.LotRepository
	linkRepo *repository.ChartLinkRepository
	txRepo   *repository.TransactionRepository

	productRepo *repository.ProductRepository
	registry    *service.RegistryService
}

func newConsumerEnv() *consumerEnv {
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

	return &consumerEnv{
		handler:     consumers.NewChartEventHandler(deductions, testLog),
		lotRepo:     lotRepo,
		linkRepo:    linkRepo,
		txRepo:      txRepo,
		productRepo: productRepo,
		registry:    registry,
	}
}

func (e *consumerEnv) seedStockedProduct(t *testing.T, ctx context.Context, qty int64) (*repository.Product, *repository.Lot) {
	t.Helper()

	fixture := suite.Fixtures.Product(testutil.WithThresholds(0, 0))
	product := &repository.Product{
		ID:            fixture.ID,
		Name:          fixture.Name,
		SKU:           fixture.SKU,
		Category:      fixture.Category,
		UnitType:      fixture.UnitType,
		MinStockLevel: fixture.MinStockLevel,
		ReorderPoint:  fixture.ReorderPoint,
		IsActive:      true,
	}
	require.NoError(t, e.productRepo.Create(ctx, product))

	lotFixture := suite.Fixtures.Lot(product.ID,
		testutil.WithQuantity(qty),
		testutil.WithExpiration(time.Now().AddDate(0, 6, 0)),
	)
	lot := &repository.Lot{
		ProductID:       lotFixture.ProductID,
		LotNumber:       lotFixture.LotNumber,
		LocationID:      lotFixture.LocationID,
		InitialQuantity: lotFixture.InitialQuantity,
		PurchaseCost:    lotFixture.PurchaseCost,
		ExpirationDate:  lotFixture.ExpirationDate,
		ReceivedAt:      lotFixture.ReceivedAt,
	}
	seeder := &actor.Actor{ID: "7b8a3c1e-0000-4000-8000-000000000004", Name: "Seeder"}
	require.NoError(t, e.registry.ReceiveLot(ctx, lot, seeder))
	return product, lot
}

func chartCompletedMessage(t *testing.T, data messaging.ChartCompletedEvent) *messaging.Event {
	t.Helper()

	payload, err := json.Marshal(data)
	require.NoError(t, err)

	return &messaging.Event{
		ID:        uuid.New().String(),
		Type:      messaging.EventChartCompleted,
		Source:    "charting-service",
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}
}

func TestHandleChartCompleted(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	env := newConsumerEnv()
	product, lot := env.seedStockedProduct(t, ctx, 100)

	chartID := uuid.New().String()
	event := chartCompletedMessage(t, messaging.ChartCompletedEvent{
		ChartID:     chartID,
		PatientID:   "patient-consumer-1",
		LocationID:  "loc-main",
		ProviderID:  "provider-1",
		CompletedAt: time.Now().UTC(),
		Lines: []messaging.ChartDeductionLine{
			{ProductID: product.ID, Units: decimal.NewFromInt(30)},
		},
	})

	require.NoError(t, env.handler.HandleChartCompleted(ctx, event))

	link, err := env.linkRepo.GetByChartID(ctx, chartID)
	require.NoError(t, err)
	assert.Equal(t, repository.LinkStatusCompleted, link.Status)

	updated, err := env.lotRepo.GetByID(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, updated.AvailableQty.Equal(decimal.NewFromInt(70)))

	// Attribution falls to the system actor for event-driven deductions
	txs, err := env.txRepo.List(ctx, repository.TransactionFilter{ChartID: chartID})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, actor.SystemActor().ID, txs[0].PerformedBy)
}

func TestHandleChartCompleted_RedeliveryIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	env := newConsumerEnv()
	product, lot := env.seedStockedProduct(t, ctx, 100)

	event := chartCompletedMessage(t, messaging.ChartCompletedEvent{
		ChartID:     uuid.New().String(),
		PatientID:   "patient-consumer-2",
		LocationID:  "loc-main",
		CompletedAt: time.Now().UTC(),
		Lines: []messaging.ChartDeductionLine{
			{ProductID: product.ID, Units: decimal.NewFromInt(10)},
		},
	})

	require.NoError(t, env.handler.HandleChartCompleted(ctx, event))

	// A redelivered message must ack cleanly and deduct nothing
	require.NoError(t, env.handler.HandleChartCompleted(ctx, event))

	updated, err := env.lotRepo.GetByID(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, updated.AvailableQty.Equal(decimal.NewFromInt(90)))
}

func TestHandleChartCompleted_FailedDeductionStaysFailed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	env := newConsumerEnv()

	fixture := suite.Fixtures.Product(testutil.WithThresholds(0, 0))
	product := &repository.Product{
		ID:            fixture.ID,
		Name:          fixture.Name,
		SKU:           fixture.SKU,
		Category:      fixture.Category,
		UnitType:      fixture.UnitType,
		MinStockLevel: fixture.MinStockLevel,
		ReorderPoint:  fixture.ReorderPoint,
		IsActive:      true,
	}
	require.NoError(t, env.productRepo.Create(ctx, product))

	chartID := uuid.New().String()
	event := chartCompletedMessage(t, messaging.ChartCompletedEvent{
		ChartID:     chartID,
		PatientID:   "patient-consumer-3",
		LocationID:  "loc-main",
		CompletedAt: time.Now().UTC(),
		Lines: []messaging.ChartDeductionLine{
			{ProductID: product.ID, Units: decimal.NewFromInt(10)},
		},
	})

	// The handler acks the message; the failure is parked on the link
	// for retry or override
	require.NoError(t, env.handler.HandleChartCompleted(ctx, event))

	link, err := env.linkRepo.GetByChartID(ctx, chartID)
	require.NoError(t, err)
	assert.Equal(t, repository.LinkStatusFailed, link.Status)
}

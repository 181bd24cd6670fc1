package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/handler"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/repository"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/service"
	"github.com/vialpoint/vialpoint-backend/pkg/actor"
	"github.com/vialpoint/vialpoint-backend/pkg/httputil"
	"github.com/vialpoint/vialpoint-backend/pkg/logger"
	"github.com/vialpoint/vialpoint-backend/pkg/testutil"
)

var suite *testutil.IntegrationSuite

var actorStub = actor.Actor{ID: "7b8a3c1e-0000-4000-8000-000000000003", Name: "Seeder"}

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

type testEnv struct {
	router      chi.Router
	productRepo *repository.ProductRepository
	registry    *service.RegistryService
}

func newTestEnv() *testEnv {
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

	h := handler.NewDeductionHandler(deductions, testLog)

	r := chi.NewRouter()
	r.Use(httputil.Identity)
	r.Route("/charting", func(r chi.Router) {
		r.Post("/deduct", h.Process)
		r.Get("/{chartId}", h.Get)
		r.Post("/{chartId}/retry", h.Retry)
		r.Post("/{chartId}/override", h.Override)
	})
	r.Post("/deduct", h.ManualDeduct)

	return &testEnv{
		router:      r,
		productRepo: productRepo,
		registry:    registry,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "7b8a3c1e-0000-4000-8000-000000000002")
	req.Header.Set("X-User-Name", "Test Provider")

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedStockedProduct(t *testing.T, ctx context.Context, qty int64) *repository.Product {
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
	require.NoError(t, e.registry.ReceiveLot(ctx, lot, &actorStub))
	return product
}

func TestProcessEndpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	env := newTestEnv()
	product := env.seedStockedProduct(t, ctx, 100)

	chartID := uuid.New().String()
	body := map[string]any{
		"chart_id":    chartID,
		"patient_id":  "patient-handler-1",
		"location_id": "loc-main",
		"lines": []map[string]any{
			{"product_id": product.ID, "units": 25},
		},
	}

	rec := env.do(t, http.MethodPost, "/charting/deduct", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result struct {
		Data struct {
			Link struct {
				ChartID string `json:"chart_id"`
				Status  string `json:"status"`
			} `json:"link"`
			TransactionIDs []string `json:"transaction_ids"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, chartID, result.Data.Link.ChartID)
	assert.Equal(t, repository.LinkStatusCompleted, result.Data.Link.Status)
	assert.Len(t, result.Data.TransactionIDs, 1)

	// Duplicate submission conflicts instead of deducting twice
	rec = env.do(t, http.MethodPost, "/charting/deduct", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The link is queryable by chart id
	rec = env.do(t, http.MethodGet, "/charting/"+chartID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProcessEndpoint_Validation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	env := newTestEnv()

	rec := env.do(t, http.MethodPost, "/charting/deduct", map[string]any{
		"patient_id":  "patient-handler-2",
		"location_id": "loc-main",
		"lines":       []map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetEndpoint_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	env := newTestEnv()

	rec := env.do(t, http.MethodGet, "/charting/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryEndpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	env := newTestEnv()

	// No stock yet, so the deduction fails
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
	rec := env.do(t, http.MethodPost, "/charting/deduct", map[string]any{
		"chart_id":    chartID,
		"patient_id":  "patient-handler-3",
		"location_id": "loc-main",
		"lines": []map[string]any{
			{"product_id": product.ID, "units": 10},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Retrying without stock leaves the chart failed
	rec = env.do(t, http.MethodPost, "/charting/"+chartID+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Data struct {
			Link struct {
				Status string `json:"status"`
			} `json:"link"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, repository.LinkStatusFailed, result.Data.Link.Status)

	// Override closes the chart out
	rec = env.do(t, http.MethodPost, "/charting/"+chartID+"/override", map[string]string{
		"reason": "stock reconciled by hand",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, repository.LinkStatusManualOverride, result.Data.Link.Status)
}

func TestManualDeductEndpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	env := newTestEnv()
	product := env.seedStockedProduct(t, ctx, 50)

	rec := env.do(t, http.MethodPost, "/deduct", map[string]any{
		"product_id":  product.ID,
		"location_id": "loc-main",
		"units":       decimal.NewFromInt(5),
		"reason":      "damaged in transit",
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Missing reason is rejected
	rec = env.do(t, http.MethodPost, "/deduct", map[string]any{
		"product_id":  product.ID,
		"location_id": "loc-main",
		"units":       decimal.NewFromInt(5),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

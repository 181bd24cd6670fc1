package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/consumers"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/events"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/handler"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/repository"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/service"
	"github.com/vialpoint/vialpoint-backend/pkg/config"
	"github.com/vialpoint/vialpoint-backend/pkg/database"
	"github.com/vialpoint/vialpoint-backend/pkg/httputil"
	"github.com/vialpoint/vialpoint-backend/pkg/logger"
	"github.com/vialpoint/vialpoint-backend/pkg/messaging"
)

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation("inventory-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New("inventory-service", cfg.Server.Environment)
	log.Info().Msg("starting Inventory Service")

	// Connect to database
	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Connect to RabbitMQ
	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer rmq.Close()

	// Initialize event publisher
	publisher, err := events.NewInventoryEventPublisher(rmq, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}

	// Initialize repositories
	productRepo := repository.NewProductRepository(db)
	lotRepo := repository.NewLotRepository(db)
	vialRepo := repository.NewVialRepository(db)
	txRepo := repository.NewTransactionRepository(db)
	linkRepo := repository.NewChartLinkRepository(db)
	alertRepo := repository.NewAlertRepository(db)

	// Initialize services
	alertService := service.NewAlertService(alertRepo, lotRepo, productRepo, publisher, log)
	registryService := service.NewRegistryService(productRepo, lotRepo, txRepo, alertService, publisher, log)
	vialService := service.NewVialService(db, vialRepo, lotRepo, productRepo, txRepo, alertService, publisher, cfg.Alerts.LowVialUnits, log)
	deductionService := service.NewDeductionService(db, productRepo, lotRepo, txRepo, linkRepo, vialService, alertService, publisher, log)
	scanner := service.NewExpiryScanner(lotRepo, vialRepo, txRepo, alertService, publisher, &cfg.Alerts, log)

	// Initialize handlers
	productHandler := handler.NewProductHandler(registryService, log)
	lotHandler := handler.NewLotHandler(registryService, log)
	vialHandler := handler.NewVialHandler(vialService, log)
	deductionHandler := handler.NewDeductionHandler(deductionService, log)
	transactionHandler := handler.NewTransactionHandler(txRepo, deductionService, log)
	alertHandler := handler.NewAlertHandler(alertService, log)
	dashboardHandler := handler.NewDashboardHandler(registryService, log)

	// Start chart event consumer
	chartConsumer, err := consumers.NewChartEventConsumer(rmq, deductionService, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create chart event consumer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := chartConsumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start chart event consumer")
	}

	// Start expiry scanner
	scanner.Start(ctx)

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(httputil.Identity)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-ID", "X-User-Name", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]interface{}{
			"status":   "healthy",
			"service":  "inventory-service",
			"database": db.Health(r.Context()),
			"rabbitmq": rmq.Health(),
		})
	})

	// API routes
	r.Route("/api/v1/inventory", func(r chi.Router) {
		// Product routes
		r.Route("/products", func(r chi.Router) {
			r.Get("/", productHandler.List)
			r.Post("/", productHandler.Create)
			r.Get("/{id}", productHandler.Get)
			r.Put("/{id}", productHandler.Update)
			r.Delete("/{id}", productHandler.Deactivate)
			r.Get("/{id}/lots", lotHandler.ListByProduct)
		})

		// Lot routes
		r.Route("/lots", func(r chi.Router) {
			r.Post("/", lotHandler.Receive)
			r.Get("/expiring", lotHandler.Expiring)
			r.Get("/{id}", lotHandler.Get)
			r.Post("/{id}/quarantine", lotHandler.Quarantine)
			r.Post("/{id}/release", lotHandler.Release)
			r.Post("/{id}/recall", lotHandler.Recall)
			r.Post("/{id}/adjust", lotHandler.Adjust)
			r.Post("/{id}/waste", lotHandler.Waste)
		})

		// Open vial routes
		r.Route("/vials", func(r chi.Router) {
			r.Get("/", vialHandler.ListActive)
			r.Post("/", vialHandler.Open)
			r.Get("/{id}", vialHandler.Get)
			r.Post("/{id}/use", vialHandler.Use)
			r.Post("/{id}/waste", vialHandler.Waste)
			r.Post("/{id}/close", vialHandler.Close)
		})

		// Chart deduction routes
		r.Route("/charting", func(r chi.Router) {
			r.Post("/deduct", deductionHandler.Process)
			r.Get("/{chartId}", deductionHandler.Get)
			r.Post("/{chartId}/retry", deductionHandler.Retry)
			r.Post("/{chartId}/override", deductionHandler.Override)
		})
		r.Post("/deduct", deductionHandler.ManualDeduct)

		// Transaction ledger routes
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", transactionHandler.List)
			r.Get("/waste-summary", transactionHandler.WasteSummary)
			r.Get("/{id}", transactionHandler.Get)
			r.Post("/{id}/reverse", transactionHandler.Reverse)
		})

		// Stock levels
		r.Get("/stock-levels", lotHandler.StockLevels)

		// Alert routes
		r.Get("/alerts", alertHandler.List)
		r.Put("/alerts/{id}/acknowledge", alertHandler.Acknowledge)

		// Dashboard
		r.Get("/dashboard/stats", dashboardHandler.GetStats)
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Cancel context to stop the consumer and scanner
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

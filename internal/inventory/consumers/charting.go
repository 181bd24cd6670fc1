package consumers

import (
	"context"

	"github.com/vialpoint/vialpoint-backend/internal/inventory/service"
	"github.com/vialpoint/vialpoint-backend/pkg/actor"
	"github.com/vialpoint/vialpoint-backend/pkg/errors"
	"github.com/vialpoint/vialpoint-backend/pkg/logger"
	"github.com/vialpoint/vialpoint-backend/pkg/messaging"
)

// ChartEventHandler handles chart events (testable without RabbitMQ)
type ChartEventHandler struct {
	deductions *service.DeductionService
	logger     *logger.Logger
}

// NewChartEventHandler creates a new handler for testing purposes
func NewChartEventHandler(deductions *service.DeductionService, log *logger.Logger) *ChartEventHandler {
	return &ChartEventHandler{
		deductions: deductions,
		logger:     log,
	}
}

// HandleChartCompleted feeds a completed chart into the deduction engine.
// Redelivery of a chart that was already handled is treated as success.
func (h *ChartEventHandler) HandleChartCompleted(ctx context.Context, event *messaging.Event) error {
	var data messaging.ChartCompletedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	h.logger.Info().
		Str("chart_id", data.ChartID).
		Int("lines", len(data.Lines)).
		Msg("received chart completed event")

	result, err := h.deductions.ProcessChart(ctx, &data, actor.SystemActor())
	if err != nil {
		if errors.Is(err, errors.ErrAlreadyProcessed) {
			h.logger.Info().Str("chart_id", data.ChartID).Msg("chart already processed, skipping")
			return nil
		}
		return err
	}

	h.logger.Info().
		Str("chart_id", data.ChartID).
		Str("link_status", result.Link.Status).
		Int("transactions", len(result.TransactionIDs)).
		Msg("chart deduction processed")

	return nil
}

// ChartEventConsumer consumes completed chart events and feeds them to
// the deduction engine
type ChartEventConsumer struct {
	consumer *messaging.Consumer
	handler  *ChartEventHandler
	logger   *logger.Logger
}

// NewChartEventConsumer creates a new chart event consumer
func NewChartEventConsumer(rmq *messaging.RabbitMQ, deductions *service.DeductionService, log *logger.Logger) (*ChartEventConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, "inventory-service.chart-events", log)
	if err != nil {
		return nil, err
	}

	if err := consumer.Subscribe(messaging.ExchangeChartingEvents, "charting.#"); err != nil {
		return nil, err
	}

	handler := NewChartEventHandler(deductions, log)

	c := &ChartEventConsumer{
		consumer: consumer,
		handler:  handler,
		logger:   log,
	}

	consumer.RegisterHandler(messaging.EventChartCompleted, handler.HandleChartCompleted)

	return c, nil
}

// Start starts consuming messages
func (c *ChartEventConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	// Lot events
	EventLotReceived    = "inventory.lot.received"
	EventLotQuarantined = "inventory.lot.quarantined"
	EventLotReleased    = "inventory.lot.released"
	EventLotRecalled    = "inventory.lot.recalled"
	EventLotExpiring    = "inventory.lot.expiring"

	// Stock events
	EventStockDeducted = "inventory.stock.deducted"
	EventStockAdjusted = "inventory.stock.adjusted"

	// Vial events
	EventVialOpened = "inventory.vial.opened"
	EventVialUsed   = "inventory.vial.used"
	EventVialClosed = "inventory.vial.closed"

	// Alert events
	EventAlertGenerated = "inventory.alert.generated"

	// Charting deduction events
	EventChartDeductionCompleted = "charting.deduction_completed"
	EventChartDeductionFailed    = "charting.deduction_failed"

	// Charting events consumed from the charting system
	EventChartCompleted = "charting.completed"
)

// Exchange names
const (
	ExchangeInventoryEvents = "inventory.events"
	ExchangeChartingEvents  = "charting.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            GenerateEventID(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Lot Events

// LotReceivedEvent is published when a new lot is received into inventory
type LotReceivedEvent struct {
	LotID          string          `json:"lot_id"`
	ProductID      string          `json:"product_id"`
	LotNumber      string          `json:"lot_number"`
	LocationID     string          `json:"location_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	ExpirationDate time.Time       `json:"expiration_date"`
	ReceivedBy     string          `json:"received_by"`
}

// LotQuarantinedEvent is published when a lot is placed in quarantine
type LotQuarantinedEvent struct {
	LotID     string `json:"lot_id"`
	ProductID string `json:"product_id"`
	LotNumber string `json:"lot_number"`
	Reason    string `json:"reason"`
}

// LotReleasedEvent is published when a quarantined lot is released
type LotReleasedEvent struct {
	LotID     string `json:"lot_id"`
	ProductID string `json:"product_id"`
	LotNumber string `json:"lot_number"`
}

// LotRecalledEvent is published when a lot is recalled
type LotRecalledEvent struct {
	LotID        string `json:"lot_id"`
	ProductID    string `json:"product_id"`
	LotNumber    string `json:"lot_number"`
	RecallClass  string `json:"recall_class"`
	Reason       string `json:"reason"`
	PatientCount int    `json:"patient_count"`
}

// LotExpiringEvent is published by the scanner when a lot nears expiry
type LotExpiringEvent struct {
	LotID          string          `json:"lot_id"`
	ProductID      string          `json:"product_id"`
	ProductName    string          `json:"product_name"`
	LotNumber      string          `json:"lot_number"`
	ExpirationDate time.Time       `json:"expiration_date"`
	DaysUntil      int             `json:"days_until"`
	Quantity       decimal.Decimal `json:"quantity"`
}

// Stock Events

// StockDeductedEvent is published when stock is consumed by a treatment
type StockDeductedEvent struct {
	ProductID   string          `json:"product_id"`
	LotID       string          `json:"lot_id,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	ChartID     string          `json:"chart_id,omitempty"`
	Units       decimal.Decimal `json:"units"`
	NewQuantity decimal.Decimal `json:"new_quantity"`
	PerformedBy string          `json:"performed_by"`
}

// StockAdjustedEvent is published when stock is manually adjusted
type StockAdjustedEvent struct {
	ProductID   string          `json:"product_id"`
	LotID       string          `json:"lot_id"`
	Adjustment  decimal.Decimal `json:"adjustment"`
	NewQuantity decimal.Decimal `json:"new_quantity"`
	PerformedBy string          `json:"performed_by"`
	Reason      string          `json:"reason"`
}

// Vial Events

// VialOpenedEvent is published when a multi-dose vial is opened
type VialOpenedEvent struct {
	SessionID      string          `json:"session_id"`
	VialNumber     string          `json:"vial_number"`
	ProductID      string          `json:"product_id"`
	LotID          string          `json:"lot_id"`
	OriginalUnits  decimal.Decimal `json:"original_units"`
	StabilityHours int             `json:"stability_hours"`
	ExpiresAt      time.Time       `json:"expires_at"`
	OpenedBy       string          `json:"opened_by"`
}

// VialUsedEvent is published when units are drawn from an open vial
type VialUsedEvent struct {
	SessionID    string          `json:"session_id"`
	VialNumber   string          `json:"vial_number"`
	PatientID    string          `json:"patient_id"`
	Units        decimal.Decimal `json:"units"`
	WastedUnits  decimal.Decimal `json:"wasted_units"`
	CurrentUnits decimal.Decimal `json:"current_units"`
	LowVial      bool            `json:"low_vial"`
}

// VialClosedEvent is published when an open vial reaches a terminal state
type VialClosedEvent struct {
	SessionID    string          `json:"session_id"`
	VialNumber   string          `json:"vial_number"`
	Status       string          `json:"status"`
	WastedUnits  decimal.Decimal `json:"wasted_units"`
	PatientCount int             `json:"patient_count"`
	ClosedBy     string          `json:"closed_by"`
}

// Alert Events

// AlertGeneratedEvent is published when an alert is generated
type AlertGeneratedEvent struct {
	AlertID   string `json:"alert_id"`
	AlertType string `json:"alert_type"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	ProductID string `json:"product_id,omitempty"`
	LotID     string `json:"lot_id,omitempty"`
}

// Charting Events

// ChartCompletedEvent is consumed when the charting system finalizes a chart
type ChartCompletedEvent struct {
	ChartID       string               `json:"chart_id"`
	PatientID     string               `json:"patient_id"`
	AppointmentID string               `json:"appointment_id,omitempty"`
	LocationID    string               `json:"location_id"`
	ProviderID    string               `json:"provider_id"`
	CompletedAt   time.Time            `json:"completed_at"`
	Lines         []ChartDeductionLine `json:"lines"`
}

// ChartDeductionLine is a single product usage recorded on a chart
type ChartDeductionLine struct {
	ProductID string          `json:"product_id"`
	Units     decimal.Decimal `json:"units"`
	LotID     string          `json:"lot_id,omitempty"`
	SessionID string          `json:"open_vial_session_id,omitempty"`
}

// ChartDeductionCompletedEvent is published after a chart's inventory
// deductions have all been applied
type ChartDeductionCompletedEvent struct {
	ChartID        string   `json:"chart_id"`
	LinkID         string   `json:"link_id"`
	TransactionIDs []string `json:"transaction_ids"`
}

// ChartDeductionFailedEvent is published when any line of a chart deduction
// could not be applied
type ChartDeductionFailedEvent struct {
	ChartID     string   `json:"chart_id"`
	LinkID      string   `json:"link_id"`
	FailedLines int      `json:"failed_lines"`
	Reasons     []string `json:"reasons"`
}

// GenerateEventID generates a unique event ID
func GenerateEventID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), time.Now().Nanosecond()%10000)
}

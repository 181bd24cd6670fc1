package testutil

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProductFixture represents test product data
type ProductFixture struct {
	ID                    string
	Name                  string
	SKU                   string
	Category              string
	UnitType              string
	IsMultiDose           bool
	DefaultStabilityHours int
	UnitsPerPackage       decimal.Decimal
	CostPrice             decimal.Decimal
	MinStockLevel         decimal.Decimal
	ReorderPoint          decimal.Decimal
	CreatedAt             time.Time
}

// LotFixture represents test lot data
type LotFixture struct {
	ID              string
	ProductID       string
	LotNumber       string
	LocationID      string
	Status          string
	InitialQuantity decimal.Decimal
	AvailableQty    decimal.Decimal
	PurchaseCost    decimal.Decimal
	ExpirationDate  time.Time
	ReceivedAt      time.Time
	ReceivedBy      string
}

// VialSessionFixture represents test open-vial session data
type VialSessionFixture struct {
	ID             string
	VialNumber     string
	LotID          string
	ProductID      string
	LocationID     string
	Status         string
	OriginalUnits  decimal.Decimal
	CurrentUnits   decimal.Decimal
	UsedUnits      decimal.Decimal
	WastedUnits    decimal.Decimal
	StabilityHours int
	OpenedAt       time.Time
	ExpiresAt      time.Time
	OpenedBy       string
}

// FixtureFactory creates test fixtures with sensible defaults
type FixtureFactory struct {
	sequence int
}

// NewFixtureFactory creates a new fixture factory
func NewFixtureFactory() *FixtureFactory {
	return &FixtureFactory{sequence: 0}
}

// nextSeq returns the next sequence number for unique values
func (f *FixtureFactory) nextSeq() int {
	f.sequence++
	return f.sequence
}

// Product creates a product fixture with defaults
func (f *FixtureFactory) Product(opts ...func(*ProductFixture)) ProductFixture {
	seq := f.nextSeq()

	p := ProductFixture{
		ID:              uuid.New().String(),
		Name:            fmt.Sprintf("Test Product %d", seq),
		SKU:             fmt.Sprintf("SKU-%04d", seq),
		Category:        "neurotoxin",
		UnitType:        "units",
		UnitsPerPackage: decimal.NewFromInt(100),
		CostPrice:       decimal.NewFromInt(500),
		MinStockLevel:   decimal.NewFromInt(100),
		ReorderPoint:    decimal.NewFromInt(200),
		CreatedAt:       time.Now(),
	}

	for _, opt := range opts {
		opt(&p)
	}

	return p
}

// WithProductName sets the product name
func WithProductName(name string) func(*ProductFixture) {
	return func(p *ProductFixture) {
		p.Name = name
	}
}

// WithSKU sets the product SKU
func WithSKU(sku string) func(*ProductFixture) {
	return func(p *ProductFixture) {
		p.SKU = sku
	}
}

// WithCategory sets the product category
func WithCategory(category string) func(*ProductFixture) {
	return func(p *ProductFixture) {
		p.Category = category
	}
}

// MultiDose marks the product as a multi-dose vial product
func MultiDose(stabilityHours int) func(*ProductFixture) {
	return func(p *ProductFixture) {
		p.IsMultiDose = true
		p.DefaultStabilityHours = stabilityHours
	}
}

// WithPackageUnits sets the product's units-per-package
func WithPackageUnits(units int64) func(*ProductFixture) {
	return func(p *ProductFixture) {
		p.UnitsPerPackage = decimal.NewFromInt(units)
	}
}

// WithThresholds sets the product's stock thresholds
func WithThresholds(minStock, reorder int64) func(*ProductFixture) {
	return func(p *ProductFixture) {
		p.MinStockLevel = decimal.NewFromInt(minStock)
		p.ReorderPoint = decimal.NewFromInt(reorder)
	}
}

// Lot creates a lot fixture with defaults. The lot is available, received
// today and expires in a year.
func (f *FixtureFactory) Lot(productID string, opts ...func(*LotFixture)) LotFixture {
	seq := f.nextSeq()

	l := LotFixture{
		ID:              uuid.New().String(),
		ProductID:       productID,
		LotNumber:       fmt.Sprintf("LOT-%04d", seq),
		LocationID:      "loc-main",
		Status:          "available",
		InitialQuantity: decimal.NewFromInt(100),
		AvailableQty:    decimal.NewFromInt(100),
		PurchaseCost:    decimal.NewFromInt(500),
		ExpirationDate:  time.Now().AddDate(1, 0, 0),
		ReceivedAt:      time.Now(),
		ReceivedBy:      "test-user",
	}

	for _, opt := range opts {
		opt(&l)
	}

	return l
}

// WithLotNumber sets the lot number
func WithLotNumber(lotNumber string) func(*LotFixture) {
	return func(l *LotFixture) {
		l.LotNumber = lotNumber
	}
}

// WithLocation sets the lot's location
func WithLocation(locationID string) func(*LotFixture) {
	return func(l *LotFixture) {
		l.LocationID = locationID
	}
}

// WithQuantity sets both initial and available quantity
func WithQuantity(qty int64) func(*LotFixture) {
	return func(l *LotFixture) {
		l.InitialQuantity = decimal.NewFromInt(qty)
		l.AvailableQty = decimal.NewFromInt(qty)
	}
}

// WithAvailable sets only the available quantity
func WithAvailable(qty float64) func(*LotFixture) {
	return func(l *LotFixture) {
		l.AvailableQty = decimal.NewFromFloat(qty)
	}
}

// WithExpiration sets the lot's expiration date
func WithExpiration(date time.Time) func(*LotFixture) {
	return func(l *LotFixture) {
		l.ExpirationDate = date
	}
}

// WithReceived sets the lot's received timestamp
func WithReceived(at time.Time) func(*LotFixture) {
	return func(l *LotFixture) {
		l.ReceivedAt = at
	}
}

// WithLotStatus sets the lot's status
func WithLotStatus(status string) func(*LotFixture) {
	return func(l *LotFixture) {
		l.Status = status
	}
}

// VialSession creates an active open-vial session fixture
func (f *FixtureFactory) VialSession(lotID, productID string, opts ...func(*VialSessionFixture)) VialSessionFixture {
	seq := f.nextSeq()
	now := time.Now()

	v := VialSessionFixture{
		ID:             uuid.New().String(),
		VialNumber:     fmt.Sprintf("V-%s-%03d", now.Format("20060102"), seq),
		LotID:          lotID,
		ProductID:      productID,
		LocationID:     "loc-main",
		Status:         "active",
		OriginalUnits:  decimal.NewFromInt(100),
		CurrentUnits:   decimal.NewFromInt(100),
		UsedUnits:      decimal.Zero,
		WastedUnits:    decimal.Zero,
		StabilityHours: 24,
		OpenedAt:       now,
		ExpiresAt:      now.Add(24 * time.Hour),
		OpenedBy:       "test-user",
	}

	for _, opt := range opts {
		opt(&v)
	}

	return v
}

// WithUnits sets the session's original and current units
func WithUnits(units int64) func(*VialSessionFixture) {
	return func(v *VialSessionFixture) {
		v.OriginalUnits = decimal.NewFromInt(units)
		v.CurrentUnits = decimal.NewFromInt(units)
	}
}

// WithCurrentUnits sets only the session's current units
func WithCurrentUnits(units float64) func(*VialSessionFixture) {
	return func(v *VialSessionFixture) {
		v.CurrentUnits = decimal.NewFromFloat(units)
		v.UsedUnits = v.OriginalUnits.Sub(v.CurrentUnits)
	}
}

// WithStability sets the session's stability window
func WithStability(hours int) func(*VialSessionFixture) {
	return func(v *VialSessionFixture) {
		v.StabilityHours = hours
		v.ExpiresAt = v.OpenedAt.Add(time.Duration(hours) * time.Hour)
	}
}

// WithVialStatus sets the session's status
func WithVialStatus(status string) func(*VialSessionFixture) {
	return func(v *VialSessionFixture) {
		v.Status = status
	}
}

// Expired makes the session's stability window already lapsed
func Expired() func(*VialSessionFixture) {
	return func(v *VialSessionFixture) {
		v.OpenedAt = time.Now().Add(-48 * time.Hour)
		v.ExpiresAt = time.Now().Add(-24 * time.Hour)
	}
}

package service_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/repository"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/service"
	"github.com/vialpoint/vialpoint-backend/pkg/errors"
)

func fefoLot(id string, available int64, expiresInDays int) *repository.Lot {
	return &repository.Lot{
		ID:             id,
		Status:         repository.LotStatusAvailable,
		AvailableQty:   decimal.NewFromInt(available),
		ExpirationDate: time.Now().AddDate(0, 0, expiresInDays),
	}
}

func TestPlanAllocation_SingleLot(t *testing.T) {
	lots := []*repository.Lot{
		fefoLot("lot-1", 100, 30),
		fefoLot("lot-2", 100, 60),
	}

	plan, err := service.PlanAllocation(lots, decimal.NewFromInt(40))
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, "lot-1", plan[0].LotID)
	assert.True(t, plan[0].Units.Equal(decimal.NewFromInt(40)))
}

func TestPlanAllocation_SpansLots(t *testing.T) {
	lots := []*repository.Lot{
		fefoLot("lot-1", 30, 10),
		fefoLot("lot-2", 30, 20),
		fefoLot("lot-3", 100, 30),
	}

	plan, err := service.PlanAllocation(lots, decimal.NewFromInt(75))
	require.NoError(t, err)
	require.Len(t, plan, 3)

	assert.Equal(t, "lot-1", plan[0].LotID)
	assert.True(t, plan[0].Units.Equal(decimal.NewFromInt(30)))
	assert.Equal(t, "lot-2", plan[1].LotID)
	assert.True(t, plan[1].Units.Equal(decimal.NewFromInt(30)))
	assert.Equal(t, "lot-3", plan[2].LotID)
	assert.True(t, plan[2].Units.Equal(decimal.NewFromInt(15)))
}

func TestPlanAllocation_ExactFit(t *testing.T) {
	lots := []*repository.Lot{
		fefoLot("lot-1", 25, 10),
		fefoLot("lot-2", 25, 20),
	}

	plan, err := service.PlanAllocation(lots, decimal.NewFromInt(50))
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.True(t, plan[1].Units.Equal(decimal.NewFromInt(25)))
}

func TestPlanAllocation_InsufficientStock(t *testing.T) {
	lots := []*repository.Lot{
		fefoLot("lot-1", 30, 10),
		fefoLot("lot-2", 30, 20),
	}

	plan, err := service.PlanAllocation(lots, decimal.NewFromInt(61))
	assert.Nil(t, plan)
	assert.ErrorIs(t, err, errors.ErrNoAvailableInventory)
}

func TestPlanAllocation_NoLots(t *testing.T) {
	plan, err := service.PlanAllocation(nil, decimal.NewFromInt(1))
	assert.Nil(t, plan)
	assert.ErrorIs(t, err, errors.ErrNoAvailableInventory)
}

func TestPlanAllocation_SkipsEmptyLots(t *testing.T) {
	lots := []*repository.Lot{
		fefoLot("lot-1", 0, 10),
		fefoLot("lot-2", 50, 20),
	}

	plan, err := service.PlanAllocation(lots, decimal.NewFromInt(10))
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, "lot-2", plan[0].LotID)
}

func TestPlanAllocation_FractionalUnits(t *testing.T) {
	lots := []*repository.Lot{
		fefoLot("lot-1", 10, 10),
		fefoLot("lot-2", 10, 20),
	}

	req, _ := decimal.NewFromString("12.50")
	plan, err := service.PlanAllocation(lots, req)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.True(t, plan[0].Units.Equal(decimal.NewFromInt(10)))

	expected, _ := decimal.NewFromString("2.50")
	assert.True(t, plan[1].Units.Equal(expected))
}

func TestPlanAllocation_RejectsNonPositive(t *testing.T) {
	lots := []*repository.Lot{fefoLot("lot-1", 10, 10)}

	_, err := service.PlanAllocation(lots, decimal.Zero)
	assert.ErrorIs(t, err, errors.ErrBadRequest)

	_, err = service.PlanAllocation(lots, decimal.NewFromInt(-5))
	assert.ErrorIs(t, err, errors.ErrBadRequest)
}

package server

import (
	"context"
	"time"

	"github.com/raterudder/agilerudder/pkg/controller"
	"github.com/raterudder/agilerudder/pkg/types"
	"github.com/stretchr/testify/mock"
)

type mockPlanner struct {
	mock.Mock
}

func (m *mockPlanner) CurrentState(ctx context.Context) types.PlannerState {
	args := m.Called(ctx)
	return args.Get(0).(types.PlannerState)
}

func (m *mockPlanner) OverrideSlotAction(ctx context.Context, slotStart time.Time, action types.SlotAction) error {
	args := m.Called(ctx, slotStart, action)
	return args.Error(0)
}

func (m *mockPlanner) ClearManualOverrides(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockPlanner) Recalculate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockPlanner) ChargeBattery(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockPlanner) DischargeBattery(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockPlanner) DumpAndChargeBattery(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockPlanner) TestCharge(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockPlanner) GetHistory(ctx context.Context, start, end time.Time) ([]types.HistoryEntry, error) {
	args := m.Called(ctx, start, end)
	if v := args.Get(0); v != nil {
		return v.([]types.HistoryEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockPlanner) Projection(ctx context.Context) ([]controller.SimSlot, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]controller.SimSlot), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockPlanner) Settings(ctx context.Context) (types.Settings, map[string]bool) {
	args := m.Called(ctx)
	return args.Get(0).(types.Settings), args.Get(1).(map[string]bool)
}

func (m *mockPlanner) SaveSettings(ctx context.Context, settings types.Settings, creds *types.Credentials) error {
	args := m.Called(ctx, settings, creds)
	return args.Error(0)
}

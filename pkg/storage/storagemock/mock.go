package storagemock

import (
	"context"
	"time"

	"github.com/raterudder/agilerudder/pkg/storage"
	"github.com/raterudder/agilerudder/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) AppendHistory(ctx context.Context, entry types.HistoryEntry) (bool, error) {
	args := m.Called(ctx, entry)
	return args.Bool(0), args.Error(1)
}

func (m *MockDatabase) UpdateHistory(ctx context.Context, entries []types.HistoryEntry) error {
	args := m.Called(ctx, entries)
	return args.Error(0)
}

func (m *MockDatabase) GetHistory(ctx context.Context, start, end time.Time) ([]types.HistoryEntry, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		if v := args.Get(0); v != nil {
			return v.([]types.HistoryEntry), args.Error(1)
		}
		return nil, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetManualOverrides(ctx context.Context) ([]types.ManualOverride, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		if v := args.Get(0); v != nil {
			return v.([]types.ManualOverride), args.Error(1)
		}
		return nil, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) SetManualOverrides(ctx context.Context, overrides []types.ManualOverride) error {
	args := m.Called(ctx, overrides)
	return args.Error(0)
}

func (m *MockDatabase) GetMockState(ctx context.Context) (types.InverterMockState, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.InverterMockState), args.Error(1)
	}
	return types.InverterMockState{}, nil
}

func (m *MockDatabase) SetMockState(ctx context.Context, state types.InverterMockState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}

package ess

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/storage/storagemock"
	"github.com/raterudder/agilerudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStorage = storagemock.MockDatabase

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

type fakeInverter struct {
	applied  int
	settings types.Settings
	err      error
}

func (f *fakeInverter) ApplySettings(ctx context.Context, settings types.Settings, creds types.Credentials) error {
	f.applied++
	f.settings = settings
	return f.err
}

func (f *fakeInverter) ReadState(ctx context.Context) (types.InverterReading, error) {
	return types.InverterReading{BatterySOC: 42}, nil
}

func (f *fakeInverter) ReadChargeState(ctx context.Context) (*types.ChargeState, error) {
	return &types.ChargeState{}, nil
}

func (f *fakeInverter) WriteChargeState(ctx context.Context, state types.ChargeState, simulateOnly bool) error {
	return nil
}

func (f *fakeInverter) GetHistoricData(ctx context.Context, day time.Time) ([]types.InverterSample, error) {
	return nil, nil
}

func TestMapSite(t *testing.T) {
	ctx := context.Background()
	m := NewMap()
	solis := &fakeInverter{}
	sim := &fakeInverter{}
	m.SetInverter("solis", solis)
	m.SetInverter("mock", sim)

	t.Run("defaults to solis", func(t *testing.T) {
		inv, err := m.Site(ctx, types.Settings{Timezone: "Europe/London"}, types.Credentials{})
		require.NoError(t, err)
		assert.Same(t, solis, inv)
		assert.Equal(t, 1, solis.applied)
		assert.Equal(t, "Europe/London", solis.settings.Timezone)
	})

	t.Run("by name", func(t *testing.T) {
		inv, err := m.Site(ctx, types.Settings{Inverter: "mock"}, types.Credentials{})
		require.NoError(t, err)
		assert.Same(t, sim, inv)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := m.Site(ctx, types.Settings{Inverter: "givenergy"}, types.Credentials{})
		assert.ErrorIs(t, err, ErrUnknownInverter)
	})

	t.Run("settings rejected", func(t *testing.T) {
		sim.err = assert.AnError
		defer func() { sim.err = nil }()
		_, err := m.Site(ctx, types.Settings{Inverter: "mock"}, types.Credentials{})
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestProviders(t *testing.T) {
	providers := Providers()
	require.Len(t, providers, 2)
	assert.Equal(t, "solis", providers[0].ID)
	assert.False(t, providers[0].Hidden)
	assert.Len(t, providers[0].Credentials, 3)
	assert.Equal(t, "mock", providers[1].ID)
	assert.True(t, providers[1].Hidden)
}

func TestSolisRequiresCredentials(t *testing.T) {
	m := NewMap()
	m.SetInverter("solis", NewSolis("http://localhost", nil))

	_, err := m.Site(context.Background(), types.Settings{}, types.Credentials{})
	assert.Error(t, err)

	_, err = m.Site(context.Background(), types.Settings{}, types.Credentials{
		Solis: &types.SolisCredentials{APIKey: "key", APISecret: "secret"},
	})
	assert.Error(t, err)
}

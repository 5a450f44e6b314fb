package ess

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/agilerudder/pkg/common"
	"github.com/raterudder/agilerudder/pkg/storage"
	"github.com/raterudder/agilerudder/pkg/types"
)

// ErrUnknownInverter is returned when settings name an inverter that isn't
// registered.
var ErrUnknownInverter = errors.New("unknown inverter")

// Inverter defines the interface for reading from and programming a hybrid
// inverter with a battery.
type Inverter interface {
	// ApplySettings updates the inverter with the site settings and the
	// decrypted credentials. It fails if required credentials are missing.
	ApplySettings(ctx context.Context, settings types.Settings, creds types.Credentials) error

	// ReadState returns the live battery and power readings.
	ReadState(ctx context.Context) (types.InverterReading, error)

	// ReadChargeState returns the charge and discharge slot currently
	// programmed.
	ReadChargeState(ctx context.Context) (*types.ChargeState, error)

	// WriteChargeState programs the charge and discharge slot. When
	// simulateOnly is set the request is only logged.
	WriteChargeState(ctx context.Context, state types.ChargeState, simulateOnly bool) error

	// GetHistoricData returns the 5 minute samples for the local day
	// containing day.
	GetHistoricData(ctx context.Context, day time.Time) ([]types.InverterSample, error)
}

// ClockSetter is implemented by inverters whose clock can be set remotely.
type ClockSetter interface {
	SetInverterTime(ctx context.Context, simulateOnly bool) error
}

// Providers returns the inverters a site can pick from.
func Providers() []types.InverterProviderInfo {
	return []types.InverterProviderInfo{
		solisInfo(),
		mockInfo(),
	}
}

// Configured sets up the inverter Map. The simulated inverter persists its
// state through db.
func Configured(db storage.Database) *Map {
	solisURL := lflag.String("solis-api-url", "https://www.soliscloud.com:13333", "Base URL for the SolisCloud API")

	m := NewMap()
	lflag.Do(func() {
		m.SetInverter("solis", NewSolis(*solisURL, common.RestyClient(30*time.Second)))
		m.SetInverter("mock", NewMock(db))
	})
	return m
}

// Map holds the inverter backends by name.
type Map struct {
	mu        sync.Mutex
	inverters map[string]Inverter
}

// NewMap creates an empty Map.
func NewMap() *Map {
	return &Map{
		inverters: make(map[string]Inverter),
	}
}

// Site returns the inverter named in settings after applying the settings and
// credentials to it. An empty name means solis.
func (m *Map) Site(ctx context.Context, settings types.Settings, creds types.Credentials) (Inverter, error) {
	name := settings.Inverter
	if name == "" {
		name = "solis"
	}

	m.mu.Lock()
	inv, ok := m.inverters[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInverter, name)
	}

	if err := inv.ApplySettings(ctx, settings, creds); err != nil {
		return nil, fmt.Errorf("failed to apply settings to %s inverter: %w", name, err)
	}
	return inv, nil
}

// SetInverter registers inv under name, replacing any existing backend. Tests
// use it to swap in fakes.
func (m *Map) SetInverter(name string, inv Inverter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inverters[name] = inv
}

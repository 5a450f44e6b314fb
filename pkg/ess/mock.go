package ess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/storage"
	"github.com/raterudder/agilerudder/pkg/types"
)

const (
	mockStep               = 5 * time.Minute
	mockBatteryVoltage     = 50.0
	mockDefaultCapacityKWh = 10.0
	mockReserveSOC         = 10.0
	mockStartSOC           = 50.0
)

// Mock is a simulated inverter. It runs a simple house and solar model in 5
// minute steps and keeps its state in storage so a restart picks up where it
// left off.
type Mock struct {
	db  storage.Database
	now func() time.Time

	mu          sync.Mutex
	capacityKWh float64
	loc         *time.Location
}

// NewMock returns a simulated inverter persisted through db.
func NewMock(db storage.Database) *Mock {
	return &Mock{
		db:          db,
		now:         time.Now,
		capacityKWh: mockDefaultCapacityKWh,
		loc:         time.UTC,
	}
}

func mockInfo() types.InverterProviderInfo {
	return types.InverterProviderInfo{
		ID:     "mock",
		Name:   "Simulated Inverter",
		Hidden: true,
	}
}

// ApplySettings picks up the battery size and the site timezone. No
// credentials are needed.
func (m *Mock) ApplySettings(ctx context.Context, settings types.Settings, creds types.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capacityKWh = mockDefaultCapacityKWh
	if settings.BatteryCapacityKWh > 0 {
		m.capacityKWh = settings.BatteryCapacityKWh
	}
	m.loc = settings.Location()
	return nil
}

func getMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// load returns the stored state advanced to now. The caller must hold mu.
func (m *Mock) load(ctx context.Context, now time.Time) (types.InverterMockState, error) {
	state, err := m.db.GetMockState(ctx)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && state.Timestamp.IsZero()) {
		log.Ctx(ctx).InfoContext(ctx, "starting new inverter simulation")
		state = types.InverterMockState{
			Timestamp:  now.Add(-mockStep),
			BatterySOC: mockStartSOC,
		}
	} else if err != nil {
		return types.InverterMockState{}, fmt.Errorf("failed to load simulated inverter: %w", err)
	}
	m.advanceState(&state, now)
	return state, nil
}

func (m *Mock) save(ctx context.Context, state types.InverterMockState) error {
	if err := m.db.SetMockState(ctx, state); err != nil {
		return fmt.Errorf("failed to save simulated inverter: %w", err)
	}
	return nil
}

// mockHouseKW is a predictable house load between 0.3 and 0.9 kW with an
// evening bump.
func mockHouseKW(hour float64) float64 {
	kw := 0.5 + 0.2*math.Sin(hour*math.Pi/3)
	if hour >= 17 && hour < 20 {
		kw += 0.4
	}
	return math.Max(kw, 0.3)
}

// mockSolarKW is a bell curve peaking at 3 kW at 12:30.
func mockSolarKW(hour float64) float64 {
	if hour < 6 || hour > 19 {
		return 0
	}
	return 3.0 * math.Sin((hour-6)/13*math.Pi)
}

// advanceState runs the simulation from the state's timestamp up to now. The
// caller must hold mu.
func (m *Mock) advanceState(state *types.InverterMockState, now time.Time) {
	now = now.In(m.loc)
	maxDays := now.Add(-48 * time.Hour)
	if state.Timestamp.Before(maxDays) {
		// don't bother simulating a long outage step by step
		state.Timestamp = maxDays
	}

	stepStart := state.Timestamp.In(m.loc)
	day := getMidnight(stepStart)
	for stepStart.Before(now) {
		// steps line up with the clock so samples land on 5 minute marks
		bucketEnd := stepStart.Truncate(mockStep).Add(mockStep)
		stepEnd := bucketEnd
		if stepEnd.After(now) {
			stepEnd = now
		}
		hours := stepEnd.Sub(stepStart).Hours()
		if hours <= 0 {
			break
		}
		if d := getMidnight(stepStart); d.After(day) {
			state.TodayPVkWh = 0
			state.TodayImportkWh = 0
			state.TodayExportkWh = 0
			day = d
		}

		mid := stepStart.Add(stepEnd.Sub(stepStart) / 2)
		hour := float64(mid.Hour()) + float64(mid.Minute())/60
		houseKW := mockHouseKW(hour)
		solarKW := mockSolarKW(hour)

		spaceKWh := (100 - state.BatterySOC) / 100 * m.capacityKWh
		usableKWh := math.Max(state.BatterySOC-mockReserveSOC, 0) / 100 * m.capacityKWh

		// positive is charging
		var batteryKW float64
		cs := state.ChargeState
		switch {
		case cs.Charge.Contains(mid) && cs.ChargeAmps > 0:
			batteryKW = math.Min(float64(cs.ChargeAmps)*mockBatteryVoltage/1000, spaceKWh/hours)
		case cs.Discharge.Contains(mid) && cs.DischargeAmps > 0:
			batteryKW = -math.Min(float64(cs.DischargeAmps)*mockBatteryVoltage/1000, usableKWh/hours)
		case cs.Discharge.Contains(mid):
			// a zero current discharge slot holds the battery
		default:
			net := solarKW - houseKW
			if net > 0 {
				batteryKW = math.Min(net, spaceKWh/hours)
			} else {
				batteryKW = -math.Min(-net, usableKWh/hours)
			}
		}

		gridKW := houseKW + batteryKW - solarKW
		state.BatterySOC += batteryKW * hours / m.capacityKWh * 100
		state.BatterySOC = math.Min(math.Max(state.BatterySOC, 0), 100)

		if !state.Last.Timestamp.Equal(bucketEnd.UTC()) {
			state.Last = types.InverterSample{Timestamp: bucketEnd.UTC()}
		}
		sample := &state.Last
		sample.BatterySOC = state.BatterySOC
		sample.BatteryPowerKW = batteryKW
		sample.PVkW = solarKW
		sample.HouseLoadkW = houseKW
		sample.HouseLoadKWh += houseKW * hours
		sample.PVKWh += solarKW * hours
		state.TodayPVkWh += solarKW * hours
		if gridKW > 0 {
			sample.ImportKWh += gridKW * hours
			state.TodayImportkWh += gridKW * hours
		} else {
			sample.ExportKWh -= gridKW * hours
			state.TodayExportkWh -= gridKW * hours
		}
		if stepEnd.Equal(bucketEnd) {
			state.Samples = append(state.Samples, state.Last)
		}

		stepStart = stepEnd
	}

	// keep today and yesterday
	cutoff := getMidnight(now).AddDate(0, 0, -1)
	var drop int
	for drop < len(state.Samples) && state.Samples[drop].Timestamp.Before(cutoff) {
		drop++
	}
	state.Samples = state.Samples[drop:]
	state.Timestamp = now.UTC()
}

// ReadState advances the simulation to now and returns the latest step.
func (m *Mock) ReadState(ctx context.Context) (types.InverterReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	state, err := m.load(ctx, now)
	if err != nil {
		return types.InverterReading{}, err
	}
	if err := m.save(ctx, state); err != nil {
		return types.InverterReading{}, err
	}

	return types.InverterReading{
		Timestamp:             now.UTC(),
		BatterySOC:            int(math.Round(state.BatterySOC)),
		CurrentBatteryPowerKW: state.Last.BatteryPowerKW,
		CurrentPVkW:           state.Last.PVkW,
		HouseLoadkW:           state.Last.HouseLoadkW,
		TodayPVkWh:            state.TodayPVkWh,
		TodayExportkWh:        state.TodayExportkWh,
		TodayImportkWh:        state.TodayImportkWh,
		StationID:             "mock",
	}, nil
}

// ReadChargeState returns the programmed slots.
func (m *Mock) ReadChargeState(ctx context.Context) (*types.ChargeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.db.GetMockState(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return &types.ChargeState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load simulated inverter: %w", err)
	}
	cs := state.ChargeState
	return &cs, nil
}

// WriteChargeState runs the simulation up to now with the old program and then
// switches to the new one.
func (m *Mock) WriteChargeState(ctx context.Context, cs types.ChargeState, simulateOnly bool) error {
	if simulateOnly {
		log.Ctx(ctx).InfoContext(
			ctx,
			"simulated inverter write skipped",
			slog.String("charge", cs.Charge.String()),
			slog.String("discharge", cs.Discharge.String()),
		)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.load(ctx, m.now())
	if err != nil {
		return err
	}
	state.ChargeState = cs
	state.Writes++
	log.Ctx(ctx).DebugContext(ctx, "programmed simulated inverter", slog.Int("writes", state.Writes))
	return m.save(ctx, state)
}

// GetHistoricData returns the simulated samples for the local day containing
// day. Only today and yesterday are kept.
func (m *Mock) GetHistoricData(ctx context.Context, day time.Time) ([]types.InverterSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.load(ctx, m.now())
	if err != nil {
		return nil, err
	}
	if err := m.save(ctx, state); err != nil {
		return nil, err
	}

	start := getMidnight(day.In(m.loc))
	end := start.AddDate(0, 0, 1)
	var samples []types.InverterSample
	for _, s := range state.Samples {
		if !s.Timestamp.Before(start) && s.Timestamp.Before(end) {
			samples = append(samples, s)
		}
	}
	return samples, nil
}

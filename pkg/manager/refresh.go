package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/raterudder/agilerudder/pkg/controller"
	"github.com/raterudder/agilerudder/pkg/ess"
	"github.com/raterudder/agilerudder/pkg/forecast"
	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
	"github.com/raterudder/agilerudder/pkg/utility"
	"golang.org/x/sync/errgroup"
)

// RefreshPrices fetches the rates and the battery state together, rebuilds
// the slots and plans them. On failure the previous plan is kept.
func (m *Manager) RefreshPrices(ctx context.Context) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()
	return m.refreshPricesLocked(ctx)
}

func (m *Manager) refreshPricesLocked(ctx context.Context) error {
	u, inv := m.utility, m.inverter
	if u == nil {
		return fmt.Errorf("tariff %w", ErrNotConfigured)
	}
	now := m.now()

	var rates []types.Rate
	var reading types.InverterReading
	var readErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rates, err = u.GetRates(gctx, now)
		if err != nil {
			return fmt.Errorf("failed to get rates: %w", err)
		}
		return nil
	})
	if inv != nil {
		g.Go(func() error {
			// a failed battery read doesn't stop planning
			reading, readErr = inv.ReadState(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to refresh prices, keeping the previous plan", slog.Any("error", err))
		return err
	}

	battery := m.battery
	if inv != nil {
		applyReading(ctx, &battery, reading, readErr, now)
	}

	slots := dropExpired(utility.SplitToSlots(ctx, rates), now)
	if len(slots) == 0 {
		m.mu.Lock()
		m.battery = battery
		m.mu.Unlock()
		log.Ctx(ctx).WarnContext(ctx, "no current rates, keeping the previous plan", slog.Int("rates", len(rates)))
		return errors.New("no current or future rates returned")
	}
	battery.PricesUpdated = now

	log.Ctx(ctx).InfoContext(
		ctx,
		"refreshed prices",
		slog.Int("slots", len(slots)),
		slog.Time("from", slots[0].ValidFrom),
		slog.Time("to", slots[len(slots)-1].ValidTo),
	)
	m.replan(ctx, slots, battery, now)
	return nil
}

// applyReading copies a battery reading onto battery unless the read failed.
func applyReading(ctx context.Context, battery *types.BatteryState, r types.InverterReading, err error, now time.Time) {
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read inverter state, using the previous battery state", slog.Any("error", err))
		return
	}
	if !battery.ApplyReading(r, now) {
		log.Ctx(ctx).WarnContext(ctx, "inverter reported zero SOC, keeping the previous value", slog.Int("soc", battery.BatterySOC))
	}
}

// replan harvests the manual overrides from the current plan, plans slots and
// swaps them in. Callers must hold passMu.
func (m *Manager) replan(ctx context.Context, slots []*types.PriceSlot, battery types.BatteryState, now time.Time) {
	harvested := controller.HarvestManualOverrides(m.slots)
	overrides := controller.PruneManualOverrides(controller.MergeManualOverrides(m.overrides, harvested), now)

	controller.Enrich(ctx, slots, m.points, m.settings.SolcastDampFactor, &battery, now, m.settings.Location())
	planned := m.controller.Evaluate(ctx, overrides, slots, battery, m.settings)
	controller.ApplyDispatches(ctx, planned, m.dispatches)

	changed := !slices.EqualFunc(overrides, m.overrides, overrideEqual)

	m.mu.Lock()
	m.slots = planned
	m.battery = battery
	m.overrides = overrides
	m.updated = now
	m.mu.Unlock()

	if changed {
		m.saveOverrides(ctx, overrides)
	}
}

// RefreshBattery reads the inverter's live state.
func (m *Manager) RefreshBattery(ctx context.Context) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	if m.inverter == nil {
		return fmt.Errorf("inverter %w", ErrNotConfigured)
	}
	r, err := m.inverter.ReadState(ctx)
	if err != nil {
		return fmt.Errorf("failed to read inverter state: %w", err)
	}

	battery := m.battery
	applyReading(ctx, &battery, r, nil, m.now())
	m.mu.Lock()
	m.battery = battery
	m.mu.Unlock()

	log.Ctx(ctx).DebugContext(
		ctx,
		"refreshed battery",
		slog.Int("soc", battery.BatterySOC),
		slog.Float64("pvKW", battery.CurrentPVkW),
		slog.Float64("houseLoadKW", battery.HouseLoadkW),
	)
	return nil
}

// SyncInverterClock sets the inverter clock to the current time, if the
// inverter supports it. A paused site is left alone.
func (m *Manager) SyncInverterClock(ctx context.Context) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	if m.inverter == nil {
		return fmt.Errorf("inverter %w", ErrNotConfigured)
	}
	if m.settings.Pause {
		return nil
	}
	cs, ok := m.inverter.(ess.ClockSetter)
	if !ok {
		log.Ctx(ctx).DebugContext(ctx, "inverter clock can't be set", slog.String("inverter", m.settings.Inverter))
		return nil
	}
	if err := cs.SetInverterTime(ctx, m.settings.Simulate); err != nil {
		return fmt.Errorf("failed to sync inverter clock: %w", err)
	}
	return nil
}

// RefreshForecast fetches the solar forecast and stamps it on the current
// slots. Cached forecasts are still used when the fetch fails and being rate
// limited is not an error, the next trigger tries again.
func (m *Manager) RefreshForecast(ctx context.Context) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	if m.forecast == nil || !m.forecast.Enabled() {
		return nil
	}

	points, updated, err := m.forecast.GetForecast(ctx)
	if errors.Is(err, forecast.ErrRateLimited) {
		log.Ctx(ctx).WarnContext(ctx, "solar forecast rate limited, using the cached forecast", slog.Int("points", len(points)))
		err = nil
	} else if err != nil {
		err = fmt.Errorf("failed to get solar forecast: %w", err)
	}
	if len(points) == 0 {
		return err
	}

	now := m.now()
	slots := types.CloneSlots(m.slots)
	battery := m.battery
	controller.Enrich(ctx, slots, points, m.settings.SolcastDampFactor, &battery, now, m.settings.Location())
	if !updated.IsZero() {
		battery.ForecastUpdated = updated
	}

	m.mu.Lock()
	m.points = points
	m.slots = slots
	m.battery = battery
	m.mu.Unlock()
	return err
}

// RefreshDispatches fetches the smart-charge dispatches when intelligent
// charging is enabled and forces the overlapping slots to charge.
func (m *Manager) RefreshDispatches(ctx context.Context) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	account := m.settings.OctopusAccountNumber
	if !m.settings.IntelligentGoCharging || m.dispatch == nil || m.creds.Octopus == nil || account == "" {
		if len(m.dispatches) > 0 {
			m.mu.Lock()
			m.dispatches = nil
			m.mu.Unlock()
		}
		return nil
	}

	dispatches, err := m.dispatch.GetPlannedDispatches(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to get planned dispatches: %w", err)
	}

	slots := types.CloneSlots(m.slots)
	changed := controller.ApplyDispatches(ctx, slots, dispatches)
	log.Ctx(ctx).DebugContext(ctx, "refreshed dispatches", slog.Int("dispatches", len(dispatches)), slog.Int("slotsChanged", changed))

	m.mu.Lock()
	m.dispatches = dispatches
	m.slots = slots
	m.mu.Unlock()
	return nil
}

// Recalculate plans the current slots again, dropping any that have ended,
// and executes the result. With no slots left the prices are refreshed.
func (m *Manager) Recalculate(ctx context.Context) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()
	return m.recalculateLocked(ctx)
}

func (m *Manager) recalculateLocked(ctx context.Context) error {
	now := m.now()
	slots := dropExpired(types.CloneSlots(m.slots), now)
	if len(slots) == 0 {
		if err := m.refreshPricesLocked(ctx); err != nil {
			return err
		}
	} else {
		m.replan(ctx, slots, m.battery, now)
	}
	return m.executeLocked(ctx)
}

// Execute programs the inverter for the slot running now and records it in
// the history. Nothing is written while paused.
func (m *Manager) Execute(ctx context.Context) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()
	return m.executeLocked(ctx)
}

func (m *Manager) executeLocked(ctx context.Context) error {
	now := m.now()
	slots := dropExpired(m.slots, now)
	if len(slots) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no slots to execute")
		return nil
	}
	if m.settings.Pause {
		log.Ctx(ctx).InfoContext(ctx, "paused, leaving the inverter alone", slog.String("slot", slots[0].String()))
		m.publish(ctx)
		return nil
	}
	if m.inverter == nil {
		return fmt.Errorf("inverter %w", ErrNotConfigured)
	}

	cmd, wrote, err := m.controller.Reconcile(ctx, m.inverter, slots, m.settings, m.settings.Simulate)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to program inverter", slog.String("slot", slots[0].String()), slog.Any("error", err))
		return err
	}
	if wrote {
		cs := cmd.State
		m.mu.Lock()
		m.lastCommand = &cs
		m.mu.Unlock()
	}

	if first := slots[0]; !first.ValidFrom.After(now) {
		entry := types.NewHistoryEntry(first, m.battery.BatterySOC)
		added, err := m.storage.AppendHistory(ctx, entry)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to record history", slog.Any("error", err))
		} else if added {
			log.Ctx(ctx).InfoContext(ctx, "recorded history", slog.String("slot", first.String()))
		}
	}

	m.publish(ctx)
	return nil
}

func (m *Manager) publish(ctx context.Context) {
	if len(m.publishers) == 0 {
		return
	}
	state := m.CurrentState(ctx)
	for _, p := range m.publishers {
		if err := p.Publish(ctx, state); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish state", slog.Any("error", err))
		}
	}
}

package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raterudder/agilerudder/pkg/controller"
	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
)

const testChargeDuration = 5 * time.Minute

// OverrideSlotAction sets a manual action on the slot starting at slotStart
// and executes the new plan. Asking for the action the slot is already
// planned to do removes the override.
func (m *Manager) OverrideSlotAction(ctx context.Context, slotStart time.Time, action types.SlotAction) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	slots := types.CloneSlots(m.slots)
	var slot *types.PriceSlot
	for _, s := range slots {
		if s.ValidFrom.Equal(slotStart) {
			slot = s
			break
		}
	}
	if slot == nil {
		return fmt.Errorf("%w: %s", ErrSlotNotFound, slotStart.Format(time.RFC3339))
	}

	overrides := controller.ToggleManualOverride(m.overrides, slot, action)
	log.Ctx(ctx).InfoContext(
		ctx,
		"manual override requested",
		slog.Time("slot", slot.ValidFrom),
		slog.String("action", action.String()),
		slog.String("planAction", slot.PlanAction.String()),
		slog.Bool("cleared", slot.OverrideType == types.OverrideTypeNone),
	)

	m.mu.Lock()
	m.slots = slots
	m.overrides = overrides
	m.mu.Unlock()
	m.saveOverrides(ctx, overrides)

	m.executeAfterOverride(ctx)
	return nil
}

// ClearManualOverrides removes every manual override and executes the plan.
func (m *Manager) ClearManualOverrides(ctx context.Context) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "clearing manual overrides", slog.Int("overrides", len(m.overrides)))
	m.replaceManualOverrides(ctx, nil)
	return nil
}

// ChargeBattery charges from now for as many slots as a full charge needs
// from the current SOC, replacing any other manual overrides.
func (m *Manager) ChargeBattery(ctx context.Context) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	count := controller.ChargeSlotsForSOC(m.battery.BatterySOC, m.settings.SlotsForFullBatteryCharge)
	log.Ctx(ctx).InfoContext(ctx, "charging battery now", slog.Int("soc", m.battery.BatterySOC), slog.Int("slots", count))
	m.replaceManualOverrides(ctx, controller.BulkOverrides(m.now(), types.SlotActionCharge, count))
	return nil
}

// DischargeBattery discharges from now for as many slots as emptying the
// battery needs, replacing any other manual overrides.
func (m *Manager) DischargeBattery(ctx context.Context) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	count := controller.DischargeSlotsForSOC(m.battery.BatterySOC, m.settings.SlotsForFullBatteryCharge)
	log.Ctx(ctx).InfoContext(ctx, "discharging battery now", slog.Int("soc", m.battery.BatterySOC), slog.Int("slots", count))
	m.replaceManualOverrides(ctx, controller.BulkOverrides(m.now(), types.SlotActionDischarge, count))
	return nil
}

// TestCharge programs a short charge from now at the maximum rate to check
// the inverter responds. The next execution pass restores the plan.
func (m *Manager) TestCharge(ctx context.Context) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	if m.inverter == nil {
		return fmt.Errorf("inverter %w", ErrNotConfigured)
	}
	now := m.now()
	state := types.ChargeState{
		Charge:     types.TimeWindow{Start: now, End: now.Add(testChargeDuration)},
		ChargeAmps: m.settings.MaxChargeRateAmps,
	}
	log.Ctx(ctx).InfoContext(ctx, "starting test charge", slog.Duration("duration", testChargeDuration), slog.Int("amps", state.ChargeAmps))
	if err := m.inverter.WriteChargeState(ctx, state, m.settings.Simulate); err != nil {
		return fmt.Errorf("failed to start test charge: %w", err)
	}
	return nil
}

// DumpAndChargeBattery discharges the battery and then charges it to full.
func (m *Manager) DumpAndChargeBattery(ctx context.Context) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	overrides := controller.DumpAndChargeOverrides(m.now(), m.battery.BatterySOC, m.settings.SlotsForFullBatteryCharge)
	log.Ctx(ctx).InfoContext(ctx, "dumping and recharging battery", slog.Int("soc", m.battery.BatterySOC), slog.Int("slots", len(overrides)))
	m.replaceManualOverrides(ctx, overrides)
	return nil
}

// replaceManualOverrides swaps every manual override for overrides and
// executes the new plan. Callers must hold passMu.
func (m *Manager) replaceManualOverrides(ctx context.Context, overrides []types.ManualOverride) {
	slots := types.CloneSlots(m.slots)
	for _, s := range slots {
		if s.OverrideType == types.OverrideTypeManual {
			s.ClearOverride()
		}
	}
	for _, mo := range overrides {
		log.Ctx(ctx).DebugContext(ctx, "created manual override", slog.Time("slot", mo.SlotStart), slog.String("action", mo.Action.String()))
	}

	m.mu.Lock()
	m.slots = slots
	m.overrides = overrides
	m.mu.Unlock()
	m.saveOverrides(ctx, overrides)

	m.executeAfterOverride(ctx)
}

// executeAfterOverride replans and executes. The override is already saved
// so a failure here is only logged and the next scheduled pass retries.
func (m *Manager) executeAfterOverride(ctx context.Context) {
	if err := m.recalculateLocked(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to execute after changing overrides", slog.Any("error", err))
	}
}

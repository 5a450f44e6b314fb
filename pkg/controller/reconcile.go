package controller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
)

// ChargeStateWriter is the part of an inverter the reconciler drives.
type ChargeStateWriter interface {
	ReadChargeState(ctx context.Context) (*types.ChargeState, error)
	WriteChargeState(ctx context.Context, state types.ChargeState, simulateOnly bool) error
}

// Command is the physical command for the run of slots starting now.
type Command struct {
	State  types.ChargeState
	Action types.SlotAction
	// Slots is the conflated run, Slots[0] is the slot being executed.
	Slots []*types.PriceSlot
}

// BuildCommand conflates the first slot with every following contiguous slot
// that resolves to the same action and maps the run to a charge state. It
// returns false if there are no slots.
func BuildCommand(slots []*types.PriceSlot, settings types.Settings) (Command, bool) {
	if len(slots) == 0 {
		return Command{}, false
	}
	action := slots[0].ActionToExecute()
	end := 1
	for end < len(slots) {
		next := slots[end]
		if next.ActionToExecute() != action || !next.ValidFrom.Equal(slots[end-1].ValidTo) {
			break
		}
		end++
	}
	run := slots[:end]
	window := types.TimeWindow{Start: run[0].ValidFrom, End: run[len(run)-1].ValidTo}

	cmd := Command{Action: action, Slots: run}
	switch action {
	case types.SlotActionCharge:
		cmd.State.Charge = window
		cmd.State.ChargeAmps = settings.MaxChargeRateAmps
		if run[0].OverrideAmps != nil {
			cmd.State.ChargeAmps = *run[0].OverrideAmps
		}
	case types.SlotActionDischarge:
		cmd.State.Discharge = window
		cmd.State.DischargeAmps = settings.MaxChargeRateAmps
		if run[0].OverrideAmps != nil {
			cmd.State.DischargeAmps = *run[0].OverrideAmps
		}
	case types.SlotActionHold:
		// a zero current discharge slot keeps the inverter from exporting or
		// importing on its own
		cmd.State.Discharge = window
		cmd.State.DischargeAmps = 0
	default:
		// DoNothing and an unresolved ChargeIfLowBattery clear both windows
	}
	return cmd, true
}

// windowEquivalent reports whether programming want over cur would change
// nothing material: want starts inside cur and both end together.
func windowEquivalent(cur types.TimeWindow, curAmps int, want types.TimeWindow, wantAmps int) bool {
	if want.IsZero() || cur.IsZero() {
		return want.IsZero() && cur.IsZero()
	}
	if curAmps != wantAmps {
		return false
	}
	if want.Start.Before(cur.Start) || want.Start.After(cur.End) {
		return false
	}
	return want.End.Equal(cur.End)
}

func chargeStateEquivalent(cur, want types.ChargeState) bool {
	return windowEquivalent(cur.Charge, cur.ChargeAmps, want.Charge, want.ChargeAmps) &&
		windowEquivalent(cur.Discharge, cur.DischargeAmps, want.Discharge, want.DischargeAmps)
}

// Reconcile programs the inverter for the current run of slots unless it is
// already programmed equivalently. It returns the command and whether a write
// was issued.
func (c *Controller) Reconcile(
	ctx context.Context,
	inverter ChargeStateWriter,
	slots []*types.PriceSlot,
	settings types.Settings,
	simulateOnly bool,
) (Command, bool, error) {
	cmd, ok := BuildCommand(slots, settings)
	if !ok {
		return cmd, false, nil
	}

	ctx = log.WithAttrs(
		ctx,
		slog.String("action", cmd.Action.String()),
		slog.String("charge", cmd.State.Charge.String()),
		slog.Int("chargeAmps", cmd.State.ChargeAmps),
		slog.String("discharge", cmd.State.Discharge.String()),
		slog.Int("dischargeAmps", cmd.State.DischargeAmps),
	)

	current, err := inverter.ReadChargeState(ctx)
	if err != nil {
		// without the current state the write can't be skipped safely
		log.Ctx(ctx).WarnContext(ctx, "failed to read inverter charge state, writing anyway", slog.Any("error", err))
	} else if current != nil && chargeStateEquivalent(*current, cmd.State) {
		log.Ctx(ctx).DebugContext(ctx, "inverter already programmed, skipping write")
		return cmd, false, nil
	}

	log.Ctx(ctx).InfoContext(ctx, "programming inverter", slog.Bool("simulate", simulateOnly), slog.Int("slots", len(cmd.Slots)))
	if err := inverter.WriteChargeState(ctx, cmd.State, simulateOnly); err != nil {
		return cmd, false, fmt.Errorf("failed to write charge state: %w", err)
	}
	return cmd, true, nil
}

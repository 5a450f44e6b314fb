package controller

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
)

// HarvestManualOverrides collects the manual overrides set on slots so they
// can be re-applied once the slots are rebuilt.
func HarvestManualOverrides(slots []*types.PriceSlot) []types.ManualOverride {
	var overrides []types.ManualOverride
	for _, s := range slots {
		if s.OverrideType != types.OverrideTypeManual || s.OverrideAction == nil {
			continue
		}
		mo := types.ManualOverride{
			SlotStart: s.ValidFrom,
			Action:    *s.OverrideAction,
		}
		if s.OverrideAmps != nil {
			amps := *s.OverrideAmps
			mo.Amps = &amps
		}
		overrides = append(overrides, mo)
	}
	return overrides
}

// MergeManualOverrides combines stored overrides with ones harvested from
// slots. Harvested entries replace stored entries for the same slot start and
// the result is sorted by start.
func MergeManualOverrides(stored, harvested []types.ManualOverride) []types.ManualOverride {
	byStart := make(map[int64]types.ManualOverride, len(stored)+len(harvested))
	for _, mo := range stored {
		byStart[mo.SlotStart.Unix()] = mo
	}
	for _, mo := range harvested {
		byStart[mo.SlotStart.Unix()] = mo
	}
	out := make([]types.ManualOverride, 0, len(byStart))
	for _, mo := range byStart {
		out = append(out, mo)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SlotStart.Before(out[j].SlotStart)
	})
	return out
}

// PruneManualOverrides drops overrides for slots that ended before now.
func PruneManualOverrides(overrides []types.ManualOverride, now time.Time) []types.ManualOverride {
	out := overrides[:0:0]
	for _, mo := range overrides {
		if mo.SlotStart.Add(types.SlotDuration).After(now) {
			out = append(out, mo)
		}
	}
	return out
}

// ApplyManualOverrides sets each override on the slot starting at the same
// time, replacing whatever override the slot had. It returns the number of
// overrides that matched a slot.
func ApplyManualOverrides(ctx context.Context, slots []*types.PriceSlot, overrides []types.ManualOverride) int {
	if len(overrides) == 0 {
		return 0
	}
	byStart := make(map[int64]*types.PriceSlot, len(slots))
	for _, s := range slots {
		if s != nil {
			byStart[s.ValidFrom.Unix()] = s
		}
	}
	var applied int
	for _, mo := range overrides {
		s, ok := byStart[mo.SlotStart.Unix()]
		if !ok {
			continue
		}
		s.SetOverride(mo.Action, types.OverrideTypeManual, mo.Amps)
		s.ActionReason = "Manual override applied"
		applied++
	}
	log.Ctx(ctx).DebugContext(ctx, "applied manual overrides", slog.Int("overrides", len(overrides)), slog.Int("applied", applied))
	return applied
}

// ToggleManualOverride applies a user's action request to slot and returns
// the updated override list. Requesting the action the plan already has
// clears any override instead, reverting the slot to its plan.
func ToggleManualOverride(overrides []types.ManualOverride, slot *types.PriceSlot, action types.SlotAction) []types.ManualOverride {
	out := make([]types.ManualOverride, 0, len(overrides)+1)
	for _, mo := range overrides {
		if !mo.SlotStart.Equal(slot.ValidFrom) {
			out = append(out, mo)
		}
	}
	if action == slot.PlanAction {
		slot.ClearOverride()
		return out
	}
	slot.SetOverride(action, types.OverrideTypeManual, nil)
	slot.ActionReason = "Manual override applied"
	return append(out, types.ManualOverride{SlotStart: slot.ValidFrom, Action: action})
}

// ApplyDispatches forces every slot overlapping a smart-charge dispatch to
// charge. The slot's forecast is replaced with the cheapest price so the
// dispatch rate can be shown. It returns the number of slots changed.
func ApplyDispatches(ctx context.Context, slots []*types.PriceSlot, dispatches []types.Dispatch) int {
	if len(dispatches) == 0 || len(slots) == 0 {
		return 0
	}
	minPrice := math.Inf(1)
	for _, s := range slots {
		minPrice = math.Min(minPrice, s.PriceIncVAT)
	}

	var changed int
	for _, s := range slots {
		if s.ActionToExecute() == types.SlotActionCharge {
			continue
		}
		for _, d := range dispatches {
			if !d.Overlaps(s.ValidFrom, s.ValidTo) {
				continue
			}
			s.ClearOverride()
			s.PlanAction = types.SlotActionCharge
			s.PriceType = types.PriceTypeIOGDispatch
			s.ActionReason = "Smart charge dispatch scheduled"
			price := minPrice
			s.PVEstimateKWh = &price
			changed++
			log.Ctx(ctx).DebugContext(
				ctx,
				"applied dispatch to slot",
				slog.Time("slot", s.ValidFrom),
				slog.Time("dispatchStart", d.Start),
				slog.Time("dispatchEnd", d.End),
			)
			break
		}
	}
	return changed
}

// BulkOverrides creates count consecutive overrides of action starting at the
// slot containing start.
func BulkOverrides(start time.Time, action types.SlotAction, count int) []types.ManualOverride {
	slotStart := start.UTC().Truncate(types.SlotDuration)
	overrides := make([]types.ManualOverride, 0, count)
	for i := 0; i < count; i++ {
		overrides = append(overrides, types.ManualOverride{
			SlotStart: slotStart,
			Action:    action,
		})
		slotStart = slotStart.Add(types.SlotDuration)
	}
	return overrides
}

// ChargeSlotsForSOC returns how many slots are needed to charge from soc to
// full.
func ChargeSlotsForSOC(soc, slotsForFull int) int {
	return int(math.Ceil(float64(slotsForFull) * float64(100-soc) / 100))
}

// DischargeSlotsForSOC returns how many slots are needed to discharge from soc
// to empty.
func DischargeSlotsForSOC(soc, slotsForFull int) int {
	return int(math.Ceil(float64(slotsForFull) * float64(soc) / 100))
}

// DumpAndChargeOverrides discharges the battery and then charges it fully.
func DumpAndChargeOverrides(now time.Time, soc, slotsForFull int) []types.ManualOverride {
	discharge := BulkOverrides(now, types.SlotActionDischarge, DischargeSlotsForSOC(soc, slotsForFull))
	chargeStart := now
	if len(discharge) > 0 {
		chargeStart = discharge[len(discharge)-1].SlotStart.Add(types.SlotDuration)
	}
	return append(discharge, BulkOverrides(chargeStart, types.SlotActionCharge, slotsForFull)...)
}

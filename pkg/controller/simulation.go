package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
)

// SimSlot is the projected battery state at the end of one planned slot.
type SimSlot struct {
	Start             time.Time        `json:"start"`
	Action            types.SlotAction `json:"action"`
	PriceIncVAT       float64          `json:"priceIncVat"`
	PredictedPVKWh    float64          `json:"predictedPVKWh"`
	AvgHouseLoadKWh   float64          `json:"avgHouseLoadKWh"`
	NetLoadSolarKWh   float64          `json:"netLoadSolarKWh"`
	BatterySOC        float64          `json:"batterySOC"`
	HitCapacity       bool             `json:"hitCapacity"`
	HitEmpty          bool             `json:"hitEmpty"`
	UsedHistoricSolar bool             `json:"usedHistoricSolar"`
}

// SimulatePlan projects the battery SOC across the planned slots. Charging and
// discharging move the SOC by one slot's worth of a full charge. Otherwise the
// house load and solar from history (or the slot's forecast) move it, which
// needs the battery capacity to be configured.
func (c *Controller) SimulatePlan(
	ctx context.Context,
	slots []*types.PriceSlot,
	battery types.BatteryState,
	history []types.HistoryEntry,
	settings types.Settings,
) []SimSlot {
	if len(slots) == 0 || settings.SlotsForFullBatteryCharge <= 0 {
		return nil
	}
	loc := settings.Location()
	model := c.buildSlotEnergyModel(ctx, history, loc)
	perSlot := 100 / float64(settings.SlotsForFullBatteryCharge)

	soc := float64(battery.BatterySOC)
	var hitCapacity, hitEmpty bool
	sim := make([]SimSlot, 0, len(slots))
	for _, s := range slots {
		profile := model[slotOfDay(s.ValidFrom, loc)]
		ss := SimSlot{
			Start:           s.ValidFrom,
			Action:          s.ActionToExecute(),
			PriceIncVAT:     s.PriceIncVAT,
			PredictedPVKWh:  profile.avgSolarKWh,
			AvgHouseLoadKWh: profile.avgHomeLoadKWh,
		}
		if s.PVEstimateKWh != nil {
			ss.PredictedPVKWh = *s.PVEstimateKWh
		} else {
			ss.UsedHistoricSolar = profile.samples > 0
		}
		ss.NetLoadSolarKWh = ss.AvgHouseLoadKWh - ss.PredictedPVKWh

		switch ss.Action {
		case types.SlotActionCharge:
			soc += perSlot
		case types.SlotActionDischarge:
			soc -= perSlot
		case types.SlotActionHold:
			// held, solar surplus still tops it up
			if ss.NetLoadSolarKWh < 0 && settings.BatteryCapacityKWh > 0 {
				soc -= ss.NetLoadSolarKWh / settings.BatteryCapacityKWh * 100
			}
		default:
			if settings.BatteryCapacityKWh > 0 {
				soc -= ss.NetLoadSolarKWh / settings.BatteryCapacityKWh * 100
			}
		}
		if soc >= 100 {
			soc = 100
			hitCapacity = true
		}
		if soc <= 0 {
			soc = 0
			hitEmpty = true
		}
		ss.BatterySOC = soc
		ss.HitCapacity = hitCapacity
		ss.HitEmpty = hitEmpty
		sim = append(sim, ss)
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"simulated plan",
		slog.Int("slots", len(sim)),
		slog.Float64("finalSOC", soc),
		slog.Bool("hitCapacity", hitCapacity),
		slog.Bool("hitEmpty", hitEmpty),
	)
	return sim
}

type slotProfile struct {
	samples        int
	avgSolarKWh    float64
	avgHomeLoadKWh float64
}

func slotOfDay(t time.Time, loc *time.Location) int {
	local := t.In(loc)
	return local.Hour()*2 + local.Minute()/30
}

// buildSlotEnergyModel averages house load and solar by half hour of the day
// from recorded history. Entries that were never enriched are skipped.
func (c *Controller) buildSlotEnergyModel(ctx context.Context, history []types.HistoryEntry, loc *time.Location) map[int]slotProfile {
	type totals struct {
		count int
		solar float64
		load  float64
	}
	sums := make(map[int]*totals, 48)
	for _, h := range history {
		if h.HouseLoadKWh <= 0 && h.ActualKWh <= 0 {
			continue
		}
		idx := slotOfDay(h.Start, loc)
		t, ok := sums[idx]
		if !ok {
			t = &totals{}
			sums[idx] = t
		}
		t.count++
		t.solar += h.ActualKWh
		t.load += h.HouseLoadKWh
	}

	model := make(map[int]slotProfile, len(sums))
	for idx, t := range sums {
		model[idx] = slotProfile{
			samples:        t.count,
			avgSolarKWh:    t.solar / float64(t.count),
			avgHomeLoadKWh: t.load / float64(t.count),
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "built slot energy model", slog.Int("historyEntries", len(history)), slog.Int("slotsOfDay", len(model)))
	return model
}

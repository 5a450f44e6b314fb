package controller

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
)

const (
	defaultPeakWindowSlots   = 7
	defaultPrePeakExtraSlots = 2

	// belowAverageFactor is the fraction of the mean price under which a slot
	// is considered cheap enough for an opportunistic top-up.
	belowAverageFactor = 0.9

	// overnightCutoffHour is the local hour before which cheapest slots can be
	// skipped when a sunny day is forecast.
	overnightCutoffHour = 7
)

// Controller plans slot actions and turns them into inverter commands. It
// holds no state between calls.
type Controller struct {
}

// NewController creates a new Controller.
func NewController() *Controller {
	return &Controller{}
}

// ChargeSlotsNeededNow returns how many slots of charging are needed to bring
// the battery up to the fraction of capacity held for the peak period.
func ChargeSlotsNeededNow(battery types.BatteryState, settings types.Settings) int {
	needed := settings.PeakPeriodBatteryUse - float64(battery.BatterySOC)/100
	if needed <= 0 {
		return 0
	}
	// tolerate float noise, 0.8-0.2 is slightly over 0.6 and 5 slots of it
	// would otherwise round up to 4
	return int(math.Ceil(float64(settings.SlotsForFullBatteryCharge)*needed - 1e-9))
}

// Evaluate computes a fresh plan for slots and re-applies the harvested manual
// overrides. The input slots are not modified, a planned copy is returned. If
// planning panics the partially planned copy is returned instead.
func (c *Controller) Evaluate(
	ctx context.Context,
	manualOverrides []types.ManualOverride,
	slots []*types.PriceSlot,
	battery types.BatteryState,
	settings types.Settings,
) (evaluated []*types.PriceSlot) {
	evaluated = types.CloneSlots(slots)
	defer func() {
		if r := recover(); r != nil {
			log.Ctx(ctx).ErrorContext(
				ctx,
				"unexpected panic during slot evaluation, using partial plan",
				slog.Any("panic", r),
			)
		}
		ApplyManualOverrides(ctx, evaluated, manualOverrides)
	}()

	sort.SliceStable(evaluated, func(i, j int) bool {
		return evaluated[i].ValidFrom.Before(evaluated[j].ValidFrom)
	})

	if len(evaluated) == 0 {
		return evaluated
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"evaluating slot actions",
		slog.Int("slots", len(evaluated)),
		slog.Int("soc", battery.BatterySOC),
		slog.Time("from", evaluated[0].ValidFrom),
		slog.Time("to", evaluated[len(evaluated)-1].ValidTo),
	)

	c.plan(ctx, evaluated, battery, settings)
	return evaluated
}

func (c *Controller) plan(ctx context.Context, slots []*types.PriceSlot, battery types.BatteryState, settings types.Settings) {
	slotsForFull := settings.SlotsForFullBatteryCharge
	peakWidth := settings.PeakWindowSlots
	if peakWidth <= 0 {
		peakWidth = defaultPeakWindowSlots
	}
	prePeakExtra := settings.PrePeakExtraSlots
	if prePeakExtra <= 0 {
		prePeakExtra = defaultPrePeakExtraSlots
	}

	// reset, overrides are layered back on afterwards
	for _, s := range slots {
		s.PlanAction = types.SlotActionDoNothing
		s.PriceType = types.PriceTypeAverage
		s.ActionReason = ""
		s.ClearOverride()
	}

	chargeSlotsNeeded := ChargeSlotsNeededNow(battery, settings)

	cheapest := cheapestWindow(slots, slotsForFull)
	if len(cheapest) > 0 && cheapest[0].ID == slots[0].ID {
		// the cheapest period is already underway so the battery may be part
		// charged, only take the cheapest slots we still need
		cheapest = cheapestN(cheapest, chargeSlotsNeeded)
	}
	priciest := priciestWindow(slots, peakWidth)

	log.Ctx(ctx).DebugContext(
		ctx,
		"found cheapest and priciest windows",
		slog.Int("chargeSlotsNeeded", chargeSlotsNeeded),
		slog.Int("cheapest", len(cheapest)),
		slog.Int("priciest", len(priciest)),
	)

	for _, s := range priciest {
		s.PriceType = types.PriceTypeMostExpensive
		s.ActionReason = "Peak price period, avoid charging"
	}
	for _, s := range cheapest {
		if s.PriceType == types.PriceTypeMostExpensive {
			continue
		}
		markCheapest(s)
	}

	normalizeTiers(slots)

	var averageTotal float64
	var averageCount int
	for _, s := range slots {
		if s.PriceType == types.PriceTypeAverage {
			averageTotal += s.PriceIncVAT
			averageCount++
		}
	}
	if averageCount > 0 {
		mean := averageTotal / float64(averageCount)
		cheapThreshold := mean * belowAverageFactor
		for _, s := range slots {
			if s.PriceType == types.PriceTypeAverage && s.PriceIncVAT < cheapThreshold {
				s.PriceType = types.PriceTypeBelowAverage
				s.PlanAction = types.SlotActionChargeIfLowBattery
				s.ActionReason = fmt.Sprintf("Price is more than 10%% below the average of %.2fp/kWh, charge if the battery is low", mean)
			}
		}
	}

	if len(cheapest) > 0 {
		// prices usually fall into the cheapest period, charging on the way
		// down would fill the battery before the real minimum
		remaining := slotsForFull
		for i := indexOf(slots, cheapest[0]) - 1; i >= 0 && remaining > 0; i-- {
			if slots[i].PriceType != types.PriceTypeBelowAverage {
				break
			}
			slots[i].PriceType = types.PriceTypeDropping
			slots[i].PlanAction = types.SlotActionDoNothing
			slots[i].ActionReason = "Price is falling towards the cheapest period, wait to charge"
			remaining--
		}
	}

	if len(priciest) > 0 && chargeSlotsNeeded > 0 {
		firstPeak := priciest[0]
		candidates := previousNItems(slots, chargeSlotsNeeded+prePeakExtra, func(s *types.PriceSlot) bool {
			return s.ID == firstPeak.ID
		})
		for _, s := range cheapestN(candidates, chargeSlotsNeeded) {
			s.PlanAction = types.SlotActionCharge
			s.ActionReason = fmt.Sprintf("Charging before the peak period to hold %.0f%% of the battery", settings.PeakPeriodBatteryUse*100)
		}
	}

	for _, s := range slots {
		if s.PriceIncVAT < settings.AlwaysChargeBelowPrice {
			s.PriceType = types.PriceTypeBelowThreshold
			s.PlanAction = types.SlotActionCharge
			s.ActionReason = fmt.Sprintf("Price is below the threshold of %.2fp/kWh, always charge", settings.AlwaysChargeBelowPrice)
		}
		if s.PriceIncVAT < 0 {
			s.PriceType = types.PriceTypeNegative
			s.PlanAction = types.SlotActionCharge
			s.ActionReason = "Price is negative, charge"
		}
	}

	c.resolveLowBattery(ctx, slots, battery, settings)
	c.skipOvernightCharge(ctx, slots, battery, settings)
	c.applyScheduledActions(ctx, slots, settings)

	if settings.AlwaysChargeBelowSOC != nil && battery.BatterySOC != 0 && battery.BatterySOC < *settings.AlwaysChargeBelowSOC {
		first := slots[0]
		first.PlanAction = types.SlotActionCharge
		first.ActionReason = fmt.Sprintf("Battery is at %d%%, below the minimum of %d%%, charging", battery.BatterySOC, *settings.AlwaysChargeBelowSOC)
		if first.OverrideType == types.OverrideTypeScheduled {
			first.ClearOverride()
		}
	}

	applyNegativeDumps(slots, slotsForFull)
}

func markCheapest(s *types.PriceSlot) {
	s.PriceType = types.PriceTypeCheapest
	s.PlanAction = types.SlotActionCharge
	s.ActionReason = "Cheapest period to charge the battery"
}

// normalizeTiers makes every slot sharing the cheapest or priciest tagged
// price carry the same tag, which matters for tariffs with many equal prices.
func normalizeTiers(slots []*types.PriceSlot) {
	minCheap := math.Inf(1)
	maxPeak := math.Inf(-1)
	for _, s := range slots {
		switch s.PriceType {
		case types.PriceTypeCheapest:
			minCheap = math.Min(minCheap, s.PriceIncVAT)
		case types.PriceTypeMostExpensive:
			maxPeak = math.Max(maxPeak, s.PriceIncVAT)
		}
	}
	for _, s := range slots {
		switch {
		case s.PriceIncVAT == minCheap && s.PriceType != types.PriceTypeMostExpensive:
			if s.PriceType != types.PriceTypeCheapest {
				markCheapest(s)
			}
		case s.PriceIncVAT == maxPeak && s.PriceType != types.PriceTypeCheapest:
			if s.PriceType != types.PriceTypeMostExpensive {
				s.PriceType = types.PriceTypeMostExpensive
				s.PlanAction = types.SlotActionDoNothing
				s.ActionReason = "Peak price period, avoid charging"
			}
		}
	}
}

func (c *Controller) resolveLowBattery(ctx context.Context, slots []*types.PriceSlot, battery types.BatteryState, settings types.Settings) {
	if battery.BatterySOC == 0 {
		log.Ctx(ctx).WarnContext(ctx, "battery SOC is zero, assuming a bad reading and skipping low battery charging")
		return
	}
	if battery.BatterySOC >= settings.LowBatteryPercentage {
		return
	}
	remaining := settings.SlotsForFullBatteryCharge
	for _, s := range slots {
		if remaining <= 0 {
			break
		}
		if s.PlanAction != types.SlotActionChargeIfLowBattery {
			continue
		}
		s.PlanAction = types.SlotActionCharge
		s.ActionReason = fmt.Sprintf("Below average price and the battery is low at %d%%, charging", battery.BatterySOC)
		remaining--
	}
}

// skipOvernightCharge drops overnight charging in the cheapest period when the
// solar forecast for that day should fill the battery anyway.
func (c *Controller) skipOvernightCharge(ctx context.Context, slots []*types.PriceSlot, battery types.BatteryState, settings types.Settings) {
	if !settings.SkipOvernightCharge || settings.ForecastThreshold <= 0 {
		return
	}
	loc := settings.Location()
	ty, tm, td := slots[0].ValidFrom.In(loc).Date()
	today := time.Date(ty, tm, td, 0, 0, 0, 0, loc)
	tomorrow := today.AddDate(0, 0, 1)

	for _, s := range slots {
		if s.PriceType != types.PriceTypeCheapest || s.PlanAction != types.SlotActionCharge {
			continue
		}
		local := s.ValidFrom.In(loc)
		if local.Hour() >= overnightCutoffHour {
			continue
		}
		y, m, d := local.Date()
		day := time.Date(y, m, d, 0, 0, 0, 0, loc)
		var forecast float64
		switch {
		case day.Equal(today):
			forecast = battery.TodayForecastKWh
		case day.Equal(tomorrow):
			forecast = battery.TomorrowForecastKWh
		default:
			continue
		}
		if forecast < settings.ForecastThreshold {
			continue
		}
		s.PlanAction = types.SlotActionDoNothing
		s.ActionReason = fmt.Sprintf("Solar forecast of %.1fkWh is above %.1fkWh, skipping overnight charge", forecast, settings.ForecastThreshold)
		log.Ctx(ctx).DebugContext(ctx, "skipping overnight charge", slog.Time("slot", s.ValidFrom), slog.Float64("forecast", forecast))
	}
}

func (c *Controller) applyScheduledActions(ctx context.Context, slots []*types.PriceSlot, settings types.Settings) {
	if len(settings.ScheduledActions) == 0 {
		return
	}
	loc := settings.Location()
	for _, sa := range settings.ScheduledActions {
		if !sa.Enabled() {
			continue
		}
		h, m, err := types.ParseClock(sa.StartTime)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "ignoring scheduled action with invalid start time", slog.String("startTime", sa.StartTime))
			continue
		}
		for _, s := range slots {
			local := s.ValidFrom.In(loc)
			if local.Hour() != h || local.Minute() != m {
				continue
			}
			s.SetOverride(sa.Action, types.OverrideTypeScheduled, sa.Amps)
		}
	}
}

// applyNegativeDumps exports during long negative runs so there is room to
// charge for the last slotsForFull slots.
func applyNegativeDumps(slots []*types.PriceSlot, slotsForFull int) {
	runs := adjacentGroups(slots, func(s *types.PriceSlot) bool {
		return s.PriceType == types.PriceTypeNegative
	})
	for _, run := range runs {
		if len(run) <= slotsForFull {
			continue
		}
		for _, s := range run[:len(run)-slotsForFull] {
			s.SetOverride(types.SlotActionDischarge, types.OverrideTypeNegativePrices, nil)
			s.ActionReason = "Long negative price period, discharge now and recharge before it ends"
		}
	}
}

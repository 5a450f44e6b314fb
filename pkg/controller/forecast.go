package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
)

// Enrich stamps each slot with the forecast point starting at the same time
// and totals the damped forecast for today and tomorrow in loc. Slots without
// a point get a nil estimate. No points is not an error, the plan just runs on
// prices alone.
func Enrich(
	ctx context.Context,
	slots []*types.PriceSlot,
	points []types.ForecastPoint,
	dampFactor float64,
	battery *types.BatteryState,
	now time.Time,
	loc *time.Location,
) {
	byStart := make(map[int64]float64, len(points))
	for _, p := range points {
		byStart[p.PeriodStart.Unix()] = p.ForecastKWh
	}

	var matched int
	for _, s := range slots {
		kwh, ok := byStart[s.ValidFrom.Unix()]
		if !ok {
			s.PVEstimateKWh = nil
			continue
		}
		v := kwh
		s.PVEstimateKWh = &v
		matched++
	}

	local := now.In(loc)
	y, m, d := local.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, loc)
	tomorrow := today.AddDate(0, 0, 1)
	dayAfter := today.AddDate(0, 0, 2)

	var todayKWh, tomorrowKWh float64
	for _, p := range points {
		switch t := p.PeriodStart.In(loc); {
		case !t.Before(today) && t.Before(tomorrow):
			todayKWh += p.ForecastKWh
		case !t.Before(tomorrow) && t.Before(dayAfter):
			tomorrowKWh += p.ForecastKWh
		}
	}
	if battery != nil {
		battery.TodayForecastKWh = todayKWh * dampFactor
		battery.TomorrowForecastKWh = tomorrowKWh * dampFactor
		if len(points) > 0 {
			battery.ForecastUpdated = now
		}
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"enriched slots with forecast",
		slog.Int("points", len(points)),
		slog.Int("matched", matched),
		slog.Float64("todayKWh", todayKWh*dampFactor),
		slog.Float64("tomorrowKWh", tomorrowKWh*dampFactor),
	)
}

package controller

import (
	"context"
	"testing"
	"time"

	"github.com/raterudder/agilerudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnrich(t *testing.T) {
	ctx := context.Background()
	now := testStart.Add(10 * time.Hour)

	t.Run("stamps matching slots and totals by day", func(t *testing.T) {
		slots := makeSlots(testStart.Add(11*time.Hour), 10, 10, 10)
		stale := 9.0
		slots[2].PVEstimateKWh = &stale

		points := []types.ForecastPoint{
			{PeriodStart: testStart.Add(11 * time.Hour), ForecastKWh: 1.5},
			{PeriodStart: testStart.Add(11*time.Hour + 30*time.Minute), ForecastKWh: 0},
			{PeriodStart: testStart.Add(13 * time.Hour), ForecastKWh: 2},
			{PeriodStart: testStart.Add(36 * time.Hour), ForecastKWh: 3},
			{PeriodStart: testStart.Add(60 * time.Hour), ForecastKWh: 100},
		}
		var battery types.BatteryState
		Enrich(ctx, slots, points, 0.5, &battery, now, time.UTC)

		require.NotNil(t, slots[0].PVEstimateKWh)
		assert.Equal(t, 1.5, *slots[0].PVEstimateKWh)
		// a zero forecast is still a forecast
		require.NotNil(t, slots[1].PVEstimateKWh)
		assert.Equal(t, 0.0, *slots[1].PVEstimateKWh)
		assert.Nil(t, slots[2].PVEstimateKWh)

		assert.InDelta(t, 1.75, battery.TodayForecastKWh, 1e-9)
		assert.InDelta(t, 1.5, battery.TomorrowForecastKWh, 1e-9)
		assert.Equal(t, now, battery.ForecastUpdated)
	})

	t.Run("days follow the site timezone", func(t *testing.T) {
		loc, err := time.LoadLocation("America/New_York")
		require.NoError(t, err)
		// 03:00 UTC on the 2nd is still the 1st in New York
		points := []types.ForecastPoint{
			{PeriodStart: time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC), ForecastKWh: 2},
		}
		var battery types.BatteryState
		Enrich(ctx, nil, points, 1, &battery, time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC), loc)
		assert.Equal(t, 2.0, battery.TodayForecastKWh)
		assert.Equal(t, 0.0, battery.TomorrowForecastKWh)
	})

	t.Run("no points", func(t *testing.T) {
		slots := makeSlots(testStart, 10)
		battery := types.BatteryState{TodayForecastKWh: 4}
		Enrich(ctx, slots, nil, 1, &battery, now, time.UTC)
		assert.Nil(t, slots[0].PVEstimateKWh)
		assert.Equal(t, 0.0, battery.TodayForecastKWh)
		assert.True(t, battery.ForecastUpdated.IsZero())
	})
}

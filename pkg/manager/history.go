package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raterudder/agilerudder/pkg/ess"
	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
)

type slotEnergy struct {
	pv, imported, exported, houseLoad float64
}

// bucketSamples sums 5 minute samples into the half hour slot they fall in.
// A sample covers the interval ending at its timestamp so one stamped on a
// slot boundary belongs to the slot before.
func bucketSamples(samples []types.InverterSample) map[int64]slotEnergy {
	buckets := make(map[int64]slotEnergy)
	for _, s := range samples {
		key := s.Timestamp.Add(-time.Nanosecond).Truncate(types.SlotDuration).Unix()
		b := buckets[key]
		b.pv += s.PVKWh
		b.imported += s.ImportKWh
		b.exported += s.ExportKWh
		b.houseLoad += s.HouseLoadKWh
		buckets[key] = b
	}
	return buckets
}

// EnrichHistory fills in the measured solar, import, export and house load of
// yesterday's and today's history from the inverter's historic data. Each day
// is tried even if the other fails.
func (m *Manager) EnrichHistory(ctx context.Context) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	if m.inverter == nil {
		return fmt.Errorf("inverter %w", ErrNotConfigured)
	}

	loc := m.settings.Location()
	local := m.now().In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	forecastByStart := make(map[int64]float64, len(m.points))
	for _, p := range m.points {
		forecastByStart[p.PeriodStart.Unix()] = p.ForecastKWh
	}

	var errs []error
	for _, day := range []time.Time{today.AddDate(0, 0, -1), today} {
		if err := m.enrichHistoryDay(ctx, m.inverter, day, forecastByStart); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to enrich history", slog.String("day", day.Format(time.DateOnly)), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) enrichHistoryDay(ctx context.Context, inv ess.Inverter, day time.Time, forecastByStart map[int64]float64) error {
	samples, err := inv.GetHistoricData(ctx, day)
	if err != nil {
		return fmt.Errorf("failed to get historic data for %s: %w", day.Format(time.DateOnly), err)
	}
	entries, err := m.storage.GetHistory(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		return fmt.Errorf("failed to get history for %s: %w", day.Format(time.DateOnly), err)
	}
	if len(samples) == 0 || len(entries) == 0 {
		return nil
	}

	buckets := bucketSamples(samples)
	var updated []types.HistoryEntry
	for _, e := range entries {
		b, ok := buckets[e.Start.Unix()]
		if !ok {
			continue
		}
		e.ActualKWh = b.pv
		e.ImportKWh = b.imported
		e.ExportKWh = b.exported
		e.HouseLoadKWh = b.houseLoad
		if kwh, ok := forecastByStart[e.Start.Unix()]; ok && e.ForecastKWh == 0 {
			e.ForecastKWh = kwh
		}
		updated = append(updated, e)
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"enriching history",
		slog.String("day", day.Format(time.DateOnly)),
		slog.Int("samples", len(samples)),
		slog.Int("entries", len(updated)),
	)
	return m.storage.UpdateHistory(ctx, updated)
}

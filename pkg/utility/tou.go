package utility

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
)

// touHorizon matches how far ahead day-ahead tariffs publish.
const touHorizon = 48 * time.Hour

// TOU generates rates from a fixed daily table, for tariffs like Octopus Go
// that don't publish half-hourly prices.
type TOU struct {
	mu       sync.Mutex
	rates    []types.TOURate
	location *time.Location
}

// NewTOU returns a provider with no rates until settings are applied.
func NewTOU() *TOU {
	return &TOU{location: time.UTC}
}

func (t *TOU) ApplySettings(ctx context.Context, settings types.Settings) error {
	if len(settings.TOURates) == 0 {
		return fmt.Errorf("no time-of-use rates configured")
	}
	for _, r := range settings.TOURates {
		if _, err := r.Contains(time.Time{}); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates = append([]types.TOURate(nil), settings.TOURates...)
	t.location = settings.Location()
	return nil
}

// priceForTime returns the first configured rate covering target's local
// time of day.
func (t *TOU) priceForTime(target time.Time, rates []types.TOURate, loc *time.Location) (float64, bool, error) {
	local := target.In(loc)
	for _, r := range rates {
		contains, err := r.Contains(local)
		if err != nil {
			return 0, false, err
		}
		if contains {
			return r.PriceIncVAT, true, nil
		}
	}
	return 0, false, nil
}

// GetRates generates half-hour rates from the slot containing from. Slots
// no rate covers are left out.
func (t *TOU) GetRates(ctx context.Context, from time.Time) ([]types.Rate, error) {
	t.mu.Lock()
	rates := t.rates
	loc := t.location
	t.mu.Unlock()

	start := from.UTC().Truncate(types.SlotDuration)
	end := start.Add(touHorizon)
	var out []types.Rate
	var uncovered int
	for s := start; s.Before(end); s = s.Add(types.SlotDuration) {
		price, ok, err := t.priceForTime(s, rates, loc)
		if err != nil {
			return nil, err
		}
		if !ok {
			uncovered++
			continue
		}
		out = append(out, types.Rate{
			ValidFrom:   s,
			ValidTo:     s.Add(types.SlotDuration),
			PriceIncVAT: price,
		})
	}
	if uncovered > 0 {
		log.Ctx(ctx).WarnContext(ctx, "time-of-use rates don't cover every slot", slog.Int("uncovered", uncovered))
	}
	return out, nil
}

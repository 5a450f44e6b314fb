package utility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
)

var (
	ErrUnknownProvider = errors.New("unknown tariff provider")
	ErrUnknownProduct  = errors.New("unknown tariff product")
)

// Utility defines the interface for a tariff provider.
type Utility interface {
	// GetRates returns the raw rates from around from until as far ahead as
	// the provider publishes. Rates may be unsorted and span several slots.
	GetRates(ctx context.Context, from time.Time) ([]types.Rate, error)

	// ApplySettings updates the provider using the provided settings.
	ApplySettings(ctx context.Context, settings types.Settings) error
}

// Providers lists the tariff providers for the settings UI.
func Providers() []types.TariffProviderInfo {
	return []types.TariffProviderInfo{
		{
			ID:          "octopus",
			Name:        "Octopus Energy",
			Dispatches:  true,
			Description: "Half-hourly rates from the Octopus product and tariff code",
		},
		{
			ID:          "tou",
			Name:        "Time of use",
			Description: "A fixed daily table of rates",
		},
	}
}

// Configured sets up the tariff providers and returns a Map.
func Configured() *Map {
	m := NewMap()
	m.octopus = configuredOctopus()
	m.dispatch = configuredOctopusDispatch()
	return m
}

// Map manages tariff providers.
type Map struct {
	mu        sync.Mutex
	octopus   *Octopus
	dispatch  *OctopusDispatch
	utilities map[string]Utility
}

// NewMap creates a new Utility Map.
func NewMap() *Map {
	return &Map{
		utilities: make(map[string]Utility),
	}
}

// Site returns the tariff provider selected by settings with the settings
// applied to it.
func (m *Map) Site(ctx context.Context, settings types.Settings) (Utility, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := settings.TariffProvider
	if name == "" {
		name = "octopus"
	}

	if p, ok := m.utilities[name]; ok {
		if err := p.ApplySettings(ctx, settings); err != nil {
			return nil, err
		}
		return p, nil
	}

	var u Utility
	switch name {
	case "octopus":
		if m.octopus == nil {
			return nil, fmt.Errorf("octopus provider not configured")
		}
		u = m.octopus
	case "tou":
		u = NewTOU()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if err := u.ApplySettings(ctx, settings); err != nil {
		return nil, err
	}
	m.utilities[name] = u
	return u, nil
}

// Dispatches returns the smart-charge dispatch client or nil if it isn't
// configured.
func (m *Map) Dispatches() *OctopusDispatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dispatch
}

// ProductLookup checks that the tariff product in settings exists. Only the
// octopus provider has products to look up.
func (m *Map) ProductLookup(ctx context.Context, settings types.Settings) error {
	m.mu.Lock()
	o := m.octopus
	m.mu.Unlock()

	if settings.TariffProvider != "octopus" || o == nil {
		return nil
	}
	return o.ProductLookup(ctx, settings.OctopusProduct)
}

// SetProvider sets a mock provider for testing.
func (m *Map) SetProvider(name string, provider Utility) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.utilities[name] = provider
}

// SetOctopus replaces the octopus client used for rates and product lookups.
func (m *Map) SetOctopus(o *Octopus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.octopus = o
	delete(m.utilities, "octopus")
}

// SetDispatches sets the dispatch client, primarily for testing.
func (m *Map) SetDispatches(d *OctopusDispatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatch = d
}

// SplitToSlots sorts rates and splits each into 30-minute slots. When two
// rates cover the same slot the earlier one in sorted order wins and the
// other is logged and dropped. Every slot gets a fresh identity.
func SplitToSlots(ctx context.Context, rates []types.Rate) []*types.PriceSlot {
	sorted := append([]types.Rate(nil), rates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ValidFrom.Before(sorted[j].ValidFrom)
	})

	kept := make(map[int64]float64, len(sorted))
	slots := make([]*types.PriceSlot, 0, len(sorted))
	for _, r := range sorted {
		end := r.ValidTo
		if !end.After(r.ValidFrom) {
			end = r.ValidFrom.Add(types.SlotDuration)
		}
		for start := r.ValidFrom; start.Before(end); start = start.Add(types.SlotDuration) {
			key := start.Unix()
			if price, ok := kept[key]; ok {
				log.Ctx(ctx).WarnContext(
					ctx,
					"dropping duplicate rate for slot",
					slog.Time("start", start),
					slog.Float64("kept", price),
					slog.Float64("dropped", r.PriceIncVAT),
				)
				continue
			}
			kept[key] = r.PriceIncVAT
			slots = append(slots, types.NewPriceSlot(start, r.PriceIncVAT))
		}
	}
	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].ValidFrom.Before(slots[j].ValidFrom)
	})
	return slots
}

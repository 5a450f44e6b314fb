package types

import (
	"fmt"
	"time"
)

// TariffProviderInfo provides metadata about a tariff provider.
type TariffProviderInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Dispatches  bool   `json:"dispatches"`
	Description string `json:"description,omitempty"`
}

// Rate is a raw tariff price for an interval which may span several slots.
type Rate struct {
	ValidFrom   time.Time `json:"validFrom"`
	ValidTo     time.Time `json:"validTo"`
	PriceIncVAT float64   `json:"priceIncVat"`
}

// Dispatch is a smart-charge window announced by the tariff provider.
type Dispatch struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Source string    `json:"source,omitempty"`
}

// Overlaps returns true if the dispatch overlaps [from, to).
func (d Dispatch) Overlaps(from, to time.Time) bool {
	return d.Start.Before(to) && d.End.After(from)
}

// ForecastPoint is the expected solar generation for the slot starting at
// PeriodStart.
type ForecastPoint struct {
	PeriodStart time.Time `json:"periodStart"`
	ForecastKWh float64   `json:"forecastKWh"`
}

// TOURate is one entry of a fixed time-of-use tariff, in the site timezone.
// An End that is not after Start wraps past midnight.
type TOURate struct {
	Start       string  `json:"start"`
	End         string  `json:"end"`
	PriceIncVAT float64 `json:"priceIncVat"`
	Description string  `json:"description,omitempty"`
}

// Contains checks if the local time-of-day of t is within the rate's period.
func (r TOURate) Contains(t time.Time) (bool, error) {
	sh, sm, err := ParseClock(r.Start)
	if err != nil {
		return false, fmt.Errorf("invalid start for rate %q: %w", r.Description, err)
	}
	eh, em, err := ParseClock(r.End)
	if err != nil {
		return false, fmt.Errorf("invalid end for rate %q: %w", r.Description, err)
	}
	start := sh*60 + sm
	end := eh*60 + em
	mins := t.Hour()*60 + t.Minute()
	if end <= start {
		return mins >= start || mins < end, nil
	}
	return mins >= start && mins < end, nil
}

package types

import (
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// HistoryTimeFormat is the timestamp layout used in the history log.
	HistoryTimeFormat = "02-Jan-2006 15:04"

	// MaxHistoryEntries caps the log to roughly 180 days of half-hour slots.
	MaxHistoryEntries = 180 * 48
)

// historyColumnCounts lists every layout the history log has been written in,
// widest first.
var historyColumnCounts = []int{12, 7}

// HistoryEntry records what was executed for one slot.
type HistoryEntry struct {
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	Price        float64    `json:"price"`
	Action       SlotAction `json:"action"`
	Type         PriceType  `json:"type"`
	BatterySOC   int        `json:"batterySOC"`
	ActualKWh    float64    `json:"actualKWh"`
	ForecastKWh  float64    `json:"forecastKWh"`
	ImportKWh    float64    `json:"importKWh"`
	ExportKWh    float64    `json:"exportKWh"`
	HouseLoadKWh float64    `json:"houseLoadKWh"`
	Reason       string     `json:"reason"`
}

// NewHistoryEntry builds the entry for executing slot with the given SOC.
func NewHistoryEntry(slot *PriceSlot, batterySOC int) HistoryEntry {
	h := HistoryEntry{
		Start:      slot.ValidFrom,
		End:        slot.ValidTo,
		Price:      slot.PriceIncVAT,
		Action:     slot.ActionToExecute(),
		Type:       slot.PriceType,
		BatterySOC: batterySOC,
		Reason:     slot.ActionReason,
	}
	if slot.PVEstimateKWh != nil {
		h.ForecastKWh = *slot.PVEstimateKWh
	}
	return h
}

// CSV renders the entry as a line of the history log without a newline.
func (h HistoryEntry) CSV() string {
	return strings.Join([]string{
		h.Start.UTC().Format(HistoryTimeFormat),
		h.End.UTC().Format(HistoryTimeFormat),
		formatKWh(h.Price),
		h.Action.String(),
		h.Type.String(),
		strconv.Itoa(h.BatterySOC) + "%",
		formatKWh(h.ActualKWh),
		formatKWh(h.ForecastKWh),
		formatKWh(h.ImportKWh),
		formatKWh(h.ExportKWh),
		formatKWh(h.HouseLoadKWh),
		`"` + strings.ReplaceAll(h.Reason, `"`, `""`) + `"`,
	}, ", ")
}

func formatKWh(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

// ParseHistoryLine parses a single history log line written by any version.
func ParseHistoryLine(line string) (HistoryEntry, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	fields, err := r.Read()
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("failed to read history line: %w", err)
	}

	var errs []error
	for _, n := range historyColumnCounts {
		if len(fields) < n {
			continue
		}
		// an unquoted reason may have been split on its commas
		cols := append(fields[:n-1:n-1], strings.Join(fields[n-1:], ","))
		h, err := parseHistoryColumns(cols)
		if err == nil {
			return h, nil
		}
		errs = append(errs, fmt.Errorf("%d columns: %w", n, err))
	}
	if len(errs) == 0 {
		return HistoryEntry{}, fmt.Errorf("history line has too few columns (%d)", len(fields))
	}
	return HistoryEntry{}, errors.Join(errs...)
}

func parseHistoryColumns(cols []string) (HistoryEntry, error) {
	var h HistoryEntry
	var err error
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	if h.Start, err = time.ParseInLocation(HistoryTimeFormat, cols[0], time.UTC); err != nil {
		return h, fmt.Errorf("invalid start: %w", err)
	}
	if h.End, err = time.ParseInLocation(HistoryTimeFormat, cols[1], time.UTC); err != nil {
		return h, fmt.Errorf("invalid end: %w", err)
	}
	if h.Price, err = strconv.ParseFloat(cols[2], 64); err != nil {
		return h, fmt.Errorf("invalid price: %w", err)
	}
	if err = h.Action.UnmarshalText([]byte(cols[3])); err != nil {
		return h, err
	}
	if err = h.Type.UnmarshalText([]byte(cols[4])); err != nil {
		return h, err
	}
	if h.BatterySOC, err = strconv.Atoi(strings.TrimSuffix(cols[5], "%")); err != nil {
		return h, fmt.Errorf("invalid battery soc: %w", err)
	}
	if len(cols) == 12 {
		kwh := []*float64{&h.ActualKWh, &h.ForecastKWh, &h.ImportKWh, &h.ExportKWh, &h.HouseLoadKWh}
		for i, dst := range kwh {
			if *dst, err = strconv.ParseFloat(cols[6+i], 64); err != nil {
				return h, fmt.Errorf("invalid kWh column %d: %w", 6+i, err)
			}
		}
	}
	h.Reason = cols[len(cols)-1]
	return h, nil
}

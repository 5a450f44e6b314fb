package types

import "time"

// BatteryState is the live telemetry snapshot the planner works from.
type BatteryState struct {
	// BatterySOC is 0-100. Zero is treated as a bad read by the planner.
	BatterySOC            int     `json:"batterySOC"`
	CurrentBatteryPowerKW float64 `json:"currentBatteryPowerKW"`
	CurrentPVkW           float64 `json:"currentPVkW"`
	HouseLoadkW           float64 `json:"houseLoadkW"`
	TodayPVkWh            float64 `json:"todayPVkWh"`
	TodayExportkWh        float64 `json:"todayExportkWh"`
	TodayImportkWh        float64 `json:"todayImportkWh"`
	StationID             string  `json:"stationID,omitempty"`

	TodayForecastKWh    float64 `json:"todayForecastKWh"`
	TomorrowForecastKWh float64 `json:"tomorrowForecastKWh"`

	InverterDataTimestamp time.Time `json:"inverterDataTimestamp"`
	BatteryUpdated        time.Time `json:"batteryUpdated"`
	ForecastUpdated       time.Time `json:"forecastUpdated"`
	PricesUpdated         time.Time `json:"pricesUpdated"`
}

// ApplyReading copies an inverter reading onto the state. A zero SOC is a
// known bad read from some inverters so the previous SOC is kept instead.
// It returns false if the SOC was ignored.
func (b *BatteryState) ApplyReading(r InverterReading, now time.Time) bool {
	socOK := r.BatterySOC != 0
	if socOK {
		b.BatterySOC = r.BatterySOC
	}
	b.CurrentBatteryPowerKW = r.CurrentBatteryPowerKW
	b.CurrentPVkW = r.CurrentPVkW
	b.HouseLoadkW = r.HouseLoadkW
	b.TodayPVkWh = r.TodayPVkWh
	b.TodayExportkWh = r.TodayExportkWh
	b.TodayImportkWh = r.TodayImportkWh
	if r.StationID != "" {
		b.StationID = r.StationID
	}
	if r.Timestamp.IsZero() {
		b.InverterDataTimestamp = now
	} else {
		b.InverterDataTimestamp = r.Timestamp
	}
	b.BatteryUpdated = now
	return socOK
}

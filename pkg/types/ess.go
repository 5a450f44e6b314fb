package types

import "time"

// InverterProviderInfo describes an inverter backend for the settings UI.
type InverterProviderInfo struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Credentials []InverterCredential `json:"credentials"`
	Hidden      bool                 `json:"hidden,omitempty"`
}

// InverterCredential defines a single credential field for an inverter backend.
type InverterCredential struct {
	Field       string `json:"field"`
	Name        string `json:"name"`
	Type        string `json:"type"` // e.g. "string" or "password"
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// InverterReading is what an inverter reports about itself right now.
type InverterReading struct {
	Timestamp             time.Time `json:"timestamp"`
	BatterySOC            int       `json:"batterySOC"`
	CurrentBatteryPowerKW float64   `json:"currentBatteryPowerKW"`
	CurrentPVkW           float64   `json:"currentPVkW"`
	HouseLoadkW           float64   `json:"houseLoadkW"`
	TodayPVkWh            float64   `json:"todayPVkWh"`
	TodayExportkWh        float64   `json:"todayExportkWh"`
	TodayImportkWh        float64   `json:"todayImportkWh"`
	StationID             string    `json:"stationID,omitempty"`
}

// InverterSample is one 5-minute historic sample with energy deltas since the
// previous sample.
type InverterSample struct {
	Timestamp      time.Time `json:"timestamp"`
	BatterySOC     float64   `json:"batterySOC"`
	BatteryPowerKW float64   `json:"batteryPowerKW"`
	PVkW           float64   `json:"pvkW"`
	HouseLoadkW    float64   `json:"houseLoadkW"`
	HouseLoadKWh   float64   `json:"houseLoadKWh"`
	PVKWh          float64   `json:"pvKWh"`
	ImportKWh      float64   `json:"importKWh"`
	ExportKWh      float64   `json:"exportKWh"`
}

// InverterMockState is the persisted state of the simulated inverter.
type InverterMockState struct {
	Timestamp   time.Time   `json:"timestamp"`
	BatterySOC  float64     `json:"batterySOC"`
	ChargeState ChargeState `json:"chargeState"`
	Writes      int         `json:"writes"`

	// Last is the most recent simulated step.
	Last InverterSample `json:"last"`
	// Today totals reset at local midnight.
	TodayPVkWh     float64 `json:"todayPVkWh"`
	TodayImportkWh float64 `json:"todayImportkWh"`
	TodayExportkWh float64 `json:"todayExportkWh"`
	// Samples holds 5 minute samples for today and yesterday.
	Samples []InverterSample `json:"samples,omitempty"`
}

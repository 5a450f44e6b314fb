package types

import (
	"fmt"
	"time"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 2

// Settings represents the configuration stored in the database.
// These are dynamic settings that can be changed without restarting.
type Settings struct {
	// Pause stops all inverter writes while still planning.
	Pause bool `json:"pause"`
	// Simulate logs inverter writes instead of sending them.
	Simulate bool `json:"simulate"`
	// Timezone is used for scheduled actions and inverter clock times.
	Timezone string `json:"timezone"`

	// Tariff
	TariffProvider       string    `json:"tariffProvider"`
	OctopusProduct       string    `json:"octopusProduct"`
	OctopusProductCode   string    `json:"octopusProductCode"`
	OctopusAccountNumber string    `json:"octopusAccountNumber"`
	TOURates             []TOURate `json:"touRates,omitempty"`
	// Apply smart-charge dispatch windows as charge slots
	IntelligentGoCharging bool `json:"intelligentGoCharging"`

	// Inverter
	Inverter          string `json:"inverter"`
	MaxChargeRateAmps int    `json:"maxChargeRateAmps"`
	// BatteryCapacityKWh is optional and only used to project SOC from the
	// expected house load and solar.
	BatteryCapacityKWh float64 `json:"batteryCapacityKWh,omitempty"`

	// Solar Forecast
	SolcastSiteIdentifiers []string `json:"solcastSiteIdentifiers"`
	SolcastDampFactor      float64  `json:"solcastDampFactor"`
	// ForecastThreshold is the damped daily forecast (kWh) at which overnight
	// charging is skipped, if SkipOvernightCharge is enabled.
	ForecastThreshold   float64 `json:"forecastThreshold"`
	SkipOvernightCharge bool    `json:"skipOvernightCharge"`

	// Planning
	// Number of half-hour slots needed to charge the battery from 0 to 100%
	SlotsForFullBatteryCharge int `json:"slotsForFullBatteryCharge"`
	// Always charge when the price is under this amount (in p/kWh)
	AlwaysChargeBelowPrice float64 `json:"alwaysChargeBelowPrice"`
	// Below this SOC the conditional below-average slots become charge slots
	LowBatteryPercentage int `json:"lowBatteryPercentage"`
	// Charge the current slot whenever SOC is below this value
	AlwaysChargeBelowSOC *int `json:"alwaysChargeBelowSOC,omitempty"`
	// Fraction of the battery to hold going into the peak period (0-1)
	PeakPeriodBatteryUse float64 `json:"peakPeriodBatteryUse"`
	// Width of the peak window in slots
	PeakWindowSlots int `json:"peakWindowSlots"`
	// Extra slots considered before the peak when topping up
	PrePeakExtraSlots int `json:"prePeakExtraSlots"`

	ScheduledActions []ScheduledAction `json:"scheduledActions"`

	// Credentials for external systems (encrypted)
	EncryptedCredentials []byte `json:"encryptedCredentials,omitempty"`
}

// ScheduledAction forces an action every day at StartTime.
type ScheduledAction struct {
	// StartTime is "HH:MM" in the site timezone and must be on a half hour.
	StartTime string     `json:"startTime"`
	Action    SlotAction `json:"action"`
	Amps      *int       `json:"amps,omitempty"`
	Disabled  bool       `json:"disabled"`
}

// Enabled returns true if the scheduled action should be applied.
func (s ScheduledAction) Enabled() bool {
	return !s.Disabled
}

// Location returns the configured timezone or UTC if it's invalid.
func (s Settings) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Credentials for external systems
type Credentials struct {
	Solis   *SolisCredentials   `json:"solis,omitempty"`
	Octopus *OctopusCredentials `json:"octopus,omitempty"`
	Solcast *SolcastCredentials `json:"solcast,omitempty"`
}

// Has returns which credentials are present without exposing them.
func (c Credentials) Has() map[string]bool {
	return map[string]bool{
		"solis":   c.Solis != nil,
		"octopus": c.Octopus != nil,
		"solcast": c.Solcast != nil,
	}
}

// Merge returns c with any credentials set in other replacing its own.
func (c Credentials) Merge(other Credentials) Credentials {
	if other.Solis != nil {
		c.Solis = other.Solis
	}
	if other.Octopus != nil {
		c.Octopus = other.Octopus
	}
	if other.Solcast != nil {
		c.Solcast = other.Solcast
	}
	return c
}

// Credentials for SolisCloud
type SolisCredentials struct {
	APIKey         string `json:"apiKey"`
	APISecret      string `json:"apiSecret"`
	InverterSerial string `json:"inverterSerial"`
}

// Credentials for the Octopus account API, only needed for dispatches.
type OctopusCredentials struct {
	APIKey string `json:"apiKey"`
}

// Credentials for Solcast
type SolcastCredentials struct {
	APIKey string `json:"apiKey"`
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if !s.Simulate {
				// new installs start out simulating until told otherwise
				s.Simulate = true
				migrated = true
			}
			if s.Timezone == "" {
				s.Timezone = "Europe/London"
				migrated = true
			}
			if s.TariffProvider == "" {
				s.TariffProvider = "octopus"
				migrated = true
			}
			if s.Inverter == "" {
				s.Inverter = "solis"
				migrated = true
			}
			if s.SlotsForFullBatteryCharge == 0 {
				s.SlotsForFullBatteryCharge = 6
				migrated = true
			}
			if s.AlwaysChargeBelowPrice == 0 {
				s.AlwaysChargeBelowPrice = 10
				migrated = true
			}
			if s.LowBatteryPercentage == 0 {
				s.LowBatteryPercentage = 25
				migrated = true
			}
			if s.MaxChargeRateAmps == 0 {
				s.MaxChargeRateAmps = 50
				migrated = true
			}
			if s.PeakPeriodBatteryUse == 0 {
				s.PeakPeriodBatteryUse = 0.5
				migrated = true
			}
			if s.SolcastDampFactor == 0 {
				s.SolcastDampFactor = 1
				migrated = true
			}
		case 2:
			// version 2: peak window and pre-peak top-up became configurable
			if s.PeakWindowSlots == 0 {
				s.PeakWindowSlots = 7
				migrated = true
			}
			if s.PrePeakExtraSlots == 0 {
				s.PrePeakExtraSlots = 2
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}

// ValidationError is returned when settings fail validation. The message is
// meant to be shown to the user.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the settings for values the planner cannot work with.
func (s Settings) Validate() error {
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return invalid("timezone", "unknown timezone: %s", s.Timezone)
		}
	}
	switch s.TariffProvider {
	case "octopus":
		if s.OctopusProduct == "" || s.OctopusProductCode == "" {
			return invalid("octopusProduct", "octopus product and product code are required")
		}
	case "tou":
		if len(s.TOURates) == 0 {
			return invalid("touRates", "at least one time-of-use rate is required")
		}
		for _, r := range s.TOURates {
			if _, err := r.Contains(time.Time{}); err != nil {
				return invalid("touRates", "%s", err.Error())
			}
		}
	default:
		return invalid("tariffProvider", "unknown tariff provider: %s", s.TariffProvider)
	}
	if s.IntelligentGoCharging && s.OctopusAccountNumber == "" {
		return invalid("octopusAccountNumber", "an octopus account number is required for intelligent go charging")
	}
	if len(s.SolcastSiteIdentifiers) > 2 {
		return invalid("solcastSiteIdentifiers", "a maximum of two Solcast sites is supported")
	}
	seen := make(map[string]bool, len(s.SolcastSiteIdentifiers))
	for _, id := range s.SolcastSiteIdentifiers {
		if id == "" {
			return invalid("solcastSiteIdentifiers", "Solcast site identifiers cannot be empty")
		}
		if seen[id] {
			return invalid("solcastSiteIdentifiers", "duplicate Solcast site identifier: %s", id)
		}
		seen[id] = true
	}
	if s.SolcastDampFactor < 0 {
		return invalid("solcastDampFactor", "solcast damp factor cannot be negative")
	}
	if s.SlotsForFullBatteryCharge < 1 || s.SlotsForFullBatteryCharge > 48 {
		return invalid("slotsForFullBatteryCharge", "slots for a full battery charge must be between 1 and 48")
	}
	if s.LowBatteryPercentage < 0 || s.LowBatteryPercentage > 100 {
		return invalid("lowBatteryPercentage", "low battery percentage must be between 0 and 100")
	}
	if s.AlwaysChargeBelowSOC != nil && (*s.AlwaysChargeBelowSOC < 0 || *s.AlwaysChargeBelowSOC > 100) {
		return invalid("alwaysChargeBelowSOC", "always charge below SOC must be between 0 and 100")
	}
	if s.PeakPeriodBatteryUse < 0 || s.PeakPeriodBatteryUse > 1 {
		return invalid("peakPeriodBatteryUse", "peak period battery use must be between 0 and 1")
	}
	if s.PeakWindowSlots < 1 {
		return invalid("peakWindowSlots", "peak window must be at least one slot")
	}
	if s.PrePeakExtraSlots < 0 {
		return invalid("prePeakExtraSlots", "pre-peak extra slots cannot be negative")
	}
	if s.BatteryCapacityKWh < 0 {
		return invalid("batteryCapacityKWh", "battery capacity cannot be negative")
	}
	if s.MaxChargeRateAmps <= 0 {
		return invalid("maxChargeRateAmps", "max charge rate must be positive")
	}
	for i, a := range s.ScheduledActions {
		_, m, err := ParseClock(a.StartTime)
		if err != nil {
			return invalid("scheduledActions", "scheduled action %d has an invalid start time: %s", i+1, a.StartTime)
		}
		if m != 0 && m != 30 {
			return invalid("scheduledActions", "scheduled action %d must start on the hour or half hour", i+1)
		}
		if a.Action == SlotActionChargeIfLowBattery {
			return invalid("scheduledActions", "scheduled action %d has an unsupported action", i+1)
		}
		if a.Amps != nil && *a.Amps < 0 {
			return invalid("scheduledActions", "scheduled action %d amps cannot be negative", i+1)
		}
	}
	return nil
}

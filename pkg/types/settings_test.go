package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() Settings {
	s, _, err := MigrateSettings(Settings{
		OctopusProduct:     "AGILE-24-10-01",
		OctopusProductCode: "E-1R-AGILE-24-10-01-A",
	}, 0)
	if err != nil {
		panic(err)
	}
	return s
}

func TestMigrateSettings(t *testing.T) {
	t.Run("v1: initial defaults", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{}, 0)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.True(t, s.Simulate)
		assert.Equal(t, "Europe/London", s.Timezone)
		assert.Equal(t, "octopus", s.TariffProvider)
		assert.Equal(t, "solis", s.Inverter)
		assert.Equal(t, 6, s.SlotsForFullBatteryCharge)
		assert.Equal(t, 10.0, s.AlwaysChargeBelowPrice)
		assert.Equal(t, 25, s.LowBatteryPercentage)
		assert.Equal(t, 50, s.MaxChargeRateAmps)
		assert.Equal(t, 0.5, s.PeakPeriodBatteryUse)
		assert.Equal(t, 1.0, s.SolcastDampFactor)
	})

	t.Run("v1 to v2: peak constants", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{Simulate: false}, 1)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, 7, s.PeakWindowSlots)
		assert.Equal(t, 2, s.PrePeakExtraSlots)
		// v1 defaults are not reapplied
		assert.False(t, s.Simulate)
		assert.Equal(t, 0, s.SlotsForFullBatteryCharge)
	})

	t.Run("keeps existing values", func(t *testing.T) {
		s, _, err := MigrateSettings(Settings{SlotsForFullBatteryCharge: 4, PeakWindowSlots: 5}, 0)
		require.NoError(t, err)
		assert.Equal(t, 4, s.SlotsForFullBatteryCharge)
		assert.Equal(t, 5, s.PeakWindowSlots)
	})

	t.Run("no change: current version", func(t *testing.T) {
		current := Settings{TariffProvider: "tou"}
		s, changed, err := MigrateSettings(current, CurrentSettingsVersion)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, current, s)
	})
}

func TestSettingsValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, validSettings().Validate())
	})

	cases := []struct {
		name   string
		modify func(s *Settings)
		field  string
		msg    string
	}{
		{
			name:   "too many solcast sites",
			modify: func(s *Settings) { s.SolcastSiteIdentifiers = []string{"a", "b", "c"} },
			field:  "solcastSiteIdentifiers",
			msg:    "a maximum of two Solcast sites is supported",
		},
		{
			name:   "duplicate solcast sites",
			modify: func(s *Settings) { s.SolcastSiteIdentifiers = []string{"a", "a"} },
			field:  "solcastSiteIdentifiers",
			msg:    "duplicate Solcast site identifier: a",
		},
		{
			name:   "missing product",
			modify: func(s *Settings) { s.OctopusProductCode = "" },
			field:  "octopusProduct",
			msg:    "octopus product and product code are required",
		},
		{
			name:   "unknown tariff",
			modify: func(s *Settings) { s.TariffProvider = "nope" },
			field:  "tariffProvider",
			msg:    "unknown tariff provider: nope",
		},
		{
			name:   "tou without rates",
			modify: func(s *Settings) { s.TariffProvider = "tou" },
			field:  "touRates",
		},
		{
			name:   "dispatch without account",
			modify: func(s *Settings) { s.IntelligentGoCharging = true },
			field:  "octopusAccountNumber",
		},
		{
			name:   "slots for full charge",
			modify: func(s *Settings) { s.SlotsForFullBatteryCharge = 0 },
			field:  "slotsForFullBatteryCharge",
		},
		{
			name:   "peak use fraction",
			modify: func(s *Settings) { s.PeakPeriodBatteryUse = 1.5 },
			field:  "peakPeriodBatteryUse",
		},
		{
			name: "scheduled action off the half hour",
			modify: func(s *Settings) {
				s.ScheduledActions = []ScheduledAction{{StartTime: "10:15", Action: SlotActionCharge}}
			},
			field: "scheduledActions",
		},
		{
			name: "scheduled action bad time",
			modify: func(s *Settings) {
				s.ScheduledActions = []ScheduledAction{{StartTime: "24:00", Action: SlotActionCharge}}
			},
			field: "scheduledActions",
		},
		{
			name:   "bad timezone",
			modify: func(s *Settings) { s.Timezone = "Mars/Olympus" },
			field:  "timezone",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validSettings()
			tc.modify(&s)
			err := s.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
			if tc.msg != "" {
				assert.Equal(t, tc.msg, verr.Error())
			}
		})
	}
}

func TestCredentials(t *testing.T) {
	c := Credentials{Solis: &SolisCredentials{APIKey: "k"}}
	assert.Equal(t, map[string]bool{"solis": true, "octopus": false, "solcast": false}, c.Has())

	merged := c.Merge(Credentials{Solcast: &SolcastCredentials{APIKey: "s"}})
	assert.Equal(t, "k", merged.Solis.APIKey)
	assert.Equal(t, "s", merged.Solcast.APIKey)
	assert.Nil(t, merged.Octopus)
}

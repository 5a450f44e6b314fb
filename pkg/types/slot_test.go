package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceSlotActionToExecute(t *testing.T) {
	s := NewPriceSlot(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 12.5)
	s.PlanAction = SlotActionCharge
	assert.Equal(t, SlotActionCharge, s.ActionToExecute())

	amps := 20
	s.SetOverride(SlotActionDischarge, OverrideTypeManual, &amps)
	assert.Equal(t, SlotActionDischarge, s.ActionToExecute())
	assert.Equal(t, OverrideTypeManual, s.OverrideType)
	// amps are copied
	amps = 5
	assert.Equal(t, 20, *s.OverrideAmps)

	s.ClearOverride()
	assert.Equal(t, SlotActionCharge, s.ActionToExecute())
	assert.Equal(t, OverrideTypeNone, s.OverrideType)
	assert.Nil(t, s.OverrideAmps)
}

func TestPriceSlotClone(t *testing.T) {
	s := NewPriceSlot(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 12.5)
	pv := 1.5
	s.PVEstimateKWh = &pv
	s.SetOverride(SlotActionHold, OverrideTypeScheduled, nil)

	c := s.Clone()
	assert.Equal(t, s.ID, c.ID)
	*c.PVEstimateKWh = 3
	*c.OverrideAction = SlotActionCharge
	assert.Equal(t, 1.5, *s.PVEstimateKWh)
	assert.Equal(t, SlotActionHold, *s.OverrideAction)
}

func TestPriceSlotContains(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	s := NewPriceSlot(start, 1)
	assert.True(t, s.Contains(start))
	assert.True(t, s.Contains(start.Add(29*time.Minute)))
	assert.False(t, s.Contains(start.Add(SlotDuration)))
	assert.False(t, s.Contains(start.Add(-time.Second)))
}

func TestPriceSlotMarshalJSON(t *testing.T) {
	s := NewPriceSlot(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 12.5)
	s.PriceType = PriceTypeCheapest
	s.PlanAction = SlotActionCharge
	s.SetOverride(SlotActionHold, OverrideTypeManual, nil)

	b, err := json.Marshal(s)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "Hold", m["actionToExecute"])
	assert.Equal(t, "Charge", m["planAction"])
	assert.Equal(t, "Cheapest", m["priceType"])
	assert.Equal(t, "Manual", m["overrideType"])
	assert.Equal(t, 12.5, m["priceIncVat"])

	var decoded PriceSlot
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, s.ID, decoded.ID)
	assert.Equal(t, SlotActionHold, decoded.ActionToExecute())
}

func TestParseSlotAction(t *testing.T) {
	a, err := ParseSlotAction("discharge")
	require.NoError(t, err)
	assert.Equal(t, SlotActionDischarge, a)

	a, err = ParseSlotAction(" DoNothing ")
	require.NoError(t, err)
	assert.Equal(t, SlotActionDoNothing, a)

	_, err = ParseSlotAction("explode")
	assert.Error(t, err)

	assert.Equal(t, "SlotAction(42)", SlotAction(42).String())
}

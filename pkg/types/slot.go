package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SlotDuration is the length of every normalized price slot.
const SlotDuration = 30 * time.Minute

// PriceType classifies a slot's price relative to the rest of the horizon.
type PriceType int

const (
	PriceTypeAverage PriceType = iota
	PriceTypeCheapest
	PriceTypeBelowThreshold
	PriceTypeBelowAverage
	PriceTypeDropping
	PriceTypeMostExpensive
	PriceTypeNegative
	PriceTypeIOGDispatch
)

var priceTypeNames = []string{
	"Average",
	"Cheapest",
	"BelowThreshold",
	"BelowAverage",
	"Dropping",
	"MostExpensive",
	"Negative",
	"IOGDispatch",
}

func (p PriceType) String() string {
	if int(p) < 0 || int(p) >= len(priceTypeNames) {
		return fmt.Sprintf("PriceType(%d)", int(p))
	}
	return priceTypeNames[p]
}

func (p PriceType) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PriceType) UnmarshalText(b []byte) error {
	i, err := parseEnum(priceTypeNames, string(b))
	if err != nil {
		return fmt.Errorf("invalid price type: %w", err)
	}
	*p = PriceType(i)
	return nil
}

// SlotAction is what the inverter should be doing during a slot.
type SlotAction int

const (
	SlotActionDoNothing SlotAction = iota
	SlotActionCharge
	// SlotActionChargeIfLowBattery is only an intermediate plan state, it is
	// promoted to Charge when the battery is low and otherwise acts as DoNothing.
	SlotActionChargeIfLowBattery
	SlotActionDischarge
	SlotActionHold
)

var slotActionNames = []string{
	"DoNothing",
	"Charge",
	"ChargeIfLowBattery",
	"Discharge",
	"Hold",
}

func (a SlotAction) String() string {
	if int(a) < 0 || int(a) >= len(slotActionNames) {
		return fmt.Sprintf("SlotAction(%d)", int(a))
	}
	return slotActionNames[a]
}

func (a SlotAction) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *SlotAction) UnmarshalText(b []byte) error {
	i, err := parseEnum(slotActionNames, string(b))
	if err != nil {
		return fmt.Errorf("invalid slot action: %w", err)
	}
	*a = SlotAction(i)
	return nil
}

// ParseSlotAction parses an action name case-insensitively.
func ParseSlotAction(s string) (SlotAction, error) {
	var a SlotAction
	err := a.UnmarshalText([]byte(s))
	return a, err
}

// OverrideType records which layer set a slot's override.
type OverrideType int

const (
	OverrideTypeNone OverrideType = iota
	OverrideTypeManual
	OverrideTypeScheduled
	OverrideTypeNegativePrices
)

var overrideTypeNames = []string{
	"None",
	"Manual",
	"Scheduled",
	"NegativePrices",
}

func (o OverrideType) String() string {
	if int(o) < 0 || int(o) >= len(overrideTypeNames) {
		return fmt.Sprintf("OverrideType(%d)", int(o))
	}
	return overrideTypeNames[o]
}

func (o OverrideType) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *OverrideType) UnmarshalText(b []byte) error {
	i, err := parseEnum(overrideTypeNames, string(b))
	if err != nil {
		return fmt.Errorf("invalid override type: %w", err)
	}
	*o = OverrideType(i)
	return nil
}

func parseEnum(names []string, s string) (int, error) {
	s = strings.TrimSpace(s)
	for i, n := range names {
		if strings.EqualFold(n, s) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown value %q", s)
}

// PriceSlot is one 30-minute pricing period along with the plan for it.
type PriceSlot struct {
	// ID is regenerated every time the slots are rebuilt and must not be used
	// to correlate slots across refreshes, use ValidFrom for that.
	ID          uuid.UUID `json:"id"`
	ValidFrom   time.Time `json:"validFrom"`
	ValidTo     time.Time `json:"validTo"`
	PriceIncVAT float64   `json:"priceIncVat"`

	PriceType    PriceType  `json:"priceType"`
	PlanAction   SlotAction `json:"planAction"`
	ActionReason string     `json:"actionReason"`

	OverrideAction *SlotAction  `json:"overrideAction,omitempty"`
	OverrideType   OverrideType `json:"overrideType"`
	OverrideAmps   *int         `json:"overrideAmps,omitempty"`

	// PVEstimateKWh is nil when there is no forecast for the slot, which is
	// different from a forecast of zero generation.
	PVEstimateKWh *float64 `json:"pvEstimateKwh,omitempty"`
}

// NewPriceSlot returns a slot starting at from with a fresh identity.
func NewPriceSlot(from time.Time, priceIncVAT float64) *PriceSlot {
	return &PriceSlot{
		ID:          uuid.New(),
		ValidFrom:   from.UTC(),
		ValidTo:     from.UTC().Add(SlotDuration),
		PriceIncVAT: priceIncVAT,
	}
}

// ActionToExecute returns the override action if one is set and otherwise the
// planned action.
func (s *PriceSlot) ActionToExecute() SlotAction {
	if s.OverrideAction != nil {
		return *s.OverrideAction
	}
	return s.PlanAction
}

// SetOverride sets the override action for the slot.
func (s *PriceSlot) SetOverride(action SlotAction, overrideType OverrideType, amps *int) {
	a := action
	s.OverrideAction = &a
	s.OverrideType = overrideType
	if amps != nil {
		v := *amps
		s.OverrideAmps = &v
	} else {
		s.OverrideAmps = nil
	}
}

// ClearOverride removes any override so the slot follows its plan.
func (s *PriceSlot) ClearOverride() {
	s.OverrideAction = nil
	s.OverrideType = OverrideTypeNone
	s.OverrideAmps = nil
}

// Contains returns true if t falls inside the slot's half-open interval.
func (s *PriceSlot) Contains(t time.Time) bool {
	return !t.Before(s.ValidFrom) && t.Before(s.ValidTo)
}

// Clone returns a deep copy of the slot.
func (s *PriceSlot) Clone() *PriceSlot {
	if s == nil {
		return nil
	}
	c := *s
	if s.OverrideAction != nil {
		a := *s.OverrideAction
		c.OverrideAction = &a
	}
	if s.OverrideAmps != nil {
		a := *s.OverrideAmps
		c.OverrideAmps = &a
	}
	if s.PVEstimateKWh != nil {
		p := *s.PVEstimateKWh
		c.PVEstimateKWh = &p
	}
	return &c
}

func (s *PriceSlot) String() string {
	return fmt.Sprintf(
		"%s-%s: %s (price: %.2fp/kWh, reason: %s)",
		s.ValidFrom.Format("02-Jan-2006 15:04"),
		s.ValidTo.Format("15:04"),
		s.ActionToExecute(),
		s.PriceIncVAT,
		s.ActionReason,
	)
}

// MarshalJSON includes the resolved action so clients don't need to
// reimplement the override precedence.
func (s *PriceSlot) MarshalJSON() ([]byte, error) {
	type slot PriceSlot
	return json.Marshal(struct {
		*slot
		ActionToExecute SlotAction `json:"actionToExecute"`
	}{
		slot:            (*slot)(s),
		ActionToExecute: s.ActionToExecute(),
	})
}

// CloneSlots deep copies a slice of slots.
func CloneSlots(slots []*PriceSlot) []*PriceSlot {
	if slots == nil {
		return nil
	}
	out := make([]*PriceSlot, len(slots))
	for i, s := range slots {
		out[i] = s.Clone()
	}
	return out
}

// ManualOverride is a user requested action for the slot starting at
// SlotStart. It outlives the slot array it was made against.
type ManualOverride struct {
	SlotStart time.Time  `json:"slotStart"`
	Action    SlotAction `json:"action"`
	Amps      *int       `json:"amps,omitempty"`
}

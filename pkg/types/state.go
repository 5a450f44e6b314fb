package types

import "time"

// PlannerState is a point-in-time copy of everything the planner knows.
type PlannerState struct {
	Timestamp       time.Time        `json:"timestamp"`
	Slots           []*PriceSlot     `json:"slots"`
	Battery         BatteryState     `json:"battery"`
	ManualOverrides []ManualOverride `json:"manualOverrides"`
	Dispatches      []Dispatch       `json:"dispatches,omitempty"`
	LastCommand     *ChargeState     `json:"lastCommand,omitempty"`
	Simulate        bool             `json:"simulate"`
	Paused          bool             `json:"paused"`
}

// CurrentSlot returns the slot containing t or nil.
func (p PlannerState) CurrentSlot(t time.Time) *PriceSlot {
	for _, s := range p.Slots {
		if s.Contains(t) {
			return s
		}
	}
	return nil
}

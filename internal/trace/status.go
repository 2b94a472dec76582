package trace

import (
	"encoding/json"
)

// Status is the derived activity state of a trace.
type Status int

const (
	Idle Status = iota
	Running
	WaitingInput
)

var statusNames = map[Status]string{
	Idle:         "idle",
	Running:      "running",
	WaitingInput: "waiting_input",
}

var statusFromName = map[string]Status{
	"idle":          Idle,
	"running":       Running,
	"waiting_input": WaitingInput,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := statusFromName[n]; ok {
		*s = v
	}
	return nil
}

// ParseStatus maps a status name to its value. The second result is false
// for unknown names.
func ParseStatus(name string) (Status, bool) {
	s, ok := statusFromName[name]
	return s, ok
}

// Reason explains which classification rule produced a Status.
type Reason string

const (
	ReasonPendingToolUse Reason = "pending_tool_use_fresh"
	ReasonExplicitWait   Reason = "explicit_wait_marker_fresh"
	ReasonRecentActivity Reason = "recent_activity_fresh"
	ReasonRecentCooling  Reason = "recent_activity_cooling"
	ReasonStaleTimeout   Reason = "stale_timeout"
	ReasonNoActiveSignal Reason = "no_active_signal"
)

// Tier is the retention tier a trace currently sits in.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

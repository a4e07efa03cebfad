package session

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a session. The zero value is invalid so an
// unset status never passes for "scheduled".
type Status int

const (
	StatusUnknown Status = iota
	StatusScheduled
	StatusOngoing
	StatusCompleted
	StatusExpired
)

// AllStatuses lists every valid status in lifecycle order.
var AllStatuses = []Status{StatusScheduled, StatusOngoing, StatusCompleted, StatusExpired}

func (s Status) String() string {
	switch s {
	case StatusScheduled:
		return "scheduled"
	case StatusOngoing:
		return "ongoing"
	case StatusCompleted:
		return "completed"
	case StatusExpired:
		return "expired"
	case StatusUnknown:
		return "unknown"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus converts the wire form back into a Status.
func ParseStatus(v string) (Status, error) {
	for _, s := range AllStatuses {
		if s.String() == v {
			return s, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown session status %q", v)
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusExpired:
		return true
	case StatusScheduled, StatusOngoing, StatusUnknown:
		return false
	}
	return false
}

// CanTransition reports whether the edge s -> to exists in the state machine:
//
//	scheduled -> ongoing | expired
//	ongoing   -> completed
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusScheduled:
		return to == StatusOngoing || to == StatusExpired
	case StatusOngoing:
		return to == StatusCompleted
	case StatusCompleted, StatusExpired, StatusUnknown:
		return false
	}
	return false
}

// MarshalJSON encodes the status as its string name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status from its string name.
func (s *Status) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

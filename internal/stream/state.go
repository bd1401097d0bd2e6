package stream

import (
	"fmt"
	"strings"
)

type State int

const (
	StateCreated State = iota
	StateActivated
	StateTimedOut
	StateAborted
	StateDeactivated
)

var stateNames = map[State]string{
	StateCreated:     "created",
	StateActivated:   "activated",
	StateTimedOut:    "timed_out",
	StateAborted:     "aborted",
	StateDeactivated: "deactivated",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	raw := strings.ToLower(strings.TrimSpace(string(text)))
	for state, name := range stateNames {
		if name == raw {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("%w: unknown state %q", ErrInvalidArgument, raw)
}

type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

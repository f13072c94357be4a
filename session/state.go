package session

import "fmt"

type State int

const (
	Idle State = iota
	Starting
	Active
	Stopping
	Closed
)

var stateNames = [...]string{"idle", "starting", "active", "stopping", "closed"}

func (s State) String() string {
	if s < Idle || s > Closed {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Live reports whether the session still holds resources.
func (s State) Live() bool {
	return s != Idle && s != Closed
}

var transitions = map[State][]State{
	Idle:     {Starting},
	Starting: {Active, Stopping},
	Active:   {Stopping},
	Stopping: {Closed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

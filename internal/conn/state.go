package conn

import (
	"fmt"
	"slices"
)

// State represents one conversation channel's connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
	Failed       State = "failed"
)

// validTransitions defines the allowed state machine edges. Disconnected is
// reachable from anywhere because teardown and session invalidation force it.
// Failed is entered wherever the attempt budget can run out, including
// straight from connected when the channel drops with no attempts left.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Failed, Disconnected},
	Connected:    {Reconnecting, Failed, Disconnected},
	Reconnecting: {Connected, Failed, Disconnected},
	Failed:       {Connecting, Disconnected},
}

func checkTransition(from, to State) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// StateChange is the payload of conn.state_changed events.
type StateChange struct {
	ConversationID string
	From           State
	To             State
}

package datastore

import (
	"fmt"
	"sync"
)

// State is the lifecycle of the single shared datastore connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// allowed transitions; Failed has none, there is no retry.
var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Failed},
	Connected:    {Disconnected},
}

// Connection tracks the connection state and rejects illegal transitions.
type Connection struct {
	mu    sync.RWMutex
	state State
}

// NewConnection returns a tracker in the Disconnected state.
func NewConnection() *Connection {
	return &Connection{state: Disconnected}
}

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Transition moves to next or returns an error naming the illegal edge.
func (c *Connection) Transition(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, allowed := range transitions[c.state] {
		if allowed == next {
			c.state = next
			return nil
		}
	}
	return fmt.Errorf("illegal connection transition %s -> %s", c.state, next)
}

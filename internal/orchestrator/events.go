package orchestrator

import (
	"errors"
	"sync"
	"time"

	"github.com/fakeyudi/codexd/internal/session"
)

var (
	// ErrTurnInProgress is returned when a user message arrives while the
	// previous turn still has work outstanding.
	ErrTurnInProgress = errors.New("a turn is still in progress")
	// ErrToolBudgetExceeded is returned to the agent once a user turn has
	// used its tool call budget.
	ErrToolBudgetExceeded = errors.New("tool call budget exceeded for this turn")
	// ErrIllegalTransition is returned when an operation is not valid in the
	// session's current state.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrTerminated is returned for operations on a terminated session.
	ErrTerminated = errors.New("session terminated")
)

// EventKind discriminates lifecycle events.
type EventKind string

const (
	EventStateChanged  EventKind = "state_changed"
	EventRepoContext   EventKind = "repo_context"
	EventMessage       EventKind = "message"
	EventMessageChunk  EventKind = "message_chunk"
	EventToolCall      EventKind = "tool_call"
	EventAgentActivity EventKind = "agent_activity"
	EventWarning       EventKind = "warning"
)

// Event is one entry of a session's lifecycle stream. Index is strictly
// increasing and gapless within a session.
type Event struct {
	Index     int64     `json:"index"`
	SessionID string    `json:"session_id"`
	Kind      EventKind `json:"kind"`
	At        time.Time `json:"at"`

	From session.State `json:"from,omitempty"`
	To   session.State `json:"to,omitempty"`

	Message     *session.Message       `json:"message,omitempty"`
	ToolCall    *session.ToolCallEvent `json:"tool_call,omitempty"`
	RepoContext *session.RepoContext   `json:"repo_context,omitempty"`

	// Text carries chunk text, agent activity or a warning.
	Text string `json:"text,omitempty"`
}

// outbox forwards events to the consumer without ever blocking the loop.
type outbox struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	signal chan struct{}
	out    chan Event
}

func newOutbox(buffer int) *outbox {
	o := &outbox{
		signal: make(chan struct{}, 1),
		out:    make(chan Event, buffer),
	}
	go o.pump()
	return o
}

func (o *outbox) push(ev Event) {
	o.mu.Lock()
	o.items = append(o.items, ev)
	o.mu.Unlock()
	o.wake()
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.wake()
}

func (o *outbox) wake() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *outbox) pump() {
	for {
		o.mu.Lock()
		if len(o.items) == 0 {
			closed := o.closed
			o.mu.Unlock()
			if closed {
				close(o.out)
				return
			}
			<-o.signal
			continue
		}
		ev := o.items[0]
		o.items = o.items[1:]
		o.mu.Unlock()
		o.out <- ev
	}
}

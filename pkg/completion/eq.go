package completion

import (
    "context"
    "fmt"
    "sync"

    "github.com/google/uuid"

    "github.com/bturrubiates/libfabric/pkg/fabric"
)

// EventKind identifies a connection-management event.
type EventKind int

const (
    EventConnected EventKind = iota + 1
    EventShutdown
    EventConnRefused
)

func (k EventKind) String() string {
    switch k {
    case EventConnected:
        return "connected"
    case EventShutdown:
        return "shutdown"
    case EventConnRefused:
        return "conn_refused"
    default:
        return "unknown"
    }
}

// Event is delivered on an event queue.
type Event struct {
    Kind EventKind
    // Source is the handle of the endpoint the event belongs to.
    Source uuid.UUID
    Peer   string
    Err    error
}

// EventQueue carries connection-management events.
type EventQueue struct {
    bound bindings

    mu     sync.Mutex
    events []Event
    signal chan struct{}
}

func NewEventQueue() *EventQueue { return &EventQueue{signal: make(chan struct{})} }

func (q *EventQueue) Attach(id uuid.UUID)     { q.bound.attach(id) }
func (q *EventQueue) Detach(id uuid.UUID)     { q.bound.detach(id) }
func (q *EventQueue) Bound(id uuid.UUID) bool { return q.bound.has(id) }

// Write queues an event.
func (q *EventQueue) Write(ev Event) {
    q.mu.Lock()
    q.events = append(q.events, ev)
    close(q.signal)
    q.signal = make(chan struct{})
    q.mu.Unlock()
}

// Read pops one event or returns ErrWouldBlock.
func (q *EventQueue) Read() (Event, error) {
    q.mu.Lock(); defer q.mu.Unlock()
    if len(q.events) == 0 { return Event{}, fabric.ErrWouldBlock }
    ev := q.events[0]
    q.events = q.events[1:]
    return ev, nil
}

// Sread waits for the next event.
func (q *EventQueue) Sread(ctx context.Context) (Event, error) {
    for {
        q.mu.Lock()
        if len(q.events) > 0 {
            ev := q.events[0]
            q.events = q.events[1:]
            q.mu.Unlock()
            return ev, nil
        }
        sig := q.signal
        q.mu.Unlock()
        select {
        case <-ctx.Done():
            return Event{}, fmt.Errorf("eq sread: %w", fabric.ErrTimeout)
        case <-sig:
        }
    }
}

// Close fails with ErrBusy while any endpoint is bound.
func (q *EventQueue) Close() error {
    if n := q.bound.count(); n > 0 {
        return fmt.Errorf("eq close: %d bound endpoints: %w", n, fabric.ErrBusy)
    }
    return nil
}

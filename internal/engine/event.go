package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind tags the variant carried by an Event. New kinds force a
// compile-time update everywhere the reactor and executor switch on it.
type EventKind int

const (
	EventImageBuilt EventKind = iota
	EventImagePulled
	EventImageBuildProgress
	EventImageBuildFailed
	EventTaskNetworkCreated
	EventTaskNetworkCreationFailed
	EventContainerCreated
	EventContainerCreationFailed
	EventContainerStarted
	EventContainerStartFailed
	EventContainerBecameHealthy
	EventContainerDidNotBecomeHealthy
	EventRunningContainerExited
	EventContainerStopped
	EventContainerRemoved
	EventTaskNetworkDeleted
	EventTemporaryFileDeleted
	EventUserInterrupted
	EventExecutionAborted
)

func (k EventKind) String() string {
	switch k {
	case EventImageBuilt:
		return "ImageBuilt"
	case EventImagePulled:
		return "ImagePulled"
	case EventImageBuildProgress:
		return "ImageBuildProgress"
	case EventImageBuildFailed:
		return "ImageBuildFailed"
	case EventTaskNetworkCreated:
		return "TaskNetworkCreated"
	case EventTaskNetworkCreationFailed:
		return "TaskNetworkCreationFailed"
	case EventContainerCreated:
		return "ContainerCreated"
	case EventContainerCreationFailed:
		return "ContainerCreationFailed"
	case EventContainerStarted:
		return "ContainerStarted"
	case EventContainerStartFailed:
		return "ContainerStartFailed"
	case EventContainerBecameHealthy:
		return "ContainerBecameHealthy"
	case EventContainerDidNotBecomeHealthy:
		return "ContainerDidNotBecomeHealthy"
	case EventRunningContainerExited:
		return "RunningContainerExited"
	case EventContainerStopped:
		return "ContainerStopped"
	case EventContainerRemoved:
		return "ContainerRemoved"
	case EventTaskNetworkDeleted:
		return "TaskNetworkDeleted"
	case EventTemporaryFileDeleted:
		return "TemporaryFileDeleted"
	case EventUserInterrupted:
		return "UserInterrupted"
	case EventExecutionAborted:
		return "ExecutionAborted"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is the immutable, tagged record described in spec §3. Every event
// records the time and the step that triggered it (StepID is 0 for the
// synthetic seeding event and for events with no originating step).
type Event struct {
	Kind      EventKind
	Time      time.Time
	StepID    int

	Container   string // container name, when the event pertains to one
	Image       string
	Network     string
	Percent     int
	Message     string
	Reason      string
	DockerID    string // Docker-assigned container/network id
	ExitCode    int
	Path        string // temporary file path
}

// IsFailure reports whether this event represents a terminal failure for its
// container or the whole run, per §7's "any *Failed event is implicit
// abort" propagation policy.
func (e Event) IsFailure() bool {
	switch e.Kind {
	case EventImageBuildFailed, EventTaskNetworkCreationFailed,
		EventContainerCreationFailed, EventContainerStartFailed,
		EventContainerDidNotBecomeHealthy, EventExecutionAborted:
		return true
	default:
		return false
	}
}

// ContainerName returns the container this event pertains to, if any.
func (e Event) ContainerName() (string, bool) {
	if e.Container == "" {
		return "", false
	}
	return e.Container, true
}

var (
	// ErrEventNotFound is returned by SingleOfType when no event of the
	// requested kind matches the predicate. Treated as a programmer error
	// per §4.1.
	ErrEventNotFound = errors.New("engine: event not found")

	// ErrEventNotUnique is returned by SingleOfType when more than one
	// event of the requested kind matches the predicate.
	ErrEventNotUnique = errors.New("engine: event not unique")
)

// EventStore is an append-only, thread-safe log of events for one task run.
// Many readers may run concurrently with each other; appends are serialised
// against both readers and other writers.
type EventStore struct {
	mu     sync.RWMutex
	events []Event
	log    *zap.SugaredLogger
}

// NewEventStore creates an empty store. A nil logger disables logging.
func NewEventStore(log *zap.SugaredLogger) *EventStore {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &EventStore{log: log}
}

// Append records a new event, assigning it no index of its own (the index
// is simply its position in All()); this is the only mutator on the store,
// keeping invariant 1 (events are never mutated after emission).
func (s *EventStore) Append(e Event) Event {
	s.mu.Lock()
	s.events = append(s.events, e)
	n := len(s.events)
	s.mu.Unlock()

	s.log.Debugw("event appended", "kind", e.Kind.String(), "container", e.Container, "index", n-1)
	return e
}

// All returns a snapshot slice of every event appended so far, consistent
// with a prefix of appends observed at the time of the call.
func (s *EventStore) All() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfType returns every recorded event of the given kind, in append order.
func (s *EventStore) OfType(kind EventKind) []Event {
	var out []Event
	for _, e := range s.All() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// SingleOfType returns the one event of the given kind matching predicate.
// It is a programmer error to call this when zero or more than one event
// matches; both cases return a wrapped sentinel error rather than panicking,
// so callers in tests can assert on them precisely.
func (s *EventStore) SingleOfType(kind EventKind, predicate func(Event) bool) (Event, error) {
	var match *Event
	for _, e := range s.OfType(kind) {
		if predicate == nil || predicate(e) {
			if match != nil {
				return Event{}, fmt.Errorf("%w: kind=%s", ErrEventNotUnique, kind)
			}
			e := e
			match = &e
		}
	}
	if match == nil {
		return Event{}, fmt.Errorf("%w: kind=%s", ErrEventNotFound, kind)
	}
	return *match, nil
}

// HasEventFor reports whether an event of the given kind exists for the
// named container.
func (s *EventStore) HasEventFor(kind EventKind, container string) bool {
	for _, e := range s.OfType(kind) {
		if e.Container == container {
			return true
		}
	}
	return false
}

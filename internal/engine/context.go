package engine

import (
	"sync"
	"time"

	"github.com/batect-run/batect/internal/model"
)

// DefaultStopGracePeriod is how long StopContainer waits for a container to
// exit on its own before Docker escalates to a forced kill (spec §5).
const DefaultStopGracePeriod = 10 * time.Second

// TaskContext is the per-run, conceptually mutable-only-via-event-append
// context threaded through the pure reactor/cleanup functions (spec §3, §9
// "Ambient context passed to event handlers"). The Task Model it wraps is
// immutable and validated by construction; the bookkeeping maps below are
// derived exclusively from events the Run Loop has already appended.
type TaskContext struct {
	Task        model.Task
	Store       *EventStore
	Queue       *StepQueue
	NetworkName string
	HostTerm    string

	// StopGrace overrides DefaultStopGracePeriod when non-zero.
	StopGrace time.Duration

	mu           sync.Mutex
	aborting     bool
	containerIDs map[string]string
	imageRefs    map[string]string
	networkID    string
	tempFiles    []string
}

// NewTaskContext constructs a fresh context for one run. task must already
// satisfy model.Task.Validate(); the context does not re-validate it.
func NewTaskContext(task model.Task, store *EventStore, queue *StepQueue, networkName, hostTerm string) *TaskContext {
	return &TaskContext{
		Task:         task,
		Store:        store,
		Queue:        queue,
		NetworkName:  networkName,
		HostTerm:     hostTerm,
		containerIDs: make(map[string]string),
		imageRefs:    make(map[string]string),
	}
}

// StopGracePeriod returns the configured grace period, or the default.
func (c *TaskContext) StopGracePeriod() time.Duration {
	if c.StopGrace > 0 {
		return c.StopGrace
	}
	return DefaultStopGracePeriod
}

// SetAborting sets the monotonic aborting flag (spec §3 invariant 6: once
// set it never clears within a run).
func (c *TaskContext) SetAborting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborting = true
}

// IsAborting reports the current aborting state.
func (c *TaskContext) IsAborting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborting
}

// RecordContainerID associates a container name with its Docker id, once
// known from a ContainerCreated event.
func (c *TaskContext) RecordContainerID(name, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.containerIDs[name] = id
}

// ContainerID returns the Docker id for a container name, if created.
func (c *TaskContext) ContainerID(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.containerIDs[name]
	return id, ok
}

// RecordImageRef associates a container name with the image reference or id
// produced by its BuildImage/PullImage step.
func (c *TaskContext) RecordImageRef(name, ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.imageRefs[name] = ref
}

// ImageRef returns the image reference for a container name, if built/pulled.
func (c *TaskContext) ImageRef(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.imageRefs[name]
	return ref, ok
}

// RecordNetworkID stores the task network's Docker id once created.
func (c *TaskContext) RecordNetworkID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.networkID = id
}

// NetworkID returns the task network's Docker id, if created.
func (c *TaskContext) NetworkID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.networkID, c.networkID != ""
}

// RegisterTempFile records a temporary file the run created, so the Cleanup
// Planner can schedule its deletion.
func (c *TaskContext) RegisterTempFile(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tempFiles = append(c.tempFiles, path)
}

// TempFiles returns every temporary file registered so far.
func (c *TaskContext) TempFiles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.tempFiles))
	copy(out, c.tempFiles)
	return out
}

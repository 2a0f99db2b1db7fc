package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/batect-run/batect/internal/dockerapi"
	"github.com/batect-run/batect/internal/model"
)

// RunLoop owns the Event Store and drives the Reactor and Cleanup Planner,
// per spec §4.6 and §5: a single loop thread appends events and computes
// follow-up steps; step handlers run concurrently on a fixed-size worker
// pool and communicate back only through events.
type RunLoop struct {
	Task        model.Task
	Docker      dockerapi.Client
	NetworkName string
	HostTerm    string
	Workers     int
	Log         *zap.SugaredLogger

	// RunContainer overrides the RunContainer step's stdio handler; nil
	// keeps the Executor's streamio.Attach default. Tests substitute a
	// stub so they never touch the real terminal.
	RunContainer RunContainerFunc

	Store *EventStore
	Queue *StepQueue
}

// NewRunLoop constructs a RunLoop with a fresh Event Store and Step Queue.
func NewRunLoop(task model.Task, docker dockerapi.Client, networkName, hostTerm string, log *zap.SugaredLogger) *RunLoop {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RunLoop{
		Task:        task,
		Docker:      docker,
		NetworkName: networkName,
		HostTerm:    hostTerm,
		Workers:     DefaultWorkerCount(),
		Log:         log,
		Store:       NewEventStore(log),
		Queue:       NewStepQueue(),
	}
}

// Result is what one call to Run reports.
type Result struct {
	ExitCode int
	Events   []Event
}

// cleanupTimeout bounds the Cleanup Planner's own Docker calls once teardown
// is underway. It runs on a context detached from the caller's ctx (see Run)
// so the interrupt that triggered cleanup can't also cancel it; this bound
// keeps a wedged daemon from hanging the process forever instead.
const cleanupTimeout = 2*DefaultStopGracePeriod + 30*time.Second

// Run seeds the initial steps and pumps steps through the executor and
// events through the Reactor and Cleanup Planner until the queue is empty
// and nothing is in flight, per spec §4.6's termination condition. ctx
// cancellation (SIGINT/SIGTERM, bridged by the caller via
// signal.NotifyContext) is translated into a UserInterrupted event rather
// than left to surface as ad-hoc "context canceled" errors from whichever
// step happens to be in flight; the Cleanup Planner's own steps run on a
// separate, longer-lived context so the same cancellation can't also abort
// the teardown it triggers.
func (r *RunLoop) Run(ctx context.Context) Result {
	tc := NewTaskContext(r.Task, r.Store, r.Queue, r.NetworkName, r.HostTerm)
	executor := NewExecutor(r.Docker, r.Log)
	if r.RunContainer != nil {
		executor.RunContainer = r.RunContainer
	}

	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancelCleanup()

	for _, step := range SeedInitialSteps(tc) {
		r.Queue.Enqueue(step)
	}

	eventCh := make(chan Event)
	doneCh := make(chan struct{})
	interrupted := ctx.Done()
	active := 0

	dispatch := func() {
		for active < r.Workers {
			step, ok := r.Queue.Pop()
			if !ok {
				return
			}
			active++
			stepCtx := ctx
			if step.IsTeardown() {
				stepCtx = cleanupCtx
			}
			go func(step Step, stepCtx context.Context) {
				events := executor.Execute(stepCtx, step, tc)
				for _, e := range events {
					eventCh <- e
				}
				r.Queue.Complete(step)
				doneCh <- struct{}{}
			}(step, stepCtx)
		}
	}

	dispatch()
	for active > 0 || r.Queue.Len() > 0 {
		select {
		case <-interrupted:
			interrupted = nil // handle the signal exactly once
			r.handleEvent(Event{Kind: EventUserInterrupted, Time: time.Now()}, tc)
			dispatch()
		case event := <-eventCh:
			r.handleEvent(event, tc)
			dispatch()
		case <-doneCh:
			active--
			dispatch()
		}
	}

	return Result{ExitCode: r.exitCode(), Events: r.Store.All()}
}

// handleEvent appends event, records the bookkeeping the Reactor and
// Cleanup Planner read back from TaskContext, then enqueues whatever either
// of them decide follows from it.
func (r *RunLoop) handleEvent(event Event, tc *TaskContext) {
	r.Store.Append(event)

	wasAborting := tc.IsAborting()
	if SetsAborting(event) {
		tc.SetAborting()
	}
	firstFailure := !wasAborting && tc.IsAborting()

	for _, step := range React(event, tc) {
		r.Queue.Enqueue(step)
	}
	if TriggersCleanup(event) || firstFailure {
		for _, step := range PlanCleanup(tc) {
			r.Queue.Enqueue(step)
		}
	}
}

// exitCode computes the final exit code per spec §4.6: the main container's
// exit code if captured, else 1 on any failure event, else 0.
func (r *RunLoop) exitCode() int {
	for _, e := range r.Store.OfType(EventRunningContainerExited) {
		if e.Container == r.Task.MainContainer {
			return e.ExitCode
		}
	}
	for _, e := range r.Store.All() {
		if e.IsFailure() {
			return 1
		}
	}
	return 0
}

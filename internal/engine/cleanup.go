package engine

// TriggersCleanup reports whether event is a teardown-progress marker: it
// unblocks the next step of an already-started cleanup (a container
// stopping lets its dependencies stop next; a container being removed can
// complete the "every container removed" check that unblocks deleting the
// network). Failure events are handled separately in the Run Loop, which
// invokes the Cleanup Planner only on the first one (spec §4.5): calling it
// again for a failure produced by a cleanup step itself would retry that
// step forever instead of merely reporting it.
func TriggersCleanup(event Event) bool {
	switch event.Kind {
	case EventRunningContainerExited, EventUserInterrupted,
		EventContainerStopped, EventContainerRemoved, EventTaskNetworkDeleted:
		return true
	default:
		return false
	}
}

// SetsAborting reports whether event should latch TaskContext.isAborting.
// RunningContainerExited alone does not: a zero or non-zero exit is not a
// failure (spec §7), so a plain run completion still tears down "normally".
func SetsAborting(event Event) bool {
	return event.IsFailure() || event.Kind == EventUserInterrupted
}

// dependentsStopped reports whether every created dependent of name has
// already stopped (or been removed), i.e. whether it is safe to stop name
// itself. A dependent that was never created cannot block anything.
func dependentsStopped(tc *TaskContext, name string) bool {
	for _, dependent := range tc.Task.Dependents(name) {
		if !tc.Store.HasEventFor(EventContainerCreated, dependent) {
			continue
		}
		if tc.Store.HasEventFor(EventContainerStopped, dependent) || tc.Store.HasEventFor(EventContainerRemoved, dependent) {
			continue
		}
		return false
	}
	return true
}

// PlanCleanup computes the teardown steps still outstanding, per spec §4.5:
// stop/remove every created-but-not-removed container, gated so a container
// is only stopped once every container depending on it has already stopped
// (dependentsStopped), then delete the task network once every container is
// removed, then delete every registered temporary file. Calling this
// repeatedly as teardown progresses is safe: it only ever emits steps for
// work not yet observed as done, and the Step Queue dedups against anything
// still in flight.
func PlanCleanup(tc *TaskContext) []Step {
	order, _ := tc.Task.ReverseDependencyOrder() // Task is pre-validated; see TaskContext.

	var steps []Step
	allRemoved := true
	for _, name := range order {
		if !tc.Store.HasEventFor(EventContainerCreated, name) {
			continue
		}
		if tc.Store.HasEventFor(EventContainerRemoved, name) {
			continue
		}
		allRemoved = false
		if tc.Store.HasEventFor(EventContainerStopped, name) {
			steps = append(steps, Step{Kind: StepRemoveContainer, Container: name})
		} else if dependentsStopped(tc, name) {
			steps = append(steps, Step{Kind: StepStopContainer, Container: name})
		}
	}

	if !allRemoved {
		return steps
	}

	if _, hasNetwork := tc.NetworkID(); hasNetwork && len(tc.Store.OfType(EventTaskNetworkDeleted)) == 0 {
		steps = append(steps, Step{Kind: StepDeleteTaskNetwork})
		return steps
	}

	deleted := map[string]bool{}
	for _, e := range tc.Store.OfType(EventTemporaryFileDeleted) {
		deleted[e.Path] = true
	}
	for _, path := range tc.TempFiles() {
		if deleted[path] {
			continue
		}
		steps = append(steps, Step{Kind: StepDeleteTemporaryFile, Path: path})
	}
	return steps
}

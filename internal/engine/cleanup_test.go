package engine

import "testing"

func TestPlanCleanupStopsDependentBeforeItsDependency(t *testing.T) {
	tc := newTestContext(twoContainerTask())
	tc.RecordNetworkID("net-1")
	tc.Store.Append(Event{Kind: EventContainerCreated, Container: "db"})
	tc.Store.Append(Event{Kind: EventContainerCreated, Container: "app"})

	// app depends on db, so db must not be stopped until app has stopped.
	steps := PlanCleanup(tc)
	kinds := map[string]StepKind{}
	for _, s := range steps {
		kinds[s.Container] = s.Kind
	}
	if kinds["app"] != StepStopContainer {
		t.Fatalf("PlanCleanup() = %v, want StopContainer for app", steps)
	}
	if _, blocked := kinds["db"]; blocked {
		t.Fatalf("PlanCleanup() = %v, want no step for db until app has stopped", steps)
	}

	tc.Store.Append(Event{Kind: EventContainerStopped, Container: "app"})
	steps = PlanCleanup(tc)
	kinds = map[string]StepKind{}
	for _, s := range steps {
		kinds[s.Container] = s.Kind
	}
	if kinds["db"] != StepStopContainer {
		t.Fatalf("PlanCleanup() = %v, want StopContainer for db once app has stopped", steps)
	}
}

func TestPlanCleanupRespectsReverseDependencyOrder(t *testing.T) {
	tc := newTestContext(twoContainerTask())
	tc.RecordNetworkID("net-1")
	tc.Store.Append(Event{Kind: EventContainerCreated, Container: "db"})
	tc.Store.Append(Event{Kind: EventContainerCreated, Container: "app"})
	tc.Store.Append(Event{Kind: EventContainerStopped, Container: "db"})
	tc.Store.Append(Event{Kind: EventContainerStopped, Container: "app"})

	steps := PlanCleanup(tc)

	// app depends on db, so app must be removed before db.
	appIdx, dbIdx := -1, -1
	for i, s := range steps {
		if s.Kind != StepRemoveContainer {
			continue
		}
		if s.Container == "app" {
			appIdx = i
		}
		if s.Container == "db" {
			dbIdx = i
		}
	}
	if appIdx == -1 || dbIdx == -1 {
		t.Fatalf("PlanCleanup() = %v, want RemoveContainer for both", steps)
	}
	if appIdx > dbIdx {
		t.Fatalf("PlanCleanup() removes db (index %d) before its dependent app (index %d)", dbIdx, appIdx)
	}
}

func TestPlanCleanupDeletesNetworkOnlyOnceAllContainersRemoved(t *testing.T) {
	tc := newTestContext(twoContainerTask())
	tc.RecordNetworkID("net-1")
	tc.Store.Append(Event{Kind: EventContainerCreated, Container: "db"})
	tc.Store.Append(Event{Kind: EventContainerCreated, Container: "app"})
	tc.Store.Append(Event{Kind: EventContainerStopped, Container: "db"})
	tc.Store.Append(Event{Kind: EventContainerStopped, Container: "app"})
	tc.Store.Append(Event{Kind: EventContainerRemoved, Container: "db"})

	steps := PlanCleanup(tc)
	for _, s := range steps {
		if s.Kind == StepDeleteTaskNetwork {
			t.Fatalf("PlanCleanup() = %v, network deleted before app removed", steps)
		}
	}

	tc.Store.Append(Event{Kind: EventContainerRemoved, Container: "app"})
	steps = PlanCleanup(tc)
	var deletesNetwork bool
	for _, s := range steps {
		if s.Kind == StepDeleteTaskNetwork {
			deletesNetwork = true
		}
	}
	if !deletesNetwork {
		t.Fatalf("PlanCleanup() = %v, want DeleteTaskNetwork once every container is removed", steps)
	}
}

func TestPlanCleanupDeletesTempFilesAfterNetwork(t *testing.T) {
	tc := newTestContext(twoContainerTask())
	tc.RecordNetworkID("net-1")
	tc.RegisterTempFile("/tmp/batect-build-context-1")
	tc.Store.Append(Event{Kind: EventTaskNetworkDeleted})

	steps := PlanCleanup(tc)
	if len(steps) != 1 || steps[0].Kind != StepDeleteTemporaryFile || steps[0].Path != "/tmp/batect-build-context-1" {
		t.Fatalf("PlanCleanup() = %v, want a single DeleteTemporaryFile step", steps)
	}
}

func TestPlanCleanupOmitsContainersThatWereNeverCreated(t *testing.T) {
	tc := newTestContext(twoContainerTask())
	// Neither container was ever created (e.g. an image pull failed first).
	steps := PlanCleanup(tc)
	for _, s := range steps {
		if s.Kind == StepStopContainer || s.Kind == StepRemoveContainer {
			t.Fatalf("PlanCleanup() = %v, want no stop/remove steps when nothing was created", steps)
		}
	}
}

func TestSetsAbortingExcludesPlainContainerExit(t *testing.T) {
	if SetsAborting(Event{Kind: EventRunningContainerExited, ExitCode: 0}) {
		t.Error("SetsAborting(RunningContainerExited) = true, want false")
	}
	if !SetsAborting(Event{Kind: EventContainerCreationFailed}) {
		t.Error("SetsAborting(ContainerCreationFailed) = false, want true")
	}
	if !SetsAborting(Event{Kind: EventUserInterrupted}) {
		t.Error("SetsAborting(UserInterrupted) = false, want true")
	}
}

func TestTriggersCleanupOnRunningContainerExited(t *testing.T) {
	if !TriggersCleanup(Event{Kind: EventRunningContainerExited}) {
		t.Error("TriggersCleanup(RunningContainerExited) = false, want true")
	}
}

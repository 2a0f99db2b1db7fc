package engine

import (
	"testing"

	"github.com/batect-run/batect/internal/model"
)

func twoContainerTask() model.Task {
	return model.Task{
		Name:          "run-app",
		MainContainer: "app",
		Containers: map[string]model.Container{
			"db": {
				Name:        "db",
				Image:       model.Pull("postgres:16"),
				HealthCheck: model.HealthCheckConfig{Test: []string{"CMD", "pg_isready"}, Interval: 1, Retries: 3},
			},
			"app": {
				Name:         "app",
				Image:        model.Pull("myapp:latest"),
				Dependencies: []string{"db"},
			},
		},
	}
}

func newTestContext(task model.Task) *TaskContext {
	store := NewEventStore(nil)
	queue := NewStepQueue()
	return NewTaskContext(task, store, queue, "task-net-test", "")
}

func TestSeedInitialStepsCoversWholeClosure(t *testing.T) {
	tc := newTestContext(twoContainerTask())
	steps := SeedInitialSteps(tc)

	var sawNetwork, sawDB, sawApp bool
	for _, s := range steps {
		switch {
		case s.Kind == StepCreateTaskNetwork:
			sawNetwork = true
		case s.Kind == StepPullImage && s.Container == "db":
			sawDB = true
		case s.Kind == StepPullImage && s.Container == "app":
			sawApp = true
		}
	}
	if !sawNetwork || !sawDB || !sawApp {
		t.Fatalf("SeedInitialSteps() = %v, missing expected steps", steps)
	}
}

func TestReactCreatesContainerOnceImageAndNetworkReady(t *testing.T) {
	tc := newTestContext(twoContainerTask())

	if steps := React(Event{Kind: EventImagePulled, Container: "db"}, tc); len(steps) != 0 {
		t.Fatalf("expected no steps before network exists, got %v", steps)
	}

	tc.Store.Append(Event{Kind: EventTaskNetworkCreated, Network: "task-net-test"})
	tc.Store.Append(Event{Kind: EventImagePulled, Container: "db"})

	steps := React(Event{Kind: EventImagePulled, Container: "db"}, tc)
	if len(steps) != 1 || steps[0].Kind != StepCreateContainer || steps[0].Container != "db" {
		t.Fatalf("React() = %v, want CreateContainer(db)", steps)
	}
}

func TestReactCreatesDependentContainerOnlyWhenDependenciesHealthy(t *testing.T) {
	tc := newTestContext(twoContainerTask())
	tc.Store.Append(Event{Kind: EventTaskNetworkCreated, Network: "task-net-test"})
	tc.Store.Append(Event{Kind: EventImagePulled, Container: "app"})

	if steps := React(Event{Kind: EventImagePulled, Container: "app"}, tc); len(steps) != 0 {
		t.Fatalf("expected app not to be created before db is healthy, got %v", steps)
	}

	tc.Store.Append(Event{Kind: EventContainerBecameHealthy, Container: "db"})
	steps := React(Event{Kind: EventContainerBecameHealthy, Container: "db"}, tc)

	var createdApp bool
	for _, s := range steps {
		if s.Kind == StepCreateContainer && s.Container == "app" {
			createdApp = true
		}
	}
	if !createdApp {
		t.Fatalf("React() = %v, want CreateContainer(app) once db is healthy", steps)
	}
}

func TestReactStartsContainerImmediatelyAfterItIsCreated(t *testing.T) {
	tc := newTestContext(twoContainerTask())
	tc.Store.Append(Event{Kind: EventContainerBecameHealthy, Container: "db"})
	tc.Store.Append(Event{Kind: EventContainerCreated, Container: "app"})

	steps := React(Event{Kind: EventContainerCreated, Container: "app"}, tc)
	if len(steps) != 1 || steps[0].Kind != StepStartContainer || steps[0].Container != "app" {
		t.Fatalf("React() = %v, want StartContainer(app)", steps)
	}
}

func TestReactStartsMainContainerRunStepWhenItBecomesHealthy(t *testing.T) {
	tc := newTestContext(twoContainerTask())
	tc.Store.Append(Event{Kind: EventContainerBecameHealthy, Container: "app"})

	steps := React(Event{Kind: EventContainerBecameHealthy, Container: "app"}, tc)

	var ran bool
	for _, s := range steps {
		if s.Kind == StepRunContainer && s.Container == "app" {
			ran = true
		}
	}
	if !ran {
		t.Fatalf("React() = %v, want RunContainer(app)", steps)
	}
}

func TestReactStopsForwardProgressOnceAborting(t *testing.T) {
	tc := newTestContext(twoContainerTask())
	tc.SetAborting()

	steps := React(Event{Kind: EventImagePulled, Container: "app"}, tc)
	if len(steps) != 0 {
		t.Fatalf("React() after abort = %v, want no steps", steps)
	}
}

func TestDependentContainerNotReadyToCreateBeforeDependencyIsHealthy(t *testing.T) {
	// Mirrors the "two-container dep, dep unhealthy" scenario: db's image
	// and the network are ready, app's image is ready too, but app must
	// never be created while db has not yet reported healthy.
	tc := newTestContext(twoContainerTask())
	tc.Store.Append(Event{Kind: EventTaskNetworkCreated, Network: "task-net-test"})
	tc.Store.Append(Event{Kind: EventImagePulled, Container: "app"})
	tc.Store.Append(Event{Kind: EventImagePulled, Container: "db"})

	if readyToCreate(tc, "app") {
		t.Fatal("readyToCreate(app) = true before db is healthy, want false")
	}

	tc.Store.Append(Event{Kind: EventContainerDidNotBecomeHealthy, Container: "db"})
	tc.SetAborting()

	if steps := React(Event{Kind: EventImagePulled, Container: "app"}, tc); len(steps) != 0 {
		t.Fatalf("React() = %v, want no steps once db failed and the run is aborting", steps)
	}
}

func TestDependentContainerNeverCreatedAfterDependencyFailure(t *testing.T) {
	// Mirrors the "two-container dep, dep unhealthy" scenario: once db's
	// health check fails and the run is aborting, app's own image-ready
	// event must not trigger its creation, even though nothing about app
	// itself failed.
	tc := newTestContext(twoContainerTask())
	tc.Store.Append(Event{Kind: EventTaskNetworkCreated, Network: "task-net-test"})
	tc.Store.Append(Event{Kind: EventContainerDidNotBecomeHealthy, Container: "db", Reason: "never became healthy"})
	tc.SetAborting()

	steps := React(Event{Kind: EventImagePulled, Container: "app"}, tc)
	if len(steps) != 0 {
		t.Fatalf("React() = %v, want app never created once aborting", steps)
	}
}

func TestReactIsIdempotent(t *testing.T) {
	tc := newTestContext(twoContainerTask())
	tc.Store.Append(Event{Kind: EventTaskNetworkCreated, Network: "task-net-test"})
	tc.Store.Append(Event{Kind: EventImagePulled, Container: "db"})

	event := Event{Kind: EventImagePulled, Container: "db"}
	first := React(event, tc)
	second := React(event, tc)

	if len(first) != len(second) {
		t.Fatalf("React() is not idempotent: first=%v second=%v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("React() is not idempotent: first=%v second=%v", first, second)
		}
	}
}

package engine

import (
	"sort"

	"github.com/batect-run/batect/internal/model"
)

// SeedInitialSteps computes the steps enqueued for the synthetic
// "TaskStarted" moment (spec §4.4): create the task network, and build or
// pull the image for every container in the dependency closure.
func SeedInitialSteps(tc *TaskContext) []Step {
	closure, _ := tc.Task.DependencyClosure() // Task is pre-validated; see TaskContext.

	steps := []Step{{Kind: StepCreateTaskNetwork}}
	for _, name := range closure {
		c := tc.Task.Containers[name]
		if c.Image.Kind == model.ImageSourceBuild {
			steps = append(steps, Step{Kind: StepBuildImage, Container: name})
		} else {
			steps = append(steps, Step{Kind: StepPullImage, Container: name})
		}
	}
	return steps
}

// React computes the forward-progress follow-up steps for a single event,
// per spec §4.4. It reads only the event store and the static task model,
// so it is pure and idempotent: replaying the same event sequence produces
// the same step set, made safe to enqueue twice by the Step Queue's dedup.
//
// A container is only created once its own image and the task network are
// ready AND every container it depends on has already become healthy: image
// acquisition happens for the whole closure up front, but bringing up the
// graph itself follows dependency order, so a container whose dependency
// never recovers is never created in the first place.
func React(event Event, tc *TaskContext) []Step {
	if tc.IsAborting() {
		return nil
	}

	switch event.Kind {
	case EventImageBuilt, EventImagePulled:
		return maybeCreateContainer(tc, event.Container)

	case EventTaskNetworkCreated:
		return createReadyContainers(tc)

	case EventContainerCreated:
		if readyToStart(tc, event.Container) {
			return []Step{{Kind: StepStartContainer, Container: event.Container}}
		}
		return nil

	case EventContainerStarted:
		return []Step{{Kind: StepWaitForContainerToBecomeHealthy, Container: event.Container}}

	case EventContainerBecameHealthy:
		steps := createReadyContainers(tc)
		for name := range tc.Task.Containers {
			if readyToStart(tc, name) {
				steps = append(steps, Step{Kind: StepStartContainer, Container: name})
			}
		}
		if event.Container == tc.Task.MainContainer {
			steps = append(steps, Step{Kind: StepRunContainer, Container: event.Container})
		}
		return sortedSteps(steps)

	default:
		return nil
	}
}

func createReadyContainers(tc *TaskContext) []Step {
	var steps []Step
	for name := range tc.Task.Containers {
		steps = append(steps, maybeCreateContainer(tc, name)...)
	}
	return sortedSteps(steps)
}

func maybeCreateContainer(tc *TaskContext, name string) []Step {
	if name == "" || !readyToCreate(tc, name) {
		return nil
	}
	return []Step{{Kind: StepCreateContainer, Container: name}}
}

func hasImageReadyEvent(tc *TaskContext, name string) bool {
	return tc.Store.HasEventFor(EventImageBuilt, name) || tc.Store.HasEventFor(EventImagePulled, name)
}

// readyToCreate reports whether name's image and the task network are ready,
// it has not already been created (or failed to be), and every container it
// depends on has become healthy.
func readyToCreate(tc *TaskContext, name string) bool {
	c, ok := tc.Task.Containers[name]
	if !ok {
		return false
	}
	if !hasImageReadyEvent(tc, name) {
		return false
	}
	if len(tc.Store.OfType(EventTaskNetworkCreated)) == 0 {
		return false
	}
	if tc.Store.HasEventFor(EventContainerCreated, name) || tc.Store.HasEventFor(EventContainerCreationFailed, name) {
		return false
	}
	for _, dep := range c.Dependencies {
		if !tc.Store.HasEventFor(EventContainerBecameHealthy, dep) {
			return false
		}
	}
	return true
}

// readyToStart reports whether container name has been created and has not
// already been started. Dependencies are already guaranteed healthy by
// readyToCreate by the time a container exists, so starting follows
// creation immediately.
func readyToStart(tc *TaskContext, name string) bool {
	if _, ok := tc.Task.Containers[name]; !ok {
		return false
	}
	if !tc.Store.HasEventFor(EventContainerCreated, name) {
		return false
	}
	if tc.Store.HasEventFor(EventContainerStarted, name) || tc.Store.HasEventFor(EventContainerStartFailed, name) {
		return false
	}
	return true
}

func sortedSteps(steps []Step) []Step {
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].Kind != steps[j].Kind {
			return steps[i].Kind < steps[j].Kind
		}
		return steps[i].Container < steps[j].Container
	})
	return steps
}

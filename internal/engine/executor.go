package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/batect-run/batect/internal/dockerapi"
	"github.com/batect-run/batect/internal/logging"
	"github.com/batect-run/batect/internal/model"
	"github.com/batect-run/batect/internal/shellsplit"
	"github.com/batect-run/batect/internal/streamio"
	"github.com/batect-run/batect/internal/workspace"
)

// deleteFile removes a temporary file, treating "already gone" as success
// (spec §4.3: DeleteTemporaryFile is idempotent).
func deleteFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// healthPollFloor is the Open Question decision recorded in DESIGN.md: never
// poll a container's health more often than this, regardless of how short
// the declared interval is.
const healthPollFloor = 100 * time.Millisecond

// healthCheckSlack pads the computed health-wait budget to absorb the delay
// between a container reporting "running" and the daemon's first health
// check firing.
const healthCheckSlack = 5 * time.Second

// noHealthCheckBudget bounds how long WaitForContainerToBecomeHealthy waits
// for a container with no declared health check to report "running".
const noHealthCheckBudget = 30 * time.Second

// RunContainerFunc attaches to a running container's stdio, forwards local
// input and signals, and blocks until the container exits. The default
// implementation is streamio.Attach; tests substitute a stub.
type RunContainerFunc func(ctx context.Context, docker dockerapi.Client, id string) (exitCode int, err error)

// DefaultWorkerCount returns the step executor's default pool size: the
// number of logical CPUs, clamped to at least 2 (spec §4.3).
func DefaultWorkerCount() int {
	if n := runtime.NumCPU(); n >= 2 {
		return n
	}
	return 2
}

// Executor invokes the Docker-facing handler for a single step and turns
// its outcome into events. Handlers are pure functions of (step, docker
// client, task context read-view): they never enqueue steps directly (spec
// §4.3).
type Executor struct {
	Docker      dockerapi.Client
	Log         *zap.SugaredLogger
	RunContainer RunContainerFunc
}

// NewExecutor constructs an Executor with streamio.Attach wired as the
// RunContainer step's stdio handler.
func NewExecutor(docker dockerapi.Client, log *zap.SugaredLogger) *Executor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Executor{Docker: docker, Log: log, RunContainer: streamio.Attach}
}

// Execute runs step's handler to completion and returns the resulting
// events, stamped with the step's identity and the current time.
func (ex *Executor) Execute(ctx context.Context, step Step, tc *TaskContext) []Event {
	log := logging.WithStep(logging.WithContainer(ex.Log, step.Container), step.Kind.String())

	var events []Event
	switch step.Kind {
	case StepBuildImage:
		events = ex.buildImage(ctx, step, tc)
	case StepPullImage:
		events = ex.pullImage(ctx, step, tc)
	case StepCreateTaskNetwork:
		events = ex.createTaskNetwork(ctx, tc)
	case StepCreateContainer:
		events = ex.createContainer(ctx, step, tc)
	case StepStartContainer:
		events = ex.startContainer(ctx, step, tc)
	case StepWaitForContainerToBecomeHealthy:
		events = ex.waitForHealthy(ctx, step, tc)
	case StepRunContainer:
		events = ex.runContainer(ctx, step, tc)
	case StepStopContainer:
		events = ex.stopContainer(ctx, step, tc, log)
	case StepRemoveContainer:
		events = ex.removeContainer(ctx, step, tc, log)
	case StepDeleteTaskNetwork:
		events = ex.deleteTaskNetwork(ctx, tc, log)
	case StepDeleteTemporaryFile:
		events = ex.deleteTemporaryFile(ctx, step, log)
	default:
		log.Errorw("no handler registered for step kind", "kind", step.Kind.String())
		return nil
	}

	now := time.Now()
	for i := range events {
		events[i].StepID = step.ID()
		events[i].Time = now
	}
	return events
}

// dockerfileFor returns the Dockerfile name to build with. When the
// container declares its Dockerfile inline (DockerfileContents), the
// contents are written to a temporary file inside the build context and
// registered with tc so the Cleanup Planner deletes it once the run ends.
func (ex *Executor) dockerfileFor(c model.Container, tc *TaskContext) (string, error) {
	if c.Image.DockerfileContents == "" {
		return c.Image.Dockerfile, nil
	}
	path, err := workspace.WriteTemp(c.Image.ContextPath, ".batect-dockerfile-*", []byte(c.Image.DockerfileContents))
	if err != nil {
		return "", fmt.Errorf("writing generated Dockerfile: %w", err)
	}
	tc.RegisterTempFile(path)
	return filepath.Base(path), nil
}

// contentTag derives a deterministic image tag from the build context's git
// commit, so repeated builds of an unchanged context produce the same tag
// (useful for caching and for correlating a run's image with its source).
// A context that isn't inside a git repository builds untagged.
func contentTag(container, contextPath string) string {
	root, err := workspace.GitRoot(contextPath)
	if err != nil {
		// Untagged build: either not a git repo, or the repo couldn't be
		// inspected. Neither should block the build itself.
		return ""
	}
	hash, err := workspace.ContentHash(root)
	if err != nil {
		return ""
	}
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return fmt.Sprintf("batect-%s:%s", container, hash)
}

func (ex *Executor) buildImage(ctx context.Context, step Step, tc *TaskContext) []Event {
	c := tc.Task.Containers[step.Container]

	dockerfile, err := ex.dockerfileFor(c, tc)
	if err != nil {
		return []Event{{Kind: EventImageBuildFailed, Container: step.Container, Reason: err.Error()}}
	}

	var progress []Event
	img, err := ex.Docker.BuildImage(ctx, c.Image.ContextPath, dockerfile, c.Image.BuildArgs, contentTag(step.Container, c.Image.ContextPath), func(p dockerapi.ProgressLine) {
		progress = append(progress, Event{Kind: EventImageBuildProgress, Container: step.Container, Percent: p.Percent, Message: p.Message})
	})
	if err != nil {
		return append(progress, Event{Kind: EventImageBuildFailed, Container: step.Container, Reason: err.Error()})
	}
	tc.RecordImageRef(step.Container, img.ID)
	return append(progress, Event{Kind: EventImageBuilt, Container: step.Container, Image: img.ID})
}

func (ex *Executor) pullImage(ctx context.Context, step Step, tc *TaskContext) []Event {
	c := tc.Task.Containers[step.Container]
	img, err := ex.Docker.PullImage(ctx, c.Image.Ref)
	if err != nil {
		return []Event{{Kind: EventImageBuildFailed, Container: step.Container, Reason: err.Error()}}
	}
	ref := img.Ref
	if ref == "" {
		ref = c.Image.Ref
	}
	tc.RecordImageRef(step.Container, ref)
	return []Event{{Kind: EventImagePulled, Container: step.Container, Image: ref}}
}

func (ex *Executor) createTaskNetwork(ctx context.Context, tc *TaskContext) []Event {
	net, err := ex.Docker.CreateNetwork(ctx, tc.NetworkName)
	if err != nil {
		return []Event{{Kind: EventTaskNetworkCreationFailed, Reason: err.Error()}}
	}
	tc.RecordNetworkID(net.ID)
	return []Event{{Kind: EventTaskNetworkCreated, Network: net.Name, DockerID: net.ID}}
}

func (ex *Executor) createContainer(ctx context.Context, step Step, tc *TaskContext) []Event {
	c := tc.Task.Containers[step.Container]

	var override map[string]string
	command := c.Command
	if step.Container == tc.Task.MainContainer {
		override = tc.Task.EnvironmentExtra
		if tc.Task.CommandLineOverride != "" {
			parsed, err := shellsplit.Split(tc.Task.CommandLineOverride)
			if err != nil {
				return []Event{{Kind: EventExecutionAborted, Container: step.Container, Reason: err.Error()}}
			}
			command = parsed
		}
	}

	var binds []string
	for _, v := range c.Volumes {
		bind := v.HostPath + ":" + v.ContainerPath
		if v.Options != "" {
			bind += ":" + v.Options
		}
		binds = append(binds, bind)
	}

	var ports []dockerapi.PortBinding
	for _, p := range c.Ports {
		ports = append(ports, dockerapi.PortBinding{HostPort: p.HostPort, ContainerPort: p.ContainerPort})
	}

	var user *dockerapi.UserAndGroup
	if c.RunAs != nil {
		user = &dockerapi.UserAndGroup{UID: c.RunAs.UID, GID: c.RunAs.GID}
	}

	image, _ := tc.ImageRef(step.Container)

	req := dockerapi.CreateContainerRequest{
		Image:        image,
		Command:      command,
		Hostname:     step.Container,
		NetworkAlias: step.Container,
		Network:      tc.NetworkName,
		Env:          model.MergedEnvironment(c, override, tc.HostTerm),
		WorkingDir:   c.WorkingDir,
		User:         user,
		Binds:        binds,
		Ports:        ports,
		HealthCheck: dockerapi.HealthCheck{
			Test:          c.HealthCheck.Test,
			IntervalNS:    uint64(c.HealthCheck.Interval.Nanoseconds()),
			RetriesN:      c.HealthCheck.Retries,
			StartPeriodNS: uint64(c.HealthCheck.StartPeriod.Nanoseconds()),
		},
	}

	created, err := ex.Docker.CreateContainer(ctx, req)
	if err != nil {
		return []Event{{Kind: EventContainerCreationFailed, Container: step.Container, Reason: err.Error()}}
	}
	tc.RecordContainerID(step.Container, created.ID)
	return []Event{{Kind: EventContainerCreated, Container: step.Container, DockerID: created.ID}}
}

func (ex *Executor) startContainer(ctx context.Context, step Step, tc *TaskContext) []Event {
	id, ok := tc.ContainerID(step.Container)
	if !ok {
		return []Event{{Kind: EventContainerStartFailed, Container: step.Container, Reason: "container was never created"}}
	}
	if err := ex.Docker.StartContainer(ctx, id); err != nil {
		return []Event{{Kind: EventContainerStartFailed, Container: step.Container, Reason: err.Error()}}
	}
	return []Event{{Kind: EventContainerStarted, Container: step.Container}}
}

func (ex *Executor) waitForHealthy(ctx context.Context, step Step, tc *TaskContext) []Event {
	id, ok := tc.ContainerID(step.Container)
	if !ok {
		return []Event{{Kind: EventContainerDidNotBecomeHealthy, Container: step.Container, Reason: "container was never created"}}
	}
	c := tc.Task.Containers[step.Container]

	interval := c.HealthCheck.Interval
	if interval < healthPollFloor {
		interval = healthPollFloor
	}

	var budget time.Duration
	if c.HealthCheck.HasCheck() {
		budget = c.HealthCheck.StartPeriod + time.Duration(c.HealthCheck.Retries)*c.HealthCheck.Interval + healthCheckSlack
	} else {
		budget = noHealthCheckBudget
	}

	deadline := time.Now().Add(budget)
	for {
		if tc.IsAborting() {
			return nil
		}
		info, err := ex.Docker.InspectContainer(ctx, id)
		if err != nil {
			return []Event{{Kind: EventContainerDidNotBecomeHealthy, Container: step.Container, Reason: err.Error()}}
		}
		if !c.HealthCheck.HasCheck() {
			if info.Running {
				return []Event{{Kind: EventContainerBecameHealthy, Container: step.Container}}
			}
		} else {
			switch info.Health {
			case dockerapi.HealthHealthy:
				return []Event{{Kind: EventContainerBecameHealthy, Container: step.Container}}
			case dockerapi.HealthUnhealthy:
				return []Event{{Kind: EventContainerDidNotBecomeHealthy, Container: step.Container, Reason: info.HealthLog}}
			}
		}
		if time.Now().After(deadline) {
			return []Event{{Kind: EventContainerDidNotBecomeHealthy, Container: step.Container, Reason: "timed out waiting to become healthy"}}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func (ex *Executor) runContainer(ctx context.Context, step Step, tc *TaskContext) []Event {
	id, ok := tc.ContainerID(step.Container)
	if !ok {
		return []Event{{Kind: EventExecutionAborted, Container: step.Container, Reason: "container was never created"}}
	}
	run := ex.RunContainer
	if run == nil {
		run = streamio.Attach
	}
	exitCode, err := run(ctx, ex.Docker, id)
	if err != nil {
		return []Event{{Kind: EventExecutionAborted, Container: step.Container, Reason: err.Error()}}
	}
	return []Event{{Kind: EventRunningContainerExited, Container: step.Container, ExitCode: exitCode}}
}

func (ex *Executor) stopContainer(ctx context.Context, step Step, tc *TaskContext, log *zap.SugaredLogger) []Event {
	id, ok := tc.ContainerID(step.Container)
	if !ok {
		return []Event{{Kind: EventContainerStopped, Container: step.Container}}
	}
	if err := ex.Docker.StopContainer(ctx, id, tc.StopGracePeriod()); err != nil {
		log.Warnw("failed to stop container", "error", err)
		return []Event{{Kind: EventExecutionAborted, Container: step.Container, Reason: fmt.Sprintf("stopping container: %s", err)}}
	}
	return []Event{{Kind: EventContainerStopped, Container: step.Container}}
}

func (ex *Executor) removeContainer(ctx context.Context, step Step, tc *TaskContext, log *zap.SugaredLogger) []Event {
	id, ok := tc.ContainerID(step.Container)
	if !ok {
		return []Event{{Kind: EventContainerRemoved, Container: step.Container}}
	}
	if err := ex.Docker.RemoveContainer(ctx, id, true); err != nil {
		log.Warnw("failed to remove container", "error", err)
		return []Event{{Kind: EventExecutionAborted, Container: step.Container, Reason: fmt.Sprintf("removing container: %s", err)}}
	}
	return []Event{{Kind: EventContainerRemoved, Container: step.Container}}
}

func (ex *Executor) deleteTaskNetwork(ctx context.Context, tc *TaskContext, log *zap.SugaredLogger) []Event {
	id, ok := tc.NetworkID()
	if !ok {
		return []Event{{Kind: EventTaskNetworkDeleted}}
	}
	if err := ex.Docker.DeleteNetwork(ctx, id); err != nil {
		log.Warnw("failed to delete task network", "error", err)
		return []Event{{Kind: EventExecutionAborted, Reason: fmt.Sprintf("deleting task network: %s", err)}}
	}
	return []Event{{Kind: EventTaskNetworkDeleted}}
}

func (ex *Executor) deleteTemporaryFile(ctx context.Context, step Step, log *zap.SugaredLogger) []Event {
	if err := deleteFile(step.Path); err != nil {
		log.Warnw("failed to delete temporary file", "path", step.Path, "error", err)
		return []Event{{Kind: EventExecutionAborted, Path: step.Path, Reason: fmt.Sprintf("deleting temporary file: %s", err)}}
	}
	return []Event{{Kind: EventTemporaryFileDeleted, Path: step.Path}}
}

// Package model holds the resolved, immutable Task Model that the execution
// engine consumes. Building one from a project file is out of scope here
// (see internal/config); this package only defines the shape and the pure
// graph operations the engine needs (dependency closure, reverse ordering).
package model

import (
	"fmt"
	"sort"
	"time"
)

// ImageSourceKind distinguishes how a container's image is obtained.
type ImageSourceKind int

const (
	ImageSourcePull ImageSourceKind = iota
	ImageSourceBuild
)

// ImageSource is a tagged union: exactly one of Pull/Build applies,
// selected by Kind.
type ImageSource struct {
	Kind ImageSourceKind

	// Pull fields.
	Ref string

	// Build fields.
	ContextPath string
	Dockerfile  string // empty means the context's default Dockerfile
	BuildArgs   map[string]string

	// DockerfileContents, when non-empty, is written to a temporary file
	// inside ContextPath before the build and used in place of Dockerfile;
	// it lets a project file declare a Dockerfile inline instead of
	// requiring one to already exist on disk.
	DockerfileContents string
}

func Pull(ref string) ImageSource {
	return ImageSource{Kind: ImageSourcePull, Ref: ref}
}

func Build(contextPath, dockerfile string, buildArgs map[string]string) ImageSource {
	return ImageSource{Kind: ImageSourceBuild, ContextPath: contextPath, Dockerfile: dockerfile, BuildArgs: buildArgs}
}

// VolumeMount binds a host path into the container.
type VolumeMount struct {
	HostPath      string
	ContainerPath string
	Options       string // e.g. "ro"; empty means read-write
}

// PortMapping exposes a container port on the host.
type PortMapping struct {
	HostPort      string
	ContainerPort string
}

// HealthCheckConfig mirrors the Docker Engine health check knobs. A zero
// value means "no health check declared for this container".
type HealthCheckConfig struct {
	Test        []string
	Interval    time.Duration
	Retries     int
	StartPeriod time.Duration
}

// HasCheck reports whether a health check is declared at all.
func (h HealthCheckConfig) HasCheck() bool {
	return len(h.Test) > 0
}

// UserAndGroup specifies the container's runtime uid/gid.
type UserAndGroup struct {
	UID int
	GID int
}

// Container is the immutable declaration of one container in the project.
type Container struct {
	Name         string
	Image        ImageSource
	Command      []string // nil/empty means use the image's default
	Environment  map[string]string
	WorkingDir   string
	Volumes      []VolumeMount
	Ports        []PortMapping
	HealthCheck  HealthCheckConfig
	RunAs        *UserAndGroup
	Dependencies []string // names of other containers, must exist in the same Task
}

// Task is the resolved unit of work: a main container plus everything it
// implicitly depends on, closed over transitively.
type Task struct {
	Name              string
	MainContainer     string
	CommandLineOverride string // raw command line, split into argv by the engine (see internal/shellsplit)
	EnvironmentExtra  map[string]string
	Containers        map[string]Container // name -> declaration, includes MainContainer
}

// Main returns the task's main container declaration.
func (t Task) Main() Container {
	return t.Containers[t.MainContainer]
}

// Validate checks the internal referential integrity of the task: every
// dependency name must resolve to a declared container, and the main
// container must be present.
func (t Task) Validate() error {
	if _, ok := t.Containers[t.MainContainer]; !ok {
		return fmt.Errorf("task %q: main container %q is not declared", t.Name, t.MainContainer)
	}
	for name, c := range t.Containers {
		if c.Name != name {
			return fmt.Errorf("task %q: container map key %q does not match declared name %q", t.Name, name, c.Name)
		}
		for _, dep := range c.Dependencies {
			if _, ok := t.Containers[dep]; !ok {
				return fmt.Errorf("task %q: container %q depends on undeclared container %q", t.Name, name, dep)
			}
		}
	}
	if _, err := t.DependencyClosure(); err != nil {
		return err
	}
	return nil
}

// DependencyClosure returns the transitive closure of container names
// reachable from the main container (including the main container itself),
// erroring on a dependency cycle.
func (t Task) DependencyClosure() ([]string, error) {
	visited := map[string]int{} // 0=unvisited, 1=in-progress, 2=done
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch visited[name] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("task %q: dependency cycle detected at container %q", t.Name, name)
		}
		visited[name] = 1
		c, ok := t.Containers[name]
		if !ok {
			return fmt.Errorf("task %q: container %q is not declared", t.Name, name)
		}
		deps := append([]string(nil), c.Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[name] = 2
		order = append(order, name)
		return nil
	}

	if err := visit(t.MainContainer); err != nil {
		return nil, err
	}
	return order, nil
}

// ReverseDependencyOrder returns the dependency closure in reverse: a
// container appears only after every container that depends on it. This is
// the order the Cleanup Planner stops/removes containers in (§4.5).
func (t Task) ReverseDependencyOrder() ([]string, error) {
	order, err := t.DependencyClosure()
	if err != nil {
		return nil, err
	}
	reversed := make([]string, len(order))
	for i, name := range order {
		reversed[len(order)-1-i] = name
	}
	return reversed, nil
}

// Dependents returns the names of containers in the closure that directly
// depend on the given container.
func (t Task) Dependents(container string) []string {
	var out []string
	for name, c := range t.Containers {
		for _, dep := range c.Dependencies {
			if dep == container {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// MergedEnvironment combines a container's declared environment with the
// task's run-time overrides (only applied to the main container) and the
// host's TERM value, per §4.3: a container-declared TERM wins over the host
// console's TERM, otherwise the host TERM is forwarded if set.
func MergedEnvironment(c Container, override map[string]string, hostTerm string) map[string]string {
	merged := make(map[string]string, len(c.Environment)+len(override)+1)
	for k, v := range c.Environment {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	if _, declared := merged["TERM"]; !declared && hostTerm != "" {
		merged["TERM"] = hostTerm
	}
	return merged
}

// Package config loads a project's batect.yml into the immutable Task Model
// the engine consumes. Full schema validation is out of scope (spec §1
// treats "YAML configuration parsing and validation" as an external
// collaborator); this is the minimal on-ramp needed to exercise the engine
// end to end from the CLI.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/batect-run/batect/internal/model"
	"github.com/batect-run/batect/internal/shellsplit"
)

// ProjectFile is the top-level shape of a batect.yml.
type ProjectFile struct {
	Containers map[string]containerConfig `yaml:"containers"`
	Tasks      map[string]taskConfig      `yaml:"tasks"`
}

type buildConfig struct {
	Context            string            `yaml:"context"`
	Dockerfile         string            `yaml:"dockerfile"`
	DockerfileContents string            `yaml:"dockerfile_contents"`
	Args               map[string]string `yaml:"args"`
}

type healthCheckConfig struct {
	Test        []string      `yaml:"test"`
	Interval    time.Duration `yaml:"interval"`
	Retries     int           `yaml:"retries"`
	StartPeriod time.Duration `yaml:"start_period"`
}

type volumeConfig struct {
	Local     string `yaml:"local"`
	Container string `yaml:"container"`
	Options   string `yaml:"options"`
}

type portConfig struct {
	Local     string `yaml:"local"`
	Container string `yaml:"container"`
}

type runAsConfig struct {
	UID int `yaml:"uid"`
	GID int `yaml:"gid"`
}

type containerConfig struct {
	Image            string            `yaml:"image"`
	Build            *buildConfig      `yaml:"build"`
	Command          commandLine       `yaml:"command"`
	Environment      map[string]string `yaml:"environment"`
	WorkingDirectory string            `yaml:"working_directory"`
	Volumes          []volumeConfig    `yaml:"volumes"`
	Ports            []portConfig      `yaml:"ports"`
	HealthCheck      healthCheckConfig `yaml:"health_check"`
	RunAs            *runAsConfig      `yaml:"run_as"`
	DependsOn        []string          `yaml:"depends_on"`
}

type taskRunConfig struct {
	Container string `yaml:"container"`
}

type taskConfig struct {
	Run         taskRunConfig     `yaml:"run"`
	Environment map[string]string `yaml:"environment"`
}

// commandLine accepts either a YAML string (split with POSIX shell quoting
// rules, per §4.3) or an explicit list of argv elements.
type commandLine []string

func (c *commandLine) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var line string
		if err := node.Decode(&line); err != nil {
			return err
		}
		if line == "" {
			*c = nil
			return nil
		}
		parts, err := shellsplit.Split(line)
		if err != nil {
			return fmt.Errorf("config: parsing command line %q: %w", line, err)
		}
		*c = parts
		return nil
	case yaml.SequenceNode:
		var parts []string
		if err := node.Decode(&parts); err != nil {
			return err
		}
		*c = parts
		return nil
	default:
		return fmt.Errorf("config: command must be a string or a list of strings")
	}
}

// Load reads and parses a project file from path.
func Load(path string) (*ProjectFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var pf ProjectFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &pf, nil
}

// ListTasks returns the declared task names in the project file, sorted for
// deterministic CLI output.
func (pf *ProjectFile) ListTasks() []string {
	names := make([]string, 0, len(pf.Tasks))
	for name := range pf.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Task resolves the named task into a model.Task ready for the engine,
// wiring commandLineOverride as the CLI's `-- <args...>` override rather
// than the container's own declared command.
func (pf *ProjectFile) Task(name string, commandLineOverride string, environmentExtra map[string]string) (model.Task, error) {
	tc, ok := pf.Tasks[name]
	if !ok {
		return model.Task{}, fmt.Errorf("config: task %q is not declared", name)
	}
	if tc.Run.Container == "" {
		return model.Task{}, fmt.Errorf("config: task %q does not declare a container to run", name)
	}

	containers := make(map[string]model.Container, len(pf.Containers))
	for cname, cc := range pf.Containers {
		container, err := cc.toModel(cname)
		if err != nil {
			return model.Task{}, err
		}
		containers[cname] = container
	}

	env := make(map[string]string, len(tc.Environment)+len(environmentExtra))
	for k, v := range tc.Environment {
		env[k] = v
	}
	for k, v := range environmentExtra {
		env[k] = v
	}

	task := model.Task{
		Name:                name,
		MainContainer:       tc.Run.Container,
		CommandLineOverride: commandLineOverride,
		EnvironmentExtra:    env,
		Containers:          containers,
	}
	if err := task.Validate(); err != nil {
		return model.Task{}, err
	}
	return task, nil
}

func (cc containerConfig) toModel(name string) (model.Container, error) {
	var image model.ImageSource
	switch {
	case cc.Build != nil:
		image = model.Build(cc.Build.Context, cc.Build.Dockerfile, cc.Build.Args)
		image.DockerfileContents = cc.Build.DockerfileContents
	case cc.Image != "":
		image = model.Pull(cc.Image)
	default:
		return model.Container{}, fmt.Errorf("config: container %q declares neither image nor build", name)
	}

	var runAs *model.UserAndGroup
	if cc.RunAs != nil {
		runAs = &model.UserAndGroup{UID: cc.RunAs.UID, GID: cc.RunAs.GID}
	}

	volumes := make([]model.VolumeMount, len(cc.Volumes))
	for i, v := range cc.Volumes {
		volumes[i] = model.VolumeMount{HostPath: v.Local, ContainerPath: v.Container, Options: v.Options}
	}

	ports := make([]model.PortMapping, len(cc.Ports))
	for i, p := range cc.Ports {
		ports[i] = model.PortMapping{HostPort: p.Local, ContainerPort: p.Container}
	}

	return model.Container{
		Name:        name,
		Image:       image,
		Command:     []string(cc.Command),
		Environment: cc.Environment,
		WorkingDir:  cc.WorkingDirectory,
		Volumes:     volumes,
		Ports:       ports,
		HealthCheck: model.HealthCheckConfig{
			Test:        cc.HealthCheck.Test,
			Interval:    cc.HealthCheck.Interval,
			Retries:     cc.HealthCheck.Retries,
			StartPeriod: cc.HealthCheck.StartPeriod,
		},
		RunAs:        runAs,
		Dependencies: cc.DependsOn,
	}, nil
}


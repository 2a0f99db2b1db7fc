package dockerapi

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/go-connections/nat"
)

// CreateContainerRequest is the engine-facing description of a container to
// create. Its ToJSON output conforms bit-exactly to the Docker Engine API's
// /containers/create request body, per spec §6.
type CreateContainerRequest struct {
	Image      string
	Command    []string
	Hostname   string
	NetworkAlias string
	Network    string
	Env        map[string]string
	WorkingDir string
	User       *UserAndGroup
	Binds      []string // "host:container[:options]"
	Ports      []PortBinding
	HealthCheck HealthCheck
}

type UserAndGroup struct {
	UID int
	GID int
}

type PortBinding struct {
	HostPort      string
	ContainerPort string
}

type HealthCheck struct {
	Test        []string
	IntervalNS  uint64
	RetriesN    int
	StartPeriodNS uint64
}

// containerCreateJSON mirrors the wire shape named in spec §6 field for
// field, so struct tag ordering (and json.Marshal's field-declaration-order
// output) is the single source of truth for the "bit-exact" property.
type containerCreateJSON struct {
	AttachStdin  bool     `json:"AttachStdin"`
	AttachStdout bool     `json:"AttachStdout"`
	AttachStderr bool     `json:"AttachStderr"`
	Tty          bool     `json:"Tty"`
	OpenStdin    bool     `json:"OpenStdin"`
	StdinOnce    bool     `json:"StdinOnce"`
	Image        string   `json:"Image"`
	Cmd          []string `json:"Cmd,omitempty"`
	Hostname     string   `json:"Hostname"`
	WorkingDir   *string  `json:"WorkingDir,omitempty"`
	User         *string  `json:"User,omitempty"`
	Env          []string `json:"Env"`

	HostConfig struct {
		NetworkMode   string                         `json:"NetworkMode"`
		Binds         []string                       `json:"Binds"`
		PortBindings  map[string][]portBindingJSON    `json:"PortBindings"`
	} `json:"HostConfig"`

	Healthcheck struct {
		Test        []string `json:"Test"`
		Interval    uint64   `json:"Interval"`
		Retries     int      `json:"Retries"`
		StartPeriod uint64   `json:"StartPeriod"`
	} `json:"Healthcheck"`

	NetworkingConfig struct {
		EndpointsConfig map[string]endpointJSON `json:"EndpointsConfig"`
	} `json:"NetworkingConfig"`
}

type portBindingJSON struct {
	HostIp   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

type endpointJSON struct {
	Aliases []string `json:"Aliases"`
}

// ToJSON renders the bit-exact request body described in spec §6. Given the
// same request it always produces the same string (test property "Deterministic JSON").
func (r CreateContainerRequest) ToJSON() ([]byte, error) {
	body := containerCreateJSON{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		OpenStdin:    true,
		StdinOnce:    true,
		Image:        r.Image,
		Cmd:          r.Command,
		Hostname:     r.Hostname,
	}
	if r.WorkingDir != "" {
		wd := r.WorkingDir
		body.WorkingDir = &wd
	}
	if r.User != nil {
		u := fmt.Sprintf("%d:%d", r.User.UID, r.User.GID)
		body.User = &u
	}

	body.Env = envSlice(r.Env)

	body.HostConfig.NetworkMode = r.Network
	body.HostConfig.Binds = r.Binds
	if body.HostConfig.Binds == nil {
		body.HostConfig.Binds = []string{}
	}
	body.HostConfig.PortBindings = map[string][]portBindingJSON{}
	for _, p := range r.Ports {
		key := p.ContainerPort + "/tcp"
		body.HostConfig.PortBindings[key] = append(body.HostConfig.PortBindings[key], portBindingJSON{HostIp: "", HostPort: p.HostPort})
	}

	body.Healthcheck.Test = r.HealthCheck.Test
	if body.Healthcheck.Test == nil {
		body.Healthcheck.Test = []string{}
	}
	body.Healthcheck.Interval = r.HealthCheck.IntervalNS
	body.Healthcheck.Retries = r.HealthCheck.RetriesN
	body.Healthcheck.StartPeriod = r.HealthCheck.StartPeriodNS

	body.NetworkingConfig.EndpointsConfig = map[string]endpointJSON{}
	if r.Network != "" {
		body.NetworkingConfig.EndpointsConfig[r.Network] = endpointJSON{Aliases: []string{r.NetworkAlias}}
	}

	return json.Marshal(body)
}

// envSlice renders a map[string]string as a sorted KEY=value slice; Env is
// always present in the request, possibly empty (spec §6).
func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// toDockerTypes converts the engine-native request into the types the
// docker/docker client library expects for a live ContainerCreate call.
func (r CreateContainerRequest) toDockerTypes() (*container.Config, *container.HostConfig, *dockernetwork.NetworkingConfig) {
	var user string
	if r.User != nil {
		user = fmt.Sprintf("%d:%d", r.User.UID, r.User.GID)
	}

	cfg := &container.Config{
		Image:        r.Image,
		Cmd:          strslice.StrSlice(r.Command),
		Hostname:     r.Hostname,
		WorkingDir:   r.WorkingDir,
		User:         user,
		Env:          envSlice(r.Env),
		Tty:          true,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Healthcheck: &container.HealthConfig{
			Test:        r.HealthCheck.Test,
			Interval:    nsToDuration(r.HealthCheck.IntervalNS),
			Retries:     r.HealthCheck.RetriesN,
			StartPeriod: nsToDuration(r.HealthCheck.StartPeriodNS),
		},
	}

	portBindings := nat.PortMap{}
	for _, p := range r.Ports {
		key := nat.Port(p.ContainerPort + "/tcp")
		portBindings[key] = append(portBindings[key], nat.PortBinding{HostIP: "", HostPort: p.HostPort})
	}

	hostCfg := &container.HostConfig{
		NetworkMode:  container.NetworkMode(r.Network),
		Binds:        r.Binds,
		PortBindings: portBindings,
	}

	netCfg := &dockernetwork.NetworkingConfig{
		EndpointsConfig: map[string]*dockernetwork.EndpointSettings{},
	}
	if r.Network != "" {
		netCfg.EndpointsConfig[r.Network] = &dockernetwork.EndpointSettings{Aliases: []string{r.NetworkAlias}}
	}

	return cfg, hostCfg, netCfg
}

func nsToDuration(ns uint64) time.Duration {
	return time.Duration(ns)
}

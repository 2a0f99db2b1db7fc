// Package dockerapi is the engine's external collaborator boundary onto the
// Docker Engine API (spec §6). It exposes exactly the typed operations the
// Task Execution Engine needs and nothing else; YAML config parsing, CLI
// argument handling and console rendering are handled elsewhere and never
// import this package directly.
package dockerapi

import (
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// ProgressLine is one line of streamed build/pull progress, per spec §4.3.
type ProgressLine struct {
	Percent int
	Message string
}

// Image is the result of a successful build or pull.
type Image struct {
	Ref string
	ID  string
}

// Network is a created task network.
type Network struct {
	ID   string
	Name string
}

// DockerContainer is a created container instance.
type DockerContainer struct {
	ID string
}

// HealthStatus mirrors the subset of Docker's container health states the
// engine cares about.
type HealthStatus string

const (
	HealthNone      HealthStatus = "none" // image declares no health check
	HealthStarting  HealthStatus = "starting"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ContainerInfo is the subset of `docker inspect` the engine consumes.
type ContainerInfo struct {
	Running      bool
	ExitCode     int
	Health       HealthStatus
	HealthLog    string // most recent health-check log line, for failure reasons
}

// Client is the full set of Docker operations the engine drives, matching
// spec §6 exactly: buildImage, pullImage, createNetwork, createContainer,
// startContainer, inspectContainer, attachContainer, stopContainer,
// removeContainer, deleteNetwork.
type Client interface {
	BuildImage(ctx context.Context, contextPath, dockerfile string, buildArgs map[string]string, tag string, onProgress func(ProgressLine)) (Image, error)
	PullImage(ctx context.Context, ref string) (Image, error)
	CreateNetwork(ctx context.Context, name string) (Network, error)
	CreateContainer(ctx context.Context, req CreateContainerRequest) (DockerContainer, error)
	StartContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (ContainerInfo, error)
	AttachContainer(ctx context.Context, id string) (io.ReadWriteCloser, error)
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	DeleteNetwork(ctx context.Context, id string) error
}

// RealClient drives an actual Docker daemon over its Unix/TCP socket.
type RealClient struct {
	cli *client.Client
}

// NewRealClient constructs a client from the standard Docker environment
// variables (DOCKER_HOST, DOCKER_CERT_PATH, DOCKER_TLS_VERIFY), negotiating
// the API version with the daemon on first use.
func NewRealClient() (*RealClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &RealClient{cli: cli}, nil
}

func (c *RealClient) PullImage(ctx context.Context, ref string) (Image, error) {
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return Image{}, err
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return Image{}, err
	}
	return Image{Ref: ref}, nil
}

func (c *RealClient) BuildImage(ctx context.Context, contextPath, dockerfile string, buildArgs map[string]string, tag string, onProgress func(ProgressLine)) (Image, error) {
	tarStream, err := archiveContext(contextPath)
	if err != nil {
		return Image{}, err
	}
	defer tarStream.Close()

	args := make(map[string]*string, len(buildArgs))
	for k, v := range buildArgs {
		v := v
		args[k] = &v
	}

	resp, err := c.cli.ImageBuild(ctx, tarStream, buildOptions(dockerfile, args, tag))
	if err != nil {
		return Image{}, err
	}
	defer resp.Body.Close()

	imageID, err := scanBuildProgress(resp.Body, onProgress)
	if err != nil {
		return Image{}, err
	}
	return Image{ID: imageID, Ref: tag}, nil
}

func (c *RealClient) CreateNetwork(ctx context.Context, name string) (Network, error) {
	resp, err := c.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return Network{}, err
	}
	return Network{ID: resp.ID, Name: name}, nil
}

func (c *RealClient) CreateContainer(ctx context.Context, req CreateContainerRequest) (DockerContainer, error) {
	cfg, hostCfg, netCfg := req.toDockerTypes()
	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, "")
	if err != nil {
		return DockerContainer{}, err
	}
	return DockerContainer{ID: resp.ID}, nil
}

func (c *RealClient) StartContainer(ctx context.Context, id string) error {
	return c.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (c *RealClient) InspectContainer(ctx context.Context, id string) (ContainerInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerInfo{}, err
	}
	info := ContainerInfo{}
	if inspect.State != nil {
		info.Running = inspect.State.Running
		info.ExitCode = inspect.State.ExitCode
		if inspect.State.Health != nil {
			info.Health = HealthStatus(inspect.State.Health.Status)
			if n := len(inspect.State.Health.Log); n > 0 {
				info.HealthLog = inspect.State.Health.Log[n-1].Output
			}
		} else {
			info.Health = HealthNone
		}
	}
	return info, nil
}

func (c *RealClient) AttachContainer(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	resp, err := c.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, err
	}
	return &hijackedConn{resp: resp}, nil
}

func (c *RealClient) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Seconds())
	err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
	if isNotFound(err) {
		return nil
	}
	return err
}

func (c *RealClient) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if isNotFound(err) {
		return nil
	}
	return err
}

func (c *RealClient) DeleteNetwork(ctx context.Context, id string) error {
	err := c.cli.NetworkRemove(ctx, id)
	if isNotFound(err) {
		return nil
	}
	return err
}

func isNotFound(err error) bool {
	return client.IsErrNotFound(err)
}

// hijackedConn adapts docker's types.HijackedResponse (a separate buffered
// Reader and net.Conn) to a single io.ReadWriteCloser for the Stream
// Multiplexer.
type hijackedConn struct {
	resp types.HijackedResponse
}

func (h *hijackedConn) Read(p []byte) (int, error)  { return h.resp.Reader.Read(p) }
func (h *hijackedConn) Write(p []byte) (int, error) { return h.resp.Conn.Write(p) }
func (h *hijackedConn) Close() error                { h.resp.Close(); return nil }

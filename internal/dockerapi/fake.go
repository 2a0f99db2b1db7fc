package dockerapi

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// FakeClient is an in-memory Client implementation for engine tests that
// must not require a live Docker daemon. Behaviour is scripted per
// container/network name via the exported fields; the zero value succeeds
// every call immediately.
type FakeClient struct {
	mu sync.Mutex

	// FailBuild/FailPull/FailCreate/FailStart, keyed by container/ref name,
	// cause the matching call to return the given error instead of
	// succeeding.
	FailBuild  map[string]error
	FailPull   map[string]error
	FailCreate map[string]error
	FailStart  map[string]error

	// HealthSequence, keyed by container id, is consumed one entry per
	// InspectContainer call; the last entry repeats once exhausted. A
	// missing key defaults to "no health check declared, already running".
	HealthSequence map[string][]ContainerInfo

	// AttachStream, when set, is returned by AttachContainer instead of the
	// default fakeAttachStream, so streamio tests can control exactly when
	// the simulated connection closes.
	AttachStream io.ReadWriteCloser

	nextID     int
	created    map[string]bool
	removed    map[string]bool
	stopped    map[string]bool
	stopGraces map[string]time.Duration
	networks   map[string]bool
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		created:    map[string]bool{},
		removed:    map[string]bool{},
		stopped:    map[string]bool{},
		stopGraces: map[string]time.Duration{},
		networks:   map[string]bool{},
	}
}

func (f *FakeClient) BuildImage(ctx context.Context, contextPath, dockerfile string, buildArgs map[string]string, tag string, onProgress func(ProgressLine)) (Image, error) {
	if err := f.FailBuild[contextPath]; err != nil {
		return Image{}, err
	}
	if onProgress != nil {
		onProgress(ProgressLine{Percent: 100, Message: "built"})
	}
	return Image{ID: "img-" + contextPath, Ref: tag}, nil
}

func (f *FakeClient) PullImage(ctx context.Context, ref string) (Image, error) {
	if err := f.FailPull[ref]; err != nil {
		return Image{}, err
	}
	return Image{Ref: ref, ID: "img-" + ref}, nil
}

func (f *FakeClient) CreateNetwork(ctx context.Context, name string) (Network, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = true
	return Network{ID: "net-" + name, Name: name}, nil
}

func (f *FakeClient) CreateContainer(ctx context.Context, req CreateContainerRequest) (DockerContainer, error) {
	if err := f.FailCreate[req.NetworkAlias]; err != nil {
		return DockerContainer{}, err
	}
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("container-%s-%d", req.NetworkAlias, f.nextID)
	f.created[id] = true
	f.mu.Unlock()
	return DockerContainer{ID: id}, nil
}

func (f *FakeClient) StartContainer(ctx context.Context, id string) error {
	for key, err := range f.FailStart {
		if strings.Contains(id, key) {
			return err
		}
	}
	return nil
}

func (f *FakeClient) InspectContainer(ctx context.Context, id string) (ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := id
	if _, exact := f.HealthSequence[id]; !exact {
		for k := range f.HealthSequence {
			if strings.Contains(id, k) {
				key = k
				break
			}
		}
	}
	seq := f.HealthSequence[key]
	if len(seq) == 0 {
		return ContainerInfo{Running: true, Health: HealthNone}, nil
	}
	next := seq[0]
	if len(seq) > 1 {
		f.HealthSequence[key] = seq[1:]
	}
	return next, nil
}

func (f *FakeClient) AttachContainer(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	if f.AttachStream != nil {
		return f.AttachStream, nil
	}
	return &fakeAttachStream{}, nil
}

func (f *FakeClient) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[id] = true
	f.stopGraces[id] = grace
	return nil
}

func (f *FakeClient) RemoveContainer(ctx context.Context, id string, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[id] = true
	return nil
}

func (f *FakeClient) DeleteNetwork(ctx context.Context, id string) error {
	return ctx.Err()
}

func (f *FakeClient) WasRemoved(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed[id]
}

func (f *FakeClient) WasStopped(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped[id]
}

// StopGrace returns the grace period passed to the most recent StopContainer
// call for id, so tests can distinguish a graceful stop from a forced one.
func (f *FakeClient) StopGrace(id string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopGraces[id]
}

// fakeAttachStream is an empty in-memory stdio stream: reads return EOF
// immediately (simulating a container that exits without producing output),
// writes are discarded.
type fakeAttachStream struct{}

func (f *fakeAttachStream) Read(p []byte) (int, error)  { return 0, io.EOF }
func (f *fakeAttachStream) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeAttachStream) Close() error                { return nil }

package streamio

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/batect-run/batect/internal/dockerapi"
)

// blockingStream is an io.ReadWriteCloser whose Read blocks until Close is
// called, so a test controls exactly when Attach's stdout-copy goroutine
// (and therefore its stream-closed signal) fires, instead of racing against
// dockerapi.FakeClient's default immediate-EOF stream.
type blockingStream struct {
	closed chan struct{}
	once   sync.Once
}

func newBlockingStream() *blockingStream {
	return &blockingStream{closed: make(chan struct{})}
}

func (b *blockingStream) Read(p []byte) (int, error) {
	<-b.closed
	return 0, io.EOF
}

func (b *blockingStream) Write(p []byte) (int, error) { return len(p), nil }

func (b *blockingStream) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestWaitForExitReturnsExitCodeOncePollDetectsStopped(t *testing.T) {
	docker := dockerapi.NewFakeClient()
	docker.HealthSequence = map[string][]dockerapi.ContainerInfo{
		"c1": {{Running: true}, {Running: false, ExitCode: 7}},
	}

	code, err := waitForExit(context.Background(), docker, "c1")
	if err != nil {
		t.Fatalf("waitForExit() error = %v", err)
	}
	if code != 7 {
		t.Errorf("waitForExit() = %d, want 7", code)
	}
}

func TestWaitForExitReturnsContextErrorOnCancellation(t *testing.T) {
	docker := dockerapi.NewFakeClient()
	docker.HealthSequence = map[string][]dockerapi.ContainerInfo{
		"c1": {{Running: true}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := waitForExit(ctx, docker, "c1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("waitForExit() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestAttachReturnsExitCodeOnNormalExit(t *testing.T) {
	docker := dockerapi.NewFakeClient()
	docker.HealthSequence = map[string][]dockerapi.ContainerInfo{
		"c1": {{Running: false, ExitCode: 3}},
	}

	code, err := Attach(context.Background(), docker, "c1")
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if code != 3 {
		t.Errorf("Attach() code = %d, want 3", code)
	}
}

func TestAttachContextCancellationReturnsError(t *testing.T) {
	docker := dockerapi.NewFakeClient()
	docker.AttachStream = newBlockingStream()
	docker.HealthSequence = map[string][]dockerapi.ContainerInfo{
		"c1": {{Running: true}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Attach(ctx, docker, "c1")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Attach() error = %v, want context.Canceled", err)
	}
}

func TestAttachReturnsErrDetachedWhenStreamClosesWhileContainerStillRunning(t *testing.T) {
	stream := newBlockingStream()
	docker := dockerapi.NewFakeClient()
	docker.AttachStream = stream
	docker.HealthSequence = map[string][]dockerapi.ContainerInfo{
		"c1": {{Running: true}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		code int
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		code, err := Attach(ctx, docker, "c1")
		resultCh <- result{code, err}
	}()

	// Give Attach's goroutines a chance to start relaying before the stream
	// closes out from under them, so this exercises a mid-run detach rather
	// than a race against Attach's own setup.
	time.Sleep(20 * time.Millisecond)
	stream.Close()

	select {
	case res := <-resultCh:
		if !errors.Is(res.err, ErrDetached) {
			t.Errorf("Attach() error = %v, want ErrDetached", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Attach did not return after the attach stream closed")
	}
}

func TestAttachFirstInterruptStopsGracefullySecondForcesKill(t *testing.T) {
	docker := dockerapi.NewFakeClient()
	docker.AttachStream = newBlockingStream()
	docker.HealthSequence = map[string][]dockerapi.ContainerInfo{
		"c1": {{Running: true}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = Attach(ctx, docker, "c1")
		close(done)
	}()

	proc, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatalf("FindProcess: %v", err)
	}

	if err := proc.Signal(syscall.SIGINT); err != nil {
		t.Fatalf("signal: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return docker.WasStopped("c1") })
	if grace := docker.StopGrace("c1"); grace != stopGracePeriod {
		t.Errorf("first interrupt grace = %v, want %v", grace, stopGracePeriod)
	}

	if err := proc.Signal(syscall.SIGINT); err != nil {
		t.Fatalf("signal: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return docker.StopGrace("c1") == 0 })

	cancel()
	<-done
	if !errors.Is(gotErr, context.Canceled) {
		t.Errorf("Attach() error = %v, want context.Canceled", gotErr)
	}
}

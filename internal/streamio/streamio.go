// Package streamio implements the Stream Multiplexer: it attaches to a
// running container's stdio, relays bytes between the container and the
// local terminal, forwards SIGINT/SIGTERM as stop requests, and reports the
// container's exit code once it stops. It is the RunContainer step's
// implementation, kept as a separate package because it owns raw-mode
// terminal state and OS signal handling that the rest of the engine has no
// business touching.
package streamio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/batect-run/batect/internal/dockerapi"
)

// secondInterruptGrace is how long after the first SIGINT/SIGTERM a second
// signal is treated as "stop asking nicely and kill it" (spec §5).
const secondInterruptGrace = 5 * time.Second

// stopGracePeriod is how long a requested stop waits before Docker escalates
// to SIGKILL (spec §5's default of 10s, mirrored from engine.DefaultStopGracePeriod
// to avoid an import cycle between streamio and engine).
const stopGracePeriod = 10 * time.Second

// pollInterval is how often Attach checks whether the container has exited
// while relaying stdio, when the daemon side of the attach stream doesn't
// itself signal EOF promptly.
const pollInterval = 250 * time.Millisecond

// Attach implements engine.RunContainerFunc: it attaches to id's stdio,
// relays stdin/stdout/stderr with the local terminal, and blocks until the
// container exits, returning its exit code.
func Attach(ctx context.Context, docker dockerapi.Client, id string) (int, error) {
	conn, err := docker.AttachContainer(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("attaching to container: %w", err)
	}

	restore := enterRawMode()
	defer restore()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// The stdin-copying goroutine reads from the process's own stdin, which
	// has no deadline or cancellation hook in the standard library; closing
	// conn only unblocks it once it next tries to Write. It is left to exit
	// on its own schedule (or with the process) rather than waited on here.
	go io.Copy(conn, os.Stdin)

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		io.Copy(os.Stdout, conn)
	}()
	// Closing conn first is what unblocks the stdout-copying goroutine's
	// Read; waiting for outputDone afterwards means Attach never returns
	// while that goroutine is still writing to os.Stdout.
	defer func() {
		conn.Close()
		<-outputDone
	}()

	exitCh := make(chan int, 1)
	errCh := make(chan error, 1)
	go func() {
		code, err := waitForExit(ctx, docker, id)
		if err != nil {
			errCh <- err
			return
		}
		exitCh <- code
	}()

	var lastInterrupt time.Time
	streamClosed := outputDone
	for {
		select {
		case code := <-exitCh:
			return code, nil
		case err := <-errCh:
			return 0, err
		case <-streamClosed:
			streamClosed = nil // handled once; outputDone stays closed
			if info, err := docker.InspectContainer(ctx, id); err == nil && !info.Running {
				return info.ExitCode, nil
			}
			return 0, ErrDetached
		case <-sigCh:
			now := time.Now()
			if !lastInterrupt.IsZero() && now.Sub(lastInterrupt) < secondInterruptGrace {
				_ = docker.StopContainer(ctx, id, 0)
				continue
			}
			lastInterrupt = now
			_ = docker.StopContainer(ctx, id, stopGracePeriod)
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// waitForExit polls the container until it stops running, returning its
// recorded exit code. Docker's attach stream itself has no reliable "the
// process exited" signal separate from the connection closing, which can
// race with the daemon flushing the last of stdout, so this polls
// InspectContainer rather than relying on conn's EOF.
func waitForExit(ctx context.Context, docker dockerapi.Client, id string) (int, error) {
	for {
		info, err := docker.InspectContainer(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("inspecting container: %w", err)
		}
		if !info.Running {
			return info.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// enterRawMode puts the controlling terminal into raw mode for the duration
// of the attach, if stdin is actually a terminal, and returns a function
// that restores it. On any other kind of stdin (a pipe, /dev/null, a
// non-terminal in tests) it is a no-op.
func enterRawMode() func() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}
	}
	return func() {
		_ = term.Restore(fd, state)
	}
}

// ErrDetached is returned when the attach stream closes before the
// container reports an exit; callers should treat it as a lost connection,
// not a clean run.
var ErrDetached = errors.New("streamio: attach stream closed before container exited")

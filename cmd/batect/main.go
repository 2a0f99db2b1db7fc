// Command batect runs a declared task's dependency graph inside ephemeral
// Docker containers and tears it all down deterministically, per spec §1.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/batect-run/batect/internal/config"
	"github.com/batect-run/batect/internal/dockerapi"
	"github.com/batect-run/batect/internal/engine"
	"github.com/batect-run/batect/internal/logging"
	"github.com/batect-run/batect/internal/publisher"
)

var (
	configPath  string
	reportToPR  string
	logLevel    string
	commandLine string
)

// exitCodeError carries a task's exit code back through cobra's RunE without
// short-circuiting the deferred cleanup (log flush, signal-context cancel,
// terminal restore) that os.Exit would skip if called mid-stack.
type exitCodeError struct{ code int }

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("task exited with code %d", e.code)
}

func main() {
	err := rootCmd().Execute()
	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "batect",
		Short: "Run developer tasks inside ephemeral Docker containers.",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "batect.yml", "path to the project file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "progress", "debug, info, progress, minimal, warn, or error")

	root.AddCommand(runCmd(), listTasksCmd())
	return root
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <task> [-- <args...>]",
		Short: "Run a task and its dependencies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskName := args[0]
			if len(args) > 1 {
				commandLine = strings.Join(args[1:], " ")
			}
			return runTask(cmd.Context(), taskName)
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.Flags().StringVar(&reportToPR, "report-to-pr", "", "post a failure summary to <owner>/<repo>#<number> on any non-zero exit")
	return cmd
}

func listTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-tasks",
		Short: "List the tasks declared in the project file",
		RunE: func(cmd *cobra.Command, args []string) error {
			pf, err := config.Load(configPath)
			if err != nil {
				return err
			}
			for _, name := range pf.ListTasks() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func runTask(ctx context.Context, taskName string) error {
	logging.Init(logging.Config{Level: logging.Level(logLevel)})
	defer logging.Sync()
	log := logging.ForTask(taskName)

	pf, err := config.Load(configPath)
	if err != nil {
		return err
	}
	task, err := pf.Task(taskName, commandLine, nil)
	if err != nil {
		return err
	}

	docker, err := dockerapi.NewRealClient()
	if err != nil {
		return fmt.Errorf("batect: connecting to Docker: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	networkName := "batect-" + uuid.NewString()
	loop := engine.NewRunLoop(task, docker, networkName, os.Getenv("TERM"), log)
	result := loop.Run(ctx)

	if result.ExitCode != 0 && reportToPR != "" {
		publishFailure(context.Background(), taskName, result, log)
	}

	if result.ExitCode != 0 {
		return &exitCodeError{code: result.ExitCode}
	}
	return nil
}

func publishFailure(ctx context.Context, taskName string, result engine.Result, log *zap.SugaredLogger) {
	target, err := publisher.ParseTarget(reportToPR)
	if err != nil {
		log.Warnw("not publishing failure summary", "error", err)
		return
	}
	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		log.Warnw("not publishing failure summary: GITHUB_TOKEN is not set")
		return
	}
	p := publisher.New(token, nil)
	if err := p.PublishFailure(ctx, target, taskName, result); err != nil {
		log.Warnw("failed to publish failure summary", "error", err)
	}
}

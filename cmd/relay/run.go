package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"phobos.org.uk/relay/internal/api"
	"phobos.org.uk/relay/internal/hook"
	"phobos.org.uk/relay/internal/loop"
	"phobos.org.uk/relay/internal/phase"
	"phobos.org.uk/relay/internal/runner"
	"phobos.org.uk/relay/internal/state"
)

var (
	runTaskPath   string
	runMaxIter    int
	runSkipVerify bool
	runDryRun     bool
	runTools      []string
)

var runCmd = &cobra.Command{
	Use:   "run <taskId>",
	Short: "Run the loop for a task from scratch",
	Long: `Run starts a fresh loop for a task, replacing any previously
persisted state. The first interrupt (Ctrl-C) requests a graceful stop at
the next phase boundary; a second interrupt cancels the running agent call.

A Failed or Stopped outcome is a normal termination: it is reported via
state and exits 0. Only validation and configuration errors exit non-zero.

Examples:
  relay run billing-v2
  relay run billing-v2 --max-iter 3 --skip-verify
  relay run billing-v2 --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runTaskPath, "task-path", "", "Task directory (default: tasks/<taskId>)")
	runCmd.Flags().IntVar(&runMaxIter, "max-iter", 0, "Iteration ceiling (default: from config)")
	runCmd.Flags().BoolVar(&runSkipVerify, "skip-verify", false, "Skip the verification phase")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Use the mock backend for every phase")
	runCmd.Flags().StringSliceVar(&runTools, "tools", nil, "Quality tools to enable (default: from config)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	orch, interrupter, err := buildOrchestrator()
	if err != nil {
		return err
	}

	taskPath := runTaskPath
	if taskPath == "" {
		taskPath = filepath.Join("tasks", taskID)
	}

	ctx, stop := watchInterrupts(cmd.Context(), interrupter)
	defer stop()

	st, err := orch.Run(ctx, loop.RunConfig{
		TaskID:        taskID,
		TaskPath:      taskPath,
		MaxIterations: runMaxIter,
		EnabledTools:  runTools,
		SkipVerify:    runSkipVerify,
	})
	return report(st, err)
}

// buildOrchestrator wires the store, runner registry, and orchestrator from
// configuration, honoring --dry-run by forcing the mock backend.
func buildOrchestrator() (*loop.Orchestrator, *loop.Interrupter, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if runDryRun {
		cfg.DefaultBackend = api.BackendMock
		cfg.Phases = nil
	}

	log := newLogger(cfg, "relay")
	store, err := newStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}

	registry := runner.NewRegistry(cfg, wd, log)
	hooks := hook.NewRegistry(log)
	hooks.Register(&hook.LoggingHook{Log: log})
	interrupter := loop.NewInterrupter()

	orch, err := loop.NewOrchestrator(cfg, store, registry, hooks, interrupter, log)
	if err != nil {
		return nil, nil, err
	}
	return orch, interrupter, nil
}

// watchInterrupts forwards SIGINT to the interrupter: first signal requests
// a graceful stop, second forces cancellation.
func watchInterrupts(ctx context.Context, interrupter *loop.Interrupter) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt)

	go func() {
		for range ch {
			if interrupter.Signal() {
				fmt.Fprintln(os.Stderr, "interrupt: stopping at next phase boundary (Ctrl-C again to force)")
			} else {
				fmt.Fprintln(os.Stderr, "interrupt: cancelling running agent")
			}
		}
	}()

	return ctx, func() { signal.Stop(ch); close(ch) }
}

// report prints the run outcome. Failed and Stopped are normal terminations.
func report(st *state.ExecutionState, err error) error {
	if st == nil {
		return err
	}

	switch st.CurrentPhase {
	case phase.Completed:
		fmt.Printf("task %s completed after %d iteration(s)\n", st.TaskID, st.CurrentIteration)
	case phase.Failed:
		fmt.Printf("task %s failed: %s\n", st.TaskID, st.ErrorMessage)
	case phase.Stopped:
		fmt.Printf("task %s stopped: %s\n", st.TaskID, st.ErrorMessage)
	default:
		fmt.Printf("task %s exhausted %d iteration(s) in phase %s (resumable with 'relay resume %s')\n",
			st.TaskID, st.CurrentIteration, st.CurrentPhase, st.TaskID)
	}
	return nil
}

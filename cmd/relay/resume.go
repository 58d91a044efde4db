package main

import (
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <taskId>",
	Short: "Resume a non-terminal task from persisted state",
	Long: `Resume continues a task's loop from its persisted state. The loop
re-enters at a fresh iteration carrying forward the saved context, so
corrective feedback from the last failed gate reaches the next
implementation attempt. Completed, failed, and stopped tasks cannot be
resumed; use 'relay clean' and 'relay run' to start over.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	orch, interrupter, err := buildOrchestrator()
	if err != nil {
		return err
	}

	ctx, stop := watchInterrupts(cmd.Context(), interrupter)
	defer stop()

	st, err := orch.Resume(ctx, args[0])
	return report(st, err)
}

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"phobos.org.uk/relay/internal/state"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [taskId]",
	Short: "Show persisted state for one task or all tasks",
	Long: `Status lists every task with persisted state, or prints the full
state of a single task.

Examples:
  relay status
  relay status billing-v2
  relay status billing-v2 --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print raw state JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := newStore(cfg)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		return printTask(store, args[0])
	}

	ids, err := store.List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	for _, id := range ids {
		st, err := store.Load(id)
		if err != nil {
			fmt.Printf("  %-30s <unreadable: %v>\n", id, err)
			continue
		}
		fmt.Printf("  %-30s %s\n", id, describe(st))
	}
	return nil
}

func printTask(store *state.Store, taskID string) error {
	st, err := store.Load(taskID)
	if err != nil {
		return err
	}

	if statusJSON {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Task:       %s\n", st.TaskID)
	fmt.Printf("Path:       %s\n", st.TaskPath)
	fmt.Printf("State:      %s\n", describe(st))
	fmt.Printf("Iterations: %d/%d\n", st.CurrentIteration, st.MaxIterations)
	if st.StartedAt != nil {
		fmt.Printf("Started:    %s\n", st.StartedAt)
	}
	if st.CompletedAt != nil {
		fmt.Printf("Finished:   %s\n", st.CompletedAt)
	}
	if st.ErrorMessage != "" {
		fmt.Printf("Error:      %s\n", st.ErrorMessage)
	}

	for _, record := range st.Iterations {
		fmt.Printf("\nIteration %d:\n", record.Iteration)
		for _, step := range record.Steps {
			line := fmt.Sprintf("  %-18s %s", step.Phase, step.Status)
			if step.Error != "" {
				line += "  (" + step.Error + ")"
			}
			fmt.Println(line)
		}
	}
	return nil
}

// describe renders a one-line task state, distinguishing an exhausted
// iteration budget from a run still in flight.
func describe(st *state.ExecutionState) string {
	if st.Exhausted() {
		return fmt.Sprintf("exhausted in %s (resumable)", st.CurrentPhase)
	}
	return st.CurrentPhase.String()
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanAll bool

var cleanCmd = &cobra.Command{
	Use:   "clean [taskId]",
	Short: "Delete persisted state for a task",
	Long: `Clean removes a task's persisted state file so the next 'relay run'
starts from scratch. Use --all to remove every task's state.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "Delete state for every task")
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	if cleanAll == (len(args) == 1) {
		return fmt.Errorf("specify either a task ID or --all")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := newStore(cfg)
	if err != nil {
		return err
	}

	if !cleanAll {
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted state for %s\n", args[0])
		return nil
	}

	ids, err := store.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := store.Delete(id); err != nil {
			return err
		}
	}
	fmt.Printf("deleted state for %d task(s)\n", len(ids))
	return nil
}

package loop

import (
	"fmt"
	"strings"

	"phobos.org.uk/relay/internal/state"
)

func buildImplementationPrompt(st *state.ExecutionState, rcfg RunConfig) string {
	parts := []string{
		fmt.Sprintf("Implement task: %s", rcfg.TaskID),
		fmt.Sprintf("Task path: %s", rcfg.TaskPath),
		fmt.Sprintf("Iteration: %d", st.CurrentIteration),
		"",
	}

	if planPhase, ok := st.Context[state.ContextPlanPhase].(string); ok && planPhase != "" {
		parts = append(parts, fmt.Sprintf("Current plan phase: %s", planPhase), "")
	}

	if fixInfo, ok := st.Context[state.ContextFixInfo].(string); ok && fixInfo != "" {
		parts = append(parts,
			"## Fix Mode",
			"",
			"Previous iteration failed. Focus on fixing these issues:",
			"",
			fixInfo,
			"",
			"Run tests after each fix to verify progress.",
		)
	} else {
		parts = append(parts,
			"## Development Cycle",
			"",
			"Follow a test-first approach:",
			"",
			"### Phase 1: Interfaces",
			fmt.Sprintf("- Read the contracts at `%s/api-contracts/`", rcfg.TaskPath),
			"- Define the types and interfaces the contracts require",
			"",
			"### Phase 2: Tests (Red)",
			fmt.Sprintf("- Read the test specs at `%s/test-specs/`", rcfg.TaskPath),
			"- Write tests from the specs; they are expected to fail first",
			"",
			"### Phase 3: Implementation (Green)",
			"- Implement until every test passes",
			"- Run the tests to verify",
		)
	}

	return strings.Join(parts, "\n")
}

func buildTestCritiquePrompt(st *state.ExecutionState, rcfg RunConfig, files []string) string {
	parts := []string{
		fmt.Sprintf("Analyze test quality for task: %s", rcfg.TaskID),
		fmt.Sprintf("Task path: %s", rcfg.TaskPath),
		fmt.Sprintf("Iteration: %d", st.CurrentIteration),
		"",
	}

	var testFiles []string
	for _, f := range files {
		if strings.Contains(strings.ToLower(f), "test") {
			testFiles = append(testFiles, f)
		}
	}
	if len(testFiles) > 0 {
		parts = append(parts, "Test files to analyze (from this iteration):")
		for _, f := range testFiles {
			parts = append(parts, "  - "+f)
		}
	} else {
		parts = append(parts, "No specific test files identified. Search for test files in the project.")
	}

	parts = append(parts,
		"",
		"Analyze tests for hollow patterns:",
		"- Over-mocking",
		"- Mocking the system under test",
		"- Placeholder tests and assertions that only check mock calls",
		"",
		"Score A/B/C = proceed, D/F = block verification (tests are hollow)",
		"",
		`Return JSON: {"critique_passed": true/false, "test_quality_score": "A-F", "fix_info": "..."}`,
	)

	return strings.Join(parts, "\n")
}

func buildVerificationPrompt(st *state.ExecutionState, rcfg RunConfig) string {
	parts := []string{
		fmt.Sprintf("Verify the implementation for task: %s", rcfg.TaskID),
		fmt.Sprintf("Task path: %s", rcfg.TaskPath),
		"",
		"Check that:",
		"1. The implementation matches the task requirements",
		"2. All acceptance criteria are met",
		"3. Tests pass (if applicable)",
	}

	if len(rcfg.VerificationScripts) > 0 {
		parts = append(parts, "", "Run verification scripts: "+strings.Join(rcfg.VerificationScripts, ", "))
	}

	parts = append(parts, "", `Return JSON: {"criteria_met": true/false, "fix_info": "..." if not met}`)
	return strings.Join(parts, "\n")
}

func buildCodeQualityPrompt(st *state.ExecutionState, rcfg RunConfig, files []string) string {
	parts := []string{
		fmt.Sprintf("Analyze code quality for task: %s", rcfg.TaskID),
		fmt.Sprintf("Task path: %s", rcfg.TaskPath),
		fmt.Sprintf("Iteration: %d", st.CurrentIteration),
		"",
	}

	if len(files) > 0 {
		parts = append(parts, "Files to analyze:")
		for _, f := range files {
			parts = append(parts, "  - "+f)
		}
	} else {
		parts = append(parts, "No specific files provided. Analyze recent changes in the task directory.")
	}

	parts = append(parts,
		"",
		"Run the enabled quality tools on these files.",
		"Filter false positives and pre-existing issues.",
		"Only fail for genuine problems in the changed code.",
		"",
		`Return JSON: {"quality_passed": true/false, "fix_info": "..." if failed}`,
	)

	return strings.Join(parts, "\n")
}

func buildManagerPrompt(st *state.ExecutionState, rcfg RunConfig) string {
	parts := []string{
		fmt.Sprintf("Update task artifacts after iteration %d for: %s", st.CurrentIteration, rcfg.TaskID),
		fmt.Sprintf("Task path: %s", rcfg.TaskPath),
		"",
	}

	if planPhase, ok := st.Context[state.ContextPlanPhase].(string); ok && planPhase != "" {
		parts = append(parts, fmt.Sprintf("Current plan phase: %s", planPhase), "")
	}

	parts = append(parts,
		"Your job:",
		fmt.Sprintf("1. Read the user stories at %s/user-stories/", rcfg.TaskPath),
		fmt.Sprintf("2. Read the implementation plan at %s/implementation-plan/", rcfg.TaskPath),
		"3. Based on what was implemented this iteration, update:",
		"   - Mark completed acceptance criteria with [x]",
		"   - Update user story status if all criteria are met",
		"   - Mark completed phases in the implementation plan",
		"",
		"Only mark items as done that are actually implemented.",
		"Be conservative - if unsure, leave it as pending.",
		"",
		`Return JSON: {"status": "success", "updates_made": [...], "items_completed": [...]}`,
	)

	return strings.Join(parts, "\n")
}

func buildCompletionPrompt(st *state.ExecutionState, rcfg RunConfig) string {
	return strings.Join([]string{
		fmt.Sprintf("Check whether task %s is complete.", rcfg.TaskID),
		fmt.Sprintf("Task path: %s", rcfg.TaskPath),
		fmt.Sprintf("Iterations completed: %d", st.CurrentIteration),
		"",
		"Verify every user story and acceptance criterion is actually met.",
		"Do not assume completion; inspect the artifacts.",
		"",
		`Return JSON: {"task_complete": true/false, "remaining_items": ["..."]}`,
	}, "\n")
}

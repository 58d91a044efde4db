// Package plan updates execution progress inside implementation-plan phase
// documents: markdown files with a Status line and an "## Execution Progress"
// table whose rows track each pipeline stage.
package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"phobos.org.uk/relay/internal/phase"
	"phobos.org.uk/relay/internal/state"
)

// RowStatus is the status rendered into a progress table row.
type RowStatus string

const (
	RowPending    RowStatus = "pending"
	RowInProgress RowStatus = "in_progress"
	RowPassed     RowStatus = "passed"
	RowFailed     RowStatus = "failed"
	RowSkipped    RowStatus = "skipped"
)

var statusSymbols = map[RowStatus]string{
	RowPending:    "⏳ Pending",
	RowInProgress: "🔄 In Progress",
	RowPassed:     "✅ Passed",
	RowFailed:     "❌ Failed",
	RowSkipped:    "⏭️ Skipped",
}

// stageLabels maps pipeline phases to their table row labels. Phases without
// a label (manager) have no progress row.
var stageLabels = map[phase.Phase]string{
	phase.Implementation:  "Implementation",
	phase.TestCritique:    "Test Critique",
	phase.Verification:    "Verification",
	phase.CodeQuality:     "Code Quality",
	phase.CompletionCheck: "Completion Check",
}

var (
	statusLineRe    = regexp.MustCompile(`(?i)^\*\*Status:\*\*\s*(.+)$`)
	altStatusLineRe = regexp.MustCompile(`(?i)^Status:\s*(.+)$`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
)

// PhaseSelection is the chosen active plan phase document.
type PhaseSelection struct {
	Path           string
	UpdatedContext bool
}

// Updater rewrites progress rows in the plan documents under
// <taskPath>/implementation-plan.
type Updater struct {
	taskPath string
	planDir  string
}

// NewUpdater creates an updater for a task directory.
func NewUpdater(taskPath string) *Updater {
	return &Updater{
		taskPath: taskPath,
		planDir:  filepath.Join(taskPath, "implementation-plan"),
	}
}

// SelectActivePhase picks the plan document work should land in: the cached
// selection from state context if still valid, otherwise the first document
// whose status is not complete, otherwise the last one. Returns nil when the
// task has no plan directory.
func (u *Updater) SelectActivePhase(st *state.ExecutionState) *PhaseSelection {
	if _, err := os.Stat(u.planDir); err != nil {
		return nil
	}

	if st != nil {
		if stored, ok := st.Context[state.ContextPlanPhase].(string); ok && stored != "" {
			candidate := filepath.Join(u.taskPath, filepath.FromSlash(stored))
			if _, err := os.Stat(candidate); err == nil {
				return &PhaseSelection{Path: candidate, UpdatedContext: u.cachePhase(st, candidate)}
			}
		}
	}

	docs := u.phaseDocs()
	if len(docs) == 0 {
		return nil
	}

	for _, doc := range docs {
		status := strings.ToLower(readStatusLine(doc))
		switch status {
		case "complete", "completed", "done":
			continue
		}
		return &PhaseSelection{Path: doc, UpdatedContext: u.cachePhase(st, doc)}
	}

	last := docs[len(docs)-1]
	return &PhaseSelection{Path: last, UpdatedContext: u.cachePhase(st, last)}
}

// UpdateProgress rewrites the stage's row in the document's Execution
// Progress table and, optionally, its Status line. Lines outside the edited
// rows are preserved byte for byte. Returns whether the file changed.
func (u *Updater) UpdateProgress(docPath string, p phase.Phase, status RowStatus, iteration int, note string, ts time.Time) (bool, error) {
	stage, ok := stageLabels[p]
	if !ok {
		return false, nil
	}
	symbol, ok := statusSymbols[status]
	if !ok {
		return false, fmt.Errorf("unknown row status %q", status)
	}

	data, err := os.ReadFile(docPath)
	if err != nil {
		return false, fmt.Errorf("reading plan document: %w", err)
	}
	content := string(data)
	trailingNewline := strings.HasSuffix(content, "\n")
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")

	changed := replaceStatusLine(lines, stage)
	if ts.IsZero() {
		ts = time.Now()
	}
	changed = updateProgressRow(lines, stage, symbol, ts.Format("2006-01-02 15:04"), normalizeNote(note, iteration)) || changed

	if !changed {
		return false, nil
	}
	out := strings.Join(lines, "\n")
	if trailingNewline {
		out += "\n"
	}
	if err := os.WriteFile(docPath, []byte(out), 0644); err != nil {
		return false, fmt.Errorf("writing plan document: %w", err)
	}
	return true, nil
}

// MarkAllComplete sets every plan document's Status line to Complete and its
// Completion Check row to passed. Returns the number of documents changed.
func (u *Updater) MarkAllComplete(note string) (int, error) {
	docs := u.phaseDocs()
	timestamp := time.Now().Format("2006-01-02 15:04")
	noteValue := "task complete"
	if note != "" {
		noteValue = normalizeNote(note, 0)
	}

	count := 0
	for _, doc := range docs {
		data, err := os.ReadFile(doc)
		if err != nil {
			continue
		}
		content := string(data)
		trailingNewline := strings.HasSuffix(content, "\n")
		lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")

		changed := replaceStatusLine(lines, "Complete")
		changed = updateProgressRow(lines, "Completion Check", statusSymbols[RowPassed], timestamp, noteValue) || changed
		if !changed {
			continue
		}

		out := strings.Join(lines, "\n")
		if trailingNewline {
			out += "\n"
		}
		if err := os.WriteFile(doc, []byte(out), 0644); err != nil {
			return count, fmt.Errorf("writing plan document: %w", err)
		}
		count++
	}
	return count, nil
}

func (u *Updater) phaseDocs() []string {
	matches, err := filepath.Glob(filepath.Join(u.planDir, "phase-*.md"))
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}

// cachePhase stores the selection in state context so later iterations keep
// writing to the same document. Reports whether the context changed.
func (u *Updater) cachePhase(st *state.ExecutionState, docPath string) bool {
	if st == nil {
		return false
	}
	rel, err := filepath.Rel(u.taskPath, docPath)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if st.Context[state.ContextPlanPhase] == rel {
		return false
	}
	st.Context[state.ContextPlanPhase] = rel
	return true
}

func readStatusLine(docPath string) string {
	data, err := os.ReadFile(docPath)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if m := statusLineRe.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[1])
		}
		if m := altStatusLineRe.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

func replaceStatusLine(lines []string, value string) bool {
	for i, line := range lines {
		if statusLineRe.MatchString(line) {
			lines[i] = "**Status:** " + value
			return true
		}
		if altStatusLineRe.MatchString(line) {
			lines[i] = "Status: " + value
			return true
		}
	}
	return false
}

// updateProgressRow rewrites the matching stage row inside the
// "## Execution Progress" section, padding missing cells with "-".
func updateProgressRow(lines []string, stage, symbol, timestamp, note string) bool {
	start, end, ok := findSection(lines, "## Execution Progress")
	if !ok {
		return false
	}

	for i := start; i < end; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, "|") {
			continue
		}
		cells := splitRow(trimmed)
		if len(cells) == 0 || !strings.EqualFold(cells[0], stage) {
			continue
		}
		for len(cells) < 4 {
			cells = append(cells, "-")
		}
		cells[1] = symbol
		cells[2] = timestamp
		cells[3] = note
		lines[i] = "| " + strings.Join(cells[:4], " | ") + " |"
		return true
	}
	return false
}

func splitRow(row string) []string {
	row = strings.Trim(strings.TrimSpace(row), "|")
	parts := strings.Split(row, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}

func findSection(lines []string, header string) (start, end int, ok bool) {
	start = -1
	for i, line := range lines {
		if strings.EqualFold(strings.TrimSpace(line), header) {
			start = i
			break
		}
	}
	if start == -1 {
		return 0, 0, false
	}
	end = len(lines)
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "## ") {
			end = i
			break
		}
	}
	return start, end, true
}

func normalizeNote(note string, iteration int) string {
	if note != "" {
		cleaned := whitespaceRe.ReplaceAllString(strings.TrimSpace(note), " ")
		if len([]rune(cleaned)) > 120 {
			cleaned = string([]rune(cleaned)[:117]) + "..."
		}
		return cleaned
	}
	if iteration > 0 {
		return fmt.Sprintf("iter %d", iteration)
	}
	return "-"
}

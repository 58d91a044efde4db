package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"phobos.org.uk/relay/internal/logging"
)

// ClaudeRunner executes prompts via the claude CLI in non-interactive
// stream-json mode. Tool-call events from the stream provide file-change
// metadata directly, so no filesystem snapshot is needed.
type ClaudeRunner struct {
	bin          string
	model        string
	maxTurns     int
	workingDir   string
	allowedTools []string
	skillsDirs   []string
	log          *logging.Logger

	sessionID string
	resume    bool
}

// ClaudeOptions configures a ClaudeRunner.
type ClaudeOptions struct {
	Model        string
	MaxTurns     int
	WorkingDir   string
	AllowedTools []string
	SkillsDirs   []string
	Logger       *logging.Logger
}

// NewClaudeRunner creates a runner with a fresh session ID for conversation
// continuity across phases.
func NewClaudeRunner(opts ClaudeOptions) *ClaudeRunner {
	bin := os.Getenv("CLAUDE_BIN")
	if bin == "" {
		bin = "claude"
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(logging.Config{Component: "claude-runner"})
	}
	wd := opts.WorkingDir
	if wd == "" {
		wd, _ = os.Getwd()
	}
	return &ClaudeRunner{
		bin:          bin,
		model:        opts.Model,
		maxTurns:     opts.MaxTurns,
		workingDir:   wd,
		allowedTools: opts.AllowedTools,
		skillsDirs:   opts.SkillsDirs,
		log:          opts.Logger,
		sessionID:    uuid.NewString(),
	}
}

func (r *ClaudeRunner) Name() string {
	return fmt.Sprintf("claude (%s)", r.model)
}

func (r *ClaudeRunner) IsAvailable() bool {
	_, err := exec.LookPath(r.bin)
	return err == nil
}

func (r *ClaudeRunner) RunAgent(ctx context.Context, spec *AgentSpec, prompt string, contextData map[string]any) Result {
	full := BuildPrompt(prompt, contextData, spec.Body, RenderSkills(spec, r.skillsDirs))
	return r.execute(ctx, full)
}

func (r *ClaudeRunner) RunPrompt(ctx context.Context, prompt, systemPrompt string) Result {
	return r.execute(ctx, BuildPrompt(prompt, nil, systemPrompt, ""))
}

func (r *ClaudeRunner) buildArgs(prompt string) []string {
	args := []string{
		"--print",
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--verbose",
	}
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	if r.maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(r.maxTurns))
	}
	if len(r.allowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(r.allowedTools, ","))
	}

	// New sessions get our UUID via --session-id; later calls resume it so
	// phases share conversation context.
	if r.resume {
		args = append(args, "--resume", r.sessionID)
	} else {
		args = append(args, "--session-id", r.sessionID)
	}

	// "--" prevents the prompt being parsed as flags.
	return append(args, "-p", "--", prompt)
}

func (r *ClaudeRunner) execute(ctx context.Context, prompt string) Result {
	cmd := exec.CommandContext(ctx, r.bin, r.buildArgs(prompt)...)
	cmd.Dir = r.workingDir
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return Failure("claude command timed out", ExitTimeout)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return Failure("claude CLI not found. Is it installed?", ExitNotFound)
	}

	parsed := r.parseStream(stdout.Bytes())

	if err != nil {
		exitCode := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		errText := strings.TrimSpace(stderr.String())
		if errText == "" {
			errText = fmt.Sprintf("exit code %d", exitCode)
		}
		r.log.Warn("claude CLI failed", map[string]any{"exit_code": exitCode})
		return Result{Output: parsed.output, Error: errText, ExitCode: exitCode}
	}

	if parsed.isError {
		return Result{
			Output:   parsed.output,
			Error:    parsed.errText,
			ExitCode: 1,
			Usage:    parsed.usage,
		}
	}

	result := Success(parsed.output, parsed.usage)
	result.FilesChanged = parsed.filesChanged
	result.FilesAdded = parsed.filesAdded
	r.resume = true
	return result
}

// claudeStreamEvent is one NDJSON line from claude --output-format stream-json.
type claudeStreamEvent struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype"`
	SessionID string         `json:"session_id,omitempty"`
	Result    string         `json:"result,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Usage     map[string]any `json:"usage,omitempty"`
	Message   struct {
		Content []claudeContentBlock `json:"content"`
	} `json:"message,omitempty"`
}

type claudeContentBlock struct {
	Type  string          `json:"type"`
	Name  string          `json:"name,omitempty"`
	Text  string          `json:"text,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type claudeParsed struct {
	output       string
	errText      string
	isError      bool
	usage        TokenUsage
	filesChanged []string
	filesAdded   []string
}

// parseStream walks the NDJSON event stream, collecting assistant text,
// tool-call file metadata, and the final result envelope. Non-JSON output
// (e.g. from mock scripts in tests) is used verbatim.
func (r *ClaudeRunner) parseStream(raw []byte) claudeParsed {
	var parsed claudeParsed
	var collected []string
	changed := map[string]bool{}
	added := map[string]bool{}
	sawEvent := false

	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var event claudeStreamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		sawEvent = true

		switch event.Type {
		case "assistant":
			for _, block := range event.Message.Content {
				switch block.Type {
				case "text":
					collected = append(collected, block.Text)
				case "tool_use":
					r.recordToolFile(block, changed, added)
				}
			}
		case "result":
			parsed.output = event.Result
			parsed.isError = event.IsError || (event.Subtype != "" && event.Subtype != "success")
			if parsed.isError {
				parsed.errText = event.Result
				if parsed.errText == "" {
					parsed.errText = "claude reported " + event.Subtype
				}
			}
			parsed.usage = NormalizeUsage(event.Usage)
			if event.SessionID != "" && isSafeSessionID(event.SessionID) {
				r.sessionID = event.SessionID
			}
		}
	}

	if !sawEvent {
		parsed.output = strings.TrimSpace(string(raw))
		return parsed
	}
	if parsed.output == "" {
		parsed.output = strings.Join(collected, "")
	}
	parsed.filesChanged = sortedKeys(changed)
	parsed.filesAdded = sortedKeys(added)
	return parsed
}

func (r *ClaudeRunner) recordToolFile(block claudeContentBlock, changed, added map[string]bool) {
	var input struct {
		FilePath string `json:"file_path"`
	}
	if len(block.Input) == 0 || json.Unmarshal(block.Input, &input) != nil || input.FilePath == "" {
		return
	}
	path := input.FilePath
	if rel, err := filepath.Rel(r.workingDir, path); err == nil && !strings.HasPrefix(rel, "..") {
		path = filepath.ToSlash(rel)
	}
	switch block.Name {
	case "Write":
		added[path] = true
	case "Edit", "MultiEdit", "NotebookEdit":
		// A file the agent created then edited stays in the added set.
		if !added[path] {
			changed[path] = true
		}
	}
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// isSafeSessionID accepts UUID-shaped identifiers only, since the session ID
// is passed back on the claude command line.
func isSafeSessionID(s string) bool {
	if len(s) == 0 || len(s) > 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}

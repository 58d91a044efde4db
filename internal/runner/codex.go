package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"

	"phobos.org.uk/relay/internal/logging"
)

// CodexRunner executes prompts via the codex CLI. Codex has no native
// file-change metadata, so changes are detected with a filesystem snapshot
// diff around the invocation.
type CodexRunner struct {
	bin               string
	model             string
	sandbox           string
	dangerouslyBypass bool
	workingDir        string
	skillsDirs        []string
	log               *logging.Logger
}

// CodexOptions configures a CodexRunner.
type CodexOptions struct {
	Model             string
	Sandbox           string
	DangerouslyBypass bool
	WorkingDir        string
	SkillsDirs        []string
	Logger            *logging.Logger
}

func NewCodexRunner(opts CodexOptions) *CodexRunner {
	bin := os.Getenv("CODEX_BIN")
	if bin == "" {
		bin = "codex"
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(logging.Config{Component: "codex-runner"})
	}
	wd := opts.WorkingDir
	if wd == "" {
		wd, _ = os.Getwd()
	}
	return &CodexRunner{
		bin:               bin,
		model:             opts.Model,
		sandbox:           opts.Sandbox,
		dangerouslyBypass: opts.DangerouslyBypass,
		workingDir:        wd,
		skillsDirs:        opts.SkillsDirs,
		log:               opts.Logger,
	}
}

func (r *CodexRunner) Name() string {
	if r.model != "" {
		return fmt.Sprintf("codex (%s)", r.model)
	}
	return "codex"
}

func (r *CodexRunner) IsAvailable() bool {
	_, err := exec.LookPath(r.bin)
	return err == nil
}

func (r *CodexRunner) RunAgent(ctx context.Context, spec *AgentSpec, prompt string, contextData map[string]any) Result {
	full := BuildPrompt(prompt, contextData, spec.Body, RenderSkills(spec, r.skillsDirs))
	return r.execute(ctx, full)
}

func (r *CodexRunner) RunPrompt(ctx context.Context, prompt, systemPrompt string) Result {
	return r.execute(ctx, BuildPrompt(prompt, nil, systemPrompt, ""))
}

func (r *CodexRunner) buildArgs(lastMessagePath string) []string {
	args := []string{
		"exec",
		"-", // prompt arrives on stdin
		"--output-last-message", lastMessagePath,
		"--cd", r.workingDir,
	}
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	if r.dangerouslyBypass {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	} else if r.sandbox != "" {
		args = append(args, "--sandbox", r.sandbox)
	}
	return args
}

func (r *CodexRunner) execute(ctx context.Context, prompt string) Result {
	lastMessage, err := os.CreateTemp("", "relay-codex-*.txt")
	if err != nil {
		return Failure(fmt.Sprintf("creating output file: %v", err), 1)
	}
	lastMessagePath := lastMessage.Name()
	lastMessage.Close()
	defer os.Remove(lastMessagePath)

	tracker := NewFileChangeTracker(r.workingDir)

	cmd := exec.CommandContext(ctx, r.bin, r.buildArgs(lastMessagePath)...)
	cmd.Dir = r.workingDir
	cmd.Env = os.Environ()
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return Failure("codex command timed out", ExitTimeout)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return Failure("codex CLI not found. Is it installed?", ExitNotFound)
	}
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
		r.log.Warn("codex CLI failed", map[string]any{"exit_code": exitCode})
		return Result{Output: stdout.String(), Error: errText, ExitCode: exitCode}
	}

	// The last agent message is the authoritative output; stdout carries the
	// full transcript including token accounting lines.
	output := readLastMessage(lastMessagePath)
	if output == "" {
		output = strings.TrimSpace(stdout.String())
	}

	result := Success(output, nil)
	result.Usage = r.extractUsage(result.Structured, stdout.String())
	result.FilesChanged, result.FilesAdded = tracker.Diff()
	return result
}

func readLastMessage(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// extractUsage prefers usage embedded in the structured payload, then falls
// back to the transcript's token accounting.
func (r *CodexRunner) extractUsage(structured map[string]any, transcript string) TokenUsage {
	if u := UsageFromStructured(structured); u != nil {
		return u
	}
	if raw := ExtractJSON(transcript); raw != nil {
		if u := UsageFromStructured(raw); u != nil {
			return u
		}
	}
	return nil
}

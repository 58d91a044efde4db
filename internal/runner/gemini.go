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

// GeminiRunner executes prompts via the gemini CLI. Like codex it lacks
// native file-change metadata, so a snapshot diff is used.
type GeminiRunner struct {
	bin        string
	model      string
	workingDir string
	skillsDirs []string
	log        *logging.Logger
}

// GeminiOptions configures a GeminiRunner.
type GeminiOptions struct {
	Model      string
	WorkingDir string
	SkillsDirs []string
	Logger     *logging.Logger
}

func NewGeminiRunner(opts GeminiOptions) *GeminiRunner {
	bin := os.Getenv("GEMINI_BIN")
	if bin == "" {
		bin = "gemini"
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(logging.Config{Component: "gemini-runner"})
	}
	wd := opts.WorkingDir
	if wd == "" {
		wd, _ = os.Getwd()
	}
	return &GeminiRunner{
		bin:        bin,
		model:      opts.Model,
		workingDir: wd,
		skillsDirs: opts.SkillsDirs,
		log:        opts.Logger,
	}
}

func (r *GeminiRunner) Name() string {
	if r.model != "" {
		return fmt.Sprintf("gemini (%s)", r.model)
	}
	return "gemini"
}

func (r *GeminiRunner) IsAvailable() bool {
	_, err := exec.LookPath(r.bin)
	return err == nil
}

func (r *GeminiRunner) RunAgent(ctx context.Context, spec *AgentSpec, prompt string, contextData map[string]any) Result {
	full := BuildPrompt(prompt, contextData, spec.Body, RenderSkills(spec, r.skillsDirs))
	return r.execute(ctx, full)
}

func (r *GeminiRunner) RunPrompt(ctx context.Context, prompt, systemPrompt string) Result {
	return r.execute(ctx, BuildPrompt(prompt, nil, systemPrompt, ""))
}

func (r *GeminiRunner) execute(ctx context.Context, prompt string) Result {
	args := []string{"--yolo"}
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	args = append(args, "-p", prompt)

	tracker := NewFileChangeTracker(r.workingDir)

	cmd := exec.CommandContext(ctx, r.bin, args...)
	cmd.Dir = r.workingDir
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return Failure("gemini command timed out", ExitTimeout)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return Failure("gemini CLI not found. See: https://github.com/google-gemini/gemini-cli", ExitNotFound)
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
		r.log.Warn("gemini CLI failed", map[string]any{"exit_code": exitCode})
		return Result{Output: stdout.String(), Error: errText, ExitCode: exitCode}
	}

	result := Success(strings.TrimSpace(stdout.String()), nil)
	result.Usage = UsageFromStructured(result.Structured)
	result.FilesChanged, result.FilesAdded = tracker.Diff()
	return result
}

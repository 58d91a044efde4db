package runner

import (
	"fmt"
	"sync"

	"phobos.org.uk/relay/internal/api"
	"phobos.org.uk/relay/internal/config"
	"phobos.org.uk/relay/internal/logging"
	"phobos.org.uk/relay/internal/phase"
)

// Registry resolves runners per phase from configuration. Runners are
// constructed lazily and memoized per backend identifier so all phases
// assigned to one backend share a runner (and its session).
type Registry struct {
	cfg        *config.Config
	workingDir string
	log        *logging.Logger

	mu    sync.Mutex
	cache map[string]Runner
}

// NewRegistry creates a registry over a validated configuration.
func NewRegistry(cfg *config.Config, workingDir string, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.New(logging.Config{Component: "registry"})
	}
	return &Registry{
		cfg:        cfg,
		workingDir: workingDir,
		log:        log,
		cache:      map[string]Runner{},
	}
}

// Register installs a pre-built runner for a backend identifier, bypassing
// construction. Used to inject mocks.
func (r *Registry) Register(backend string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[backend] = runner
}

// ForPhase returns the runner assigned to a phase.
func (r *Registry) ForPhase(p phase.Phase) (Runner, error) {
	return r.ForBackend(r.cfg.PhaseBackend(p))
}

// ForBackend returns the memoized runner for a backend identifier,
// constructing it on first use.
func (r *Registry) ForBackend(backend string) (Runner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if runner, ok := r.cache[backend]; ok {
		return runner, nil
	}

	runner, err := r.build(backend)
	if err != nil {
		return nil, err
	}
	r.cache[backend] = runner
	return runner, nil
}

func (r *Registry) build(backend string) (Runner, error) {
	switch backend {
	case api.BackendClaude:
		return NewClaudeRunner(ClaudeOptions{
			Model:        r.cfg.Claude.Model,
			MaxTurns:     r.cfg.Claude.MaxTurns,
			WorkingDir:   r.workingDir,
			AllowedTools: r.cfg.EnabledTools,
			SkillsDirs:   r.cfg.SkillsDirs,
			Logger:       r.log,
		}), nil
	case api.BackendCodex:
		return NewCodexRunner(CodexOptions{
			Model:             r.cfg.Codex.Model,
			Sandbox:           r.cfg.Codex.Sandbox,
			DangerouslyBypass: r.cfg.Codex.DangerouslyBypass,
			WorkingDir:        r.workingDir,
			SkillsDirs:        r.cfg.SkillsDirs,
			Logger:            r.log,
		}), nil
	case api.BackendGemini:
		return NewGeminiRunner(GeminiOptions{
			Model:      r.cfg.Gemini.Model,
			WorkingDir: r.workingDir,
			SkillsDirs: r.cfg.SkillsDirs,
			Logger:     r.log,
		}), nil
	case api.BackendMock:
		return NewMockRunner(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}

// CheckAvailability eagerly constructs every configured backend and returns
// the identifiers whose CLIs are missing. An empty slice means all backends
// are usable.
func (r *Registry) CheckAvailability() ([]string, error) {
	var missing []string
	for _, backend := range r.cfg.Backends() {
		runner, err := r.ForBackend(backend)
		if err != nil {
			return nil, err
		}
		if !runner.IsAvailable() {
			missing = append(missing, backend)
		}
	}
	return missing, nil
}

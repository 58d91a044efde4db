// Package config loads and validates relay configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
	"phobos.org.uk/relay/internal/api"
	"phobos.org.uk/relay/internal/phase"
)

// Config represents the relay configuration
type Config struct {
	LogLevel       string                 `yaml:"log_level"`
	StateDir       string                 `yaml:"state_dir"`     // Directory for persisted execution state
	AgentsDir      string                 `yaml:"agents_dir"`    // Directory containing agent spec files
	SkillsDirs     []string               `yaml:"skills_dirs"`   // Search directories for skill libraries
	DefaultBackend string                 `yaml:"default_backend"` // claude, codex, gemini, mock
	MaxIterations  int                    `yaml:"max_iterations"`
	EnabledTools   []string               `yaml:"enabled_tools,omitempty"`
	Phases         map[string]PhaseConfig `yaml:"phases,omitempty"` // Per-phase backend overrides
	Claude         ClaudeConfig           `yaml:"claude"`
	Codex          CodexConfig            `yaml:"codex"`
	Gemini         GeminiConfig           `yaml:"gemini"`
	Serve          ServeConfig            `yaml:"serve"`
}

// PhaseConfig assigns a backend, optional agent variant, and timeout to a
// single pipeline phase. Missing fields inherit process-wide defaults.
type PhaseConfig struct {
	Backend string        `yaml:"backend,omitempty"`
	Variant string        `yaml:"variant,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// ClaudeConfig holds Claude CLI settings
type ClaudeConfig struct {
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxTurns int           `yaml:"max_turns"` // Maximum conversation turns per execution (default: 50)
}

// CodexConfig holds Codex CLI settings.
type CodexConfig struct {
	Model             string        `yaml:"model"`
	Timeout           time.Duration `yaml:"timeout"`
	Sandbox           string        `yaml:"sandbox"`
	DangerouslyBypass bool          `yaml:"dangerously_bypass"`
}

// GeminiConfig holds Gemini CLI settings.
type GeminiConfig struct {
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// ServeConfig holds status server settings.
type ServeConfig struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"api_key,omitempty"` // Hashed at startup; empty disables auth
}

// Defaults
const (
	DefaultLogLevel      = "info"
	DefaultBackend       = api.BackendClaude
	DefaultMaxIterations = 10
	DefaultClaudeModel   = "sonnet"
	DefaultTimeout       = 30 * time.Minute
	DefaultMaxTurns      = 50
	DefaultCodexSandbox  = "workspace-write"
	DefaultServeAddr     = ":9100"
	DefaultAgentsDir     = "agents"
)

// Parse parses YAML config data
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStatePath()
	}
	if len(cfg.SkillsDirs) == 0 {
		cfg.SkillsDirs = defaultSkillsDirs(cfg.AgentsDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load loads config from a file path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Default returns a config with default values
func Default() *Config {
	return &Config{
		LogLevel:       DefaultLogLevel,
		StateDir:       DefaultStatePath(),
		AgentsDir:      DefaultAgentsDir,
		SkillsDirs:     defaultSkillsDirs(DefaultAgentsDir),
		DefaultBackend: DefaultBackend,
		MaxIterations:  DefaultMaxIterations,
		Claude: ClaudeConfig{
			Model:    DefaultClaudeModel,
			Timeout:  DefaultTimeout,
			MaxTurns: DefaultMaxTurns,
		},
		Codex: CodexConfig{
			Timeout: DefaultTimeout,
			Sandbox: DefaultCodexSandbox,
		},
		Gemini: GeminiConfig{
			Timeout: DefaultTimeout,
		},
		Serve: ServeConfig{
			Addr: DefaultServeAddr,
		},
	}
}

// Validate checks config validity
func (c *Config) Validate() error {
	if !validBackend(c.DefaultBackend) {
		return fmt.Errorf("default_backend must be claude, codex, gemini, or mock, got %q", c.DefaultBackend)
	}

	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", c.MaxIterations)
	}

	if c.Claude.Timeout < time.Second {
		return fmt.Errorf("claude timeout must be at least 1 second, got %v", c.Claude.Timeout)
	}
	if c.Claude.MaxTurns < 1 {
		return fmt.Errorf("claude max_turns must be at least 1, got %d", c.Claude.MaxTurns)
	}
	if c.Codex.Timeout < time.Second {
		return fmt.Errorf("codex timeout must be at least 1 second, got %v", c.Codex.Timeout)
	}
	if c.Gemini.Timeout < time.Second {
		return fmt.Errorf("gemini timeout must be at least 1 second, got %v", c.Gemini.Timeout)
	}

	for name, pc := range c.Phases {
		if _, ok := phase.Parse(name); !ok {
			return fmt.Errorf("phases: unknown phase %q", name)
		}
		if pc.Backend != "" && !validBackend(pc.Backend) {
			return fmt.Errorf("phases.%s: unknown backend %q", name, pc.Backend)
		}
		if pc.Timeout != 0 && pc.Timeout < time.Second {
			return fmt.Errorf("phases.%s: timeout must be at least 1 second, got %v", name, pc.Timeout)
		}
	}

	return nil
}

// PhaseBackend returns the backend identifier assigned to a phase, falling
// back to the process-wide default.
func (c *Config) PhaseBackend(p phase.Phase) string {
	if pc, ok := c.Phases[p.String()]; ok && pc.Backend != "" {
		return pc.Backend
	}
	return c.DefaultBackend
}

// PhaseVariant returns the agent spec variant configured for a phase, or "".
func (c *Config) PhaseVariant(p phase.Phase) string {
	if pc, ok := c.Phases[p.String()]; ok {
		return pc.Variant
	}
	return ""
}

// PhaseTimeout returns the per-call timeout for a phase, falling back to the
// assigned backend's timeout.
func (c *Config) PhaseTimeout(p phase.Phase) time.Duration {
	if pc, ok := c.Phases[p.String()]; ok && pc.Timeout != 0 {
		return pc.Timeout
	}
	switch c.PhaseBackend(p) {
	case api.BackendCodex:
		return c.Codex.Timeout
	case api.BackendGemini:
		return c.Gemini.Timeout
	default:
		return c.Claude.Timeout
	}
}

// Backends returns the deduplicated set of backend identifiers referenced by
// this configuration (default plus per-phase overrides).
func (c *Config) Backends() []string {
	seen := map[string]bool{c.DefaultBackend: true}
	out := []string{c.DefaultBackend}
	for _, p := range phase.Pipeline() {
		b := c.PhaseBackend(p)
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

func validBackend(name string) bool {
	switch name {
	case api.BackendClaude, api.BackendCodex, api.BackendGemini, api.BackendMock:
		return true
	}
	return false
}

// DefaultStatePath returns the default state directory path.
// Uses RELAY_ROOT env var if set, otherwise ~/.relay/state
func DefaultStatePath() string {
	root := os.Getenv("RELAY_ROOT")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "/tmp"
		}
		root = filepath.Join(home, ".relay")
	}
	return filepath.Join(root, "state")
}

func defaultSkillsDirs(agentsDir string) []string {
	sibling := filepath.Join(filepath.Dir(agentsDir), "skills")
	if sibling == "skills" {
		return []string{"skills"}
	}
	return []string{sibling, "skills"}
}

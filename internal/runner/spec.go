package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentSpec is a parsed agent specification: YAML frontmatter naming the
// agent and its skills, and a markdown body used as system instructions.
type AgentSpec struct {
	Name        string
	Description string
	Skills      []string
	Body        string
	Path        string
}

type specFrontmatter struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Skills      skillList `yaml:"skills"`
}

// skillList accepts both the inline comma-separated form
// (skills: ruff, ty) and a YAML sequence.
type skillList []string

func (s *skillList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		for _, name := range strings.Split(node.Value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				*s = append(*s, name)
			}
		}
		return nil
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		*s = names
		return nil
	}
	return fmt.Errorf("skills must be a string or list")
}

// LoadAgentSpec reads and parses an agent spec file.
func LoadAgentSpec(path string) (*AgentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent spec: %w", err)
	}

	frontmatter, body := SplitFrontmatter(string(data))
	spec := &AgentSpec{
		Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Body: strings.TrimSpace(body),
		Path: path,
	}
	if frontmatter != "" {
		var fm specFrontmatter
		if err := yaml.Unmarshal([]byte(frontmatter), &fm); err != nil {
			return nil, fmt.Errorf("parsing agent spec frontmatter: %w", err)
		}
		if fm.Name != "" {
			spec.Name = fm.Name
		}
		spec.Description = fm.Description
		spec.Skills = fm.Skills
	}
	return spec, nil
}

// SplitFrontmatter splits YAML frontmatter from markdown content. The
// frontmatter is empty if the content does not start with a --- delimiter.
func SplitFrontmatter(content string) (frontmatter, body string) {
	if !strings.HasPrefix(content, "---") {
		return "", content
	}
	parts := strings.SplitN(content, "---", 3)
	if len(parts) < 3 {
		return "", content
	}
	return parts[1], parts[2]
}

// FindSkillText loads a skill's markdown body by searching candidate
// directories for <dir>/<name>/SKILL.md. Returns "" if not found.
func FindSkillText(name string, dirs []string) string {
	for _, dir := range dirs {
		data, err := os.ReadFile(filepath.Join(dir, name, "SKILL.md"))
		if err != nil {
			continue
		}
		_, body := SplitFrontmatter(string(data))
		return strings.TrimSpace(body)
	}
	return ""
}

// RenderSkills renders the spec's referenced skills as markdown sections.
// Missing skills are skipped.
func RenderSkills(spec *AgentSpec, skillsDirs []string) string {
	var sections []string
	for _, name := range spec.Skills {
		if text := FindSkillText(name, skillsDirs); text != "" {
			sections = append(sections, fmt.Sprintf("## Skill: %s\n\n%s", name, text))
		}
	}
	return strings.Join(sections, "\n\n")
}

// BuildPrompt assembles the full prompt text sent to a CLI backend: system
// instructions and skills first, then the prompt, then a JSON context block.
func BuildPrompt(prompt string, contextData map[string]any, systemPrompt, skillsPrompt string) string {
	var parts []string

	var prelude []string
	if systemPrompt != "" {
		prelude = append(prelude, strings.TrimSpace(systemPrompt))
	}
	if skillsPrompt != "" {
		prelude = append(prelude, strings.TrimSpace(skillsPrompt))
	}
	if len(prelude) > 0 {
		parts = append(parts, strings.Join(prelude, "\n\n"), "", "---", "")
	}

	parts = append(parts, prompt)

	if len(contextData) > 0 {
		encoded, err := json.MarshalIndent(contextData, "", "  ")
		if err == nil {
			parts = append(parts, "", "## Context", "", "```json", string(encoded), "```")
		}
	}

	return strings.Join(parts, "\n")
}

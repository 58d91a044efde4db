package runner

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedJSON = regexp.MustCompile("(?s)```json\\s*\\n(.*?)\\n\\s*```")

// ExtractJSON extracts a structured payload from mixed text/markdown agent
// output. Fenced blocks tagged as JSON take precedence over standalone
// brace-balanced objects in the raw text. When multiple candidates parse,
// the last one wins: later blocks supersede earlier draft output.
func ExtractJSON(output string) map[string]any {
	if strings.TrimSpace(output) == "" {
		return nil
	}
	if m := parseFencedJSON(output); m != nil {
		return m
	}
	return parseBraceJSON(output)
}

func parseFencedJSON(output string) map[string]any {
	var last map[string]any
	for _, match := range fencedJSON.FindAllStringSubmatch(output, -1) {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(match[1])), &parsed); err == nil {
			last = parsed
		}
	}
	return last
}

// parseBraceJSON scans raw text line by line for brace-balanced blocks that
// decode as JSON objects. Brace counting ignores string context; that is an
// accepted heuristic for agent output.
func parseBraceJSON(output string) map[string]any {
	var last map[string]any
	for _, block := range collectBraceBlocks(strings.Split(strings.TrimSpace(output), "\n")) {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(strings.Join(block, "\n")), &parsed); err == nil {
			last = parsed
		}
	}
	return last
}

func collectBraceBlocks(lines []string) [][]string {
	var blocks [][]string
	var current []string
	depth := 0

	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		delta := strings.Count(stripped, "{") - strings.Count(stripped, "}")

		switch {
		case depth == 0 && strings.HasPrefix(stripped, "{"):
			current = []string{line}
			depth = delta
			if depth == 0 {
				blocks = append(blocks, current)
				current = nil
			}
		case depth > 0:
			current = append(current, line)
			depth += delta
			if depth <= 0 {
				blocks = append(blocks, current)
				current = nil
				depth = 0
			}
		}
	}
	return blocks
}

// Summarize truncates agent output to at most n runes for step records.
func Summarize(output string, n int) string {
	text := strings.TrimSpace(output)
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}

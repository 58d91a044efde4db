package runner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractJSONFencedBlocks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		output string
		want   map[string]any
	}{
		{
			name:   "single fenced block",
			output: "Analysis done.\n```json\n{\"passed\": true}\n```\n",
			want:   map[string]any{"passed": true},
		},
		{
			name:   "last fenced block wins",
			output: "```json\n{\"a\": 1}\n```\ndraft superseded\n```json\n{\"a\": 2}\n```",
			want:   map[string]any{"a": float64(2)},
		},
		{
			name:   "invalid block falls through to valid one",
			output: "```json\n{\"ok\": true}\n```\n```json\n{broken\n```",
			want:   map[string]any{"ok": true},
		},
		{
			name:   "no json",
			output: "plain prose with no structure",
			want:   nil,
		},
		{
			name:   "empty",
			output: "   \n",
			want:   nil,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, ExtractJSON(tc.output))
		})
	}
}

func TestExtractJSONBraceFallback(t *testing.T) {
	t.Parallel()

	output := "Here is the verdict:\n{\n  \"task_complete\": true,\n  \"nested\": {\"depth\": 2}\n}\ntrailing prose"
	got := ExtractJSON(output)
	require.Equal(t, true, got["task_complete"])
	require.Equal(t, map[string]any{"depth": float64(2)}, got["nested"])
}

func TestExtractJSONBraceLastWins(t *testing.T) {
	t.Parallel()

	output := "{\"v\": 1}\nsome text\n{\"v\": 2}"
	require.Equal(t, map[string]any{"v": float64(2)}, ExtractJSON(output))
}

func TestExtractJSONPrefersFencedOverBraces(t *testing.T) {
	t.Parallel()

	output := "{\"raw\": true}\n```json\n{\"fenced\": true}\n```"
	require.Equal(t, map[string]any{"fenced": true}, ExtractJSON(output))
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	require.Equal(t, "short", Summarize("  short \n", 10))
	require.Equal(t, "lo...", Summarize("longer text", 2))
}

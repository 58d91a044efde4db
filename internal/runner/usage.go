package runner

// Canonical token usage keys.
const (
	UsageInput      = "input_tokens"
	UsageOutput     = "output_tokens"
	UsageCacheRead  = "cache_read_input_tokens"
	UsageCacheWrite = "cache_write_input_tokens"
	UsageReasoning  = "reasoning_tokens"
	UsageTotal      = "total_tokens"
)

// TokenUsage maps canonical usage keys to counts. A nil map means the
// backend reported no usage at all, which is distinct from zero tokens.
type TokenUsage map[string]int

// Total returns the total token count, deriving it from input and output
// when the backend did not report one.
func (u TokenUsage) Total() int {
	if v, ok := u[UsageTotal]; ok {
		return v
	}
	return u[UsageInput] + u[UsageOutput]
}

// usageAliases maps each canonical key to the backend-specific names it may
// arrive under, in precedence order.
var usageAliases = []struct {
	target  string
	aliases []string
}{
	{UsageInput, []string{"input_tokens", "prompt_tokens", "prompt", "input"}},
	{UsageOutput, []string{"output_tokens", "completion_tokens", "completion", "output"}},
	{UsageCacheRead, []string{"cache_read_input_tokens", "cache_read_tokens", "cached_tokens", "cache_read"}},
	{UsageCacheWrite, []string{"cache_creation_input_tokens", "cache_write_input_tokens", "cache_creation", "cache_write"}},
	{UsageReasoning, []string{"reasoning_tokens", "reasoning_output_tokens", "reasoning"}},
	{UsageTotal, []string{"total_tokens", "total_token_usage", "total"}},
}

// NormalizeUsage maps an arbitrary backend usage payload onto the canonical
// key set. Returns nil if the payload carries no recognizable counts. When
// no total is present but input or output are, the total is derived as
// their sum.
func NormalizeUsage(raw map[string]any) TokenUsage {
	if len(raw) == 0 {
		return nil
	}

	result := TokenUsage{}
	for _, entry := range usageAliases {
		for _, alias := range entry.aliases {
			if n, ok := asInt(raw[alias]); ok {
				result[entry.target] = n
				break
			}
		}
	}
	if len(result) == 0 {
		return nil
	}

	if _, ok := result[UsageTotal]; !ok {
		if total := result[UsageInput] + result[UsageOutput]; total > 0 {
			result[UsageTotal] = total
		}
	}
	return result
}

// UsageFromStructured pulls usage out of a structured payload, checking the
// conventional nesting keys before treating the payload itself as a usage map.
func UsageFromStructured(structured map[string]any) TokenUsage {
	if structured == nil {
		return nil
	}
	for _, key := range []string{"token_usage", "usage"} {
		if nested, ok := structured[key].(map[string]any); ok {
			if u := NormalizeUsage(nested); u != nil {
				return u
			}
		}
	}
	return NormalizeUsage(structured)
}

// asInt converts JSON numbers to int, rejecting bools (which satisfy
// numeric-looking YAML/JSON coercions in some payloads).
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case bool:
		return 0, false
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// Package testutil provides helpers shared by relay tests: deterministic
// port allocation, health polling, and mock backend CLI scripts.
package testutil

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// AllocateTestPort returns a deterministic port based on test name
func AllocateTestPort(t *testing.T) int {
	t.Helper()
	return AllocateTestPortN(t, 0)
}

// AllocateTestPortN returns a deterministic port based on test name and index.
// Use different index values to get multiple unique ports within the same test.
func AllocateTestPortN(t *testing.T, n int) int {
	t.Helper()
	h := fnv.New32a()
	h.Write([]byte(t.Name()))
	h.Write([]byte{byte(n)})
	return 10000 + int(h.Sum32()%10000)
}

// WaitForHealthy waits for a URL to return 200 OK
func WaitForHealthy(t *testing.T, url string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(50 * time.Millisecond)
	}

	t.Fatalf("Service at %s did not become healthy within %v", url, timeout)
}

// Eventually retries a condition until it returns true or timeout expires
func Eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Condition did not become true within timeout")
}

// WriteScript writes an executable shell script into a temp dir and returns
// its path. Point CLAUDE_BIN / CODEX_BIN / GEMINI_BIN at it to mock a backend.
func WriteScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mock-cli")
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatalf("writing mock script: %v", err)
	}
	return path
}

// MockClaudeScript returns a bash script that emits the given stream-json
// lines the way claude --output-format stream-json does.
func MockClaudeScript(lines string) string {
	return fmt.Sprintf(`#!/bin/bash
cat <<'STREAM'
%s
STREAM
`, lines)
}

// ClaudeResultLine returns a mock stream-json result event.
func ClaudeResultLine(result string) string {
	return fmt.Sprintf(`{"type":"result","subtype":"success","session_id":"11111111-2222-3333-4444-555555555555","result":%q,"usage":{"input_tokens":100,"output_tokens":50}}`, result)
}

// ClaudeErrorLine returns a mock stream-json error result event.
func ClaudeErrorLine(message string) string {
	return fmt.Sprintf(`{"type":"result","subtype":"error_during_execution","is_error":true,"result":%q}`, message)
}

// MockCodexScript returns a bash script that simulates codex exec: it drains
// stdin, echoes a transcript, and writes the last message to the path given
// after --output-last-message.
func MockCodexScript(lastMessage string) string {
	return fmt.Sprintf(`#!/bin/bash
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "--output-last-message" ]; then out="$a"; fi
  prev="$a"
done
cat >/dev/null
echo "codex transcript"
if [ -n "$out" ]; then cat <<'RELAY_LAST_MESSAGE' > "$out"
%s
RELAY_LAST_MESSAGE
fi
`, lastMessage)
}

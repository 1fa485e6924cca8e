package pythonbridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"IRIS-Chain/internal/llm"
)

func TestGenerateRoundTripsThroughScript(t *testing.T) {
	dir := t.TempDir()
	script := `cat > request.json
printf '%s' '{"content":"","tool_calls":[{"name":"maps","arguments":"{\"input\":\"cafes\"}"}]}'
`
	if err := os.WriteFile(filepath.Join(dir, "bridge.sh"), []byte(script), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}

	client, err := NewClient("sh", "bridge.sh", dir)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := client.Generate(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Query: cafes"}},
		Tools:    []llm.Tool{{Name: "maps", Description: "places"}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments != `{"input":"cafes"}` {
		t.Fatalf("unexpected response: %+v", resp)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "request.json"))
	if err != nil {
		t.Fatalf("read captured request: %v", err)
	}
	var sent struct {
		Messages  []llm.Message `json:"messages"`
		Tools     []llm.Tool    `json:"tools"`
		Timestamp int64         `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &sent); err != nil {
		t.Fatalf("decode captured request: %v", err)
	}
	if len(sent.Messages) != 1 || len(sent.Tools) != 1 || sent.Timestamp == 0 {
		t.Fatalf("unexpected request payload: %s", raw)
	}
}

func TestGenerateScriptFailure(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "fail.sh"), []byte("echo boom >&2\nexit 3\n"), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	client, _ := NewClient("sh", "fail.sh", dir)
	if _, err := client.Generate(context.Background(), llm.Request{}); err == nil {
		t.Fatalf("expected error from failing script")
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/srv", "bridge.py"); got != "/srv/bridge.py" {
		t.Fatalf("unexpected path %s", got)
	}
	if got := ResolveScriptPath("/srv", "/abs/bridge.py"); got != "/abs/bridge.py" {
		t.Fatalf("absolute path should be kept, got %s", got)
	}
}

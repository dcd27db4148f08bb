package reconciler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"forgeloop/internal/gitmutex"
	"forgeloop/internal/llmclient"
	"forgeloop/internal/taskqueue"
)

func newTestLLM(t *testing.T, content string) *llmclient.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": content}, "finish_reason": "stop"},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	client, err := llmclient.New([]llmclient.Endpoint{{Name: "t", URL: srv.URL, Weight: 1}}, "m", 100, 0.1)
	if err != nil {
		t.Fatalf("llmclient.New: %v", err)
	}
	return client
}

func TestSweep_OracleGreenInjectsNothing(t *testing.T) {
	llm := newTestLLM(t, `[]`)
	var injected []*taskqueue.Task
	inject := func(ctx context.Context, task *taskqueue.Task) error {
		injected = append(injected, task)
		return nil
	}
	oracle := []OracleCommand{{Name: "true-check", Args: []string{"true"}}}
	r := New(gitmutex.New(), ".", oracle, llm, inject, time.Hour, 5, nil)

	r.sweep(context.Background())
	if len(injected) != 0 {
		t.Fatalf("expected no injected tasks for a green oracle, got %d", len(injected))
	}
}

func TestSweep_OracleFailureInjectsFixTasks(t *testing.T) {
	llm := newTestLLM(t, `[{"id":"fix-1","description":"fix the thing","scope":["src/a.go"]}]`)
	var mu sync.Mutex
	var injected []*taskqueue.Task
	inject := func(ctx context.Context, task *taskqueue.Task) error {
		mu.Lock()
		injected = append(injected, task)
		mu.Unlock()
		return nil
	}
	oracle := []OracleCommand{{Name: "fail-check", Args: []string{"false"}}}
	r := New(gitmutex.New(), ".", oracle, llm, inject, time.Hour, 5, nil)

	r.sweep(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(injected) != 1 {
		t.Fatalf("expected one injected fix task, got %d", len(injected))
	}
	if injected[0].Priority != 1 {
		t.Errorf("fix task priority = %d, want 1", injected[0].Priority)
	}
}

func TestParseFixTasks_CapsAtMax(t *testing.T) {
	raw := `[{"description":"a"},{"description":"b"},{"description":"c"}]`
	tasks := parseFixTasks(raw, 2)
	if len(tasks) != 2 {
		t.Fatalf("expected cap of 2, got %d", len(tasks))
	}
}

func TestGroupFailures_GroupsByFile(t *testing.T) {
	failures := []commandFailure{
		{command: "vet", output: "src/a.go:10: unused variable\nsrc/a.go:12: unused import\nsrc/b.go:1: syntax error"},
	}
	report := groupFailures(failures)
	if report == "" {
		t.Fatal("expected non-empty report")
	}
}

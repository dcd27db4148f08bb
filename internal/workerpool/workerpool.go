// Package workerpool dispatches a single task into an ephemeral sandbox
// subprocess and collects its Handoff. There are no long-lived workers:
// every dispatch spawns a fresh container/job, streams its NDJSON stdout,
// and tears the sandbox down on the way out, following the same
// spawn/attach/stream/remove shape as internal/docker's RunTask and
// internal/k8s's RunJob.
package workerpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Handoff is the result of one sandbox dispatch, as defined by the
// orchestrator's data model. The sandbox subprocess emits this as the final
// line of its NDJSON stdout.
type Handoff struct {
	TaskID       string   `json:"taskId"`
	Status       string   `json:"status"` // complete | partial | failed | blocked
	Summary      string   `json:"summary"`
	FilesChanged []string `json:"filesChanged"`
	Diff         string   `json:"diff"`
	Concerns     []string `json:"concerns"`
	Suggestions  []string `json:"suggestions"`
	Metrics      Metrics  `json:"metrics"`
}

// Metrics is the Handoff's accounting block.
type Metrics struct {
	LinesAdded    int   `json:"linesAdded"`
	LinesRemoved  int   `json:"linesRemoved"`
	FilesCreated  int   `json:"filesCreated"`
	FilesModified int   `json:"filesModified"`
	TokensUsed    int   `json:"tokensUsed"`
	ToolCallCount int   `json:"toolCallCount"`
	DurationMs    int64 `json:"durationMs"`
}

const (
	StatusComplete = "complete"
	StatusPartial  = "partial"
	StatusFailed   = "failed"
	StatusBlocked  = "blocked"
)

// LLMConfig is the subset of LLM Client configuration a sandboxed worker
// needs to call its own endpoint directly.
type LLMConfig struct {
	Endpoint    string  `json:"endpoint"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
	APIKey      string  `json:"apiKey,omitempty"`
}

// Payload is serialized and handed to the sandbox subprocess as its sole
// argument.
type Payload struct {
	Task         TaskView          `json:"task"`
	SystemPrompt string            `json:"systemPrompt"`
	RepoURL      string            `json:"repoUrl"`
	GitToken     string            `json:"gitToken"`
	LLMConfig    LLMConfig         `json:"llmConfig"`
	Trace        map[string]string `json:"traceContext,omitempty"`
}

// TaskView is the subset of a task's fields the sandbox needs; it mirrors
// taskqueue.Task without importing it, so this package has no dependency on
// queue internals.
type TaskView struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Scope       []string `json:"scope"`
	Acceptance  string   `json:"acceptance"`
	Branch      string   `json:"branch"`
}

// Backend spawns one sandbox for spec, streams its combined stdout/stderr
// line by line to onLine, and blocks until it exits or ctx is cancelled.
// internal/docker's Client.RunTask and internal/k8s's Client.RunJob both
// satisfy this shape.
type Backend interface {
	Run(ctx context.Context, spec Spec, onLine func(string)) (int64, error)
}

// Spec is the backend-agnostic description of one sandbox run.
type Spec struct {
	Image  string
	Cmd    []string
	Env    []string
	Stdin  []byte
	CPU    int64
	Memory int64
}

var phasePrefix = regexp.MustCompile(`^\[(spawn|worker:[^\]]+)\]`)

// Pool dispatches tasks into ephemeral sandboxes through a Backend,
// enforcing workerTimeout via context cancellation and tracking branches
// whose dispatch timed out so the merge queue can skip them.
type Pool struct {
	backend Backend
	timeout time.Duration
	logger  *slog.Logger

	mu             sync.Mutex
	timedOutBranch map[string]bool
}

// New constructs a Pool. timeout bounds each task's sandbox wall-clock
// budget; a timed-out sandbox is hard-killed by cancelling the backend's
// context, which the Docker/K8s backends turn into a container stop or
// job delete.
func New(backend Backend, timeout time.Duration, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		backend:        backend,
		timeout:        timeout,
		logger:         logger,
		timedOutBranch: make(map[string]bool),
	}
}

// TimedOut reports whether branch's dispatch previously hard-timed-out.
func (p *Pool) TimedOut(branch string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timedOutBranch[branch]
}

// AssignTask spawns task's sandbox, streams its progress, and returns its
// Handoff. It never returns a raw transport error for a task-level failure:
// spawn errors, timeouts, and malformed/missing Handoff output are all
// turned into a synthesized failed Handoff so callers only ever branch on
// Handoff.Status.
func (p *Pool) AssignTask(ctx context.Context, task TaskView, spec Spec, payload Payload) Handoff {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return p.synthesizeFailure(task.ID, fmt.Errorf("marshal sandbox payload: %w", err))
	}
	spec.Cmd = append(append([]string{}, spec.Cmd...), string(body))

	var lastLine string
	var mu sync.Mutex
	onLine := func(line string) {
		mu.Lock()
		if strings.TrimSpace(line) != "" {
			lastLine = line
		}
		mu.Unlock()
		p.emitProgress(task.ID, line)
	}

	_, runErr := p.backend.Run(ctx, spec, onLine)

	if ctx.Err() == context.DeadlineExceeded {
		p.mu.Lock()
		p.timedOutBranch[task.Branch] = true
		p.mu.Unlock()
		return p.synthesizeFailure(task.ID, fmt.Errorf("sandbox timed out after %s", p.timeout))
	}

	mu.Lock()
	final := lastLine
	mu.Unlock()

	if final == "" {
		cause := runErr
		if cause == nil {
			cause = fmt.Errorf("sandbox produced no output")
		}
		return p.synthesizeFailure(task.ID, fmt.Errorf("no handoff line: %w", cause))
	}

	handoff, err := parseHandoff(final)
	if err != nil {
		return p.synthesizeFailure(task.ID, fmt.Errorf("parse handoff: %w", err))
	}
	if handoff.Metrics.DurationMs == 0 {
		handoff.Metrics.DurationMs = time.Since(start).Milliseconds()
	}
	return handoff
}

func (p *Pool) emitProgress(taskID, line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	if json.Valid([]byte(line)) {
		// A bare JSON line mid-stream (not the final handoff) is still
		// progress, just structured; fall through to log it as such.
	}
	phase := "output"
	if m := phasePrefix.FindStringSubmatch(line); m != nil {
		phase = m[1]
	}
	p.logger.Info("worker progress", slog.String("taskId", taskID), slog.String("phase", phase), slog.String("message", line))
}

func (p *Pool) synthesizeFailure(taskID string, cause error) Handoff {
	p.logger.Error("worker dispatch failed", slog.String("taskId", taskID), slog.String("error", cause.Error()))
	return Handoff{
		TaskID:      taskID,
		Status:      StatusFailed,
		Summary:     cause.Error(),
		Suggestions: []string{"retry as a direct worker dispatch"},
	}
}

// parseHandoff decodes the sandbox's final stdout line as a Handoff JSON
// object. A line wrapped in whitespace or a trailing non-JSON fragment is
// tolerated by trimming to the outermost brace pair.
func parseHandoff(line string) (Handoff, error) {
	line = strings.TrimSpace(line)
	start := strings.IndexByte(line, '{')
	end := strings.LastIndexByte(line, '}')
	if start < 0 || end < 0 || end < start {
		return Handoff{}, fmt.Errorf("no JSON object found in final line")
	}
	var h Handoff
	dec := json.NewDecoder(bytes.NewReader([]byte(line[start : end+1])))
	if err := dec.Decode(&h); err != nil {
		return Handoff{}, err
	}
	switch h.Status {
	case StatusComplete, StatusPartial, StatusFailed, StatusBlocked:
	default:
		return Handoff{}, fmt.Errorf("handoff has invalid status %q", h.Status)
	}
	return h, nil
}

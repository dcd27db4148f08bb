// Package subplanner decomposes an oversized task into a set of narrower
// subtasks, dispatches them concurrently through the same path a top-level
// task would take, and aggregates their handoffs back into one Handoff for
// the parent.
package subplanner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"forgeloop/internal/llmclient"
	"forgeloop/internal/prompts"
	"forgeloop/internal/taskqueue"
	"forgeloop/internal/utils"
	"forgeloop/internal/workerpool"
)

// DispatchChild dispatches one subtask at the given recursion depth,
// applying the same direct-vs-further-decomposition decision a top-level
// dispatch would. The planner supplies this so subplanner has no import-time
// dependency on it.
type DispatchChild func(ctx context.Context, task *taskqueue.Task, depth int) workerpool.Handoff

// RawSubtask is the shape the sub-planner LLM emits per subtask.
type RawSubtask struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Scope       []string `json:"scope"`
	Acceptance  string   `json:"acceptance"`
	Priority    *int     `json:"priority"`
}

// Subplanner holds the configuration needed to decompose and dispatch.
type Subplanner struct {
	llm                 *llmclient.Client
	overrides           llmclient.Overrides
	dispatchChild       DispatchChild
	maxDepth            int
	maxSubtasksPerLevel int
	logger              *slog.Logger
}

// New constructs a Subplanner. maxDepth is stored but not consulted here:
// whether a subtask is decomposed further is decided by dispatchChild.
// maxSubtasksPerLevel caps fan-out per decomposition (an implementation
// choice: the source leaves fan-out unbounded, which under worst-case growth
// could balloon the pending queue far past what the concurrency limiter
// alone would keep sane).
func New(llm *llmclient.Client, overrides llmclient.Overrides, maxDepth, maxSubtasksPerLevel int, dispatchChild DispatchChild, logger *slog.Logger) *Subplanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subplanner{
		llm:                 llm,
		overrides:           overrides,
		dispatchChild:       dispatchChild,
		maxDepth:            maxDepth,
		maxSubtasksPerLevel: maxSubtasksPerLevel,
		logger:              logger,
	}
}

func syntheticFailure(parentID string, cause error) workerpool.Handoff {
	return workerpool.Handoff{
		TaskID:      parentID,
		Status:      workerpool.StatusFailed,
		Summary:     cause.Error(),
		Suggestions: []string{"retry as a direct worker dispatch"},
	}
}

// Decompose calls the LLM with the sub-planner prompt for parent, validates
// and dispatches the surviving subtasks concurrently, and aggregates their
// handoffs into a single Handoff for parent. depth is the parent's current
// recursion depth; children are dispatched at depth+1.
func (s *Subplanner) Decompose(ctx context.Context, parent *taskqueue.Task, depth int) workerpool.Handoff {
	prompt, err := prompts.GetPrompt(prompts.SubPlanner, map[string]string{
		"parent_id":          parent.ID,
		"parent_description": parent.Description,
		"parent_scope":       strings.Join(parent.Scope, ", "),
		"parent_acceptance":  parent.Acceptance,
		"depth":              strconv.Itoa(depth),
	})
	if err != nil {
		return syntheticFailure(parent.ID, fmt.Errorf("render sub-planner prompt: %w", err))
	}

	resp, err := s.llm.Complete(ctx, []llmclient.Message{{Role: "user", Content: prompt}}, s.overrides)
	if err != nil {
		return syntheticFailure(parent.ID, fmt.Errorf("sub-planner LLM call: %w", err))
	}

	raw := parseSubtasks(resp.Content)
	subtasks := s.validate(parent, raw)
	if len(subtasks) == 0 {
		return syntheticFailure(parent.ID, fmt.Errorf("sub-planner produced no valid subtasks for %s", parent.ID))
	}

	if len(subtasks) > s.maxSubtasksPerLevel {
		s.logger.Warn("sub-planner fan-out capped",
			slog.String("parentId", parent.ID),
			slog.Int("proposed", len(subtasks)),
			slog.Int("cap", s.maxSubtasksPerLevel))
		subtasks = subtasks[:s.maxSubtasksPerLevel]
	}

	var wg sync.WaitGroup
	handoffs := make([]workerpool.Handoff, len(subtasks))
	for i, st := range subtasks {
		i, st := i, st
		wg.Add(1)
		go func() {
			defer wg.Done()
			handoffs[i] = s.dispatchChild(ctx, st, depth+1)
		}()
	}
	wg.Wait()

	return aggregate(parent.ID, subtasks, handoffs)
}

func parseSubtasks(raw string) []RawSubtask {
	body := utils.CleanCodeBlock(raw)
	start := strings.IndexByte(body, '[')
	end := strings.LastIndexByte(body, ']')
	if start < 0 || end < start {
		return nil
	}
	var out []RawSubtask
	if err := json.Unmarshal([]byte(body[start:end+1]), &out); err != nil {
		return nil
	}
	return out
}

// validate keeps only the scope entries a subtask shares with its parent's
// scope and drops any subtask left with an empty scope.
func (s *Subplanner) validate(parent *taskqueue.Task, raw []RawSubtask) []*taskqueue.Task {
	parentScope := make(map[string]bool, len(parent.Scope))
	for _, p := range parent.Scope {
		parentScope[p] = true
	}

	var out []*taskqueue.Task
	for i, rt := range raw {
		var scope []string
		for _, p := range rt.Scope {
			if parentScope[p] {
				scope = append(scope, p)
			}
		}
		if len(scope) == 0 {
			s.logger.Warn("sub-planner dropped subtask with no scope overlapping parent",
				slog.String("parentId", parent.ID), slog.String("subtaskId", rt.ID))
			continue
		}
		id := rt.ID
		if id == "" {
			id = fmt.Sprintf("%s-sub-%02d", parent.ID, i+1)
		}
		priority := 5
		if rt.Priority != nil {
			priority = *rt.Priority
		}
		out = append(out, &taskqueue.Task{
			ID:          id,
			Description: rt.Description,
			Scope:       scope,
			Acceptance:  rt.Acceptance,
			Branch:      fmt.Sprintf("%s-sub", parent.Branch) + "-" + id,
			Priority:    priority,
			CreatedAt:   time.Now(),
			ParentID:    parent.ID,
		})
	}
	return out
}

// aggregate combines subtask handoffs into one Handoff for parentID,
// following the status/metrics/union rules a parent dispatch must report.
func aggregate(parentID string, subtasks []*taskqueue.Task, handoffs []workerpool.Handoff) workerpool.Handoff {
	var (
		completeN, failedN int
		metrics            workerpool.Metrics
		filesSeen          = map[string]bool{}
		files               []string
		concerns, suggestions []string
	)

	for i, h := range handoffs {
		switch h.Status {
		case workerpool.StatusComplete:
			completeN++
		case workerpool.StatusFailed:
			failedN++
		}
		metrics.LinesAdded += h.Metrics.LinesAdded
		metrics.LinesRemoved += h.Metrics.LinesRemoved
		metrics.FilesCreated += h.Metrics.FilesCreated
		metrics.FilesModified += h.Metrics.FilesModified
		metrics.TokensUsed += h.Metrics.TokensUsed
		metrics.ToolCallCount += h.Metrics.ToolCallCount
		if h.Metrics.DurationMs > metrics.DurationMs {
			metrics.DurationMs = h.Metrics.DurationMs
		}
		for _, f := range h.FilesChanged {
			if !filesSeen[f] {
				filesSeen[f] = true
				files = append(files, f)
			}
		}
		prefix := subtasks[i].ID
		for _, c := range h.Concerns {
			concerns = append(concerns, fmt.Sprintf("[%s] %s", prefix, c))
		}
		for _, sg := range h.Suggestions {
			suggestions = append(suggestions, fmt.Sprintf("[%s] %s", prefix, sg))
		}
	}

	status := workerpool.StatusBlocked
	switch {
	case completeN == len(handoffs):
		status = workerpool.StatusComplete
	case failedN == len(handoffs):
		status = workerpool.StatusFailed
	case completeN > 0 || failedN > 0:
		status = workerpool.StatusPartial
	}

	return workerpool.Handoff{
		TaskID:       parentID,
		Status:       status,
		Summary:      fmt.Sprintf("aggregated %d subtask(s): %d complete, %d failed", len(handoffs), completeN, failedN),
		FilesChanged: files,
		Concerns:     concerns,
		Suggestions:  suggestions,
		Metrics:      metrics,
	}
}

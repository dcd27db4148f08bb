// Package planner runs the orchestrator's single long-lived LLM
// conversation: it emits task batches, dispatches them through a
// concurrency limiter into the worker pool (or the sub-planner, for
// oversized tasks), collects handoffs, and re-plans once enough of them
// have accumulated.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"forgeloop/internal/llmclient"
	"forgeloop/internal/prompts"
	"forgeloop/internal/subplanner"
	"forgeloop/internal/taskqueue"
	"forgeloop/internal/workerpool"
)

// repoContext is the subset of *git.Client the planner reads to describe
// repository state in its messages.
type repoContext interface {
	LsFiles(dir string) ([]string, error)
	LogSubjects(dir string, n int) ([]string, error)
}

// Config carries every tunable named in the external interface table, with
// spec defaults applied by Load (see internal/config).
type Config struct {
	Request             string
	RepoDir             string
	SpecArtifactPaths    []string // e.g. SPEC.md, FEATURES.md, AGENTS.md, DECISIONS.md
	BranchPrefix        string
	SandboxImage        string
	SandboxCmd          []string
	SandboxEnv          []string
	RepoURL             string
	GitToken            string
	LLMConfig           workerpool.LLMConfig
	MaxWorkers          int
	SubplanThreshold    int
	MaxDepth            int
	MaxSubtasksPerLevel int
	LoopSleep           time.Duration
	MinHandoffsForReplan int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	MaxConsecutiveErrors int
	MaxHandoffsInMessage int
	MaxFilesInMessage    int
	MaxIterations       int // 0 = unbounded
}

// Planner owns the streaming conversation and the dispatch pipeline.
type Planner struct {
	cfg    Config
	llm    *llmclient.Client
	pool   *workerpool.Pool
	sub    *subplanner.Subplanner
	repo   repoContext
	queue  *taskqueue.Queue
	logger *slog.Logger

	onDispatchStart func(taskID string)
	onHandoff       func(workerpool.Handoff)
	onMerge         func(branch string)

	limiter chan struct{}

	mu               sync.Mutex
	dispatchedIDs    map[string]bool
	activeIDs        map[string]bool
	pendingHandoffs  []workerpool.Handoff
	scratchpad       string
	conversation     []llmclient.Message
	planningDone     bool
	taskSeq          int

	running int32
	stop    chan struct{}
	once    sync.Once
}

// New constructs a Planner. pool is the worker pool used for direct
// dispatch; the sub-planner it owns routes back into dispatchWithDepth for
// any further decomposition, so recursion stays inside this package.
func New(cfg Config, llm *llmclient.Client, pool *workerpool.Pool, repo repoContext, queue *taskqueue.Queue, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 100
	}
	if cfg.SubplanThreshold <= 0 {
		cfg.SubplanThreshold = 4
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if cfg.MaxSubtasksPerLevel <= 0 {
		cfg.MaxSubtasksPerLevel = 16
	}
	if cfg.LoopSleep <= 0 {
		cfg.LoopSleep = 500 * time.Millisecond
	}
	if cfg.MinHandoffsForReplan <= 0 {
		cfg.MinHandoffsForReplan = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 10
	}
	if cfg.MaxHandoffsInMessage <= 0 {
		cfg.MaxHandoffsInMessage = 20
	}
	if cfg.MaxFilesInMessage <= 0 {
		cfg.MaxFilesInMessage = 30
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "agent/"
	}

	p := &Planner{
		cfg:           cfg,
		llm:           llm,
		pool:          pool,
		repo:          repo,
		queue:         queue,
		logger:        logger,
		limiter:       make(chan struct{}, cfg.MaxWorkers),
		dispatchedIDs: make(map[string]bool),
		activeIDs:     make(map[string]bool),
		stop:          make(chan struct{}),
	}
	p.sub = subplanner.New(llm, llmclient.Overrides{}, cfg.MaxDepth, cfg.MaxSubtasksPerLevel, p.dispatchWithDepth, logger)
	return p
}

// OnDispatchStart registers a callback fired when a top-level task begins
// dispatch — the orchestrator shell wires this to the Monitor.
func (p *Planner) OnDispatchStart(fn func(taskID string)) { p.onDispatchStart = fn }

// OnHandoff registers a callback fired once a dispatch finishes, whatever
// its outcome — the orchestrator shell wires this to the Monitor and, for
// successful handoffs, the Merge Queue.
func (p *Planner) OnHandoff(fn func(workerpool.Handoff)) { p.onHandoff = fn }

// Stop requests the loop to exit at its next tick boundary. Idempotent.
func (p *Planner) Stop() {
	p.once.Do(func() { close(p.stop) })
}

// Run drives the streaming planner loop until ctx is cancelled, Stop is
// called, planning completes with no outstanding work, or
// MaxConsecutiveErrors is reached.
func (p *Planner) Run(ctx context.Context) error {
	atomic.StoreInt32(&p.running, 1)
	defer atomic.StoreInt32(&p.running, 0)

	var consecutiveErrors int
	backoff := p.cfg.BackoffBase
	firstIter := true

	for iter := 0; p.cfg.MaxIterations == 0 || iter < p.cfg.MaxIterations; iter++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stop:
			return nil
		default:
		}

		sinceLastPlan := p.handoffsSinceLastPlan()
		hasCapacity := p.hasCapacity()
		noActiveWork := p.activeCount() == 0

		replan := !p.planningDone && hasCapacity && (firstIter || sinceLastPlan >= p.cfg.MinHandoffsForReplan || noActiveWork)

		if replan {
			tasks, err := p.replan(ctx, firstIter)
			firstIter = false
			if err != nil {
				consecutiveErrors++
				p.logger.Error("planner replan failed", slog.Int("consecutiveErrors", consecutiveErrors), slog.String("error", err.Error()))
				if consecutiveErrors >= p.cfg.MaxConsecutiveErrors {
					return fmt.Errorf("planner: %d consecutive errors, aborting: %w", consecutiveErrors, err)
				}
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				case <-p.stop:
					return nil
				}
				if backoff *= 2; backoff > p.cfg.BackoffMax {
					backoff = p.cfg.BackoffMax
				}
				continue
			}
			consecutiveErrors = 0
			backoff = p.cfg.BackoffBase
			if len(tasks) == 0 {
				p.planningDone = true
			}
			for _, t := range tasks {
				go p.dispatchSingle(ctx, t)
			}
		}

		if p.planningDone && p.activeCount() == 0 && p.queue.PendingCount() == 0 {
			return nil
		}

		select {
		case <-time.After(p.cfg.LoopSleep):
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stop:
			return nil
		}
	}
	return nil
}

// InjectTask bypasses the LLM conversation entirely and enters the dispatch
// pipeline directly — used by the reconciler and the merge-conflict
// handler. It returns immediately; dispatch happens asynchronously.
func (p *Planner) InjectTask(ctx context.Context, t *taskqueue.Task) error {
	p.mu.Lock()
	if p.dispatchedIDs[t.ID] {
		p.mu.Unlock()
		return fmt.Errorf("planner: task %q already dispatched", t.ID)
	}
	p.dispatchedIDs[t.ID] = true
	p.mu.Unlock()

	if err := p.queue.Enqueue(t); err != nil {
		return err
	}
	go p.dispatchSingle(ctx, t)
	return nil
}

func (p *Planner) hasCapacity() bool {
	return len(p.limiter) < cap(p.limiter)
}

func (p *Planner) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activeIDs)
}

func (p *Planner) handoffsSinceLastPlan() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pendingHandoffs)
}

// replan builds the appropriate message, calls the LLM, parses the
// response, filters out already-dispatched ids, and returns the surviving
// tasks ready for dispatch (already marked dispatched and enqueued).
func (p *Planner) replan(ctx context.Context, initial bool) ([]*taskqueue.Task, error) {
	var msg string
	var err error
	if initial {
		msg, err = p.buildInitialMessage()
	} else {
		msg, err = p.buildFollowUpMessage()
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.conversation = append(p.conversation, llmclient.Message{Role: "user", Content: msg})
	convo := append([]llmclient.Message{}, p.conversation...)
	p.mu.Unlock()

	resp, err := p.llm.Complete(ctx, convo, llmclient.Overrides{})
	if err != nil {
		return nil, fmt.Errorf("planner LLM call: %w", err)
	}

	p.mu.Lock()
	p.conversation = append(p.conversation, llmclient.Message{Role: "assistant", Content: resp.Content})
	// The handoffs folded into this replan's follow-up message are now
	// accounted for; clear them so the next low-watermark count starts
	// fresh.
	p.pendingHandoffs = nil
	p.mu.Unlock()

	scratchpad, raw := parseResponse(resp.Content)
	if scratchpad != "" {
		p.mu.Lock()
		p.scratchpad = scratchpad
		p.mu.Unlock()
	}

	var out []*taskqueue.Task
	for _, rt := range raw {
		p.mu.Lock()
		p.taskSeq++
		seq := p.taskSeq
		p.mu.Unlock()

		rt = fillDefaults(rt, seq, p.cfg.BranchPrefix)

		p.mu.Lock()
		if p.dispatchedIDs[rt.ID] {
			p.mu.Unlock()
			continue
		}
		p.dispatchedIDs[rt.ID] = true
		p.mu.Unlock()

		priority := 5
		if rt.Priority != nil {
			priority = *rt.Priority
		}
		task := &taskqueue.Task{
			ID:          rt.ID,
			Description: rt.Description,
			Scope:       rt.Scope,
			Acceptance:  rt.Acceptance,
			Branch:      rt.Branch,
			Priority:    priority,
			CreatedAt:   time.Now(),
		}
		if err := p.queue.Enqueue(task); err != nil {
			p.logger.Warn("planner dropped duplicate task", slog.String("taskId", task.ID), slog.String("error", err.Error()))
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

func (p *Planner) buildInitialMessage() (string, error) {
	tree, commits := p.repoSnapshot()
	return prompts.GetPrompt(prompts.Planner, map[string]string{
		"request":        p.cfg.Request,
		"spec_artifacts": p.specArtifacts(),
		"file_tree":      tree,
		"recent_commits": commits,
		"dispatched_ids": "(none yet)",
		"active_ids":     "(none yet)",
		"handoffs":       "(none yet)",
	})
}

func (p *Planner) buildFollowUpMessage() (string, error) {
	tree, commits := p.repoSnapshot()

	p.mu.Lock()
	dispatched := make([]string, 0, len(p.dispatchedIDs))
	for id := range p.dispatchedIDs {
		dispatched = append(dispatched, id)
	}
	active := make([]string, 0, len(p.activeIDs))
	for id := range p.activeIDs {
		active = append(active, id)
	}
	handoffs := append([]workerpool.Handoff{}, p.pendingHandoffs...)
	p.mu.Unlock()

	return prompts.GetPrompt(prompts.Planner, map[string]string{
		"request":        p.cfg.Request,
		"spec_artifacts": p.specArtifacts(),
		"file_tree":      tree,
		"recent_commits": commits,
		"dispatched_ids": strings.Join(dispatched, ", "),
		"active_ids":     strings.Join(active, ", "),
		"handoffs":       p.formatHandoffs(handoffs),
	})
}

func (p *Planner) formatHandoffs(handoffs []workerpool.Handoff) string {
	if len(handoffs) == 0 {
		return "(none)"
	}
	n := len(handoffs)
	if n > p.cfg.MaxHandoffsInMessage {
		n = p.cfg.MaxHandoffsInMessage
	}
	var b strings.Builder
	for _, h := range handoffs[:n] {
		summary := h.Summary
		if len(summary) > 300 {
			summary = summary[:300] + "…"
		}
		files := h.FilesChanged
		if len(files) > p.cfg.MaxFilesInMessage {
			files = files[:p.cfg.MaxFilesInMessage]
		}
		fmt.Fprintf(&b, "- %s [%s]: %s\n  files: %s\n", h.TaskID, h.Status, summary, strings.Join(files, ", "))
		for _, c := range h.Concerns {
			fmt.Fprintf(&b, "  concern: %s\n", c)
		}
		for _, s := range h.Suggestions {
			fmt.Fprintf(&b, "  suggestion: %s\n", s)
		}
	}
	if len(handoffs) > n {
		fmt.Fprintf(&b, "(%d more handoffs omitted)\n", len(handoffs)-n)
	}
	return b.String()
}

func (p *Planner) repoSnapshot() (tree, commits string) {
	tree = "(unavailable)"
	commits = "(unavailable)"
	if p.repo == nil || p.cfg.RepoDir == "" {
		return
	}
	if files, err := p.repo.LsFiles(p.cfg.RepoDir); err == nil {
		tree = strings.Join(files, "\n")
	}
	if subjects, err := p.repo.LogSubjects(p.cfg.RepoDir, 15); err == nil {
		commits = strings.Join(subjects, "\n")
	}
	return
}

func (p *Planner) specArtifacts() string {
	var b strings.Builder
	for _, rel := range p.cfg.SpecArtifactPaths {
		path := filepath.Join(p.cfg.RepoDir, rel)
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n\n", rel, string(content))
	}
	if b.Len() == 0 {
		return "(none present)"
	}
	return b.String()
}

// dispatchSingle runs the full lifecycle for one top-level task: transitioning
// it through the task queue, dispatching (directly or via the sub-planner,
// which acquires the limiter per leaf dispatch), and publishing the
// resulting handoff to every registered callback.
func (p *Planner) dispatchSingle(ctx context.Context, task *taskqueue.Task) {
	p.mu.Lock()
	p.activeIDs[task.ID] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.activeIDs, task.ID)
		p.mu.Unlock()
	}()

	if _, err := p.queue.Assign(task.ID); err != nil {
		p.logger.Warn("planner: assign failed", slog.String("taskId", task.ID), slog.String("error", err.Error()))
	}
	if _, err := p.queue.Start(task.ID); err != nil {
		p.logger.Warn("planner: start failed", slog.String("taskId", task.ID), slog.String("error", err.Error()))
	}
	if p.onDispatchStart != nil {
		p.onDispatchStart(task.ID)
	}

	handoff := p.dispatchWithDepth(ctx, task, 0)

	switch handoff.Status {
	case workerpool.StatusComplete:
		p.queue.Complete(task.ID)
	case workerpool.StatusFailed:
		p.queue.Fail(task.ID)
	case workerpool.StatusBlocked:
		p.queue.Block(task.ID)
	case workerpool.StatusPartial:
		p.queue.Partial(task.ID)
	}

	p.mu.Lock()
	p.pendingHandoffs = append(p.pendingHandoffs, handoff)
	p.mu.Unlock()

	if p.onHandoff != nil {
		p.onHandoff(handoff)
	}
	if handoff.Status == workerpool.StatusComplete && p.onMerge != nil {
		p.onMerge(task.Branch)
	}
}

// OnMergeEnqueue registers a callback fired with a branch name whenever a
// top-level task completes successfully — the orchestrator shell wires this
// to the Merge Queue's Enqueue.
func (p *Planner) OnMergeEnqueue(fn func(branch string)) { p.onMerge = fn }

// dispatchWithDepth decides, for one task at one recursion depth, whether
// to dispatch it directly into the worker pool or route it through the
// sub-planner for further decomposition.
func (p *Planner) dispatchWithDepth(ctx context.Context, task *taskqueue.Task, depth int) workerpool.Handoff {
	if depth <= p.cfg.MaxDepth && len(task.Scope) >= p.cfg.SubplanThreshold {
		return p.sub.Decompose(ctx, task, depth)
	}
	return p.directDispatch(ctx, task)
}

// directDispatch is the single point where a task reaches the worker pool,
// for both top-level tasks and subtasks the sub-planner recurses into — it
// acquires the concurrency-limiter slot so no dispatch path, however deep,
// can run more live sandboxes than maxWorkers allows.
func (p *Planner) directDispatch(ctx context.Context, task *taskqueue.Task) workerpool.Handoff {
	select {
	case p.limiter <- struct{}{}:
	case <-ctx.Done():
		return workerpool.Handoff{TaskID: task.ID, Status: workerpool.StatusFailed, Summary: ctx.Err().Error()}
	}
	defer func() { <-p.limiter }()

	systemPrompt, err := prompts.GetPrompt(prompts.CodingAgent, map[string]string{
		"task_id":          task.ID,
		"task_description": task.Description,
		"task_scope":       strings.Join(task.Scope, ", "),
		"task_acceptance":  task.Acceptance,
	})
	if err != nil {
		p.logger.Error("planner: render coding_agent prompt failed", slog.String("error", err.Error()))
		systemPrompt = task.Description
	}

	view := workerpool.TaskView{
		ID:          task.ID,
		Description: task.Description,
		Scope:       task.Scope,
		Acceptance:  task.Acceptance,
		Branch:      task.Branch,
	}
	payload := workerpool.Payload{
		Task:         view,
		SystemPrompt: systemPrompt,
		RepoURL:      p.cfg.RepoURL,
		GitToken:     p.cfg.GitToken,
		LLMConfig:    p.cfg.LLMConfig,
	}
	spec := workerpool.Spec{
		Image: p.cfg.SandboxImage,
		Cmd:   append([]string{}, p.cfg.SandboxCmd...),
		Env:   append([]string{}, p.cfg.SandboxEnv...),
	}
	return p.pool.AssignTask(ctx, view, spec, payload)
}

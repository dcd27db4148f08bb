// Package reconciler periodically runs the target repository's build/test
// oracle under the git mutex, and when it fails, asks the LLM for a bounded
// batch of fix tasks to inject back into the planner.
package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"forgeloop/internal/gitmutex"
	"forgeloop/internal/llmclient"
	"forgeloop/internal/prompts"
	"forgeloop/internal/taskqueue"
	"forgeloop/internal/utils"
)

// OracleCommand is one build/test step run against the target repo, e.g.
// {Name: "typecheck", Args: []string{"go", "vet", "./..."}}.
type OracleCommand struct {
	Name string
	Args []string
}

// Injector enters the planner's dispatch pipeline directly, bypassing the
// LLM conversation — satisfied by (*planner.Planner).InjectTask.
type Injector func(ctx context.Context, task *taskqueue.Task) error

// Reconciler owns the periodic healthcheck sweep.
type Reconciler struct {
	mutex    *gitmutex.Mutex
	repoDir  string
	oracle   []OracleCommand
	llm      *llmclient.Client
	inject   Injector
	interval time.Duration
	maxFix   int
	logger   *slog.Logger

	taskSeq int
}

// New constructs a Reconciler. interval defaults to 5 minutes and maxFix to
// 5 when zero, matching the spec defaults.
func New(mutex *gitmutex.Mutex, repoDir string, oracle []OracleCommand, llm *llmclient.Client, inject Injector, interval time.Duration, maxFix int, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if maxFix <= 0 {
		maxFix = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		mutex:    mutex,
		repoDir:  repoDir,
		oracle:   oracle,
		llm:      llm,
		inject:   inject,
		interval: interval,
		maxFix:   maxFix,
		logger:   logger,
	}
}

// Run ticks until ctx is cancelled, performing one sweep per tick. A failed
// sweep (oracle error, LLM error, malformed response) is logged and skipped;
// the next tick retries from scratch.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

type commandFailure struct {
	command string
	output  string
}

func (r *Reconciler) sweep(ctx context.Context) {
	var failures []commandFailure
	err := r.mutex.Do(ctx, func() error {
		failures = r.runOracle(ctx)
		return nil
	})
	if err != nil {
		r.logger.Error("reconciler sweep could not acquire git mutex", slog.String("error", err.Error()))
		return
	}
	if len(failures) == 0 {
		return
	}

	report := groupFailures(failures)
	prompt, err := prompts.GetPrompt(prompts.Reconciler, map[string]string{
		"failure_report": report,
		"max_fix_tasks":  fmt.Sprintf("%d", r.maxFix),
	})
	if err != nil {
		r.logger.Error("reconciler: render prompt failed", slog.String("error", err.Error()))
		return
	}

	resp, err := r.llm.Complete(ctx, []llmclient.Message{{Role: "user", Content: prompt}}, llmclient.Overrides{})
	if err != nil {
		r.logger.Error("reconciler LLM call failed, will retry next sweep", slog.String("error", err.Error()))
		return
	}

	tasks := parseFixTasks(resp.Content, r.maxFix)
	if len(tasks) == 0 {
		r.logger.Warn("reconciler: LLM proposed no fix tasks for a failing sweep")
		return
	}

	for _, rt := range tasks {
		r.taskSeq++
		task := &taskqueue.Task{
			ID:          nonEmpty(rt.ID, fmt.Sprintf("reconciler-fix-%03d", r.taskSeq)),
			Description: rt.Description,
			Scope:       rt.Scope,
			Acceptance:  nonEmpty(rt.Acceptance, "build and test oracle pass"),
			Branch:      fmt.Sprintf("agent/fix-%03d", r.taskSeq),
			Priority:    1,
		}
		if err := r.inject(ctx, task); err != nil {
			r.logger.Warn("reconciler: failed to inject fix task", slog.String("taskId", task.ID), slog.String("error", err.Error()))
		}
	}
}

// runOracle executes every configured command in order and collects the
// ones that failed, along with their combined output.
func (r *Reconciler) runOracle(ctx context.Context) []commandFailure {
	var failures []commandFailure
	for _, oc := range r.oracle {
		if len(oc.Args) == 0 {
			continue
		}
		cmd := exec.CommandContext(ctx, oc.Args[0], oc.Args[1:]...)
		cmd.Dir = r.repoDir
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		if err := cmd.Run(); err != nil {
			failures = append(failures, commandFailure{command: oc.Name, output: out.String()})
		}
	}
	return failures
}

var fileRefRe = regexp.MustCompile(`(?m)^([\w./-]+\.[a-zA-Z0-9]+):(\d+)`)

// groupFailures buckets failure output by the file each line's error
// references (a common compiler/test-runner convention), falling back to
// grouping by command name for lines that don't match.
func groupFailures(failures []commandFailure) string {
	groups := map[string][]string{}
	var order []string
	addLine := func(key, line string) {
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], line)
	}

	for _, f := range failures {
		for _, line := range strings.Split(f.output, "\n") {
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			if m := fileRefRe.FindStringSubmatch(line); m != nil {
				addLine(m[1], line)
			} else {
				addLine(f.command, line)
			}
		}
	}
	sort.Strings(order)

	var b strings.Builder
	for _, key := range order {
		fmt.Fprintf(&b, "## %s\n", key)
		for _, line := range groups[key] {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return b.String()
}

type rawFixTask struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Scope       []string `json:"scope"`
	Acceptance  string   `json:"acceptance"`
}

// parseFixTasks decodes the reconciler LLM's response as a JSON array,
// tolerating a surrounding code fence, and caps the result at max.
func parseFixTasks(raw string, max int) []rawFixTask {
	body := utils.CleanCodeBlock(raw)

	start := strings.IndexByte(body, '[')
	end := strings.LastIndexByte(body, ']')
	if start < 0 || end < start {
		return nil
	}
	var tasks []rawFixTask
	if err := json.Unmarshal([]byte(body[start:end+1]), &tasks); err != nil {
		return nil
	}
	if len(tasks) > max {
		tasks = tasks[:max]
	}
	return tasks
}

func nonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

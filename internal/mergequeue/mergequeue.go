// Package mergequeue drains pushed branches into the mainline one at a time,
// serialized through the git mutex, using one of three configured merge
// strategies. It never retries a conflict; it reports it and moves on.
package mergequeue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"forgeloop/internal/git"
	"forgeloop/internal/gitmutex"
)

// Strategy selects how a branch is applied to the main branch.
type Strategy string

const (
	FastForward Strategy = "fast-forward"
	Rebase      Strategy = "rebase"
	MergeCommit Strategy = "merge-commit"
)

// conflictCodes are the `git status --porcelain` index/worktree codes that
// indicate an unresolved conflict.
var conflictCodes = map[string]bool{
	"UU": true, "AA": true, "DD": true,
	"AU": true, "UA": true, "DU": true, "UD": true,
}

// Result is the outcome of one drained branch.
type Result struct {
	Branch    string
	Status    string // merged | conflict | error
	Success   bool
	Message   string
	Conflicts []string
}

// gitOps is the subset of *git.Client the queue drives; declared as an
// interface so tests can substitute a fake without a real repository.
type gitOps interface {
	Fetch(dir, remote, branch string) error
	Checkout(dir, branch string) error
	StatusPorcelain(dir string) ([]string, error)
	Clean(dir string) error
	MergeFFOnly(dir, ref string) error
	MergeNoFF(dir, ref, message string) error
	RebaseOnto(dir, ref string) error
	AbortMerge(dir string) error
	AbortRebase(dir string) error
	CreateBranchAt(dir, branch, ref string) error
	DeleteLocalBranch(dir, branch string) error
}

var _ gitOps = (*git.Client)(nil)

// Queue is a FIFO background merge consumer. Branches known to have timed
// out in the worker pool are skipped rather than attempted.
type Queue struct {
	git         gitOps
	mutex       *gitmutex.Mutex
	repoDir     string
	mainBranch  string
	strategy    Strategy
	logger      *slog.Logger
	isTimedOut  func(branch string) bool

	in     chan string
	done   chan struct{}
	stopCh chan struct{}

	mu           sync.Mutex
	onMergeResult []func(Result)
	onConflict    []func(branch string, files []string)
}

// New constructs a merge queue against repoDir, merging into mainBranch
// using strategy. isTimedOut, if non-nil, is consulted before each item and
// causes it to be skipped silently.
func New(gitClient gitOps, mutex *gitmutex.Mutex, repoDir, mainBranch string, strategy Strategy, isTimedOut func(string) bool, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if isTimedOut == nil {
		isTimedOut = func(string) bool { return false }
	}
	return &Queue{
		git:        gitClient,
		mutex:      mutex,
		repoDir:    repoDir,
		mainBranch: mainBranch,
		strategy:   strategy,
		logger:     logger,
		isTimedOut: isTimedOut,
		in:         make(chan string, 4096),
		done:       make(chan struct{}),
		stopCh:     make(chan struct{}),
	}
}

// OnMergeResult registers a callback fired after every drained item,
// conflicted or not.
func (q *Queue) OnMergeResult(fn func(Result)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onMergeResult = append(q.onMergeResult, fn)
}

// OnConflict registers a callback fired specifically when a merge attempt
// conflicts, with the list of conflicting paths.
func (q *Queue) OnConflict(fn func(branch string, files []string)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onConflict = append(q.onConflict, fn)
}

// Enqueue appends branch to the FIFO input.
func (q *Queue) Enqueue(branch string) {
	q.in <- branch
}

// StartBackground launches the consumer goroutine. ctx cancellation stops
// it after the in-flight item finishes.
func (q *Queue) StartBackground(ctx context.Context) {
	go func() {
		defer close(q.done)
		for {
			select {
			case branch := <-q.in:
				q.process(ctx, branch)
			case <-q.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopBackground signals the consumer to exit and waits for it to finish
// its current item.
func (q *Queue) StopBackground() {
	close(q.stopCh)
	<-q.done
}

func (q *Queue) process(ctx context.Context, branch string) {
	if q.isTimedOut(branch) {
		q.logger.Warn("merge queue skipping timed-out branch", slog.String("branch", branch))
		return
	}

	var result Result
	err := q.mutex.Do(ctx, func() error {
		result = q.mergeOne(branch)
		return nil
	})
	if err != nil {
		result = Result{Branch: branch, Status: "error", Success: false, Message: err.Error()}
	}

	q.mu.Lock()
	resultCbs := append([]func(Result){}, q.onMergeResult...)
	conflictCbs := append([]func(string, []string){}, q.onConflict...)
	q.mu.Unlock()

	for _, cb := range resultCbs {
		cb(result)
	}
	if result.Status == "conflict" {
		for _, cb := range conflictCbs {
			cb(result.Branch, result.Conflicts)
		}
	}
}

func (q *Queue) mergeOne(branch string) Result {
	fail := func(format string, args ...any) Result {
		return Result{Branch: branch, Status: "error", Success: false, Message: fmt.Sprintf(format, args...)}
	}

	if err := q.git.Fetch(q.repoDir, "origin", branch); err != nil {
		return fail("fetch origin %s: %v", branch, err)
	}
	if err := q.git.Checkout(q.repoDir, q.mainBranch); err != nil {
		return fail("checkout %s: %v", q.mainBranch, err)
	}
	if dirty, err := q.dirty(); err != nil {
		return fail("status check: %v", err)
	} else if dirty {
		if err := q.git.Clean(q.repoDir); err != nil {
			return fail("clean working tree: %v", err)
		}
	}

	var applyErr error
	switch q.strategy {
	case Rebase:
		tmp := "mergequeue-" + branch
		if err := q.git.CreateBranchAt(q.repoDir, tmp, "FETCH_HEAD"); err != nil {
			return fail("create temp branch: %v", err)
		}
		defer func() {
			q.git.Checkout(q.repoDir, q.mainBranch)
			q.git.DeleteLocalBranch(q.repoDir, tmp)
		}()
		if err := q.git.Checkout(q.repoDir, tmp); err != nil {
			return fail("checkout temp branch: %v", err)
		}
		applyErr = q.git.RebaseOnto(q.repoDir, q.mainBranch)
		if applyErr == nil {
			if err := q.git.Checkout(q.repoDir, q.mainBranch); err != nil {
				return fail("checkout %s after rebase: %v", q.mainBranch, err)
			}
			applyErr = q.git.MergeFFOnly(q.repoDir, tmp)
		}
	case MergeCommit:
		applyErr = q.git.MergeNoFF(q.repoDir, "FETCH_HEAD", fmt.Sprintf("Merge branch '%s'", branch))
	default: // FastForward
		applyErr = q.git.MergeFFOnly(q.repoDir, "FETCH_HEAD")
	}

	if applyErr == nil {
		return Result{Branch: branch, Status: "merged", Success: true, Message: "merged cleanly"}
	}

	conflicts, statusErr := q.conflictFiles()
	if statusErr == nil && len(conflicts) > 0 {
		q.abort()
		return Result{Branch: branch, Status: "conflict", Success: false, Conflicts: conflicts, Message: "merge conflict"}
	}

	q.abort()
	return fail("%s apply: %v", q.strategy, applyErr)
}

func (q *Queue) dirty() (bool, error) {
	lines, err := q.git.StatusPorcelain(q.repoDir)
	if err != nil {
		return false, err
	}
	return len(lines) > 0, nil
}

func (q *Queue) conflictFiles() ([]string, error) {
	lines, err := q.git.StatusPorcelain(q.repoDir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, l := range lines {
		if len(l) < 3 {
			continue
		}
		code := l[:2]
		if conflictCodes[code] {
			files = append(files, strings.TrimSpace(l[3:]))
		}
	}
	return files, nil
}

func (q *Queue) abort() {
	_ = q.git.AbortMerge(q.repoDir)
	_ = q.git.AbortRebase(q.repoDir)
}

// Package monitor periodically samples the orchestrator's run-state —
// active workers, queue depth, token usage, merge results — into a
// MetricsSnapshot, pushes it to registered callbacks, and mirrors the same
// numbers into the Prometheus registry in internal/telemetry.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"forgeloop/internal/telemetry"
)

// MetricsSnapshot is pushed to every registered callback on each tick.
type MetricsSnapshot struct {
	Timestamp time.Time

	ActiveWorkers int
	PendingTasks  int

	CompletedSinceLastTick int
	FailedSinceLastTick    int
	CompletedTotal         int64
	FailedTotal            int64

	TokensUsedTotal int64

	MergeAttempts int64
	MergeSuccess  int64
	MergeFailure  int64

	EmptyDiffEvents   int64
	SuspiciousTasks   int64

	CommitsPerHour float64
	Elapsed        time.Duration

	StuckWorkers []string
}

// activeWorker tracks when a dispatch started, so a tick can flag it as
// stuck once it has run longer than the worker timeout.
type activeWorker struct {
	taskID    string
	startedAt time.Time
}

// Monitor owns the counters the orchestrator updates as it runs and emits a
// snapshot of them on a fixed tick.
type Monitor struct {
	project       string
	tick          time.Duration
	workerTimeout time.Duration
	start         time.Time

	completedTotal int64
	failedTotal    int64
	tokensUsed     int64
	mergeAttempts  int64
	mergeSuccess   int64
	mergeFailure   int64
	emptyDiff      int64
	suspicious     int64

	mu              sync.Mutex
	active          map[string]activeWorker
	pendingTasks    int
	lastCompleted   int64
	lastFailed      int64
	callbacks       []func(MetricsSnapshot)
}

// New constructs a Monitor. project labels the Prometheus series it
// updates; tick is how often a snapshot fires (spec default ~1s).
func New(project string, tick, workerTimeout time.Duration) *Monitor {
	return &Monitor{
		project:       project,
		tick:          tick,
		workerTimeout: workerTimeout,
		start:         time.Now(),
		active:        make(map[string]activeWorker),
	}
}

// OnSnapshot registers a callback invoked once per tick.
func (m *Monitor) OnSnapshot(fn func(MetricsSnapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// WorkerStarted marks taskID as dispatched, for stuck-worker detection.
func (m *Monitor) WorkerStarted(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[taskID] = activeWorker{taskID: taskID, startedAt: time.Now()}
}

// WorkerFinished clears taskID from the active set and records a
// completion or failure depending on success.
func (m *Monitor) WorkerFinished(taskID string, success bool) {
	m.mu.Lock()
	delete(m.active, taskID)
	m.mu.Unlock()
	if success {
		atomic.AddInt64(&m.completedTotal, 1)
	} else {
		atomic.AddInt64(&m.failedTotal, 1)
	}
}

// SetPendingTasks records the task queue's current pending count.
func (m *Monitor) SetPendingTasks(n int) {
	m.mu.Lock()
	m.pendingTasks = n
	m.mu.Unlock()
}

// RecordTokenUsage accumulates tokens used by one handoff.
func (m *Monitor) RecordTokenUsage(n int) {
	atomic.AddInt64(&m.tokensUsed, int64(n))
	telemetry.TrackTokenUsage(m.project, n)
}

// RecordMergeAttempt accumulates one merge queue outcome.
func (m *Monitor) RecordMergeAttempt(success bool) {
	atomic.AddInt64(&m.mergeAttempts, 1)
	if success {
		atomic.AddInt64(&m.mergeSuccess, 1)
	} else {
		atomic.AddInt64(&m.mergeFailure, 1)
	}
	telemetry.TrackMergeAttempt(m.project, success)
}

// RecordEmptyDiff notes a handoff whose diff was empty despite a non-failed
// status.
func (m *Monitor) RecordEmptyDiff() {
	atomic.AddInt64(&m.emptyDiff, 1)
	telemetry.TrackEmptyDiff(m.project)
}

// RecordSuspiciousTask notes a handoff with zero tokens and zero tool
// calls — a likely sandbox no-op, surfaced purely as a signal.
func (m *Monitor) RecordSuspiciousTask() {
	atomic.AddInt64(&m.suspicious, 1)
	telemetry.TrackSuspiciousTask(m.project)
}

// Run ticks until ctx is cancelled, pushing a MetricsSnapshot to every
// registered callback each time.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.emit()
		}
	}
}

func (m *Monitor) emit() {
	completed := atomic.LoadInt64(&m.completedTotal)
	failed := atomic.LoadInt64(&m.failedTotal)

	m.mu.Lock()
	sinceCompleted := int(completed - m.lastCompleted)
	sinceFailed := int(failed - m.lastFailed)
	m.lastCompleted = completed
	m.lastFailed = failed
	active := len(m.active)
	pending := m.pendingTasks
	var stuck []string
	now := time.Now()
	for id, w := range m.active {
		if now.Sub(w.startedAt) > m.workerTimeout {
			stuck = append(stuck, id)
		}
	}
	callbacks := append([]func(MetricsSnapshot){}, m.callbacks...)
	m.mu.Unlock()

	elapsed := time.Since(m.start)
	mergeSuccess := atomic.LoadInt64(&m.mergeSuccess)
	var commitsPerHour float64
	if elapsed > 0 {
		commitsPerHour = float64(mergeSuccess) / elapsed.Hours()
	}

	telemetry.SetActiveAgents(m.project, active)
	telemetry.SetTasksPending(m.project, pending)
	telemetry.UptimeSeconds.WithLabelValues(m.project).Set(elapsed.Seconds())
	telemetry.SetCommitsPerHour(m.project, commitsPerHour)

	snapshot := MetricsSnapshot{
		Timestamp:              now,
		ActiveWorkers:           active,
		PendingTasks:            pending,
		CompletedSinceLastTick:  sinceCompleted,
		FailedSinceLastTick:     sinceFailed,
		CompletedTotal:          completed,
		FailedTotal:             failed,
		TokensUsedTotal:         atomic.LoadInt64(&m.tokensUsed),
		MergeAttempts:           atomic.LoadInt64(&m.mergeAttempts),
		MergeSuccess:            mergeSuccess,
		MergeFailure:            atomic.LoadInt64(&m.mergeFailure),
		EmptyDiffEvents:         atomic.LoadInt64(&m.emptyDiff),
		SuspiciousTasks:         atomic.LoadInt64(&m.suspicious),
		CommitsPerHour:          commitsPerHour,
		Elapsed:                 elapsed,
		StuckWorkers:            stuck,
	}
	for _, cb := range callbacks {
		cb(snapshot)
	}
}

// Command forgeloop runs the orchestrator shell: it loads configuration
// from the environment, reads the four system prompts, wires the Git
// Mutex, Task Queue, LLM Client, Worker Pool, Merge Queue, Monitor,
// Planner, and Reconciler together, and drives them until told to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"forgeloop/internal/config"
	"forgeloop/internal/db"
	"forgeloop/internal/docker"
	"forgeloop/internal/git"
	"forgeloop/internal/gitmutex"
	"forgeloop/internal/k8s"
	"forgeloop/internal/llmclient"
	"forgeloop/internal/mergequeue"
	"forgeloop/internal/monitor"
	"forgeloop/internal/notify"
	"forgeloop/internal/planner"
	"forgeloop/internal/reconciler"
	"forgeloop/internal/stringutils"
	"forgeloop/internal/taskqueue"
	"forgeloop/internal/telemetry"
	"forgeloop/internal/utils"
	"forgeloop/internal/workerpool"
)

func main() {
	var cfgFile string

	root := &cobra.Command{
		Use:   "forgeloop",
		Short: "Autonomous coding orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			config.Load(cfgFile)
			config.ValidateAndExit()
			return run(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "path to config.yaml")
	flags.Bool("verbose", false, "enable debug logging")
	flags.String("request", "", "the top-level build request handed to the planner")
	flags.String("target-repo-path", "", "local checkout root (overrides TARGET_REPO_PATH)")
	flags.String("worker-backend", "docker", "sandbox backend: docker or k8s")
	flags.String("sandbox-image", "", "container image the worker pool runs tasks in")
	pflag.CommandLine.AddFlagSet(flags)
	viper.BindPFlag("verbose", flags.Lookup("verbose"))
	viper.BindPFlag("request", flags.Lookup("request"))
	viper.BindPFlag("target_repo_path", flags.Lookup("target-repo-path"))
	viper.BindPFlag("worker_backend", flags.Lookup("worker-backend"))
	viper.BindPFlag("sandbox_image", flags.Lookup("sandbox-image"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "forgeloop:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	startedAt := time.Now()
	telemetry.InitLogger(viper.GetBool("verbose"), "")
	logger := slog.Default()

	oc, err := config.LoadOrchestratorConfig()
	if err != nil {
		return fmt.Errorf("load orchestrator config: %w", err)
	}

	if oc.GitRepoURL == "" {
		if url := stringutils.ExtractRepoURL(viper.GetString("request")); url != "" {
			logger.Info("inferred target repo from request text", slog.String("repoUrl", url))
			oc.GitRepoURL = url
		}
	}

	if err := telemetry.StartMetricsServer(viper.GetInt("metrics_port")); err != nil {
		logger.Warn("metrics server failed to start", slog.String("error", err.Error()))
	}

	store, err := db.NewStore(db.StoreConfig{Type: viper.GetString("db_type"), ConnectionString: viper.GetString("db_dsn")})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	notifier := notify.NewManager(func(format string, args ...interface{}) {
		logger.Info(fmt.Sprintf(format, args...))
	})
	notifier.Start(ctx)
	notifier.Notify(ctx, notify.EventStart, fmt.Sprintf("forgeloop starting on %s", oc.TargetRepoPath), "")

	gitMutex := gitmutex.New()
	gitClient := git.NewClient()
	queue := taskqueue.New()

	restorePendingTasks(store, queue, oc.TargetRepoPath, logger)

	llm, err := llmclient.New(oc.LLMEndpoints, oc.LLMModel, oc.LLMMaxTokens, oc.LLMTemperature)
	if err != nil {
		return fmt.Errorf("construct LLM client: %w", err)
	}

	backend, sandboxImage, err := buildBackend(viper.GetString("worker_backend"), viper.GetString("sandbox_image"))
	if err != nil {
		return fmt.Errorf("construct worker backend: %w", err)
	}
	pool := workerpool.New(backend, oc.WorkerTimeout, logger)

	mon := monitor.New("forgeloop", time.Second, oc.WorkerTimeout)

	mq := mergequeue.New(gitClient, gitMutex, oc.TargetRepoPath, "main", mergequeue.Strategy(oc.MergeStrategy), pool.TimedOut, logger)

	pl := planner.New(planner.Config{
		Request:              viper.GetString("request"),
		RepoDir:              oc.TargetRepoPath,
		SpecArtifactPaths:    []string{"SPEC.md", "FEATURES.md", "AGENTS.md", "DECISIONS.md"},
		SandboxImage:         sandboxImage,
		RepoURL:              oc.GitRepoURL,
		GitToken:             oc.GitToken,
		LLMConfig: workerpool.LLMConfig{
			Model:       oc.LLMModel,
			MaxTokens:   oc.LLMMaxTokens,
			Temperature: oc.LLMTemperature,
		},
		MaxWorkers:           oc.MaxWorkers,
		LoopSleep:            oc.LoopSleep,
		MinHandoffsForReplan: oc.MinHandoffsForReplan,
		BackoffBase:          oc.BackoffBase,
		BackoffMax:           oc.BackoffMax,
		MaxConsecutiveErrors: oc.MaxConsecutiveErrors,
	}, llm, pool, gitClient, queue, logger)

	rec := reconciler.New(gitMutex, oc.TargetRepoPath, []reconciler.OracleCommand{
		{Name: "vet", Args: []string{"go", "vet", "./..."}},
		{Name: "test", Args: []string{"go", "test", "./..."}},
	}, llm, pl.InjectTask, oc.ReconcileInterval, 5, logger)

	wireCallbacks(pl, mq, mon, queue, store, gitClient, notifier, oc.TargetRepoPath, oc.TargetRepoPath)

	mon.OnSnapshot(func(s monitor.MetricsSnapshot) {
		store.SaveMergeOutcome(oc.TargetRepoPath, db.MergeOutcomeRecord{
			Branch: "(snapshot)", Result: "metrics", Detail: fmt.Sprintf("active=%d pending=%d", s.ActiveWorkers, s.PendingTasks),
		})
	})

	recCtx, recCancel := context.WithCancel(ctx)
	monCtx, monCancel := context.WithCancel(ctx)

	mq.StartBackground(ctx)
	go mon.Run(monCtx)
	go rec.Run(recCtx)

	runErr := pl.Run(ctx)

	// Ordered teardown: planner first (no new dispatches), then the
	// reconciler (no more injected fix tasks), then the merge queue
	// (drains what the planner already enqueued), then the monitor. The
	// worker pool has no background loop of its own to stop — every
	// dispatch it runs is already bounded by the same ctx passed through
	// directDispatch, so it unwinds once the planner stops submitting.
	pl.Stop()
	recCancel()
	mq.StopBackground()
	monCancel()

	event := notify.EventProjectComplete
	if runErr != nil {
		event = notify.EventFailure
	}
	notifier.Notify(context.Background(), event, fmt.Sprintf("forgeloop shut down: %s", shutdownReason(runErr)), "")

	logger.Info("forgeloop orchestrator shell shut down",
		slog.String("reason", shutdownReason(runErr)),
		slog.String("ranFor", utils.FormatSince(startedAt)))
	return runErr
}

// restorePendingTasks repopulates the queue from the store's persisted
// task records, the mechanism behind a crash-restart recovering in-flight
// work instead of starting from empty.
func restorePendingTasks(store db.Store, queue *taskqueue.Queue, project string, logger *slog.Logger) {
	records, err := store.ListPendingTasks(project)
	if err != nil {
		logger.Warn("could not restore pending tasks", slog.String("error", err.Error()))
		return
	}
	for _, r := range records {
		if err := queue.Enqueue(&taskqueue.Task{
			ID: r.ID, Description: r.Description, Scope: r.Scope,
			Acceptance: r.Acceptance, Branch: r.Branch, Priority: r.Priority, ParentID: r.ParentID,
		}); err != nil {
			logger.Warn("dropping unrecoverable persisted task", slog.String("taskId", r.ID), slog.String("error", err.Error()))
		}
	}
	if len(records) > 0 {
		logger.Info("restored pending tasks from store", slog.Int("count", len(records)))
	}
}

func buildBackend(kind, image string) (workerpool.Backend, string, error) {
	switch strings.ToLower(kind) {
	case "k8s", "kubernetes":
		client, err := k8s.NewClient()
		if err != nil {
			return nil, "", err
		}
		seq := 0
		return workerpool.K8sBackend{Client: client, Image: image, Name: func() string {
			seq++
			return fmt.Sprintf("forgeloop-task-%d", seq)
		}}, image, nil
	default:
		client, err := docker.NewClient("forgeloop")
		if err != nil {
			return nil, "", err
		}
		return workerpool.DockerBackend{Client: client, Image: image}, image, nil
	}
}

// wireCallbacks connects the task queue's status changes, the Planner's
// dispatch/handoff events and the Merge Queue's result/conflict events;
// persists every transition through the store, and narrates merge conflicts
// through notifier. The Monitor's snapshot callback is registered in run.
func wireCallbacks(pl *planner.Planner, mq *mergequeue.Queue, mon *monitor.Monitor, queue *taskqueue.Queue, store db.Store, gitClient *git.Client, notifier *notify.Manager, repoDir, project string) {
	queue.OnStatusChange(func(c taskqueue.StatusChange) {
		store.SaveTask(project, db.TaskRecord{
			ID: c.Task.ID, Description: c.Task.Description, Scope: c.Task.Scope,
			Acceptance: c.Task.Acceptance, Branch: c.Task.Branch, Status: string(c.Next),
			Priority: c.Task.Priority, ParentID: c.Task.ParentID,
		})
		mon.SetPendingTasks(queue.PendingCount())
	})

	pl.OnDispatchStart(func(taskID string) {
		mon.WorkerStarted(taskID)
	})

	autoPR := viper.GetBool("auto_create_conflict_pr")
	pl.OnHandoff(func(h workerpool.Handoff) {
		mon.WorkerFinished(h.TaskID, h.Status == workerpool.StatusComplete)
		mon.RecordTokenUsage(h.Metrics.TokensUsed)
		if h.Status != workerpool.StatusFailed && h.Diff == "" {
			mon.RecordEmptyDiff()
		}
		if h.Metrics.TokensUsed == 0 && h.Metrics.ToolCallCount == 0 {
			mon.RecordSuspiciousTask()
		}
		store.SaveHandoff(project, db.HandoffRecord{
			TaskID: h.TaskID, Status: h.Status, Summary: h.Summary,
			FilesChanged: h.FilesChanged, Concerns: h.Concerns, Suggestions: h.Suggestions,
		})

		if autoPR && h.Status == workerpool.StatusComplete && strings.HasPrefix(h.TaskID, "conflict-fix-") {
			url, err := gitClient.CreatePR(repoDir, fmt.Sprintf("fix merge conflicts: %s", h.TaskID), h.Summary, "main")
			if err != nil {
				slog.Warn("conflict-fix PR creation failed", slog.String("taskId", h.TaskID), slog.String("error", err.Error()))
			} else {
				slog.Info("opened conflict-fix PR", slog.String("taskId", h.TaskID), slog.String("url", url))
			}
		}
	})

	pl.OnMergeEnqueue(func(branch string) {
		mq.Enqueue(branch)
	})

	mq.OnMergeResult(func(r mergequeue.Result) {
		mon.RecordMergeAttempt(r.Success)
		store.SaveMergeOutcome(project, db.MergeOutcomeRecord{Branch: r.Branch, Result: r.Status, Detail: r.Message})
	})

	mq.OnConflict(newConflictHandler(pl, notifier))
}

// newConflictHandler installs the merge-conflict handler named in §4.10:
// at most 10 conflict-fix tasks per process lifetime, each targeting the
// first five conflicting files, never cascading onto a branch that is
// itself a conflict-fix attempt.
func newConflictHandler(pl *planner.Planner, notifier *notify.Manager) func(branch string, files []string) {
	var injected int
	return func(branch string, files []string) {
		if strings.Contains(branch, "conflict-fix") {
			return
		}
		if injected >= 10 {
			return
		}
		injected++

		scope := files
		if len(scope) > 5 {
			scope = scope[:5]
		}
		task := &taskqueue.Task{
			ID:          fmt.Sprintf("conflict-fix-%d", injected),
			Description: fmt.Sprintf("resolve merge conflicts on %s", branch),
			Scope:       scope,
			Acceptance:  "branch merges cleanly with no conflict markers remaining",
			Branch:      fmt.Sprintf("agent/conflict-fix-%d", injected),
			Priority:    1,
		}
		notifier.Notify(context.Background(), notify.EventFailure,
			fmt.Sprintf("merge conflict on %s (%d files), injecting fix task %s", branch, len(files), task.ID), "")
		if err := pl.InjectTask(context.Background(), task); err != nil {
			slog.Warn("conflict handler: failed to inject fix task", slog.String("branch", branch), slog.String("error", err.Error()))
		}
	}
}

func shutdownReason(err error) string {
	if err == nil {
		return "planning complete, no outstanding work"
	}
	return err.Error()
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codefleet/codefleet/internal/agent"
	"github.com/codefleet/codefleet/internal/autopilot"
	"github.com/codefleet/codefleet/internal/bestof"
	"github.com/codefleet/codefleet/internal/config"
	"github.com/codefleet/codefleet/internal/events"
	"github.com/codefleet/codefleet/internal/graph"
	"github.com/codefleet/codefleet/internal/ratelimit"
	"github.com/codefleet/codefleet/internal/scheduler"
	"github.com/codefleet/codefleet/internal/tasksource"
	"github.com/codefleet/codefleet/internal/workspace"
)

func main() {
	// Signal-aware context for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(ctx, os.Args[2:])
	case "bestof":
		err = bestofCommand(ctx, os.Args[2:])
	case "status":
		err = statusCommand(ctx, os.Args[2:])
	case "init":
		err = initCommand(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: codefleet <command> [flags]

Commands:
  run      execute the task graph level by level
  bestof   run N attempts at one feature and promote the best
  status   show task statuses and recent runs
  init     write a default project config`)
}

func runCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	repoPath := fs.String("repo", ".", "path to the git repository")
	workers := fs.Int("workers", 0, "override max concurrent tasks")
	coderName := fs.String("coder", "", "override the coder to use")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}
	if *workers > 0 {
		cfg.MaxWorkers = *workers
	}
	if *coderName != "" {
		cfg.DefaultCoder = *coderName
	}
	if _, ok := cfg.Coders[cfg.DefaultCoder]; !ok {
		return fmt.Errorf("unknown coder %q", cfg.DefaultCoder)
	}

	src, err := tasksource.NewSQLiteSource(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer src.Close()

	tasks, err := src.Load(ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("no tasks in %s; add tasks before running", cfg.DatabasePath)
	}
	g := graph.New()
	for i := range tasks {
		task := tasks[i]
		if err := g.AddTask(&task); err != nil {
			return err
		}
	}

	manager, err := buildManager(cfg, *repoPath)
	if err != nil {
		return err
	}

	pm := agent.NewProcessManager()
	defer func() {
		if err := pm.KillAll(); err != nil {
			log.Printf("WARNING: failed to kill subprocesses: %v", err)
		}
	}()

	bus := events.NewBus()
	defer bus.Close()
	go logTaskEvents(bus)

	limits := ratelimit.New(rateLimitConfig(cfg))
	breakers := agent.NewBreakerRegistry()
	factory := coderFactory(cfg, pm, breakers, limits, bus)

	startMetricsServer(cfg.MetricsAddr)

	sched := scheduler.New(scheduler.Config{
		MaxWorkers:  cfg.MaxWorkers,
		TaskTimeout: time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
		CoderType:   cfg.Coders[cfg.DefaultCoder].Type,
	}, g, manager, factory, limits, scheduler.WithSource(src), scheduler.WithBus(bus))

	report, err := sched.Run(ctx)
	if err != nil {
		return err
	}

	if recErr := src.RecordRun(ctx, tasksource.RunRecord{
		ID:         uuid.NewString(),
		StartedAt:  report.StartedAt,
		FinishedAt: report.StartedAt.Add(report.Duration),
		TotalTasks: report.TotalTasks,
		Completed:  report.Completed,
		Failed:     report.Failed + report.NeedsReview,
		Speedup:    report.Speedup,
	}); recErr != nil {
		log.Printf("WARNING: failed to record run history: %v", recErr)
	}

	fmt.Println(renderReport(report, g.Tasks()))
	return nil
}

func bestofCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bestof", flag.ExitOnError)
	repoPath := fs.String("repo", ".", "path to the git repository")
	featureID := fs.Int("id", 1, "feature identifier")
	description := fs.String("feature", "", "feature description (required)")
	attempts := fs.Int("attempts", 0, "number of independent attempts")
	requireConsensus := fs.Bool("require-consensus", false, "park the result for review when attempts disagree")
	checks := fs.String("checks", "", "comma-separated validation commands")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *description == "" {
		return fmt.Errorf("-feature is required")
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}
	n := cfg.Selector.Attempts
	if *attempts > 0 {
		n = *attempts
	}

	manager, err := buildManager(cfg, *repoPath)
	if err != nil {
		return err
	}

	pm := agent.NewProcessManager()
	defer func() {
		if err := pm.KillAll(); err != nil {
			log.Printf("WARNING: failed to kill subprocesses: %v", err)
		}
	}()

	limits := ratelimit.New(rateLimitConfig(cfg))
	breakers := agent.NewBreakerRegistry()
	factory := coderFactory(cfg, pm, breakers, limits, nil)

	notifier := autopilot.NewNotifier(2*n, func(ctx context.Context, msg autopilot.Notification) error {
		log.Printf("feature %d: %s: %s", msg.FeatureID, msg.Subject, msg.Body)
		return nil
	})
	notifyCtx, cancelNotify := context.WithCancel(context.Background())
	notifier.Start(notifyCtx)
	defer func() {
		cancelNotify()
		notifier.Stop()
	}()

	startMetricsServer(cfg.MetricsAddr)

	coord := autopilot.NewCoordinator(
		manager,
		autopilot.CoderFactory(factory),
		&autopilot.GoTestEvaluator{},
		bestof.NewSelector(selectorConfig(cfg)),
		autopilot.WithNotifier(notifier),
		autopilot.WithAttemptTimeout(time.Duration(cfg.TaskTimeoutSeconds)*time.Second),
	)

	var steps []string
	if *checks != "" {
		for _, s := range strings.Split(*checks, ",") {
			steps = append(steps, strings.TrimSpace(s))
		}
	}

	outcome, err := coord.RunBestOfN(ctx, autopilot.Feature{
		ID:               *featureID,
		Description:      *description,
		ValidationSteps:  steps,
		Attempts:         n,
		RequireConsensus: *requireConsensus,
	})
	if err != nil {
		return err
	}

	fmt.Println(renderSelection(outcome))
	return nil
}

func statusCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	limit := fs.Int("runs", 5, "number of recent runs to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}
	src, err := tasksource.NewSQLiteSource(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer src.Close()

	tasks, err := src.Load(ctx)
	if err != nil {
		return err
	}
	runs, err := src.ListRuns(ctx, *limit)
	if err != nil {
		return err
	}

	fmt.Println(renderStatus(tasks, runs))
	return nil
}

func initCommand(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("path", ".codefleet/config.json", "where to write the config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*path); err == nil {
		return fmt.Errorf("%s already exists", *path)
	}
	if err := config.Save(config.DefaultConfig(), *path); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *path)
	return nil
}

// buildManager picks the isolation backend from config.
func buildManager(cfg *config.Config, repoPath string) (workspace.Manager, error) {
	switch cfg.Isolation {
	case "worktree":
		return workspace.NewGitManager(workspace.GitConfig{
			RepoPath:     repoPath,
			BaseBranch:   cfg.Git.BaseBranch,
			WorkspaceDir: cfg.Git.WorkspaceDir,
		}, workspace.UnavailableResolver{}), nil
	case "sandbox":
		return workspace.NewSandboxManager(workspace.SandboxConfig{
			Image:       cfg.Sandbox.Image,
			MemoryMB:    cfg.Sandbox.MemoryMB,
			NetworkMode: cfg.Sandbox.NetworkMode,
			HostDir:     cfg.Sandbox.HostDir,
		})
	default:
		return nil, fmt.Errorf("unknown isolation mode %q", cfg.Isolation)
	}
}

// coderFactory builds resilient coders bound to a workspace path. A stored
// sessionID resumes the coder conversation from a prior run. When a bus is
// given, rate-limit hits are published on it.
func coderFactory(cfg *config.Config, pm *agent.ProcessManager, breakers *agent.BreakerRegistry, limits *ratelimit.Handler, bus *events.Bus) scheduler.CoderFactory {
	coderCfg := cfg.Coders[cfg.DefaultCoder]
	return func(workDir, sessionID string) (agent.Coder, error) {
		inner, err := agent.New(agent.Config{
			Type:         coderCfg.Type,
			Command:      coderCfg.Command,
			WorkDir:      workDir,
			SessionID:    sessionID,
			Model:        coderCfg.Model,
			SystemPrompt: coderCfg.SystemPrompt,
		}, pm)
		if err != nil {
			return nil, err
		}
		rc := agent.NewResilientCoder(inner, breakers.Get(coderCfg.Type), limits, agent.DefaultRetryConfig())
		if bus != nil {
			rc.OnRateLimit(func(attempt int) {
				bus.Publish(events.TopicTask, events.RateLimitHitEvent{Attempt: attempt, Timestamp: time.Now()})
			})
		}
		return rc, nil
	}
}

func rateLimitConfig(cfg *config.Config) ratelimit.Config {
	return ratelimit.Config{
		MaxRetries:      cfg.RateLimit.MaxRetries,
		InitialDelay:    time.Duration(cfg.RateLimit.InitialDelaySeconds) * time.Second,
		MaxDelay:        time.Duration(cfg.RateLimit.MaxDelaySeconds) * time.Second,
		ReduceThreshold: cfg.RateLimit.ReduceThreshold,
	}
}

func selectorConfig(cfg *config.Config) bestof.Config {
	return bestof.Config{
		CoverageWeight:     cfg.Selector.CoverageWeight,
		PassRateWeight:     cfg.Selector.PassRateWeight,
		QualityWeight:      cfg.Selector.QualityWeight,
		SpeedWeight:        cfg.Selector.SpeedWeight,
		SpeedBudget:        time.Duration(cfg.Selector.SpeedBudgetSeconds) * time.Second,
		ConsensusThreshold: cfg.Selector.ConsensusThreshold,
		OutlierDeviation:   cfg.Selector.OutlierDeviation,
	}
}

// startMetricsServer exposes /metrics when an address is configured.
func startMetricsServer(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("WARNING: metrics server stopped: %v", err)
		}
	}()
}

// logTaskEvents mirrors task-level events onto the standard logger.
func logTaskEvents(bus *events.Bus) {
	ch := bus.SubscribeAll(256)
	for event := range ch {
		switch e := event.(type) {
		case events.TaskStartedEvent:
			log.Printf("task %d started in workspace %s", e.ID, e.WorkspaceID)
		case events.TaskPassedEvent:
			log.Printf("task %d passed in %s", e.ID, e.Duration.Round(time.Second))
		case events.TaskNeedsReviewEvent:
			log.Printf("WARNING: task %d needs review: %s (workspace %s)", e.ID, e.Err, e.WorkspaceRef)
		case events.WorkersReducedEvent:
			log.Printf("WARNING: workers reduced %d -> %d", e.Previous, e.Current)
		case events.RateLimitHitEvent:
			log.Printf("WARNING: coder rate limited (attempt %d)", e.Attempt)
		}
	}
}

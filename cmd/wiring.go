package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scanorc/scanorc/internal/bus"
	"github.com/scanorc/scanorc/internal/config"
	"github.com/scanorc/scanorc/internal/correlator"
	"github.com/scanorc/scanorc/internal/database"
	"github.com/scanorc/scanorc/internal/notify"
	"github.com/scanorc/scanorc/internal/runner"
	"github.com/scanorc/scanorc/internal/scheduler"
	"github.com/scanorc/scanorc/internal/statewriter"
	"github.com/scanorc/scanorc/internal/store"
	"github.com/scanorc/scanorc/internal/workflow"
	"github.com/scanorc/scanorc/models"
)

// TaskScan is the task name enqueued on the "scan" queue to drive one scan
// through the workflow.
const TaskScan = "scan"

// app bundles every component a CLI subcommand needs, wired once per
// process invocation. Every task name is registered regardless of which
// queue this process actually pulls from, so any worker process can take
// over any role.
type app struct {
	cfg    *config.Config
	db     database.DB
	repo   store.Repository
	bus    *bus.Bus
	writer *statewriter.Writer
	corr   *correlator.Correlator
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.EnsureDir(); err != nil {
		return nil, err
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	repo := store.New(db)
	b := bus.New()
	writer := statewriter.New(b, repo)
	writer.Register()
	corr := correlator.New(repo, writer)

	a := &app{cfg: cfg, db: db, repo: repo, bus: b, writer: writer, corr: corr}

	dispatcher := notify.NewDispatcher(cfg.Notify)

	admission := workflow.NewAdmission(cfg.Orchestrator.Admission.Allow, cfg.Orchestrator.Admission.Deny)
	wfDeps := workflow.Deps{
		Repo:                 repo,
		Writer:               writer,
		Bus:                  b,
		Admission:            admission,
		Verifier:             workflow.AlwaysAllow{},
		Correlator:           corr,
		Notifier:             dispatcher,
		HeavyQueueConfigured: cfg.Orchestrator.HeavyWorkers > 0,
		LightQueueConfigured: cfg.Orchestrator.LightWorkers > 0,
	}
	b.RegisterHandler(TaskScan, func(ctx context.Context, args any, _ *bus.Handle) (any, error) {
		workflow.Run(ctx, wfDeps, args.(string))
		return nil, nil
	})

	runnerDeps := runner.Deps{
		Repo:         repo,
		Writer:       writer,
		Notifier:     dispatcher,
		PluginBinary: cfg.Orchestrator.PluginBinary,
		GracefulStop: gracefulStop(cfg),
	}
	b.RegisterHandler(workflow.TaskRunPlugin, func(ctx context.Context, args any, h *bus.Handle) (any, error) {
		a := args.(workflow.PluginArgs)
		return runner.RunPlugin(ctx, runnerDeps, a.ScanID, a.SessionID, h)
	})

	return a, nil
}

// submitScan creates a CREATED scan for (target, planName), transitions it
// to QUEUED, and enqueues it on the scan queue, discarding the resulting
// handle. Used by the periodic re-scan scheduler, which always runs inside
// an already-started `worker --queue=scan` process — the job it enqueues
// has a running worker on this same bus instance to pick it up, so letting
// it proceed in the background is the point. `scan submit` instead calls
// enqueueScan directly (see runScanSubmit in scan.go) because a standalone
// CLI invocation owns a fresh, unstarted bus of its own.
func (a *app) submitScan(ctx context.Context, target, planName string) (string, error) {
	scanID, _, err := a.enqueueScan(ctx, target, planName)
	return scanID, err
}

// enqueueScan is submitScan's implementation, also returning the bus
// handle for the enqueued scan job so a caller with no other worker
// process to hand it to (a standalone `scan submit` invocation) can start
// its own workers and wait for the job to actually run.
func (a *app) enqueueScan(ctx context.Context, target, planName string) (string, *bus.Handle, error) {
	plan, err := a.repo.GetPlan(ctx, planName)
	if err != nil {
		return "", nil, fmt.Errorf("loading plan %s: %w", planName, err)
	}
	if plan == nil {
		return "", nil, fmt.Errorf("plan %q is not registered", planName)
	}

	sc := &models.Scan{
		ID:            uuid.NewString(),
		State:         models.ScanCreated,
		Created:       time.Now().UTC(),
		Configuration: models.Configuration{"target": target},
		Plan:          models.PlanRef{Name: plan.Name, Revision: plan.Revision},
	}
	for _, step := range plan.Workflow {
		sc.Sessions = append(sc.Sessions, models.Session{
			ID:            uuid.NewString(),
			State:         models.SessionCreated,
			Plugin:        step.Plugin,
			Configuration: sc.Configuration.Merge(step.Configuration),
			Description:   step.Description,
		})
	}

	if err := a.repo.CreateScan(ctx, sc); err != nil {
		return "", nil, fmt.Errorf("creating scan: %w", err)
	}
	if err := a.repo.SetScanFields(ctx, sc.ID, map[string]any{"State": models.ScanQueued}); err != nil {
		return "", nil, fmt.Errorf("queuing scan: %w", err)
	}
	h, err := a.bus.Enqueue(bus.QueueScan, TaskScan, sc.ID, bus.EnqueueOptions{})
	if err != nil {
		return "", nil, fmt.Errorf("enqueuing scan: %w", err)
	}
	return sc.ID, h, nil
}

// startWorkers starts every queue's worker pool in this process, sized
// from config exactly as `worker --queue=<name>` would size one queue.
// A freshly built app's bus (see newApp) has no workers running on any
// queue — RegisterHandler only binds task names, it doesn't consume
// anything — so a job enqueued against it would sit forever with
// bus.Enqueue's "no workers started for queue" error, or (once queued
// past that) a QUEUED scan/session record with nothing ever picking it
// up. `worker` deliberately starts only the one queue it was asked to
// serve, to scale each queue independently across processes/hosts; this
// instead starts all of them in the one process, for commands (`scan
// submit`, `scan stop`) that have no separately running worker to hand
// their job to and must be fully self-contained.
func (a *app) startWorkers(ctx context.Context) {
	for _, q := range []string{bus.QueueState, bus.QueueScan} {
		n, _ := workerCount(a, q)
		a.bus.StartWorkers(ctx, q, n)
	}
	if a.cfg.Orchestrator.HeavyWorkers > 0 {
		n, _ := workerCount(a, bus.QueuePluginHeavy)
		a.bus.StartWorkers(ctx, bus.QueuePluginHeavy, n)
	}
	if a.cfg.Orchestrator.LightWorkers > 0 {
		n, _ := workerCount(a, bus.QueuePluginLight)
		a.bus.StartWorkers(ctx, bus.QueuePluginLight, n)
	}
	// queueFor falls back to the catch-all "plugin" queue for sessions with
	// no weight class and whenever a weight class has no dedicated queue
	// configured, so that queue is always started.
	n, _ := workerCount(a, bus.QueuePlugin)
	a.bus.StartWorkers(ctx, bus.QueuePlugin, n)
}

// newScheduler builds a scheduler bound to this app's submitScan.
func (a *app) newScheduler() *scheduler.Scheduler {
	return scheduler.New(a.db, a.submitScan)
}

func gracefulStop(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Orchestrator.GracefulStopSeconds) * time.Second
}

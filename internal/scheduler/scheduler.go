// Package scheduler drives periodic re-scanning: a scan_schedules row names
// a (target, plan) pair and a cron expression; when it fires, SubmitFn is
// called to create and enqueue a fresh scan. Without this nothing ever
// produces the second scan the issue correlator needs to compare against.
// Grounded on the robfig/cron wrapping pattern of gateway/scheduler.go in
// the teacher — a map[int64]cron.EntryID guarded by a mutex, load-then-
// register on Start, validate-then-register on Add.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scanorc/scanorc/internal/database"
)

// Schedule is one scan_schedules row.
type Schedule struct {
	ID        int64      `db:"id"`
	Target    string     `db:"target"`
	PlanName  string     `db:"plan_name"`
	Expr      string     `db:"expr"`
	Enabled   bool       `db:"enabled"`
	LastRunAt *time.Time `db:"last_run_at"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
}

// SubmitFn creates and enqueues a scan for (target, planName), returning
// its id. Supplied by the caller (typically cmd/worker.go) so this package
// never depends on the workflow/bus wiring directly.
type SubmitFn func(ctx context.Context, target, planName string) (scanID string, err error)

// Scheduler loads scan_schedules from the database and registers each with
// robfig/cron.
type Scheduler struct {
	db     database.DB
	cron   *cron.Cron
	submit SubmitFn

	mu      sync.Mutex
	entries map[int64]cron.EntryID
}

func New(db database.DB, submit SubmitFn) *Scheduler {
	return &Scheduler{
		db:      db,
		cron:    cron.New(),
		submit:  submit,
		entries: make(map[int64]cron.EntryID),
	}
}

// Start loads all enabled schedules and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	var schedules []Schedule
	if err := s.db.Select(ctx, &schedules,
		`SELECT id, target, plan_name, expr, enabled, last_run_at, created_at, updated_at
		 FROM scan_schedules WHERE enabled = 1`,
	); err != nil {
		return fmt.Errorf("scheduler: loading schedules: %w", err)
	}

	for _, sched := range schedules {
		if err := s.register(sched); err != nil {
			slog.Warn("scheduler: skipping schedule with invalid expression",
				"id", sched.ID, "target", sched.Target, "expr", sched.Expr, "error", err)
		}
	}

	s.cron.Start()
	slog.Info("scan scheduler started", "schedules_loaded", len(schedules))
	return nil
}

// Stop halts the cron runner gracefully, waiting for any firing schedule
// to return.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

func (s *Scheduler) register(sched Schedule) error {
	entryID, err := s.cron.AddFunc(sched.Expr, func() {
		if err := s.fire(context.Background(), sched); err != nil {
			slog.Warn("scheduler: firing schedule failed",
				"id", sched.ID, "target", sched.Target, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sched.Expr, err)
	}
	s.mu.Lock()
	s.entries[sched.ID] = entryID
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) fire(ctx context.Context, sched Schedule) error {
	scanID, err := s.submit(ctx, sched.Target, sched.PlanName)
	if err != nil {
		return err
	}
	slog.Info("scheduler: submitted scan", "schedule_id", sched.ID, "scan_id", scanID, "target", sched.Target)
	now := time.Now().UTC()
	return s.db.Update(ctx, "scan_schedules", struct {
		LastRunAt time.Time `db:"last_run_at"`
	}{LastRunAt: now}, "id = ?", sched.ID)
}

// validate reports whether expr parses as a robfig/cron expression, without
// registering it anywhere.
func validate(expr string) error {
	tmp := cron.New()
	id, err := tmp.AddFunc(expr, func() {})
	if err != nil {
		return err
	}
	tmp.Remove(id)
	return nil
}

// Add validates, persists, and registers a new schedule. Returns the new row id.
func (s *Scheduler) Add(ctx context.Context, target, planName, expr string) (int64, error) {
	if err := validate(expr); err != nil {
		return 0, fmt.Errorf("invalid schedule expression %q: %w", expr, err)
	}
	now := time.Now().UTC()
	id, err := s.db.Insert(ctx, "scan_schedules", struct {
		Target    string    `db:"target"`
		PlanName  string    `db:"plan_name"`
		Expr      string    `db:"expr"`
		Enabled   bool      `db:"enabled"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}{Target: target, PlanName: planName, Expr: expr, Enabled: true, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return 0, fmt.Errorf("scheduler: persisting schedule: %w", err)
	}
	s.register(Schedule{ID: id, Target: target, PlanName: planName, Expr: expr, Enabled: true})
	return id, nil
}

// Remove disables a schedule and stops its cron entry. The row itself is
// kept for audit purposes.
func (s *Scheduler) Remove(ctx context.Context, id int64) error {
	s.mu.Lock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return s.db.Update(ctx, "scan_schedules", struct {
		Enabled bool `db:"enabled"`
	}{Enabled: false}, "id = ?", id)
}

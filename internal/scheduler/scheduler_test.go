package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/scanorc/scanorc/internal/config"
	"github.com/scanorc/scanorc/internal/database"
)

func newTestDB(t *testing.T) database.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "scheduler-test.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestAddRejectsInvalidCronExpression(t *testing.T) {
	db := newTestDB(t)
	s := New(db, func(ctx context.Context, target, plan string) (string, error) { return "scan-x", nil })
	if _, err := s.Add(context.Background(), "https://example.com", "plan-a", "not a cron expression"); err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}

func TestAddFiresAndRecordsLastRun(t *testing.T) {
	db := newTestDB(t)
	fired := make(chan struct{}, 1)
	submitted := ""
	s := New(db, func(ctx context.Context, target, plan string) (string, error) {
		submitted = target
		select {
		case fired <- struct{}{}:
		default:
		}
		return "scan-123", nil
	})

	id, err := s.Add(context.Background(), "https://example.com", "plan-a", "@every 50ms")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.cron.Start()
	defer s.Stop()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("schedule never fired")
	}
	// allow the post-fire LastRunAt write to land
	time.Sleep(50 * time.Millisecond)

	if submitted != "https://example.com" {
		t.Fatalf("submitted target = %q, want https://example.com", submitted)
	}

	var schedules []Schedule
	if err := db.Select(context.Background(), &schedules, `SELECT id, target, plan_name, expr, enabled, last_run_at, created_at, updated_at FROM scan_schedules WHERE id = ?`, id); err != nil {
		t.Fatalf("select schedule: %v", err)
	}
	if len(schedules) != 1 || schedules[0].LastRunAt == nil {
		t.Fatalf("expected last_run_at to be recorded: %+v", schedules)
	}
}

func TestRemoveDisablesAndStopsFiring(t *testing.T) {
	db := newTestDB(t)
	var fireCount int
	s := New(db, func(ctx context.Context, target, plan string) (string, error) {
		fireCount++
		return "scan-y", nil
	})

	id, err := s.Add(context.Background(), "https://example.com", "plan-b", "@every 30ms")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.cron.Start()
	time.Sleep(80 * time.Millisecond)

	if err := s.Remove(context.Background(), id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	countAfterRemove := fireCount
	time.Sleep(120 * time.Millisecond)
	s.Stop()

	if fireCount != countAfterRemove {
		t.Fatalf("schedule kept firing after Remove: before=%d after=%d", countAfterRemove, fireCount)
	}

	var schedules []Schedule
	if err := db.Select(context.Background(), &schedules, `SELECT id, target, plan_name, expr, enabled, last_run_at, created_at, updated_at FROM scan_schedules WHERE id = ?`, id); err != nil {
		t.Fatalf("select schedule: %v", err)
	}
	if len(schedules) != 1 || schedules[0].Enabled {
		t.Fatalf("expected the schedule row to be disabled: %+v", schedules)
	}
}

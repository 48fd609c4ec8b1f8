package correlator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/scanorc/scanorc/internal/bus"
	"github.com/scanorc/scanorc/internal/config"
	"github.com/scanorc/scanorc/internal/database"
	"github.com/scanorc/scanorc/internal/statewriter"
	"github.com/scanorc/scanorc/internal/store"
	"github.com/scanorc/scanorc/models"
)

func newTestCorrelator(t *testing.T) (*Correlator, store.Repository) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "correlator-test.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := store.New(db)

	b := bus.New()
	w := statewriter.New(b, repo)
	w.Register()
	b.StartWorkers(context.Background(), bus.QueueState, 2)

	return New(repo, w), repo
}

func mustCreateScan(t *testing.T, repo store.Repository, sc *models.Scan) {
	t.Helper()
	if err := repo.CreateScan(context.Background(), sc); err != nil {
		t.Fatalf("CreateScan(%s): %v", sc.ID, err)
	}
}

func mustUpsertIssue(t *testing.T, repo store.Repository, issue *models.Issue) {
	t.Helper()
	if err := repo.UpsertIssue(context.Background(), issue); err != nil {
		t.Fatalf("UpsertIssue(%s): %v", issue.ID, err)
	}
}

// Scenario: a scan with no prior history for (target, plan) — every
// referenced issue becomes Current with no OldStatus.
func TestCorrelateFirstScanMarksAllCurrentWithNoOldStatus(t *testing.T) {
	c, repo := newTestCorrelator(t)
	ctx := context.Background()

	mustUpsertIssue(t, repo, &models.Issue{ID: "issue-A", Severity: models.SeverityHigh})
	sc := &models.Scan{
		ID:            "scan-fresh",
		State:         models.ScanFinished,
		Created:       time.Now().UTC(),
		Configuration: models.Configuration{"target": "https://example.com"},
		Plan:          models.PlanRef{Name: "plan-a"},
		Sessions: []models.Session{
			{ID: "scan-fresh-s1", State: models.SessionFinished, Plugin: models.PluginDescriptor{Name: "zap"}, Issues: []string{"issue-A"}},
		},
	}
	mustCreateScan(t, repo, sc)

	if err := c.Correlate(ctx, "scan-fresh"); err != nil {
		t.Fatalf("Correlate: %v", err)
	}

	got, err := repo.GetIssue(ctx, "issue-A")
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if got.Status != models.StatusCurrent {
		t.Fatalf("status = %s, want Current", got.Status)
	}
	if got.OldStatus != models.StatusNone {
		t.Fatalf("oldStatus = %s, want %s", got.OldStatus, models.StatusNone)
	}
}

// Scenario: recurrence — a scan reruns the same plugin. An issue still
// reported stays Current/Current. An issue the previous scan's matching
// session reported, but the new clean session no longer reports, is
// re-attached to the new session and marked Fixed/Current.
func TestCorrelateRecurrenceMarksDisappearedIssueFixed(t *testing.T) {
	c, repo := newTestCorrelator(t)
	ctx := context.Background()

	mustUpsertIssue(t, repo, &models.Issue{ID: "issue-stays", Severity: models.SeverityMedium})
	mustUpsertIssue(t, repo, &models.Issue{ID: "issue-gone", Severity: models.SeverityLow})

	previous := &models.Scan{
		ID:            "scan-prev",
		State:         models.ScanFinished,
		Created:       time.Now().UTC().Add(-time.Hour),
		Configuration: models.Configuration{"target": "https://example.com"},
		Plan:          models.PlanRef{Name: "plan-a"},
		Sessions: []models.Session{
			{ID: "scan-prev-s1", State: models.SessionFinished, Plugin: models.PluginDescriptor{Name: "zap"}, Issues: []string{"issue-stays", "issue-gone"}},
		},
	}
	mustCreateScan(t, repo, previous)
	if err := c.Correlate(ctx, "scan-prev"); err != nil {
		t.Fatalf("Correlate(prev): %v", err)
	}

	latest := &models.Scan{
		ID:            "scan-latest",
		State:         models.ScanFinished,
		Created:       time.Now().UTC(),
		Configuration: models.Configuration{"target": "https://example.com"},
		Plan:          models.PlanRef{Name: "plan-a"},
		Sessions: []models.Session{
			{ID: "scan-latest-s1", State: models.SessionFinished, Plugin: models.PluginDescriptor{Name: "zap"}, Issues: []string{"issue-stays"}},
		},
	}
	mustCreateScan(t, repo, latest)
	if err := c.Correlate(ctx, "scan-latest"); err != nil {
		t.Fatalf("Correlate(latest): %v", err)
	}

	stays, err := repo.GetIssue(ctx, "issue-stays")
	if err != nil {
		t.Fatalf("GetIssue(issue-stays): %v", err)
	}
	if stays.Status != models.StatusCurrent || stays.OldStatus != models.StatusCurrent {
		t.Fatalf("issue-stays = %+v, want Current/Current", stays)
	}

	gone, err := repo.GetIssue(ctx, "issue-gone")
	if err != nil {
		t.Fatalf("GetIssue(issue-gone): %v", err)
	}
	if gone.Status != models.StatusFixed || gone.OldStatus != models.StatusCurrent {
		t.Fatalf("issue-gone = %+v, want Fixed/Current", gone)
	}

	sc, err := repo.GetScan(ctx, "scan-latest")
	if err != nil {
		t.Fatalf("GetScan(scan-latest): %v", err)
	}
	sess := sc.SessionByID("scan-latest-s1")
	found := false
	for _, id := range sess.Issues {
		if id == "issue-gone" {
			found = true
		}
	}
	if !found {
		t.Fatalf("issue-gone was not re-attached to the new session: %+v", sess.Issues)
	}
}

// Scenario: the new scan's matching session FAILED instead of finishing
// cleanly, so a disappeared issue cannot be confirmed fixed — its status
// must be left unchanged even though it is re-attached for visibility.
func TestCorrelateSuppressesFixWhenSessionDidNotFinishCleanly(t *testing.T) {
	c, repo := newTestCorrelator(t)
	ctx := context.Background()

	mustUpsertIssue(t, repo, &models.Issue{ID: "issue-dirty", Severity: models.SeverityHigh})

	previous := &models.Scan{
		ID:            "scan-prev2",
		State:         models.ScanFinished,
		Created:       time.Now().UTC().Add(-time.Hour),
		Configuration: models.Configuration{"target": "https://dirty.example.com"},
		Plan:          models.PlanRef{Name: "plan-b"},
		Sessions: []models.Session{
			{ID: "scan-prev2-s1", State: models.SessionFinished, Plugin: models.PluginDescriptor{Name: "nikto"}, Issues: []string{"issue-dirty"}},
		},
	}
	mustCreateScan(t, repo, previous)
	if err := c.Correlate(ctx, "scan-prev2"); err != nil {
		t.Fatalf("Correlate(prev2): %v", err)
	}

	dirtyLatest := &models.Scan{
		ID:            "scan-dirty-latest",
		State:         models.ScanFailed,
		Created:       time.Now().UTC(),
		Configuration: models.Configuration{"target": "https://dirty.example.com"},
		Plan:          models.PlanRef{Name: "plan-b"},
		Sessions: []models.Session{
			{ID: "scan-dirty-latest-s1", State: models.SessionFailed, Plugin: models.PluginDescriptor{Name: "nikto"}},
		},
	}
	mustCreateScan(t, repo, dirtyLatest)
	if err := c.Correlate(ctx, "scan-dirty-latest"); err != nil {
		t.Fatalf("Correlate(dirty): %v", err)
	}

	got, err := repo.GetIssue(ctx, "issue-dirty")
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if got.Status != models.StatusCurrent {
		t.Fatalf("status = %s, want Current (fix suppressed by a failed session)", got.Status)
	}
	if got.OldStatus != models.StatusCurrent {
		t.Fatalf("oldStatus = %s, want Current", got.OldStatus)
	}

	sc, err := repo.GetScan(ctx, "scan-dirty-latest")
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	sess := sc.SessionByID("scan-dirty-latest-s1")
	if len(sess.Issues) != 1 || sess.Issues[0] != "issue-dirty" {
		t.Fatalf("issue-dirty should still be re-attached for visibility: %+v", sess.Issues)
	}
}

// A sticky user classification (FalsePositive) must survive across scans
// even when the issue keeps getting reported.
func TestCorrelateLeavesFalsePositiveAlone(t *testing.T) {
	c, repo := newTestCorrelator(t)
	ctx := context.Background()

	mustUpsertIssue(t, repo, &models.Issue{ID: "issue-fp", Severity: models.SeverityLow})
	if err := repo.SetIssueStatus(ctx, "issue-fp", models.StatusFalsePositive, models.StatusCurrent); err != nil {
		t.Fatalf("seed SetIssueStatus: %v", err)
	}

	sc := &models.Scan{
		ID:            "scan-fp",
		State:         models.ScanFinished,
		Created:       time.Now().UTC(),
		Configuration: models.Configuration{"target": "https://fp.example.com"},
		Plan:          models.PlanRef{Name: "plan-fp"},
		Sessions: []models.Session{
			{ID: "scan-fp-s1", State: models.SessionFinished, Plugin: models.PluginDescriptor{Name: "zap"}, Issues: []string{"issue-fp"}},
		},
	}
	mustCreateScan(t, repo, sc)

	if err := c.Correlate(ctx, "scan-fp"); err != nil {
		t.Fatalf("Correlate: %v", err)
	}

	got, err := repo.GetIssue(ctx, "issue-fp")
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if got.Status != models.StatusFalsePositive {
		t.Fatalf("status = %s, want FalsePositive to remain sticky", got.Status)
	}
}

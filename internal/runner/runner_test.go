package runner

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/scanorc/scanorc/internal/bus"
	"github.com/scanorc/scanorc/internal/config"
	"github.com/scanorc/scanorc/internal/database"
	"github.com/scanorc/scanorc/internal/statewriter"
	"github.com/scanorc/scanorc/internal/store"
	"github.com/scanorc/scanorc/models"
)

func newTestRunnerDeps(t *testing.T) (Deps, store.Repository) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "runner-test.db")
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

	return Deps{Repo: repo, Writer: w}, repo
}

func seedQueuedSession(t *testing.T, repo store.Repository, scanID, sessionID string) {
	t.Helper()
	sc := &models.Scan{
		ID:            scanID,
		State:         models.ScanStarted,
		Configuration: models.Configuration{"target": "https://example.com"},
		Sessions: []models.Session{
			{ID: sessionID, State: models.SessionQueued, Plugin: models.PluginDescriptor{Name: "zap", Class: "plugins.zap"}},
		},
	}
	if err := repo.CreateScan(context.Background(), sc); err != nil {
		t.Fatalf("seed CreateScan: %v", err)
	}
}

func TestRunPluginRefusesWhenScanIsStopping(t *testing.T) {
	deps, repo := newTestRunnerDeps(t)
	sc := &models.Scan{
		ID:            "scan-stopping",
		State:         models.ScanStopping,
		Configuration: models.Configuration{"target": "https://example.com"},
		Sessions: []models.Session{
			{ID: "scan-stopping-s1", State: models.SessionQueued, Plugin: models.PluginDescriptor{Name: "zap"}},
		},
	}
	if err := repo.CreateScan(context.Background(), sc); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}

	state, err := RunPlugin(context.Background(), deps, "scan-stopping", "scan-stopping-s1", &bus.Handle{})
	if err != nil {
		t.Fatalf("RunPlugin: %v", err)
	}
	if state != models.SessionStopped {
		t.Fatalf("state = %s, want STOPPED", state)
	}

	got, err := repo.GetScan(context.Background(), "scan-stopping")
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	sess := got.SessionByID("scan-stopping-s1")
	if sess == nil {
		t.Fatal("session not found after RunPlugin")
	}
	if sess.State != models.SessionStopped {
		t.Fatalf("persisted session state = %s, want STOPPED — the pre-start refusal must write a terminal state, not just return one", sess.State)
	}
}

func TestRunPluginRefusesWhenSessionNotQueued(t *testing.T) {
	deps, repo := newTestRunnerDeps(t)
	sc := &models.Scan{
		ID:            "scan-already",
		State:         models.ScanStarted,
		Configuration: models.Configuration{"target": "https://example.com"},
		Sessions: []models.Session{
			{ID: "scan-already-s1", State: models.SessionCancelled, Plugin: models.PluginDescriptor{Name: "zap"}},
		},
	}
	if err := repo.CreateScan(context.Background(), sc); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}

	state, err := RunPlugin(context.Background(), deps, "scan-already", "scan-already-s1", &bus.Handle{})
	if err != nil {
		t.Fatalf("RunPlugin: %v", err)
	}
	if state != models.SessionCancelled {
		t.Fatalf("state = %s, want CANCELLED (session's existing state passed through)", state)
	}
}

func TestRunPluginRecordsFailureWhenBinaryCannotSpawn(t *testing.T) {
	deps, repo := newTestRunnerDeps(t)
	deps.PluginBinary = filepath.Join(t.TempDir(), "no-such-plugin-binary")
	seedQueuedSession(t, repo, "scan-spawnfail", "scan-spawnfail-s1")

	state, err := RunPlugin(context.Background(), deps, "scan-spawnfail", "scan-spawnfail-s1", &bus.Handle{})
	if err != nil {
		t.Fatalf("RunPlugin: %v", err)
	}
	if state != models.SessionFailed {
		t.Fatalf("state = %s, want FAILED", state)
	}

	sc, err := repo.GetScan(context.Background(), "scan-spawnfail")
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	sess := sc.SessionByID("scan-spawnfail-s1")
	if sess.Failure == nil || sess.Failure.Message == "" {
		t.Fatalf("expected a recorded failure message: %+v", sess.Failure)
	}
}

// writeFakePlugin writes an executable shell script that emits body to
// stdout regardless of its argv, simulating a well-behaved plugin binary.
func writeFakePlugin(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-plugin.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake plugin: %v", err)
	}
	return path
}

func TestRunPluginHappyPathWithFakePlugin(t *testing.T) {
	deps, repo := newTestRunnerDeps(t)
	deps.PluginBinary = writeFakePlugin(t, `
echo '{"msg":"issue","data":{"id":"fake-1","code":"XSS","severity":"High","summary":"reflected"}}'
echo '{"msg":"finish","data":{"state":"FINISHED"}}'
`)
	seedQueuedSession(t, repo, "scan-ok", "scan-ok-s1")

	state, err := RunPlugin(context.Background(), deps, "scan-ok", "scan-ok-s1", &bus.Handle{})
	if err != nil {
		t.Fatalf("RunPlugin: %v", err)
	}
	if state != models.SessionFinished {
		t.Fatalf("state = %s, want FINISHED", state)
	}

	sc, err := repo.GetScan(context.Background(), "scan-ok")
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	sess := sc.SessionByID("scan-ok-s1")
	if sess.State != models.SessionFinished {
		t.Fatalf("session state = %s, want FINISHED", sess.State)
	}
	if len(sess.Issues) != 1 {
		t.Fatalf("expected the reported issue to be recorded: %+v", sess.Issues)
	}
}

func TestRunPluginSynthesizesFailureWhenNoFinishMessageArrives(t *testing.T) {
	deps, repo := newTestRunnerDeps(t)
	deps.PluginBinary = writeFakePlugin(t, `exit 0`)
	seedQueuedSession(t, repo, "scan-nofin", "scan-nofin-s1")

	state, err := RunPlugin(context.Background(), deps, "scan-nofin", "scan-nofin-s1", &bus.Handle{})
	if err != nil {
		t.Fatalf("RunPlugin: %v", err)
	}
	if state != models.SessionFailed {
		t.Fatalf("state = %s, want FAILED when the plugin exits without a finish message", state)
	}

	sc, err := repo.GetScan(context.Background(), "scan-nofin")
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	sess := sc.SessionByID("scan-nofin-s1")
	if sess.Failure == nil || sess.Failure.Message != "The plugin did not finish correctly" {
		t.Fatalf("unexpected failure: %+v", sess.Failure)
	}
}

func TestRunPluginRespectsGracefulStopSignal(t *testing.T) {
	deps, repo := newTestRunnerDeps(t)
	deps.GracefulStop = 2 * time.Second
	deps.PluginBinary = writeFakePlugin(t, `
trap 'echo "{\"msg\":\"finish\",\"data\":{\"state\":\"STOPPED\"}}"; exit 0' USR1
sleep 30
`)
	seedQueuedSession(t, repo, "scan-graceful", "scan-graceful-s1")

	b := bus.New()
	b.RegisterHandler("run", func(ctx context.Context, args any, h *bus.Handle) (any, error) {
		return RunPlugin(ctx, deps, "scan-graceful", "scan-graceful-s1", h)
	})
	b.StartWorkers(context.Background(), bus.QueuePlugin, 1)

	h, err := b.Enqueue(bus.QueuePlugin, "run", nil, bus.EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Give the fake plugin a moment to install its USR1 trap before revoking.
	time.Sleep(200 * time.Millisecond)
	b.Revoke(h, false, syscall.SIGUSR1)

	res, _, err := b.Wait(context.Background(), h)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	state, _ := res.Value.(models.SessionState)
	if state != models.SessionStopped {
		t.Fatalf("state = %s, want STOPPED (plugin should have exited gracefully on USR1)", state)
	}

	sc, err := repo.GetScan(context.Background(), "scan-graceful")
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	sess := sc.SessionByID("scan-graceful-s1")
	if sess.State != models.SessionStopped {
		t.Fatalf("session state = %s, want STOPPED", sess.State)
	}
}

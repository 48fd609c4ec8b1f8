// Package runner implements the Plugin Runner (C4): it spawns and
// supervises one plugin sub-process per session, parses its stdout
// message stream, forwards mutations to the state writer, and enforces
// graceful-then-forced shutdown. Grounded on the subprocess-spawning and
// availability-checking idiom of internal/scanner/{grype,runner}.go in the
// teacher, generalised from a fixed set of named security tools to one
// opaque plugin contract driven entirely by argv and stdout.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/scanorc/scanorc/internal/bus"
	"github.com/scanorc/scanorc/internal/notify"
	"github.com/scanorc/scanorc/internal/statewriter"
	"github.com/scanorc/scanorc/internal/store"
	"github.com/scanorc/scanorc/models"
)

// Notifier fans out finding-level events; implemented by notify.Dispatcher.
// A nil Notifier in Deps is a valid no-op configuration.
type Notifier interface {
	Notify(ctx context.Context, evt notify.Event)
}

// Deps bundles what RunPlugin needs from the rest of the orchestrator.
type Deps struct {
	Repo         store.Repository
	Writer       *statewriter.Writer
	Notifier     Notifier
	PluginBinary string        // resolved via PATH; default "scanorc-plugin-runner"
	GracefulStop time.Duration // window between graceful signal and KILL; default 10s
}

func (d Deps) binary() string {
	if d.PluginBinary == "" {
		return "scanorc-plugin-runner"
	}
	return d.PluginBinary
}

func (d Deps) gracefulStop() time.Duration {
	if d.GracefulStop <= 0 {
		return 10 * time.Second
	}
	return d.GracefulStop
}

// RunPlugin spawns and supervises the plugin for (scanID, sessionID),
// returning the session's terminal state. It never returns an error past
// the task boundary: any uncaught failure is folded into a FAILED session
// write and a nil error, matching the propagation policy that C4 and C5
// always produce a terminal state before returning.
func RunPlugin(ctx context.Context, deps Deps, scanID, sessionID string, h *bus.Handle) (models.SessionState, error) {
	sc, err := deps.Repo.GetScan(ctx, scanID)
	if err != nil {
		return failAndRecord(ctx, deps, scanID, sessionID, fmt.Errorf("runner: reading scan %s: %w", scanID, err))
	}
	if sc == nil {
		return failAndRecord(ctx, deps, scanID, sessionID, fmt.Errorf("runner: scan %s not found", scanID))
	}
	if sc.State == models.ScanStopping || sc.State == models.ScanStopped {
		slog.Info("runner: refusing to start, scan stopping/stopped", "scan", scanID, "session", sessionID)
		if err := deps.Writer.SessionFinish(ctx, scanID, sessionID, models.SessionStopped, nil); err != nil {
			slog.Error("runner: recording pre-start stop failed", "session", sessionID, "error", err)
		}
		return models.SessionStopped, nil
	}
	sess := sc.SessionByID(sessionID)
	if sess == nil {
		return failAndRecord(ctx, deps, scanID, sessionID, fmt.Errorf("runner: session %s not found in scan %s", sessionID, scanID))
	}
	if sess.State != models.SessionQueued {
		slog.Info("runner: refusing to start, session not QUEUED", "scan", scanID, "session", sessionID, "state", sess.State)
		return sess.State, nil
	}

	if err := deps.Writer.SessionStart(ctx, scanID, sessionID); err != nil {
		return failAndRecord(ctx, deps, scanID, sessionID, fmt.Errorf("runner: marking session started: %w", err))
	}

	cfgJSON, err := json.Marshal(sess.Configuration)
	if err != nil {
		return failAndRecord(ctx, deps, scanID, sessionID, fmt.Errorf("marshalling session configuration: %w", err))
	}

	cmd := exec.Command(deps.binary(), "-c", string(cfgJSON), "-p", sess.Plugin.Class, "-s", sessionID) // #nosec G204 -- plugin binary and argv are the documented external plugin contract
	cmd.Stdin = nil
	var stderr bytes.Buffer
	cmd.Stderr = &stderr // captured into a buffer that nothing reads back; not part of the protocol
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failAndRecord(ctx, deps, scanID, sessionID, fmt.Errorf("creating stdout pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return failAndRecord(ctx, deps, scanID, sessionID, fmt.Errorf("spawning plugin: %w", err))
	}

	sup := newSupervisor(cmd)
	defer sup.release()

	var (
		mu      sync.Mutex
		finalFD *finishData
	)
	target := sess.Configuration.Target()
	s := &sink{
		onIssue: func(issue *models.Issue) {
			if err := deps.Writer.SessionReportIssue(ctx, scanID, sessionID, issue); err != nil {
				slog.Warn("runner: recording issue failed", "session", sessionID, "error", err)
			}
			if issue.Severity == models.SeverityHigh && deps.Notifier != nil {
				deps.Notifier.Notify(ctx, notify.Event{
					Type:     "finding.severity",
					Title:    fmt.Sprintf("high severity finding: %s", issue.Code),
					Body:     issue.Summary,
					Severity: "high",
					Target:   target,
				})
			}
		},
		onArtifact: func(data json.RawMessage) {
			var artifact any
			_ = json.Unmarshal(data, &artifact)
			if err := deps.Writer.SessionReportArtifact(ctx, scanID, sessionID, artifact); err != nil {
				slog.Warn("runner: recording artifact failed", "session", sessionID, "error", err)
			}
		},
		onFinish: func(fd finishData) {
			mu.Lock()
			finalFD = &fd
			mu.Unlock()
		},
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		readLines(stdout, s, sessionID)
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var killTimer *time.Timer
	defer func() {
		if killTimer != nil {
			killTimer.Stop()
		}
	}()

	var waitErr error
loop:
	for {
		select {
		case <-h.Signal():
			sup.signal(syscall.SIGUSR1)
			killTimer = time.AfterFunc(deps.gracefulStop(), func() { sup.kill() })
		case <-ctx.Done():
			sup.signal(syscall.SIGUSR1)
			killTimer = time.AfterFunc(deps.gracefulStop(), func() { sup.kill() })
		case waitErr = <-waitDone:
			break loop
		}
	}
	<-readerDone
	sup.release()

	mu.Lock()
	fd := finalFD
	mu.Unlock()

	var state models.SessionState
	var failure *models.Failure
	if fd != nil && fd.State != "" {
		state = fd.State
		failure = fd.Failure
	} else {
		state = models.SessionFailed
		host, _ := os.Hostname()
		msg := "The plugin did not finish correctly"
		if waitErr != nil {
			msg = waitErr.Error()
		}
		failure = &models.Failure{Hostname: host, Message: msg}
	}

	if err := deps.Writer.SessionFinish(ctx, scanID, sessionID, state, failure); err != nil {
		slog.Error("runner: recording session finish failed", "session", sessionID, "error", err)
	}
	return state, nil
}

func failAndRecord(ctx context.Context, deps Deps, scanID, sessionID string, cause error) (models.SessionState, error) {
	host, _ := os.Hostname()
	failure := &models.Failure{Hostname: host, Message: cause.Error()}
	if err := deps.Writer.SessionFinish(ctx, scanID, sessionID, models.SessionFailed, failure); err != nil {
		slog.Error("runner: recording forced failure failed", "session", sessionID, "error", err)
	}
	return models.SessionFailed, nil
}

// Package workflow implements the Scan Workflow (C5): it drives one scan
// end-to-end — admission checks, sequential session dispatch through the
// task bus, terminal classification, and a single correlator invocation —
// grounded on the sequential-dispatch-with-cancellation and channel/
// WaitGroup idioms of internal/agent/orchestrator.go in the teacher.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/scanorc/scanorc/internal/bus"
	"github.com/scanorc/scanorc/internal/notify"
	"github.com/scanorc/scanorc/internal/statewriter"
	"github.com/scanorc/scanorc/internal/store"
	"github.com/scanorc/scanorc/models"
)

// TaskRunPlugin is the task name enqueued on a plugin* queue per session.
const TaskRunPlugin = "run_plugin"

// PluginArgs is what a run_plugin job carries.
type PluginArgs struct {
	ScanID, SessionID string
}

// Correlator is invoked exactly once, at scan terminal transition.
type Correlator interface {
	Correlate(ctx context.Context, scanID string) error
}

// Notifier fans out scan-level events; implemented by notify.Dispatcher. A
// nil Notifier in Deps is a valid no-op configuration.
type Notifier interface {
	Notify(ctx context.Context, evt notify.Event)
}

// Deps bundles what Run needs from the rest of the orchestrator.
type Deps struct {
	Repo       store.Repository
	Writer     *statewriter.Writer
	Bus        *bus.Bus
	Admission  *Admission
	Verifier   Verifier
	Correlator Correlator
	Notifier   Notifier
	// HeavyQueueConfigured / LightQueueConfigured select dedicated plugin
	// queues by weight class; when false, all sessions route to "plugin".
	HeavyQueueConfigured bool
	LightQueueConfigured bool
}

func (d Deps) queueFor(w models.Weight) string {
	switch w {
	case models.WeightHeavy:
		if d.HeavyQueueConfigured {
			return bus.QueuePluginHeavy
		}
	case models.WeightLight:
		if d.LightQueueConfigured {
			return bus.QueuePluginLight
		}
	}
	return bus.QueuePlugin
}

// Run drives scanID to completion. It is idempotent w.r.t. repeat
// invocation only when the scan is in QUEUED; any other state is logged
// and Run returns without side effect.
func Run(ctx context.Context, deps Deps, scanID string) {
	sc, err := deps.Repo.GetScan(ctx, scanID)
	if err != nil {
		slog.Error("workflow: reading scan failed", "scan", scanID, "error", err)
		return
	}
	if sc == nil {
		slog.Warn("workflow: scan not found", "scan", scanID)
		return
	}
	if sc.State != models.ScanQueued {
		slog.Info("workflow: scan not QUEUED, ignoring", "scan", scanID, "state", sc.State)
		return
	}

	if err := deps.Writer.ScanStart(ctx, scanID); err != nil {
		terminate(ctx, deps, scanID, models.ScanFailed, uncaughtFailure(err))
		return
	}

	target := sc.Target()

	if deps.Admission != nil && !deps.Admission.Permit(target) {
		abort(ctx, deps, sc, &models.Failure{Reason: "target-blacklisted", Message: fmt.Sprintf("target %q is denied by admission policy", target)})
		return
	}

	site, err := deps.Repo.GetSite(ctx, target)
	if err != nil {
		terminate(ctx, deps, scanID, models.ScanFailed, uncaughtFailure(err))
		return
	}
	if site != nil && site.VerificationRequired {
		verifier := deps.Verifier
		if verifier == nil {
			verifier = AlwaysAllow{}
		}
		ok, err := verifier.Verify(ctx, target)
		if err != nil || !ok {
			abort(ctx, deps, sc, &models.Failure{Reason: "target-ownership-verification-failed", Message: errString(err)})
			return
		}
	}

	for i := range sc.Sessions {
		sess := &sc.Sessions[i]

		if err := deps.Writer.SessionQueue(ctx, scanID, sess.ID); err != nil {
			terminate(ctx, deps, scanID, models.ScanFailed, uncaughtFailure(err))
			return
		}

		queue := deps.queueFor(sess.Plugin.Weight)
		h, err := deps.Bus.Enqueue(queue, TaskRunPlugin, PluginArgs{ScanID: scanID, SessionID: sess.ID}, bus.EnqueueOptions{})
		if err != nil {
			terminate(ctx, deps, scanID, models.ScanFailed, uncaughtFailure(err))
			return
		}

		// Persisted before any wait so a concurrent stop always sees a
		// revocable handle or a pre-start state.
		if err := deps.Writer.SessionSetTaskID(ctx, scanID, sess.ID, h.ID); err != nil {
			terminate(ctx, deps, scanID, models.ScanFailed, uncaughtFailure(err))
			return
		}

		res, revoked, err := deps.Bus.Wait(ctx, h)
		var resultState models.SessionState
		if revoked {
			resultState = models.SessionStopped
		} else if err != nil {
			terminate(ctx, deps, scanID, models.ScanFailed, uncaughtFailure(err))
			return
		} else if s, ok := res.Value.(models.SessionState); ok {
			resultState = s
		} else {
			resultState = models.SessionFailed
		}

		if resultState == models.SessionAborted || resultState == models.SessionStopped {
			scanState := models.ScanStopped
			if resultState == models.SessionAborted {
				scanState = models.ScanAborted
			}
			cancelCreatedSuccessors(ctx, deps, scanID, sc.Sessions, i+1)
			finish(ctx, deps, scanID, scanState, nil)
			return
		}
	}

	sc, err = deps.Repo.GetScan(ctx, scanID)
	if err != nil {
		terminate(ctx, deps, scanID, models.ScanFailed, uncaughtFailure(err))
		return
	}
	finalState := models.ScanFinished
	for _, sess := range sc.Sessions {
		if sess.State == models.SessionFailed {
			finalState = models.ScanFailed
			break
		}
	}
	finish(ctx, deps, scanID, finalState, nil)
}

func abort(ctx context.Context, deps Deps, sc *models.Scan, failure *models.Failure) {
	cancelCreatedSuccessors(ctx, deps, sc.ID, sc.Sessions, 0)
	finish(ctx, deps, sc.ID, models.ScanAborted, failure)
}

func terminate(ctx context.Context, deps Deps, scanID string, state models.ScanState, failure *models.Failure) {
	finish(ctx, deps, scanID, state, failure)
}

// finish performs the terminal write, correlator invocation, and callback
// that apply to every exit path.
func finish(ctx context.Context, deps Deps, scanID string, state models.ScanState, failure *models.Failure) {
	if err := deps.Writer.ScanFinish(ctx, scanID, state, failure); err != nil {
		slog.Error("workflow: recording scan terminal state failed", "scan", scanID, "error", err)
	}
	if deps.Correlator != nil {
		if err := deps.Correlator.Correlate(ctx, scanID); err != nil {
			slog.Error("workflow: correlation failed", "scan", scanID, "error", err)
		}
	}
	postCallback(ctx, deps, scanID, state)
	notifyTerminal(ctx, deps, scanID, state)
}

// notifyTerminal fires a scan.aborted/scan.failed notification for the two
// states an operator needs paging on; FINISHED and STOPPED are expected
// outcomes and do not notify.
func notifyTerminal(ctx context.Context, deps Deps, scanID string, state models.ScanState) {
	if deps.Notifier == nil {
		return
	}
	var evtType string
	switch state {
	case models.ScanAborted:
		evtType = "scan.aborted"
	case models.ScanFailed:
		evtType = "scan.failed"
	default:
		return
	}
	sc, err := deps.Repo.GetScan(ctx, scanID)
	if err != nil || sc == nil {
		return
	}
	deps.Notifier.Notify(ctx, notify.Event{
		Type:   evtType,
		Title:  fmt.Sprintf("scan %s %s", scanID, state),
		Target: sc.Target(),
	})
}

func cancelCreatedSuccessors(ctx context.Context, deps Deps, scanID string, sessions []models.Session, from int) {
	for i := from; i < len(sessions); i++ {
		sess := sessions[i]
		if sess.State != models.SessionCreated {
			continue
		}
		if err := deps.Writer.SessionFinish(ctx, scanID, sess.ID, models.SessionCancelled, nil); err != nil {
			slog.Warn("workflow: cancelling session failed", "scan", scanID, "session", sess.ID, "error", err)
		}
	}
}

func uncaughtFailure(err error) *models.Failure {
	host, _ := os.Hostname()
	return &models.Failure{Hostname: host, Message: err.Error()}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Summarize projects a terminal (or in-flight) scan into a lightweight
// view: open-issue counts per severity and a per-session digest, without
// the full issue payload. Supplements the distillation's dropped
// scan-summary endpoint.
type Summary struct {
	ScanID   string         `json:"scan_id"`
	State    models.ScanState `json:"state"`
	Severity map[models.Severity]int `json:"severity"`
	Sessions []SessionDigest `json:"sessions"`
}

type SessionDigest struct {
	Plugin string              `json:"plugin"`
	ID     string              `json:"id"`
	State  models.SessionState `json:"state"`
}

// Summarize counts issues whose Status is neither Fixed, FalsePositive,
// nor Ignored, and lists each session's plugin/id/state.
func Summarize(ctx context.Context, repo store.Repository, sc *models.Scan) (*Summary, error) {
	sum := &Summary{
		ScanID:   sc.ID,
		State:    sc.State,
		Severity: map[models.Severity]int{},
	}
	seen := map[string]bool{}
	for _, sess := range sc.Sessions {
		sum.Sessions = append(sum.Sessions, SessionDigest{Plugin: sess.Plugin.Name, ID: sess.ID, State: sess.State})
		for _, issueID := range sess.Issues {
			if seen[issueID] {
				continue
			}
			seen[issueID] = true
			issue, err := repo.GetIssue(ctx, issueID)
			if err != nil {
				return nil, err
			}
			if issue == nil {
				continue
			}
			if issue.Status == models.StatusFixed || issue.Status == models.StatusFalsePositive || issue.Status == models.StatusIgnored {
				continue
			}
			sum.Severity[issue.Severity]++
		}
	}
	return sum, nil
}

// postCallback fires the configured callback, if any, once per terminal
// transition. Failures are logged and swallowed — they never alter the
// scan's recorded state.
func postCallback(ctx context.Context, deps Deps, scanID string, state models.ScanState) {
	sc, err := deps.Repo.GetScan(ctx, scanID)
	if err != nil || sc == nil {
		return
	}
	url := sc.Configuration.CallbackURL()
	if url == "" {
		return
	}
	postScanStateCallback(ctx, url, scanID, state)
}

var httpClientTimeout = 5 * time.Second

// Package statewriter implements the State Writer (C3): every scan and
// session field mutation made by the workflow, the plugin runner and the
// correlator flows through here (scan creation and the QUEUED transition
// in cmd write the repository directly), on the
// bus's "state" queue, so writes to a given scan are linearised by the
// bus's per-scan shard.
package statewriter

import (
	"context"
	"fmt"
	"time"

	"github.com/scanorc/scanorc/internal/bus"
	"github.com/scanorc/scanorc/internal/store"
	"github.com/scanorc/scanorc/models"
)

// Task names on the "state" queue, matching the external contract.
const (
	TaskScanStart            = "scan_start"
	TaskScanFinish           = "scan_finish"
	TaskScanStop             = "scan_stop"
	TaskSessionQueue         = "session_queue"
	TaskSessionStart         = "session_start"
	TaskSessionFinish        = "session_finish"
	TaskSessionSetTaskID     = "session_set_task_id"
	TaskSessionReportIssue   = "session_report_issue"
	TaskSessionReportArtifact = "session_report_artifact"
	TaskSetStatusIssues      = "set_status_issues"
	TaskSessionAttachIssue   = "session_attach_issue"
)

// Writer is a thin facade: Register binds its methods to bus task names;
// the methods themselves enqueue+wait so callers (the workflow, the
// plugin runner, the correlator) never write to the repository directly.
type Writer struct {
	bus  *bus.Bus
	repo store.Repository
}

func New(b *bus.Bus, repo store.Repository) *Writer {
	return &Writer{bus: b, repo: repo}
}

// Register binds every state task name to its handler. Call once before
// starting "state" queue workers.
func (w *Writer) Register() {
	w.bus.RegisterHandler(TaskScanStart, w.handleScanStart)
	w.bus.RegisterHandler(TaskScanFinish, w.handleScanFinish)
	w.bus.RegisterHandler(TaskScanStop, w.handleScanStop)
	w.bus.RegisterHandler(TaskSessionQueue, w.handleSessionQueue)
	w.bus.RegisterHandler(TaskSessionStart, w.handleSessionStart)
	w.bus.RegisterHandler(TaskSessionFinish, w.handleSessionFinish)
	w.bus.RegisterHandler(TaskSessionSetTaskID, w.handleSessionSetTaskID)
	w.bus.RegisterHandler(TaskSessionReportIssue, w.handleSessionReportIssue)
	w.bus.RegisterHandler(TaskSessionReportArtifact, w.handleSessionReportArtifact)
	w.bus.RegisterHandler(TaskSetStatusIssues, w.handleSetStatusIssues)
	w.bus.RegisterHandler(TaskSessionAttachIssue, w.handleSessionAttachIssue)
}

func now() *time.Time {
	t := time.Now().UTC()
	return &t
}

// --- handlers (run on a state-queue worker) ---

func (w *Writer) handleScanStart(ctx context.Context, args any, _ *bus.Handle) (any, error) {
	scanID := args.(string)
	return nil, w.repo.SetScanFields(ctx, scanID, map[string]any{
		"State":   models.ScanStarted,
		"Started": now(),
	})
}

type scanFinishArgs struct {
	ScanID  string
	State   models.ScanState
	Failure *models.Failure
}

func (w *Writer) handleScanFinish(ctx context.Context, args any, _ *bus.Handle) (any, error) {
	a := args.(scanFinishArgs)
	sc, err := w.repo.GetScan(ctx, a.ScanID)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, fmt.Errorf("statewriter: scan %s not found", a.ScanID)
	}
	if sc.State.IsTerminal() {
		return nil, nil // at most one terminal write per scan; later ones are no-ops
	}
	fields := map[string]any{"State": a.State, "Finished": now()}
	if a.Failure != nil {
		fields["Failure"] = a.Failure
	}
	return nil, w.repo.SetScanFields(ctx, a.ScanID, fields)
}

func (w *Writer) handleScanStop(ctx context.Context, args any, _ *bus.Handle) (any, error) {
	scanID := args.(string)
	return nil, w.repo.SetScanFields(ctx, scanID, map[string]any{"State": models.ScanStopping})
}

func (w *Writer) handleSessionQueue(ctx context.Context, args any, _ *bus.Handle) (any, error) {
	a := args.(sessionRef)
	return nil, w.repo.SetSessionFields(ctx, a.ScanID, a.SessionID, map[string]any{
		"State":  models.SessionQueued,
		"Queued": now(),
	})
}

func (w *Writer) handleSessionStart(ctx context.Context, args any, _ *bus.Handle) (any, error) {
	a := args.(sessionRef)
	return nil, w.repo.SetSessionFields(ctx, a.ScanID, a.SessionID, map[string]any{
		"State":   models.SessionStarted,
		"Started": now(),
	})
}

type sessionFinishArgs struct {
	ScanID, SessionID string
	State             models.SessionState
	Failure           *models.Failure
}

func (w *Writer) handleSessionFinish(ctx context.Context, args any, _ *bus.Handle) (any, error) {
	a := args.(sessionFinishArgs)
	sc, err := w.repo.GetScan(ctx, a.ScanID)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, fmt.Errorf("statewriter: scan %s not found", a.ScanID)
	}
	sess := sc.SessionByID(a.SessionID)
	if sess == nil {
		return nil, fmt.Errorf("statewriter: session %s not found in scan %s", a.SessionID, a.ScanID)
	}
	if sess.State.IsTerminal() {
		return nil, nil // idempotent: a subsequent terminal write is a no-op
	}
	fields := map[string]any{"State": a.State, "Finished": now()}
	if a.Failure != nil {
		fields["Failure"] = a.Failure
	}
	return nil, w.repo.SetSessionFields(ctx, a.ScanID, a.SessionID, fields)
}

type sessionRef struct{ ScanID, SessionID string }

type sessionTaskArgs struct {
	ScanID, SessionID, TaskID string
}

func (w *Writer) handleSessionSetTaskID(ctx context.Context, args any, _ *bus.Handle) (any, error) {
	a := args.(sessionTaskArgs)
	return nil, w.repo.SetSessionFields(ctx, a.ScanID, a.SessionID, map[string]any{"Task": a.TaskID})
}

type sessionIssueArgs struct {
	ScanID, SessionID string
	Issue             *models.Issue
}

func (w *Writer) handleSessionReportIssue(ctx context.Context, args any, _ *bus.Handle) (any, error) {
	a := args.(sessionIssueArgs)
	if err := w.repo.UpsertIssue(ctx, a.Issue); err != nil {
		return nil, err
	}
	return nil, w.repo.PushSessionIssueRef(ctx, a.ScanID, a.SessionID, a.Issue.ID)
}

type sessionArtifactArgs struct {
	ScanID, SessionID string
	Artifact          any
}

func (w *Writer) handleSessionReportArtifact(ctx context.Context, args any, _ *bus.Handle) (any, error) {
	a := args.(sessionArtifactArgs)
	return nil, w.repo.PushSessionArtifact(ctx, a.ScanID, a.SessionID, a.Artifact)
}

type statusIssuesArgs struct {
	IssueID             string
	Status, OldStatus   models.IssueStatus
}

func (w *Writer) handleSetStatusIssues(ctx context.Context, args any, _ *bus.Handle) (any, error) {
	a := args.(statusIssuesArgs)
	return nil, w.repo.SetIssueStatus(ctx, a.IssueID, a.Status, a.OldStatus)
}

func (w *Writer) handleSessionAttachIssue(ctx context.Context, args any, _ *bus.Handle) (any, error) {
	a := args.(sessionRef2)
	return nil, w.repo.PushSessionIssueRef(ctx, a.ScanID, a.SessionID, a.IssueID)
}

type sessionRef2 struct{ ScanID, SessionID, IssueID string }

// --- convenience callers (used by C4/C5/C6) ---

func (w *Writer) enqueueAndWait(ctx context.Context, shardKey, task string, args any) error {
	h, err := w.bus.Enqueue(bus.QueueState, task, args, bus.EnqueueOptions{ShardKey: shardKey})
	if err != nil {
		return err
	}
	res, revoked, err := w.bus.Wait(ctx, h)
	if err != nil {
		return err
	}
	if revoked {
		return fmt.Errorf("statewriter: %s job revoked", task)
	}
	return res.Err
}

func (w *Writer) ScanStart(ctx context.Context, scanID string) error {
	return w.enqueueAndWait(ctx, scanID, TaskScanStart, scanID)
}

func (w *Writer) ScanFinish(ctx context.Context, scanID string, state models.ScanState, failure *models.Failure) error {
	return w.enqueueAndWait(ctx, scanID, TaskScanFinish, scanFinishArgs{ScanID: scanID, State: state, Failure: failure})
}

func (w *Writer) ScanStop(ctx context.Context, scanID string) error {
	return w.enqueueAndWait(ctx, scanID, TaskScanStop, scanID)
}

func (w *Writer) SessionQueue(ctx context.Context, scanID, sessionID string) error {
	return w.enqueueAndWait(ctx, scanID, TaskSessionQueue, sessionRef{ScanID: scanID, SessionID: sessionID})
}

func (w *Writer) SessionStart(ctx context.Context, scanID, sessionID string) error {
	return w.enqueueAndWait(ctx, scanID, TaskSessionStart, sessionRef{ScanID: scanID, SessionID: sessionID})
}

func (w *Writer) SessionFinish(ctx context.Context, scanID, sessionID string, state models.SessionState, failure *models.Failure) error {
	return w.enqueueAndWait(ctx, scanID, TaskSessionFinish, sessionFinishArgs{
		ScanID: scanID, SessionID: sessionID, State: state, Failure: failure,
	})
}

func (w *Writer) SessionSetTaskID(ctx context.Context, scanID, sessionID, taskID string) error {
	return w.enqueueAndWait(ctx, scanID, TaskSessionSetTaskID, sessionTaskArgs{
		ScanID: scanID, SessionID: sessionID, TaskID: taskID,
	})
}

func (w *Writer) SessionReportIssue(ctx context.Context, scanID, sessionID string, issue *models.Issue) error {
	return w.enqueueAndWait(ctx, scanID, TaskSessionReportIssue, sessionIssueArgs{
		ScanID: scanID, SessionID: sessionID, Issue: issue,
	})
}

func (w *Writer) SessionReportArtifact(ctx context.Context, scanID, sessionID string, artifact any) error {
	return w.enqueueAndWait(ctx, scanID, TaskSessionReportArtifact, sessionArtifactArgs{
		ScanID: scanID, SessionID: sessionID, Artifact: artifact,
	})
}

func (w *Writer) SetStatusIssues(ctx context.Context, scanID, issueID string, status, oldStatus models.IssueStatus) error {
	return w.enqueueAndWait(ctx, scanID, TaskSetStatusIssues, statusIssuesArgs{
		IssueID: issueID, Status: status, OldStatus: oldStatus,
	})
}

// AttachSessionIssue appends issueID to sessionID's issue list, used by the
// correlator to re-attach a fixed issue's id to the session that
// superseded it so the timeline stays navigable from the latest scan.
func (w *Writer) AttachSessionIssue(ctx context.Context, scanID, sessionID, issueID string) error {
	return w.enqueueAndWait(ctx, scanID, TaskSessionAttachIssue, sessionRef2{
		ScanID: scanID, SessionID: sessionID, IssueID: issueID,
	})
}

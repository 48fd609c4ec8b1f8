// Package correlator implements the Issue Correlator (C6): once a scan
// reaches a terminal state, it compares that scan against the previous
// finished scan of the same (target, plan) and reclassifies each issue as
// Current, Fixed, or left alone if a user (or an earlier correlation pass)
// already tagged it FalsePositive/Ignored. Grounded in idiom on the
// reflection-driven row-diffing helpers of internal/database/sqlite.go —
// same "compare two snapshots, emit the delta" shape, applied to issue
// sets instead of SQL rows.
package correlator

import (
	"context"
	"fmt"

	"github.com/scanorc/scanorc/internal/statewriter"
	"github.com/scanorc/scanorc/internal/store"
	"github.com/scanorc/scanorc/models"
)

// Correlator ties statewriter writes to repository reads. It implements
// workflow.Correlator.
type Correlator struct {
	Repo   store.Repository
	Writer *statewriter.Writer
}

func New(repo store.Repository, writer *statewriter.Writer) *Correlator {
	return &Correlator{Repo: repo, Writer: writer}
}

// Correlate runs exactly once per scan terminal transition — the caller
// (the scan workflow) is responsible for that invariant; Correlate itself
// is idempotent only in the sense that re-running it against the same
// pair of scans recomputes the same classification, not in skipping work.
func (c *Correlator) Correlate(ctx context.Context, scanID string) error {
	sc, err := c.Repo.GetScan(ctx, scanID)
	if err != nil {
		return fmt.Errorf("correlator: reading scan %s: %w", scanID, err)
	}
	if sc == nil {
		return fmt.Errorf("correlator: scan %s not found", scanID)
	}
	if !sc.State.IsTerminal() {
		return fmt.Errorf("correlator: scan %s is not terminal (state %s)", scanID, sc.State)
	}

	history, err := c.Repo.FindScansFor(ctx, sc.Target(), sc.Plan.Name)
	if err != nil {
		return fmt.Errorf("correlator: listing history for %s/%s: %w", sc.Target(), sc.Plan.Name, err)
	}

	var previous *models.Scan
	for _, h := range history {
		if h.ID == sc.ID || !h.State.IsTerminal() {
			continue
		}
		previous = h // history is ordered Created descending: first terminal match after sc is the previous one
		break
	}

	currentIDs := issueIDs(sc)
	previousIDs := map[string]bool{}
	if previous != nil {
		previousIDs = issueIDs(previous)
	}

	// Pass 1: classify L's issues — Current, with OldStatus carried over
	// from the previous scan's classification of the same id, or "-" if
	// this is the first time the id has been seen.
	for id := range currentIDs {
		issue, err := c.Repo.GetIssue(ctx, id)
		if err != nil {
			return fmt.Errorf("correlator: reading issue %s: %w", id, err)
		}
		if issue == nil {
			continue
		}
		if issue.Status == models.StatusFalsePositive || issue.Status == models.StatusIgnored {
			continue // a user classification is sticky across scans
		}
		oldStatus := models.StatusNone
		if previousIDs[id] {
			oldStatus = issue.Status
		}
		if err := c.Writer.SetStatusIssues(ctx, scanID, id, models.StatusCurrent, oldStatus); err != nil {
			return fmt.Errorf("correlator: marking issue %s current: %w", id, err)
		}
	}

	if previous == nil {
		return nil
	}

	// Pass 2: detect fixes. For each previous-scan session, find the
	// current-scan session running the same plugin and re-attach any issue
	// it no longer references; the fix only counts as confirmed if that
	// session finished cleanly.
	for pi := range previous.Sessions {
		p := &previous.Sessions[pi]
		l := sc.SessionByPluginName(p.Plugin.Name)
		if l == nil {
			continue
		}
		lHas := make(map[string]bool, len(l.Issues))
		for _, id := range l.Issues {
			lHas[id] = true
		}
		for _, id := range p.Issues {
			if lHas[id] {
				continue // still referenced by the matching session; already classified above
			}
			issue, err := c.Repo.GetIssue(ctx, id)
			if err != nil {
				return fmt.Errorf("correlator: reading issue %s: %w", id, err)
			}
			if issue == nil || issue.Status == models.StatusFalsePositive || issue.Status == models.StatusIgnored {
				continue
			}
			if err := c.Writer.AttachSessionIssue(ctx, scanID, l.ID, id); err != nil {
				return fmt.Errorf("correlator: attaching issue %s to session %s: %w", id, l.ID, err)
			}
			newStatus := issue.Status // a non-clean scan cannot assert a fix
			if l.State == models.SessionFinished {
				newStatus = models.StatusFixed
			}
			if err := c.Writer.SetStatusIssues(ctx, scanID, id, newStatus, issue.Status); err != nil {
				return fmt.Errorf("correlator: marking issue %s fixed: %w", id, err)
			}
		}
	}

	return nil
}

func issueIDs(sc *models.Scan) map[string]bool {
	ids := map[string]bool{}
	for _, sess := range sc.Sessions {
		for _, id := range sess.Issues {
			ids[id] = true
		}
	}
	return ids
}

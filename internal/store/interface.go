// Package store implements the Repository abstraction the orchestrator core
// consumes: scan, plan and issue documents, plus the narrow queries and
// atomic sub-document updates the workflow, runner, state writer and
// correlator rely on.
package store

import (
	"context"

	"github.com/scanorc/scanorc/models"
)

// Repository is the storage contract consumed by the orchestrator core.
// Every write here must be atomic with respect to concurrent readers; there
// is no cross-scan transaction requirement.
type Repository interface {
	// GetScan returns the current persisted snapshot, or nil if absent.
	GetScan(ctx context.Context, id string) (*models.Scan, error)
	// CreateScan persists a brand new scan document.
	CreateScan(ctx context.Context, scan *models.Scan) error
	// DeleteScan removes a scan document and detaches (and deletes) any
	// issue it referenced that is not referenced by any other stored scan.
	// Returns the number of issues removed.
	DeleteScan(ctx context.Context, id string) (int, error)

	// GetSite returns ownership-verification configuration and tags for a
	// target URL, or nil if no site record exists.
	GetSite(ctx context.Context, url string) (*models.Site, error)

	// SetScanFields atomically patches named fields of a scan document.
	// Unknown keys are ignored; known keys overwrite the current value.
	SetScanFields(ctx context.Context, id string, fields map[string]any) error
	// SetSessionFields atomically patches named fields of one session
	// embedded in a scan document.
	SetSessionFields(ctx context.Context, scanID, sessionID string, fields map[string]any) error

	// PushSessionIssueRef atomically appends issueID to session.Issues.
	PushSessionIssueRef(ctx context.Context, scanID, sessionID, issueID string) error
	// PushSessionArtifact atomically appends artifact to session.Artifacts.
	PushSessionArtifact(ctx context.Context, scanID, sessionID string, artifact any) error

	// UpsertIssue inserts issue if absent; otherwise patches Severity only.
	UpsertIssue(ctx context.Context, issue *models.Issue) error
	// GetIssue returns the current issue document, or nil if absent.
	GetIssue(ctx context.Context, id string) (*models.Issue, error)
	// SetIssueStatus patches Status/OldStatus on an existing issue.
	SetIssueStatus(ctx context.Context, id string, status, oldStatus models.IssueStatus) error

	// FindScansFor returns scans for (target, planName) ordered by Created
	// descending — the correlator consumes the first two entries.
	FindScansFor(ctx context.Context, target, planName string) ([]*models.Scan, error)

	// GetPlan returns a named plan, or nil if absent.
	GetPlan(ctx context.Context, name string) (*models.Plan, error)
	// PutPlan inserts or replaces a plan document.
	PutPlan(ctx context.Context, plan *models.Plan) error
}

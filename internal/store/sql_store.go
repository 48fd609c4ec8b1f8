package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/scanorc/scanorc/internal/database"
	"github.com/scanorc/scanorc/models"
)

// SQLStore implements Repository on top of a database.DB, storing each
// Scan aggregate as indexed scalar columns plus JSON-blob columns for its
// embedded sessions, configuration and meta — emulating the document
// store's atomic sub-document patch semantics on top of a SQL backend.
//
// True atomicity for the read-modify-write patch operations is provided by
// a per-scan-id mutex, mirroring the single-consumer-per-shard discipline
// the task bus already enforces on the state queue (so in practice these
// locks are rarely contended).
type SQLStore struct {
	db database.DB

	mu     sync.Mutex
	scanMu map[string]*sync.Mutex
}

// New wraps db as a Repository.
func New(db database.DB) *SQLStore {
	return &SQLStore{db: db, scanMu: make(map[string]*sync.Mutex)}
}

func (s *SQLStore) lockFor(scanID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.scanMu[scanID]
	if !ok {
		m = &sync.Mutex{}
		s.scanMu[scanID] = m
	}
	return m
}

// scanRow mirrors the scans table layout; sessions/configuration/meta/
// failure are stored as JSON blobs and marshalled on every write.
type scanRow struct {
	ID            string  `db:"id"`
	Target        string  `db:"target"`
	PlanName      string  `db:"plan_name"`
	PlanRevision  string  `db:"plan_revision"`
	State         string  `db:"state"`
	Created       string  `db:"created"`
	Queued        *string `db:"queued"`
	Started       *string `db:"started"`
	Finished      *string `db:"finished"`
	Configuration string  `db:"configuration_json"`
	Meta          string  `db:"meta_json"`
	Sessions      string  `db:"sessions_json"`
	Failure       *string `db:"failure_json"`
}

func toScanRow(sc *models.Scan) (*scanRow, error) {
	cfgJSON, err := json.Marshal(sc.Configuration)
	if err != nil {
		return nil, fmt.Errorf("marshal configuration: %w", err)
	}
	metaJSON, err := json.Marshal(sc.Meta)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	sessJSON, err := json.Marshal(sc.Sessions)
	if err != nil {
		return nil, fmt.Errorf("marshal sessions: %w", err)
	}
	row := &scanRow{
		ID:            sc.ID,
		Target:        sc.Target(),
		PlanName:      sc.Plan.Name,
		PlanRevision:  sc.Plan.Revision,
		State:         string(sc.State),
		Created:       sc.Created.UTC().Format(time.RFC3339Nano),
		Configuration: string(cfgJSON),
		Meta:          string(metaJSON),
		Sessions:      string(sessJSON),
	}
	row.Queued = timePtrToStringPtr(sc.Queued)
	row.Started = timePtrToStringPtr(sc.Started)
	row.Finished = timePtrToStringPtr(sc.Finished)
	if sc.Failure != nil {
		b, err := json.Marshal(sc.Failure)
		if err != nil {
			return nil, fmt.Errorf("marshal failure: %w", err)
		}
		str := string(b)
		row.Failure = &str
	}
	return row, nil
}

func fromScanRow(row *scanRow) (*models.Scan, error) {
	sc := &models.Scan{
		ID:    row.ID,
		State: models.ScanState(row.State),
		Plan:  models.PlanRef{Name: row.PlanName, Revision: row.PlanRevision},
	}
	created, err := time.Parse(time.RFC3339Nano, row.Created)
	if err != nil {
		return nil, fmt.Errorf("parse created: %w", err)
	}
	sc.Created = created
	sc.Queued = stringPtrToTimePtr(row.Queued)
	sc.Started = stringPtrToTimePtr(row.Started)
	sc.Finished = stringPtrToTimePtr(row.Finished)
	if err := json.Unmarshal([]byte(row.Configuration), &sc.Configuration); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Meta), &sc.Meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Sessions), &sc.Sessions); err != nil {
		return nil, fmt.Errorf("unmarshal sessions: %w", err)
	}
	if row.Failure != nil {
		var f models.Failure
		if err := json.Unmarshal([]byte(*row.Failure), &f); err != nil {
			return nil, fmt.Errorf("unmarshal failure: %w", err)
		}
		sc.Failure = &f
	}
	return sc, nil
}

func timePtrToStringPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func stringPtrToTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}

func (s *SQLStore) GetScan(ctx context.Context, id string) (*models.Scan, error) {
	var row scanRow
	err := s.db.Get(ctx, &row, `SELECT id, target, plan_name, plan_revision, state, created, queued, started, finished, configuration_json, meta_json, sessions_json, failure_json FROM scans WHERE id = ?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return fromScanRow(&row)
}

func (s *SQLStore) CreateScan(ctx context.Context, sc *models.Scan) error {
	row, err := toScanRow(sc)
	if err != nil {
		return err
	}
	_, err = s.db.Insert(ctx, "scans", row)
	return err
}

func (s *SQLStore) DeleteScan(ctx context.Context, id string) (int, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	sc, err := s.GetScan(ctx, id)
	if err != nil {
		return 0, err
	}
	if sc == nil {
		return 0, nil
	}

	referenced := map[string]bool{}
	for _, sess := range sc.Sessions {
		for _, issueID := range sess.Issues {
			referenced[issueID] = true
		}
	}

	if err := s.db.Exec(ctx, `DELETE FROM scans WHERE id = ?`, id); err != nil {
		return 0, err
	}

	removed := 0
	for issueID := range referenced {
		var count int
		if err := s.db.Get(ctx, &count, `SELECT COUNT(*) FROM scans WHERE sessions_json LIKE ?`, "%"+issueID+"%"); err != nil {
			return removed, err
		}
		if count == 0 {
			if err := s.db.Exec(ctx, `DELETE FROM issues WHERE id = ?`, issueID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (s *SQLStore) GetSite(ctx context.Context, url string) (*models.Site, error) {
	type siteRow struct {
		URL                  string `db:"url"`
		VerificationRequired bool   `db:"verification_required"`
		Tags                 string `db:"tags_json"`
	}
	var row siteRow
	err := s.db.Get(ctx, &row, `SELECT url, verification_required, tags_json FROM sites WHERE url = ?`, url)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	site := &models.Site{URL: row.URL, VerificationRequired: row.VerificationRequired}
	_ = json.Unmarshal([]byte(row.Tags), &site.Tags)
	return site, nil
}

// setFields applies a business-level field patch to v (a pointer to a
// models.Scan or models.Session) by exported field name. Unknown keys are
// ignored, matching the "unknown fields overwrite known ones" contract at
// the layer above where fields really are known.
func setFields(v any, fields map[string]any) {
	rv := reflect.ValueOf(v).Elem()
	for name, val := range fields {
		fv := rv.FieldByName(name)
		if !fv.IsValid() || !fv.CanSet() {
			continue
		}
		vv := reflect.ValueOf(val)
		if !vv.IsValid() {
			continue
		}
		if vv.Type().AssignableTo(fv.Type()) {
			fv.Set(vv)
		}
	}
}

func (s *SQLStore) SetScanFields(ctx context.Context, id string, fields map[string]any) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	sc, err := s.GetScan(ctx, id)
	if err != nil {
		return err
	}
	if sc == nil {
		return fmt.Errorf("store: scan %s not found", id)
	}
	setFields(sc, fields)
	row, err := toScanRow(sc)
	if err != nil {
		return err
	}
	return s.db.Update(ctx, "scans", row, "id = ?", id)
}

func (s *SQLStore) SetSessionFields(ctx context.Context, scanID, sessionID string, fields map[string]any) error {
	mu := s.lockFor(scanID)
	mu.Lock()
	defer mu.Unlock()

	sc, err := s.GetScan(ctx, scanID)
	if err != nil {
		return err
	}
	if sc == nil {
		return fmt.Errorf("store: scan %s not found", scanID)
	}
	sess := sc.SessionByID(sessionID)
	if sess == nil {
		return fmt.Errorf("store: session %s not found in scan %s", sessionID, scanID)
	}
	setFields(sess, fields)
	row, err := toScanRow(sc)
	if err != nil {
		return err
	}
	return s.db.Update(ctx, "scans", row, "id = ?", scanID)
}

func (s *SQLStore) PushSessionIssueRef(ctx context.Context, scanID, sessionID, issueID string) error {
	mu := s.lockFor(scanID)
	mu.Lock()
	defer mu.Unlock()

	sc, err := s.GetScan(ctx, scanID)
	if err != nil {
		return err
	}
	if sc == nil {
		return fmt.Errorf("store: scan %s not found", scanID)
	}
	sess := sc.SessionByID(sessionID)
	if sess == nil {
		return fmt.Errorf("store: session %s not found in scan %s", sessionID, scanID)
	}
	sess.Issues = append(sess.Issues, issueID)
	row, err := toScanRow(sc)
	if err != nil {
		return err
	}
	return s.db.Update(ctx, "scans", row, "id = ?", scanID)
}

func (s *SQLStore) PushSessionArtifact(ctx context.Context, scanID, sessionID string, artifact any) error {
	mu := s.lockFor(scanID)
	mu.Lock()
	defer mu.Unlock()

	sc, err := s.GetScan(ctx, scanID)
	if err != nil {
		return err
	}
	if sc == nil {
		return fmt.Errorf("store: scan %s not found", scanID)
	}
	sess := sc.SessionByID(sessionID)
	if sess == nil {
		return fmt.Errorf("store: session %s not found in scan %s", sessionID, scanID)
	}
	sess.Artifacts = append(sess.Artifacts, artifact)
	row, err := toScanRow(sc)
	if err != nil {
		return err
	}
	return s.db.Update(ctx, "scans", row, "id = ?", scanID)
}

type issueRow struct {
	ID        string `db:"id"`
	Code      string `db:"code"`
	Severity  string `db:"severity"`
	Summary   string `db:"summary"`
	Status    string `db:"status"`
	OldStatus string `db:"old_status"`
	Details   string `db:"details_json"`
}

func toIssueRow(issue *models.Issue) (*issueRow, error) {
	detailsJSON, err := json.Marshal(issue.Details)
	if err != nil {
		return nil, err
	}
	return &issueRow{
		ID:        issue.ID,
		Code:      issue.Code,
		Severity:  string(issue.Severity),
		Summary:   issue.Summary,
		Status:    string(issue.Status),
		OldStatus: string(issue.OldStatus),
		Details:   string(detailsJSON),
	}, nil
}

func fromIssueRow(row *issueRow) (*models.Issue, error) {
	issue := &models.Issue{
		ID:        row.ID,
		Code:      row.Code,
		Severity:  models.Severity(row.Severity),
		Summary:   row.Summary,
		Status:    models.IssueStatus(row.Status),
		OldStatus: models.IssueStatus(row.OldStatus),
	}
	_ = json.Unmarshal([]byte(row.Details), &issue.Details)
	return issue, nil
}

func (s *SQLStore) GetIssue(ctx context.Context, id string) (*models.Issue, error) {
	var row issueRow
	err := s.db.Get(ctx, &row, `SELECT id, code, severity, summary, status, old_status, details_json FROM issues WHERE id = ?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return fromIssueRow(&row)
}

// UpsertIssue inserts issue if absent; if present, patches Severity only —
// Status/OldStatus are the correlator's (or a tagging endpoint's) domain.
func (s *SQLStore) UpsertIssue(ctx context.Context, issue *models.Issue) error {
	mu := s.lockFor("issue:" + issue.ID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.GetIssue(ctx, issue.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		if issue.Status == "" {
			issue.Status = models.StatusNone
		}
		if issue.OldStatus == "" {
			issue.OldStatus = models.StatusNone
		}
		row, err := toIssueRow(issue)
		if err != nil {
			return err
		}
		_, err = s.db.Insert(ctx, "issues", row)
		return err
	}
	existing.Severity = issue.Severity
	row, err := toIssueRow(existing)
	if err != nil {
		return err
	}
	return s.db.Update(ctx, "issues", row, "id = ?", issue.ID)
}

func (s *SQLStore) SetIssueStatus(ctx context.Context, id string, status, oldStatus models.IssueStatus) error {
	mu := s.lockFor("issue:" + id)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.GetIssue(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("store: issue %s not found", id)
	}
	existing.Status = status
	existing.OldStatus = oldStatus
	row, err := toIssueRow(existing)
	if err != nil {
		return err
	}
	return s.db.Update(ctx, "issues", row, "id = ?", id)
}

func (s *SQLStore) FindScansFor(ctx context.Context, target, planName string) ([]*models.Scan, error) {
	var rows []scanRow
	err := s.db.Select(ctx, &rows,
		`SELECT id, target, plan_name, plan_revision, state, created, queued, started, finished, configuration_json, meta_json, sessions_json, failure_json
		 FROM scans WHERE target = ? AND plan_name = ? ORDER BY created DESC`, target, planName)
	if err != nil {
		return nil, err
	}
	scans := make([]*models.Scan, 0, len(rows))
	for i := range rows {
		sc, err := fromScanRow(&rows[i])
		if err != nil {
			return nil, err
		}
		scans = append(scans, sc)
	}
	return scans, nil
}

type planRow struct {
	Name     string `db:"name"`
	Revision string `db:"revision"`
	Workflow string `db:"workflow_json"`
}

func (s *SQLStore) GetPlan(ctx context.Context, name string) (*models.Plan, error) {
	var row planRow
	err := s.db.Get(ctx, &row, `SELECT name, revision, workflow_json FROM plans WHERE name = ?`, name)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	plan := &models.Plan{Name: row.Name, Revision: row.Revision}
	if err := json.Unmarshal([]byte(row.Workflow), &plan.Workflow); err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *SQLStore) PutPlan(ctx context.Context, plan *models.Plan) error {
	wfJSON, err := json.Marshal(plan.Workflow)
	if err != nil {
		return err
	}
	row := &planRow{Name: plan.Name, Revision: plan.Revision, Workflow: string(wfJSON)}
	return s.db.Upsert(ctx, "plans", row, []string{"name"})
}

package models

// IssueStatus is the closed set of statuses the correlator (or, out of
// core, a user tagging endpoint) may assign to an Issue.
type IssueStatus string

const (
	StatusCurrent       IssueStatus = "Current"
	StatusFixed         IssueStatus = "Fixed"
	StatusFalsePositive IssueStatus = "FalsePositive"
	StatusIgnored       IssueStatus = "Ignored"
	StatusNone          IssueStatus = "-"
)

// Issue is a structured security finding, global and keyed by a stable,
// content-derived Id supplied by the plugin that reported it.
type Issue struct {
	ID        string         `json:"Id"`
	Code      string         `json:"Code,omitempty"`
	Severity  Severity       `json:"Severity"`
	Summary   string         `json:"Summary,omitempty"`
	Status    IssueStatus    `json:"Status"`
	OldStatus IssueStatus    `json:"OldStatus"`
	Details   map[string]any `json:"Details,omitempty"`
}

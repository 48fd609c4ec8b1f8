package notify

import "context"

// Event represents a notification event fired by the scan workflow.
type Event struct {
	Type     string         // "scan.aborted" | "scan.failed" | "finding.severity"
	Title    string
	Body     string
	URL      string         // optional deep link (e.g. scan status page)
	Severity string         // "high" | "medium" | "low" | "info" | ""
	Target   string         // the scanned target (URL or host)
	Metadata map[string]any // extra structured data
}

// Channel is implemented by each notification provider.
type Channel interface {
	Name() string
	IsConfigured() bool
	Send(ctx context.Context, evt Event) error
}

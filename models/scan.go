package models

import "time"

// ScanState is the closed set of states a Scan may occupy.
type ScanState string

const (
	ScanCreated   ScanState = "CREATED"
	ScanQueued    ScanState = "QUEUED"
	ScanStarted   ScanState = "STARTED"
	ScanStopping  ScanState = "STOPPING"
	ScanFinished  ScanState = "FINISHED"
	ScanFailed    ScanState = "FAILED"
	ScanStopped   ScanState = "STOPPED"
	ScanAborted   ScanState = "ABORTED"
)

// IsTerminal reports whether no further transitions are permitted from s.
func (s ScanState) IsTerminal() bool {
	switch s {
	case ScanFinished, ScanFailed, ScanStopped, ScanAborted:
		return true
	default:
		return false
	}
}

// SessionState is the closed set of states a Session may occupy.
type SessionState string

const (
	SessionCreated    SessionState = "CREATED"
	SessionQueued     SessionState = "QUEUED"
	SessionStarted    SessionState = "STARTED"
	SessionFinished   SessionState = "FINISHED"
	SessionFailed     SessionState = "FAILED"
	SessionStopped    SessionState = "STOPPED"
	SessionTerminated SessionState = "TERMINATED"
	SessionTimeout    SessionState = "TIMEOUT"
	SessionAborted    SessionState = "ABORTED"
	SessionCancelled  SessionState = "CANCELLED"
)

// IsTerminal reports whether no further transitions are permitted from s.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionFinished, SessionFailed, SessionStopped, SessionTerminated,
		SessionTimeout, SessionAborted, SessionCancelled:
		return true
	default:
		return false
	}
}

// Weight is the plugin weight class, governing which plugin worker pool
// executes the session.
type Weight string

const (
	WeightHeavy Weight = "heavy"
	WeightLight Weight = "light"
)

// Failure captures a structured failure reason attached to a scan or session.
type Failure struct {
	Reason    string `json:"reason,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	Message   string `json:"message,omitempty"`
	Exception string `json:"exception,omitempty"`
}

// PluginDescriptor identifies the plugin a session runs.
type PluginDescriptor struct {
	Class   string `json:"class"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Weight  Weight `json:"weight"`
}

// Configuration is the merged per-session or per-scan configuration blob.
// It is deliberately untyped (arbitrary plugin-specific keys) with a few
// well-known fields promoted for the workflow's own use.
type Configuration map[string]any

// Target returns configuration["target"] as a string, or "".
func (c Configuration) Target() string {
	v, _ := c["target"].(string)
	return v
}

// CallbackURL returns configuration["callback"]["url"] as a string, or "".
func (c Configuration) CallbackURL() string {
	cb, ok := c["callback"].(map[string]any)
	if !ok {
		return ""
	}
	url, _ := cb["url"].(string)
	return url
}

// Merge returns a new Configuration with override's keys layered on top of c.
func (c Configuration) Merge(override Configuration) Configuration {
	out := make(Configuration, len(c)+len(override))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Session is one plugin's execution within a Scan.
type Session struct {
	ID            string           `json:"session_id"`
	State         SessionState     `json:"state"`
	Plugin        PluginDescriptor `json:"plugin"`
	Configuration Configuration    `json:"configuration"`
	Description   string           `json:"description,omitempty"`
	Issues        []string         `json:"issues"`
	Artifacts     []any            `json:"artifacts"`
	Queued        *time.Time       `json:"queued,omitempty"`
	Started       *time.Time       `json:"started,omitempty"`
	Finished      *time.Time       `json:"finished,omitempty"`
	Failure       *Failure         `json:"failure,omitempty"`
	Task          string           `json:"_task,omitempty"` // opaque bus handle id
}

// PlanRef names the plan a scan was run with, pinned to the revision that
// was in effect when the scan was created.
type PlanRef struct {
	Name     string `json:"name"`
	Revision string `json:"revision"`
}

// Meta carries user-supplied bookkeeping that does not affect execution.
type Meta struct {
	User string            `json:"user,omitempty"`
	Tags map[string]string `json:"tags,omitempty"`
}

// Scan is the root aggregate: one execution of a Plan against a target.
type Scan struct {
	ID            string        `json:"id"`
	State         ScanState     `json:"state"`
	Created       time.Time     `json:"created"`
	Queued        *time.Time    `json:"queued,omitempty"`
	Started       *time.Time    `json:"started,omitempty"`
	Finished      *time.Time    `json:"finished,omitempty"`
	Configuration Configuration `json:"configuration"`
	Plan          PlanRef       `json:"plan"`
	Meta          Meta          `json:"meta"`
	Sessions      []Session     `json:"sessions"`
	Failure       *Failure      `json:"failure,omitempty"`
}

// Target is a convenience accessor over Configuration["target"].
func (s *Scan) Target() string { return s.Configuration.Target() }

// SessionByID finds a session by id, or nil.
func (s *Scan) SessionByID(id string) *Session {
	for i := range s.Sessions {
		if s.Sessions[i].ID == id {
			return &s.Sessions[i]
		}
	}
	return nil
}

// SessionByPluginName finds the first session whose plugin name matches,
// used by the correlator to line up sessions across successive scans.
func (s *Scan) SessionByPluginName(name string) *Session {
	for i := range s.Sessions {
		if s.Sessions[i].Plugin.Name == name {
			return &s.Sessions[i]
		}
	}
	return nil
}

// Site holds ownership-verification configuration and tags for a target.
type Site struct {
	URL                  string            `json:"url"`
	VerificationRequired bool              `json:"verification_required"`
	Tags                 map[string]string `json:"tags,omitempty"`
}

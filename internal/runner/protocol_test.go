package runner

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/scanorc/scanorc/models"
)

func TestReadLinesDispatchesIssueArtifactAndFinish(t *testing.T) {
	var issues []*models.Issue
	var artifacts []json.RawMessage
	var finishes []finishData

	s := &sink{
		onIssue:    func(i *models.Issue) { issues = append(issues, i) },
		onArtifact: func(d json.RawMessage) { artifacts = append(artifacts, d) },
		onFinish:   func(fd finishData) { finishes = append(finishes, fd) },
	}

	input := strings.Join([]string{
		`{"msg":"issue","data":{"id":"i1","code":"XSS","severity":"High"}}`,
		`{"msg":"progress","data":{"pct":50}}`,
		`{"msg":"artifact","data":{"path":"/tmp/out.json"}}`,
		`{"msg":"finish","data":{"state":"FINISHED"}}`,
	}, "\n") + "\n"

	readLines(strings.NewReader(input), s, "session-1")

	if len(issues) != 1 || issues[0].ID != "i1" || issues[0].Code != "XSS" {
		t.Fatalf("unexpected issues: %+v", issues)
	}
	if len(artifacts) != 1 {
		t.Fatalf("unexpected artifacts: %+v", artifacts)
	}
	if len(finishes) != 1 || finishes[0].State != models.SessionFinished {
		t.Fatalf("unexpected finishes: %+v", finishes)
	}
}

func TestReadLinesDiscardsMalformedAndUnknownLines(t *testing.T) {
	var issues int
	s := &sink{
		onIssue:    func(*models.Issue) { issues++ },
		onArtifact: func(json.RawMessage) {},
		onFinish:   func(finishData) {},
	}

	input := strings.Join([]string{
		`not json at all`,
		`{"msg":"mystery","data":{}}`,
		`{"msg":"issue","data":"not-an-object"}`,
		``,
	}, "\n") + "\n"

	readLines(strings.NewReader(input), s, "session-2")

	if issues != 0 {
		t.Fatalf("expected no issues dispatched from malformed lines, got %d", issues)
	}
}

func TestReadLinesIgnoresMessagesAfterFinish(t *testing.T) {
	var issues, finishes int
	s := &sink{
		onIssue:    func(*models.Issue) { issues++ },
		onArtifact: func(json.RawMessage) {},
		onFinish:   func(finishData) { finishes++ },
	}

	input := strings.Join([]string{
		`{"msg":"finish","data":{"state":"FINISHED"}}`,
		`{"msg":"issue","data":{"id":"late","severity":"Low"}}`,
	}, "\n") + "\n"

	readLines(strings.NewReader(input), s, "session-3")

	if finishes != 1 {
		t.Fatalf("finishes = %d, want 1", finishes)
	}
	if issues != 0 {
		t.Fatalf("expected the post-finish issue message to be discarded, got %d dispatched", issues)
	}
}

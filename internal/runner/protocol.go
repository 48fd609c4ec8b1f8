package runner

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/scanorc/scanorc/models"
)

// message is the wire shape of one line of plugin stdout: a tagged variant
// over a fixed closed set of msg values. Unknown tags are discarded.
type message struct {
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type finishData struct {
	State   models.SessionState `json:"state"`
	Failure *models.Failure     `json:"failure,omitempty"`
}

// sink receives decoded messages in emission order. finished is true once a
// finish message has been applied; callers must stop honouring issue/
// artifact messages once finished is true and instead drain silently.
type sink struct {
	onIssue    func(issue *models.Issue)
	onArtifact func(data json.RawMessage)
	onFinish   func(finishData)

	finished bool
}

// readLines scans r for \n-terminated UTF-8 JSON lines, buffering a
// trailing partial line across reads, and dispatches each to s. Lines that
// fail to parse, or that arrive after finish, are logged and discarded;
// the stream is drained to completion either way.
func readLines(r io.Reader, s *sink, sessionID string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Warn("runner: protocol error, discarding line", "session", sessionID, "error", err)
			continue
		}
		if s.finished {
			slog.Warn("runner: message received after finish, discarding", "session", sessionID, "msg", msg.Msg)
			continue
		}
		switch msg.Msg {
		case "issue":
			var issue models.Issue
			if err := json.Unmarshal(msg.Data, &issue); err != nil {
				slog.Warn("runner: malformed issue message, discarding", "session", sessionID, "error", err)
				continue
			}
			s.onIssue(&issue)
		case "artifact":
			s.onArtifact(msg.Data)
		case "progress":
			// reserved / ignored, forward-compatible no-op.
		case "finish":
			var fd finishData
			if err := json.Unmarshal(msg.Data, &fd); err != nil {
				slog.Warn("runner: malformed finish message, discarding", "session", sessionID, "error", err)
				continue
			}
			s.finished = true
			s.onFinish(fd)
		default:
			slog.Warn("runner: unknown message tag, discarding", "session", sessionID, "msg", msg.Msg)
		}
	}
}

package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/scanorc/scanorc/models"
)

// callbackPayload is the fixed shape posted to a scan's callback URL at
// every terminal transition, grounded on the webhook POST pattern of
// internal/notify/webhook.go but with this domain's own, fixed fields
// rather than the generic notify Event envelope.
type callbackPayload struct {
	Event string          `json:"event"`
	ID    string          `json:"id"`
	State models.ScanState `json:"state"`
}

func postScanStateCallback(ctx context.Context, url, scanID string, state models.ScanState) {
	body, err := json.Marshal(callbackPayload{Event: "scan-state", ID: scanID, State: state})
	if err != nil {
		slog.Error("workflow: marshalling callback payload failed", "scan", scanID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Error("workflow: building callback request failed", "scan", scanID, "url", url, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: httpClientTimeout}
	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("workflow: callback request failed", "scan", scanID, "url", url, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("workflow: callback rejected", "scan", scanID, "url", url, "status", resp.StatusCode)
	}
}

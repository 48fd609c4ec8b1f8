package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scanorc/scanorc/models"
)

func TestPostScanStateCallbackPostsExpectedBody(t *testing.T) {
	var got callbackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	postScanStateCallback(context.Background(), srv.URL, "scan-1", models.ScanFinished)

	if got.Event != "scan-state" || got.ID != "scan-1" || got.State != models.ScanFinished {
		t.Fatalf("unexpected callback payload: %+v", got)
	}
}

func TestPostScanStateCallbackSwallowsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Must not panic or otherwise propagate the failure to the caller.
	postScanStateCallback(context.Background(), srv.URL, "scan-2", models.ScanFailed)
}

func TestPostScanStateCallbackSwallowsUnreachableHost(t *testing.T) {
	postScanStateCallback(context.Background(), "http://127.0.0.1:1", "scan-3", models.ScanAborted)
}

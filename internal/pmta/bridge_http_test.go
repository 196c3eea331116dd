package pmta

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestBridge(t *testing.T, handler http.HandlerFunc) *BridgeTailer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewBridgeTailer(BridgeConfig{
		Mode:        BridgeModeHTTP,
		BaseURL:     srv.URL,
		BearerToken: "test-token",
		Kind:        "acct",
	}, nil)
}

func TestBridgeTailer_ListFiles(t *testing.T) {
	bridge := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/files" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization header = %q, want Bearer test-token", got)
		}
		w.Write([]byte(`{"ok":true,"total":2,"items":[{"name":"acct-2.csv","size_bytes":200,"mtime_epoch":2000},{"name":"acct-1.csv","size_bytes":100,"mtime_epoch":1000}]}`))
	})

	files, err := bridge.ListFiles(context.Background(), "")
	if err != nil {
		t.Fatalf("ListFiles() error: %v", err)
	}
	if len(files) != 2 || files[0].Name != "acct-2.csv" {
		t.Errorf("ListFiles() = %+v, want acct-2.csv first", files)
	}
}

func TestBridgeTailer_PushLatest(t *testing.T) {
	bridge := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/push/latest" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"ok":true,"kind":"acct","file":"acct-2.csv","pushed":5}`))
	})

	result, err := bridge.PushLatest(context.Background(), "acct")
	if err != nil {
		t.Fatalf("PushLatest() error: %v", err)
	}
	if result.Pushed != 5 || result.File != "acct-2.csv" {
		t.Errorf("PushLatest() = %+v, want pushed=5 file=acct-2.csv", result)
	}
}

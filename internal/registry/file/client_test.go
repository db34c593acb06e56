package file

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"msd/internal/core"
	"msd/internal/registry/envelope"
	"msd/pkg/errors"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeEnvelope(t *testing.T, path string, res *core.FetchResult) {
	t.Helper()
	data, err := envelope.Encode(res)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestClient_Fetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	writeEnvelope(t, path, &core.FetchResult{Version: 3, Payload: []byte("p"), Certificate: []byte("c")})

	client, err := New(path, false, discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	res, err := client.Fetch(context.Background(), 0)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if res.Version != 3 || string(res.Payload) != "p" {
		t.Errorf("unexpected result %+v", res)
	}

	res, err = client.Fetch(context.Background(), 3)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if res.Version != 3 || res.Payload != nil {
		t.Errorf("expected unchanged result, got %+v", res)
	}

	if client.Changes() != nil {
		t.Error("expected nil change channel without watch")
	}
}

func TestClient_FetchErrors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.json")
	if err := os.WriteFile(garbage, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{filepath.Join(dir, "missing.json"), garbage} {
		client, _ := New(path, false, discard())
		if _, err := client.Fetch(context.Background(), 0); !errors.IsType(err, errors.ErrorTypeFetch) {
			t.Errorf("Fetch(%s) error = %v, want fetch error", filepath.Base(path), err)
		}
	}
}

func TestClient_WatchSignalsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	writeEnvelope(t, path, &core.FetchResult{Version: 1})

	client, err := New(path, true, discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	writeEnvelope(t, path, &core.FetchResult{Version: 2})

	select {
	case <-client.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("no change signalled after rewrite")
	}

	res, err := client.Fetch(context.Background(), 1)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if res.Version != 2 {
		t.Errorf("Version = %d, want 2", res.Version)
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")

	w, err := NewWatcher(path, 10*time.Millisecond, discard())
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.Start()
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.Changes():
		t.Error("unexpected change signal for unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
}

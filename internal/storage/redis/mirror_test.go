package redis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"msd/internal/core"
	"msd/internal/retry"
	"msd/internal/view"
)

// mockClient implements the Client interface for testing
type mockClient struct {
	evalFunc func(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	closed   bool
}

func (m *mockClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	if m.evalFunc != nil {
		return m.evalFunc(ctx, script, keys, args...)
	}
	return int64(1), nil
}

func (m *mockClient) Ping(ctx context.Context) error {
	return nil
}

func (m *mockClient) Close() error {
	m.closed = true
	return nil
}

func testSnapshot() *core.Snapshot {
	return &core.Snapshot{
		Instance:  "mainnet",
		Version:   17,
		FetchedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Targets: []core.Target{{
			Instance: "mainnet",
			Job:      "replica",
			Address:  "10.0.0.1:9090",
			Labels:   core.NewLabels(map[string]string{"job": "replica", "instance": "mainnet"}),
		}},
	}
}

func newTestMirror(client Client) *Mirror {
	return NewMirror(client, Config{
		KeyPrefix: "test",
		TTL:       time.Minute,
		Retry: retry.Config{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
		},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMirror_WritesGroups(t *testing.T) {
	var gotKeys []string
	var gotArgs []interface{}
	client := &mockClient{
		evalFunc: func(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
			gotKeys = keys
			gotArgs = args
			return int64(1), nil
		},
	}
	m := newTestMirror(client)

	if err := m.Mirror(context.Background(), testSnapshot()); err != nil {
		t.Fatalf("Mirror() error = %v", err)
	}

	if len(gotKeys) != 1 || gotKeys[0] != "test:targets:mainnet" {
		t.Errorf("keys = %v", gotKeys)
	}
	if len(gotArgs) != 4 {
		t.Fatalf("args = %v", gotArgs)
	}
	if gotArgs[0] != uint64(17) {
		t.Errorf("version arg = %v", gotArgs[0])
	}

	var groups []view.TargetGroup
	if err := json.Unmarshal([]byte(gotArgs[1].(string)), &groups); err != nil {
		t.Fatalf("targets arg is not JSON: %v", err)
	}
	if len(groups) != 1 || groups[0].Targets[0] != "10.0.0.1:9090" || groups[0].Labels["job"] != "replica" {
		t.Errorf("groups = %+v", groups)
	}
	if gotArgs[2] != "2024-05-01T12:00:00Z" {
		t.Errorf("fetchedAt arg = %v", gotArgs[2])
	}
	if gotArgs[3] != int64(60000) {
		t.Errorf("ttl arg = %v", gotArgs[3])
	}
}

func TestMirror_OlderVersionIsNotAnError(t *testing.T) {
	client := &mockClient{
		evalFunc: func(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
			return int64(0), nil
		},
	}
	if err := newTestMirror(client).Mirror(context.Background(), testSnapshot()); err != nil {
		t.Errorf("Mirror() error = %v", err)
	}
}

func TestMirror_RetriesTransientErrors(t *testing.T) {
	calls := 0
	client := &mockClient{
		evalFunc: func(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
			calls++
			if calls < 2 {
				return nil, errors.New("connection reset")
			}
			return int64(1), nil
		},
	}
	if err := newTestMirror(client).Mirror(context.Background(), testSnapshot()); err != nil {
		t.Fatalf("Mirror() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestMirror_GivesUp(t *testing.T) {
	tests := []struct {
		name      string
		result    interface{}
		err       error
		wantCalls int
	}{
		{"persistent error", nil, errors.New("down"), 3},
		{"unexpected result", "OK", nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			client := &mockClient{
				evalFunc: func(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
					calls++
					return tt.result, tt.err
				},
			}
			if err := newTestMirror(client).Mirror(context.Background(), testSnapshot()); err == nil {
				t.Error("expected error")
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestMirror_Close(t *testing.T) {
	client := &mockClient{}
	m := newTestMirror(client)

	if err := m.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if m.Key("mainnet") != "test:targets:mainnet" {
		t.Errorf("Key() = %s", m.Key("mainnet"))
	}
	if err := m.Close(); err != nil || !client.closed {
		t.Error("expected client to be closed")
	}
}

package kubernetes

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"msd/internal/core"
	"msd/internal/registry/envelope"
	"msd/pkg/errors"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func encode(t *testing.T, version uint64) []byte {
	t.Helper()
	data, err := envelope.Encode(&core.FetchResult{Version: version, Payload: []byte("p"), Certificate: []byte("c")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func configMap(name string, data map[string]string, binary map[string][]byte) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "msd"},
		Data:       data,
		BinaryData: binary,
	}
}

func TestClient_Fetch(t *testing.T) {
	env := encode(t, 7)

	tests := []struct {
		name    string
		kind    string
		objects []runtime.Object
		wantErr string
	}{
		{
			name:    "configmap data",
			kind:    KindConfigMap,
			objects: []runtime.Object{configMap("registry", map[string]string{"registry.json": string(env)}, nil)},
		},
		{
			name:    "configmap binary data",
			kind:    KindConfigMap,
			objects: []runtime.Object{configMap("registry", nil, map[string][]byte{"registry.json": env})},
		},
		{
			name: "secret",
			kind: KindSecret,
			objects: []runtime.Object{&corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{Name: "registry", Namespace: "msd"},
				Data:       map[string][]byte{"registry.json": env},
			}},
		},
		{
			name:    "missing object",
			kind:    KindConfigMap,
			wantErr: "registry object not found",
		},
		{
			name:    "missing key",
			kind:    KindConfigMap,
			objects: []runtime.Object{configMap("registry", map[string]string{"other": "x"}, nil)},
			wantErr: "registry object has no envelope key",
		},
		{
			name:    "malformed envelope",
			kind:    KindConfigMap,
			objects: []runtime.Object{configMap("registry", map[string]string{"registry.json": "<html>"}, nil)},
			wantErr: "malformed registry envelope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewWithClientset(fake.NewClientset(tt.objects...), Config{
				Namespace: "msd",
				Name:      "registry",
				Kind:      tt.kind,
				Key:       "registry.json",
			}, discard())
			if err != nil {
				t.Fatalf("NewWithClientset() error = %v", err)
			}
			defer client.Close()

			res, err := client.Fetch(context.Background(), 0)
			if tt.wantErr != "" {
				if !errors.IsType(err, errors.ErrorTypeFetch) {
					t.Fatalf("Fetch() error = %v, want fetch error", err)
				}
				e, _ := err.(*errors.Error)
				if e == nil || e.Message != tt.wantErr {
					t.Errorf("Fetch() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if res.Version != 7 || string(res.Payload) != "p" || string(res.Certificate) != "c" {
				t.Errorf("unexpected result %+v", res)
			}

			res, err = client.Fetch(context.Background(), 7)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if res.Version != 7 || res.Payload != nil {
				t.Errorf("expected unchanged result, got %+v", res)
			}
		})
	}
}

func TestNewWithClientset_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown kind", Config{Namespace: "msd", Name: "registry", Key: "k", Kind: "pod"}},
		{"missing name", Config{Namespace: "msd", Key: "k"}},
		{"missing key", Config{Namespace: "msd", Name: "registry"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewWithClientset(fake.NewClientset(), tt.cfg, discard()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// watchSequence hands out one fake watcher per Watch call
type watchSequence struct {
	mu       sync.Mutex
	watchers []*watch.FakeWatcher
	calls    int
}

func (s *watchSequence) react(k8stesting.Action) (bool, watch.Interface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.watchers[len(s.watchers)-1]
	if s.calls < len(s.watchers) {
		w = s.watchers[s.calls]
	}
	s.calls++
	return true, w, nil
}

func expectChange(t *testing.T, client *Client) {
	t.Helper()
	select {
	case <-client.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change signal")
	}
}

func expectNoChange(t *testing.T, client *Client) {
	t.Helper()
	select {
	case <-client.Changes():
		t.Fatal("unexpected change signal")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_WatchSignalsChanges(t *testing.T) {
	cm := configMap("registry", map[string]string{"registry.json": string(encode(t, 1))}, nil)
	first, second := watch.NewFake(), watch.NewFake()
	seq := &watchSequence{watchers: []*watch.FakeWatcher{first, second}}

	clientset := fake.NewClientset(cm)
	clientset.PrependWatchReactor("configmaps", seq.react)

	client, err := NewWithClientset(clientset, Config{
		Namespace: "msd",
		Name:      "registry",
		Key:       "registry.json",
		Watch:     true,
	}, discard())
	if err != nil {
		t.Fatalf("NewWithClientset() error = %v", err)
	}
	defer client.Close()

	// FakeWatcher sends block until the client receives them
	first.Modify(cm)
	expectChange(t, client)

	first.Modify(configMap("other", nil, nil))
	expectNoChange(t, client)

	first.Delete(cm)
	expectNoChange(t, client)

	// A dropped watch is re-established and signals once
	first.Stop()
	expectChange(t, client)

	second.Modify(cm)
	expectChange(t, client)
}

func TestClient_NoWatch(t *testing.T) {
	client, err := NewWithClientset(fake.NewClientset(), Config{
		Namespace: "msd",
		Name:      "registry",
		Key:       "registry.json",
	}, discard())
	if err != nil {
		t.Fatalf("NewWithClientset() error = %v", err)
	}
	if client.Changes() != nil {
		t.Error("expected nil change channel without watch")
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestClient_CloseStopsWatch(t *testing.T) {
	fw := watch.NewFake()
	watching := make(chan struct{})
	var once sync.Once
	clientset := fake.NewClientset()
	clientset.PrependWatchReactor("secrets", func(k8stesting.Action) (bool, watch.Interface, error) {
		once.Do(func() { close(watching) })
		return true, fw, nil
	})

	client, err := NewWithClientset(clientset, Config{
		Namespace: "msd",
		Name:      "registry",
		Kind:      KindSecret,
		Key:       "registry.json",
		Watch:     true,
	}, discard())
	if err != nil {
		t.Fatalf("NewWithClientset() error = %v", err)
	}

	select {
	case <-watching:
	case <-time.After(2 * time.Second):
		t.Fatal("watch never started")
	}

	done := make(chan struct{})
	go func() {
		client.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	if !fw.IsStopped() {
		t.Error("watch not stopped")
	}
}

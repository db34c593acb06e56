// Package kubernetes reads registry state from a ConfigMap or Secret, for
// clusters where an operator publishes the certified envelope in-cluster.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"msd/internal/core"
	"msd/internal/registry/envelope"
	"msd/pkg/errors"
)

// RewatchDelay is the pause before re-establishing a watch that failed
const RewatchDelay = 5 * time.Second

// Object kinds
const (
	KindConfigMap = "configmap"
	KindSecret    = "secret"
)

// Config locates the object holding the envelope
type Config struct {
	// Kubeconfig path (optional, uses in-cluster config if empty)
	Kubeconfig string
	Namespace  string
	Name       string
	Kind       string
	Key        string
	// Watch enables change signals from a watch on the object
	Watch bool
}

// Client fetches the envelope stored under Key of one ConfigMap or Secret
type Client struct {
	config  Config
	client  kubernetes.Interface
	logger  *slog.Logger
	changes chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	watcher watch.Interface
}

// New builds a clientset from the kubeconfig, or the in-cluster config when
// none is given, and creates a client on it.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	var restConfig *rest.Config
	var err error

	if cfg.Kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return NewWithClientset(clientset, cfg, logger)
}

// NewWithClientset creates a client on an existing clientset
func NewWithClientset(clientset kubernetes.Interface, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Kind {
	case "":
		cfg.Kind = KindConfigMap
	case KindConfigMap, KindSecret:
	default:
		return nil, fmt.Errorf("unsupported object kind: %s", cfg.Kind)
	}
	if cfg.Namespace == "" || cfg.Name == "" || cfg.Key == "" {
		return nil, fmt.Errorf("namespace, name and key are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config: cfg,
		client: clientset,
		logger: logger.With("component", "registry-kubernetes",
			"namespace", cfg.Namespace, "object", cfg.Kind+"/"+cfg.Name),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.Watch {
		c.changes = make(chan struct{}, 1)
		c.wg.Add(1)
		go c.watchObject()
	}
	return c, nil
}

// Fetch reads the object and decodes the envelope under the configured key
func (c *Client) Fetch(ctx context.Context, since uint64) (*core.FetchResult, error) {
	data, err := c.read(ctx)
	if err != nil {
		return nil, err
	}

	res, err := envelope.Decode(data)
	if err != nil {
		return nil, err
	}
	if res.Version == since {
		return &core.FetchResult{Version: since}, nil
	}
	return res, nil
}

func (c *Client) read(ctx context.Context) ([]byte, error) {
	var (
		data  []byte
		found bool
		err   error
	)

	switch c.config.Kind {
	case KindSecret:
		var secret *corev1.Secret
		secret, err = c.client.CoreV1().Secrets(c.config.Namespace).Get(ctx, c.config.Name, metav1.GetOptions{})
		if err == nil {
			data, found = secret.Data[c.config.Key]
		}
	default:
		var cm *corev1.ConfigMap
		cm, err = c.client.CoreV1().ConfigMaps(c.config.Namespace).Get(ctx, c.config.Name, metav1.GetOptions{})
		if err == nil {
			if data, found = cm.BinaryData[c.config.Key]; !found {
				var s string
				s, found = cm.Data[c.config.Key]
				data = []byte(s)
			}
		}
	}

	if err != nil {
		msg := "read registry object"
		if apierrors.IsNotFound(err) {
			msg = "registry object not found"
		}
		return nil, errors.NewError(errors.ErrorTypeFetch, msg).
			WithCause(err).
			WithDetail("object", c.config.Kind+"/"+c.config.Name)
	}
	if !found {
		return nil, errors.NewError(errors.ErrorTypeFetch, "registry object has no envelope key").
			WithDetail("object", c.config.Kind+"/"+c.config.Name).
			WithDetail("key", c.config.Key)
	}
	return data, nil
}

// Changes signals modifications of the object. It never fires when
// watching is disabled.
func (c *Client) Changes() <-chan struct{} {
	return c.changes
}

// Close stops the watch, if any
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	if c.watcher != nil {
		c.watcher.Stop()
	}
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

// watchObject keeps a watch on the object open until Close. A watch
// re-established after a drop signals a change, since events may have been
// missed in between.
func (c *Client) watchObject() {
	defer c.wg.Done()

	opts := metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("metadata.name", c.config.Name).String(),
		Watch:         true,
	}

	first := true
	for {
		if c.ctx.Err() != nil {
			return
		}

		var w watch.Interface
		var err error
		switch c.config.Kind {
		case KindSecret:
			w, err = c.client.CoreV1().Secrets(c.config.Namespace).Watch(c.ctx, opts)
		default:
			w, err = c.client.CoreV1().ConfigMaps(c.config.Namespace).Watch(c.ctx, opts)
		}
		if err != nil {
			c.logger.Error("Failed to create registry object watcher", "error", err)
			if !c.sleep(RewatchDelay) {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			w.Stop()
			return
		}
		c.watcher = w
		c.mu.Unlock()

		if !first {
			c.notify()
		}
		first = false

		c.logger.Debug("Watching registry object")
		failed := c.handleEvents(w)
		w.Stop()

		if failed && !c.sleep(RewatchDelay) {
			return
		}
	}
}

// handleEvents drains one watch and reports whether it ended in an error
func (c *Client) handleEvents(w watch.Interface) bool {
	for event := range w.ResultChan() {
		switch event.Type {
		case watch.Added, watch.Modified:
			if !c.isWatched(event.Object) {
				continue
			}
			c.logger.Debug("Registry object changed", "event", event.Type)
			c.notify()

		case watch.Deleted:
			if c.isWatched(event.Object) {
				c.logger.Warn("Registry object deleted")
			}

		case watch.Error:
			c.logger.Error("Watch error", "status", apierrors.FromObject(event.Object))
			return true
		}
	}
	return false
}

func (c *Client) isWatched(obj interface{}) bool {
	m, ok := obj.(metav1.Object)
	return ok && m.GetName() == c.config.Name && m.GetNamespace() == c.config.Namespace
}

func (c *Client) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
		// a signal is already pending
	}
}

func (c *Client) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

package core

import (
	"context"
	"time"
)

// FetchResult is one registry state as returned by a RegistryClient.
// Payload is the certified byte string; Certificate certifies exactly those bytes.
type FetchResult struct {
	Version     uint64
	Payload     []byte
	Certificate []byte
}

// RegistryClient fetches registry state for one instance
type RegistryClient interface {
	// Fetch returns the current registry state. A result whose Version equals
	// since means nothing changed.
	Fetch(ctx context.Context, since uint64) (*FetchResult, error)
}

// Notifier is implemented by clients that can signal a change before the
// next poll interval elapses.
type Notifier interface {
	Changes() <-chan struct{}
}

// Verifier checks that data is certified by the network
type Verifier interface {
	Verify(data, certificate []byte) bool
}

// RawRecord is one decoded registry entry
type RawRecord struct {
	NodeID   string   `json:"node_id"`
	Address  string   `json:"address"`
	SubnetID string   `json:"subnet_id,omitempty"`
	DC       string   `json:"dc,omitempty"`
	Operator string   `json:"operator,omitempty"`
	Job      string   `json:"job,omitempty"`
	Features []string `json:"features,omitempty"`
}

// Snapshot is the verified, fully built target set of one instance at one
// registry version. It must not be modified after construction.
type Snapshot struct {
	Instance  string
	Version   uint64
	Targets   []Target
	FetchedAt time.Time
	// Skipped is the number of records dropped as malformed during the build
	Skipped int
}

// InstanceState is the lifecycle state of an instance's poller
type InstanceState string

const (
	InstanceStarting InstanceState = "starting"
	InstanceRunning  InstanceState = "running"
	InstanceDegraded InstanceState = "degraded"
	InstanceStopped  InstanceState = "stopped"
)

// InstanceStatus summarises the health of one registry instance
type InstanceStatus struct {
	Name                string        `json:"name"`
	State               InstanceState `json:"state"`
	Version             uint64        `json:"version"`
	PublishedAt         *time.Time    `json:"publishedAt,omitempty"`
	Targets             int           `json:"targets"`
	LastSuccess         *time.Time    `json:"lastSuccess,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	Restarts            int           `json:"restarts"`
	DecodeSkips         int           `json:"decodeSkips"`
}

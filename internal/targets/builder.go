// Package targets turns registry records into labelled scrape targets.
package targets

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"

	"msd/internal/core"
	"msd/pkg/errors"
)

// Job names derived from node roles
const (
	JobReplica           = "replica"
	JobUnassignedReplica = "unassigned_replica"
	JobAPIBoundaryNode   = "api_boundary_node"
)

// Label names attached to every target
const (
	LabelJob      = "job"
	LabelInstance = "instance"
	LabelNodeID   = "node_id"
	LabelSubnetID = "subnet_id"
	LabelDC       = "dc"
	LabelOperator = "operator"

	featureLabelPrefix = "feature_"
)

// FeatureAPIBoundaryNode marks a node serving as an API boundary node
const FeatureAPIBoundaryNode = "api_boundary_node"

var (
	labelNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	hostnamePattern  = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*\.?$`)
)

// Result is the outcome of one build
type Result struct {
	// Targets are sorted by identity key
	Targets []core.Target
	// Skipped counts records rejected as malformed
	Skipped int
	// Errors holds one decode error per skipped record
	Errors []error
}

// Build converts the records of one fetch into targets for instance.
// Malformed records are skipped and counted. Two records producing the same
// identity key fail the whole build.
func Build(instance string, records []json.RawMessage) (*Result, error) {
	res := &Result{Targets: make([]core.Target, 0, len(records))}
	seen := make(map[core.TargetKey]int, len(records))

	for i, raw := range records {
		target, err := buildOne(instance, raw)
		if err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, errors.NewError(errors.ErrorTypeDecode, "record skipped").
				WithCause(err).
				WithDetail("instance", instance).
				WithDetail("index", i))
			continue
		}

		key := target.Key()
		if first, dup := seen[key]; dup {
			return nil, errors.NewError(errors.ErrorTypeBuild, "duplicate target identity").
				WithDetail("instance", instance).
				WithDetail("job", key.Job).
				WithDetail("address", key.Address).
				WithDetail("first", first).
				WithDetail("second", i)
		}
		seen[key] = i
		res.Targets = append(res.Targets, target)
	}

	sort.Slice(res.Targets, func(i, j int) bool {
		a, b := res.Targets[i], res.Targets[j]
		if a.Job != b.Job {
			return a.Job < b.Job
		}
		return a.Address < b.Address
	})

	return res, nil
}

func buildOne(instance string, raw json.RawMessage) (core.Target, error) {
	var rec core.RawRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return core.Target{}, fmt.Errorf("decode record: %w", err)
	}
	return FromRecord(instance, rec)
}

// FromRecord validates a decoded record and derives its target
func FromRecord(instance string, rec core.RawRecord) (core.Target, error) {
	if rec.NodeID == "" {
		return core.Target{}, fmt.Errorf("missing node_id")
	}

	address, err := NormalizeAddress(rec.Address)
	if err != nil {
		return core.Target{}, fmt.Errorf("node %s: %w", rec.NodeID, err)
	}

	job, err := classify(rec)
	if err != nil {
		return core.Target{}, fmt.Errorf("node %s: %w", rec.NodeID, err)
	}

	labels := map[string]string{
		LabelJob:      job,
		LabelInstance: instance,
		LabelNodeID:   rec.NodeID,
	}
	if rec.SubnetID != "" {
		labels[LabelSubnetID] = rec.SubnetID
	}
	if rec.DC != "" {
		labels[LabelDC] = rec.DC
	}
	if rec.Operator != "" {
		labels[LabelOperator] = rec.Operator
	}
	for _, feature := range rec.Features {
		name := featureLabelPrefix + feature
		if !labelNamePattern.MatchString(name) {
			return core.Target{}, fmt.Errorf("node %s: invalid feature flag %q", rec.NodeID, feature)
		}
		labels[name] = "true"
	}

	return core.Target{
		Instance: instance,
		Job:      job,
		Address:  address,
		Labels:   core.NewLabels(labels),
	}, nil
}

func classify(rec core.RawRecord) (string, error) {
	if rec.Job != "" {
		if !labelNamePattern.MatchString(rec.Job) {
			return "", fmt.Errorf("invalid job %q", rec.Job)
		}
		return rec.Job, nil
	}
	for _, f := range rec.Features {
		if f == FeatureAPIBoundaryNode {
			return JobAPIBoundaryNode, nil
		}
	}
	if rec.SubnetID != "" {
		return JobReplica, nil
	}
	return JobUnassignedReplica, nil
}

// NormalizeAddress validates a host:port pair and renders it canonically,
// bracketing IPv6 hosts.
func NormalizeAddress(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" {
		return "", fmt.Errorf("invalid address %q: empty host", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("invalid address %q: bad port", addr)
	}

	if ip := net.ParseIP(host); ip != nil {
		host = ip.String()
	} else if len(host) > 253 || !hostnamePattern.MatchString(host) {
		return "", fmt.Errorf("invalid address %q: bad host", addr)
	}

	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

package health

import (
	"context"
	"fmt"

	"msd/internal/core"
)

// InstanceCheck reports an instance as degraded when its poller has
// exhausted its restarts or it has never published a snapshot.
func InstanceCheck(source StatusSource, name string) Check {
	return func(ctx context.Context) error {
		for _, st := range source.Statuses() {
			if st.Name != name {
				continue
			}
			switch {
			case st.State == core.InstanceDegraded:
				return fmt.Errorf("%w: poller stopped after %d restarts", ErrDegraded, st.Restarts)
			case st.PublishedAt == nil:
				return fmt.Errorf("%w: no snapshot published yet", ErrDegraded)
			}
			return nil
		}
		return fmt.Errorf("unknown instance %s", name)
	}
}

// RegisterInstanceChecks registers one check per instance, named "instance:<name>"
func RegisterInstanceChecks(checker *Checker, source StatusSource) {
	for _, st := range source.Statuses() {
		checker.RegisterCheck("instance:"+st.Name, InstanceCheck(source, st.Name))
	}
}

// DependencyCheck wraps the ping of an optional dependency. Its failure
// degrades the service without making it unhealthy.
func DependencyCheck(ping func(context.Context) error) Check {
	return func(ctx context.Context) error {
		if err := ping(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrDegraded, err)
		}
		return nil
	}
}

package registry

import (
	"context"
	"fmt"
	"time"

	"deploycli/pkg/bus"
	"deploycli/pkg/manifest"
)

// ReconcileSummary counts registry changes made by Reconcile.
type ReconcileSummary struct {
	Added   int       `json:"added"`
	Updated int       `json:"updated"`
	Removed int       `json:"removed"`
	At      time.Time `json:"at"`
}

// Reconcile makes the registry match the bundle directory: valid bundles
// are upserted, records without a bundle are removed. Records are matched
// on the full (id, name) pair.
func (s *Server) Reconcile(ctx context.Context) (ReconcileSummary, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	known, err := s.registry.List(ctx)
	if err != nil {
		return ReconcileSummary{}, fmt.Errorf("list registry: %w", err)
	}
	scanned, err := s.bundles.Scan(s.log)
	if err != nil {
		return ReconcileSummary{}, err
	}

	existing := make(map[taskKey]manifest.Task, len(known))
	for _, t := range known {
		existing[taskKey{id: t.ID, name: t.Name}] = t
	}

	summary := ReconcileSummary{At: time.Now().UTC()}
	for _, t := range scanned {
		k := taskKey{id: t.ID, name: t.Name}
		prev, ok := existing[k]
		delete(existing, k)
		if ok && prev.Description == t.Description {
			continue
		}
		if err := s.registry.Upsert(ctx, t); err != nil {
			return summary, fmt.Errorf("upsert %s: %w", t, err)
		}
		if ok {
			summary.Updated++
		} else {
			summary.Added++
		}
	}

	for _, t := range existing {
		if err := s.registry.Remove(ctx, t.ID, t.Name); err != nil {
			return summary, fmt.Errorf("remove %s: %w", t, err)
		}
		summary.Removed++
	}

	s.metrics.reconciles.WithLabelValues("added").Add(float64(summary.Added))
	s.metrics.reconciles.WithLabelValues("updated").Add(float64(summary.Updated))
	s.metrics.reconciles.WithLabelValues("removed").Add(float64(summary.Removed))
	s.metrics.tasks.Set(float64(len(scanned)))

	s.log.Info().
		Int("added", summary.Added).
		Int("updated", summary.Updated).
		Int("removed", summary.Removed).
		Msg("registry reconciled")
	s.publish(ctx, bus.SubjectReconciled, summary)
	return summary, nil
}

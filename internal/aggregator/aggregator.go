package aggregator

import (
	"fmt"
	"sync"

	"github.com/lamim/evalforge/pkg/models"
)

// entry is one (experiment, metric, value) observation. A tracked
// experiment without results is stored with an empty metric.
type entry struct {
	id     models.ExperimentID
	metric string
	value  any
}

// Aggregator accumulates evaluation results and pivots them into a Summary
type Aggregator struct {
	mu      sync.RWMutex
	entries []entry
	added   map[string]struct{} // ResultID keys
	tracked map[string]struct{} // ExperimentID keys
}

// New creates an empty aggregator
func New() *Aggregator {
	return &Aggregator{
		added:   make(map[string]struct{}),
		tracked: make(map[string]struct{}),
	}
}

// Add records the overall value of a result for an experiment. A second
// result for the same (experiment, metric) fails with ErrCacheConflict
// unless allowDuplicate is set, in which case the first value still wins
// in the summary.
func (a *Aggregator) Add(result models.EvaluationResult, id models.ExperimentID, allowDuplicate bool) error {
	if result.Name == "" {
		return fmt.Errorf("%w: result for %s has no metric name", models.ErrConfiguration, id)
	}
	rid := id.WithMetric(result.Name)

	a.mu.Lock()
	defer a.mu.Unlock()

	key := rid.Key()
	if _, exists := a.added[key]; exists && !allowDuplicate {
		return fmt.Errorf("%w: result %s already aggregated", models.ErrCacheConflict, rid)
	}
	a.added[key] = struct{}{}
	a.entries = append(a.entries, entry{id: id, metric: result.Name, value: result.Overall})
	return nil
}

// Replace drops any value held for the result's (experiment, metric) and
// records the new one in its place.
func (a *Aggregator) Replace(result models.EvaluationResult, id models.ExperimentID) error {
	if result.Name == "" {
		return fmt.Errorf("%w: result for %s has no metric name", models.ErrConfiguration, id)
	}
	rid := id.WithMetric(result.Name)

	a.mu.Lock()
	defer a.mu.Unlock()

	replaced := false
	kept := a.entries[:0]
	for _, e := range a.entries {
		if e.metric == rid.Metric && e.id == id {
			if !replaced {
				kept = append(kept, entry{id: id, metric: result.Name, value: result.Overall})
				replaced = true
			}
			continue
		}
		kept = append(kept, e)
	}
	if !replaced {
		kept = append(kept, entry{id: id, metric: result.Name, value: result.Overall})
	}
	a.entries = kept
	a.added[rid.Key()] = struct{}{}
	return nil
}

// Remove forgets every value held for the result id. It reports whether
// anything was removed.
func (a *Aggregator) Remove(rid models.ResultID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := rid.Key()
	if _, ok := a.added[key]; !ok {
		return false
	}
	delete(a.added, key)

	kept := a.entries[:0]
	for _, e := range a.entries {
		if e.metric == rid.Metric && e.id == rid.ExperimentID {
			continue
		}
		kept = append(kept, e)
	}
	a.entries = kept
	return true
}

// Track registers an experiment so it appears in the summary even when it
// has no metrics. Tracking the same experiment twice is a no-op.
func (a *Aggregator) Track(id models.ExperimentID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := id.Key()
	if _, ok := a.tracked[key]; ok {
		return
	}
	a.tracked[key] = struct{}{}
	a.entries = append(a.entries, entry{id: id})
}

// Untrack drops a tracked experiment. Rows kept alive by results stay.
func (a *Aggregator) Untrack(id models.ExperimentID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := id.Key()
	if _, ok := a.tracked[key]; !ok {
		return
	}
	delete(a.tracked, key)

	kept := a.entries[:0]
	for _, e := range a.entries {
		if e.metric == "" && e.id == id {
			continue
		}
		kept = append(kept, e)
	}
	a.entries = kept
}

// Reset drops all state
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries = nil
	a.added = make(map[string]struct{})
	a.tracked = make(map[string]struct{})
}

// Len returns the number of distinct results held
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.added)
}

// Summary pivots the accumulated values: one row per (dataset, task,
// prompt, model) and one column per metric, both in first-seen order.
// When several values land in the same cell the first one wins.
func (a *Aggregator) Summary() Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	summary := Summary{}
	rowIndex := make(map[RowKey]int)
	metricSeen := make(map[string]struct{})

	for _, e := range a.entries {
		key := rowKeyOf(e.id)
		idx, ok := rowIndex[key]
		if !ok {
			idx = len(summary.Rows)
			rowIndex[key] = idx
			summary.Rows = append(summary.Rows, Row{Key: key, Values: make(map[string]any)})
		}
		if e.metric == "" {
			continue
		}
		if _, ok := metricSeen[e.metric]; !ok {
			metricSeen[e.metric] = struct{}{}
			summary.Metrics = append(summary.Metrics, e.metric)
		}
		if _, filled := summary.Rows[idx].Values[e.metric]; !filled {
			summary.Rows[idx].Values[e.metric] = e.value
		}
	}
	return summary
}

package project

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/lamim/evalforge/pkg/models"
)

const trackedFilename = "tracked.json"

// trackedMeta is an experiment listed in the summary without metrics
type trackedMeta struct {
	ID        models.ExperimentID `json:"experiment_id"`
	CreatedAt time.Time           `json:"created_at"`
}

func (p *Project) trackedPath() string {
	return filepath.Join(p.dir, RecordsDir, trackedFilename)
}

// TrackExperiment lists an experiment in the summary even if it has no
// metrics. The entry is persisted so a reloaded project shows the same rows.
func (p *Project) TrackExperiment(id models.ExperimentID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.agg.Track(id)
	key := id.Key()
	if _, ok := p.tracked[key]; ok {
		return
	}
	p.tracked[key] = trackedMeta{ID: id, CreatedAt: time.Now()}
	if err := p.saveTracked(); err != nil {
		p.logger.Warn("Failed to persist tracked experiment", "experiment", id.String(), "error", err)
	}
}

// untrack drops a tracked experiment. Callers hold p.mu.
func (p *Project) untrack(id models.ExperimentID) error {
	key := id.Key()
	if _, ok := p.tracked[key]; !ok {
		return nil
	}
	delete(p.tracked, key)
	p.agg.Untrack(id)
	return p.saveTracked()
}

func (p *Project) saveTracked() error {
	entries := make([]trackedMeta, 0, len(p.tracked))
	for _, t := range p.tracked {
		entries = append(entries, t)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return writeJSONAtomic(p.trackedPath(), entries)
}

// loadTracked reads the tracked experiments whose generation is still
// stored. Callers hold p.mu.
func (p *Project) loadTracked() {
	var entries []trackedMeta
	if err := readJSON(p.trackedPath(), &entries); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("Skipping unreadable tracked experiments", "path", p.trackedPath(), "error", err)
		}
		return
	}
	for _, t := range entries {
		if err := t.ID.Validate(); err != nil {
			p.logger.Warn("Skipping tracked experiment with invalid id", "error", err)
			continue
		}
		if _, ok := p.generations[t.ID.Key()]; !ok {
			continue
		}
		p.tracked[t.ID.Key()] = t
	}
}

// replay feeds stored results and tracked experiments to the aggregator in
// the order they were written, so first-write-wins picks the same values
// as the run that produced them. Callers hold p.mu.
func (p *Project) replay(results []resultMeta) {
	type event struct {
		at     time.Time
		key    string
		result *resultMeta
		id     models.ExperimentID
	}
	events := make([]event, 0, len(results)+len(p.tracked))
	for i := range results {
		events = append(events, event{at: results[i].CreatedAt, key: results[i].ID.Key(), result: &results[i]})
	}
	for key, t := range p.tracked {
		events = append(events, event{at: t.CreatedAt, key: key, id: t.ID})
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].at.Equal(events[j].at) {
			return events[i].at.Before(events[j].at)
		}
		return events[i].key < events[j].key
	})

	for _, ev := range events {
		if ev.result == nil {
			p.agg.Track(ev.id)
			continue
		}
		meta := *ev.result
		if err := p.agg.Add(meta.Result, meta.ID.Experiment(), false); err != nil {
			p.logger.Warn("Skipping result", "path", meta.location, "error", err)
			continue
		}
		p.results[meta.ID.Key()] = meta
	}
}

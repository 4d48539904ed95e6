package project

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/lamim/evalforge/pkg/models"
)

func (p *Project) recordPath(stage models.Stage, key string) string {
	return filepath.Join(p.dir, RecordsDir, string(stage), key+".json")
}

// SaveRecord validates and persists a stage record, replacing any
// previous record for the same stage and key.
func (p *Project) SaveRecord(rec models.StageRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := writeJSONAtomic(p.recordPath(rec.Stage, rec.Key), rec); err != nil {
		return fmt.Errorf("failed to write %s record: %w", rec.Stage, err)
	}
	p.records[rec.Stage][rec.Key] = rec
	return nil
}

// Record returns the stage record stored for a key
func (p *Project) Record(stage models.Stage, key string) (models.StageRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[stage][key]
	return rec, ok
}

// Records returns every record of a stage ordered by key
func (p *Project) Records(stage models.Stage) []models.StageRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	recs := make([]models.StageRecord, 0, len(p.records[stage]))
	for _, rec := range p.records[stage] {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
	return recs
}

// removeRecord deletes a stage record. Callers hold p.mu.
func (p *Project) removeRecord(stage models.Stage, key string) error {
	if err := removeIfExists(p.recordPath(stage, key)); err != nil {
		return fmt.Errorf("failed to remove %s record: %w", stage, err)
	}
	delete(p.records[stage], key)
	return nil
}

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/lamim/evalforge/pkg/models"
)

// activeModel is the single model the pipeline holds loaded
type activeModel struct {
	record models.ModelRecord
	name   string
	model  Model
}

// acquire returns a loaded model for cfg, reusing the active one when the
// configs are equal. A different active model is released before the new
// one is loaded.
func (p *Pipeline) acquire(ctx context.Context, cfg models.ModelConfig) (Model, error) {
	rec := cfg.Record()
	if p.active != nil && p.active.record == rec {
		return p.active.model, nil
	}

	p.release()

	p.logger.Info("Loading model", "model", cfg.Name)
	start := time.Now()
	m, err := p.runner.Load(ctx, cfg)
	p.metrics.RecordModelLoad(cfg.Name, time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", cfg.Name, err)
	}

	p.active = &activeModel{record: rec, name: cfg.Name, model: m}
	p.metrics.SetActiveModel(cfg.Name, true)
	return m, nil
}

// release closes the active model, if any. It uses its own bounded context
// so it still runs after the caller's context is cancelled.
func (p *Pipeline) release() {
	if p.active == nil {
		return
	}
	active := p.active
	p.active = nil

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ReleaseGrace)
	defer cancel()

	if err := active.model.Close(ctx); err != nil {
		p.logger.Warn("Failed to release model cleanly", "model", active.name, "error", err)
	} else {
		p.logger.Info("Released model", "model", active.name)
	}
	p.metrics.SetActiveModel(active.name, false)
}

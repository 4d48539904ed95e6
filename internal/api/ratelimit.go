package api

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterPool manages per-model and per-provider rate limiters
type RateLimiterPool struct {
	limiters map[string]*rate.Limiter
	rates    map[string]int // original rates, to warn on conflicting configs
	mu       sync.Mutex
}

// NewRateLimiterPool creates a new rate limiter pool
func NewRateLimiterPool() *RateLimiterPool {
	return &RateLimiterPool{
		limiters: make(map[string]*rate.Limiter),
		rates:    make(map[string]int),
	}
}

// GetOrCreate returns an existing rate limiter or creates a new one.
// A non-positive rate means unlimited. If a limiter exists with a different
// rate, it logs a warning and keeps the existing one.
func (p *RateLimiterPool) GetOrCreate(key string, requestsPerMinute int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, exists := p.limiters[key]; exists {
		if existingRate := p.rates[key]; existingRate != requestsPerMinute {
			slog.Warn("Rate limiter already exists with different rate, using existing rate",
				"key", key,
				"existing_rpm", existingRate,
				"requested_rpm", requestsPerMinute)
		}
		return limiter
	}

	var limiter *rate.Limiter
	if requestsPerMinute <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 0)
	} else {
		rps := float64(requestsPerMinute) / 60.0
		burst := max(5, requestsPerMinute/5) // 20% burst capacity
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
		slog.Debug("Created rate limiter",
			"key", key,
			"rpm", requestsPerMinute,
			"rps", rps,
			"burst", burst)
	}
	p.limiters[key] = limiter
	p.rates[key] = requestsPerMinute

	return limiter
}

// Wait blocks until both the provider limiter (when providerRPM is set) and
// the model limiter allow the next request
func (p *RateLimiterPool) Wait(ctx context.Context, modelID string, requestsPerMinute int, provider string, providerRPM int) error {
	if providerRPM > 0 {
		if err := p.GetOrCreate("provider:"+provider, providerRPM).Wait(ctx); err != nil {
			return err
		}
	}
	return p.GetOrCreate(modelID, requestsPerMinute).Wait(ctx)
}

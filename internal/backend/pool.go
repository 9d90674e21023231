// Package backend holds the pool of TTS synthesis backends: per-backend
// concurrency gating, health/cooldown tracking, and selection.
package backend

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrDeadlineExceeded is returned by Acquire when no backend becomes
// available before the caller's deadline.
var ErrDeadlineExceeded = errors.New("backend: acquire deadline exceeded")

// Backend tracks per-endpoint state. All mutable fields are guarded by the
// owning Pool's mutex.
type Backend struct {
	URL           string
	Token         string
	MaxConcurrent int

	inFlight            int
	consecutiveFailures int
	cooldownUntil       time.Time
	totalRequests       int64
	totalFailures       int64
	totalLatencyMS      int64
	successCount        int64
}

// Stat is the read-only snapshot returned by Pool.Stats.
type Stat struct {
	URL                 string
	InFlight            int
	MaxConcurrent       int
	ConsecutiveFailures int
	CooldownUntil       time.Time
	TotalRequests       int64
	TotalFailures       int64
	AvgResponseTimeMS   float64
}

// Release hands back the concurrency slot acquired by Acquire.
type Release func()

// Pool holds the ordered, configured list of backends and implements the
// selection/cooldown policy from spec.md §4.3.
type Pool struct {
	mu       sync.Mutex
	backends []*Backend
	nextRR   int // round-robin tiebreak cursor
	now      func() time.Time

	log         *slog.Logger
	meter       metric.Meter
	inFlightGge metric.Int64ObservableGauge
	cooldownGge metric.Int64ObservableGauge
}

// New constructs a Pool from the configured backend list.
func New(backends []Backend, log *slog.Logger) *Pool {
	p := &Pool{
		now: time.Now,
		log: log.With(slog.String("component", "backend-pool")),
	}
	for i := range backends {
		b := backends[i]
		p.backends = append(p.backends, &b)
	}
	p.meter = otel.Meter("github.com/nova-labs/ttsrelay/backend")
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize backend metrics", slog.String("error", err.Error()))
	}
	return p
}

func (p *Pool) initMetrics() error {
	if p.meter == nil {
		return nil
	}
	inFlight, err := p.meter.Int64ObservableGauge("ttsrelay.backend.in_flight", metric.WithDescription("In-flight TTS requests per backend"))
	if err != nil {
		return err
	}
	cooldown, err := p.meter.Int64ObservableGauge("ttsrelay.backend.cooldown", metric.WithDescription("1 if the backend is currently in cooldown, else 0"))
	if err != nil {
		return err
	}
	p.inFlightGge = inFlight
	p.cooldownGge = cooldown
	_, err = p.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		now := p.now()
		for _, b := range p.backends {
			attrs := metric.WithAttributes(attribute.String("backend", b.URL))
			obs.ObserveInt64(inFlight, int64(b.inFlight), attrs)
			cd := int64(0)
			if now.Before(b.cooldownUntil) {
				cd = 1
			}
			obs.ObserveInt64(cooldown, cd, attrs)
		}
		return nil
	}, inFlight, cooldown)
	return err
}

// Acquire selects a backend honoring per-backend max_concurrent and global
// cooldown, blocking (polling) until one frees up or ctx's deadline expires.
// Selection: among backends not in cooldown, fewest in_flight; ties broken
// by lowest consecutive_failures, then lowest total_requests (round-robin
// when all are equal).
func (p *Pool) Acquire(ctx context.Context) (*Backend, Release, error) {
	const pollInterval = 10 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if b := p.trySelect(); b != nil {
			return b, p.releaseFor(b), nil
		}
		select {
		case <-ctx.Done():
			return nil, nil, ErrDeadlineExceeded
		case <-ticker.C:
		}
	}
}

func (p *Pool) trySelect() *Backend {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var candidates []*Backend
	for _, b := range p.backends {
		if now.Before(b.cooldownUntil) {
			continue
		}
		if b.inFlight >= b.MaxConcurrent {
			continue
		}
		candidates = append(candidates, b)
	}
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, best) {
			best = c
		}
	}
	// Round-robin tiebreak among equals: rotate the starting candidate each
	// call so a tie doesn't always favor the first backend in config order.
	if len(candidates) > 1 {
		if rotated := candidates[p.nextRR%len(candidates)]; equal(rotated, best) {
			best = rotated
		}
		p.nextRR = (p.nextRR + 1) % len(candidates)
	}

	best.inFlight++
	best.totalRequests++
	return best
}

func better(a, b *Backend) bool {
	if a.inFlight != b.inFlight {
		return a.inFlight < b.inFlight
	}
	if a.consecutiveFailures != b.consecutiveFailures {
		return a.consecutiveFailures < b.consecutiveFailures
	}
	return a.totalRequests < b.totalRequests
}

func equal(a, b *Backend) bool {
	return a.inFlight == b.inFlight &&
		a.consecutiveFailures == b.consecutiveFailures &&
		a.totalRequests == b.totalRequests
}

func (p *Pool) releaseFor(b *Backend) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if b.inFlight > 0 {
				b.inFlight--
			}
		})
	}
}

// ReportSuccess resets consecutive_failures and clears cooldown.
func (p *Pool) ReportSuccess(b *Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.consecutiveFailures = 0
	b.cooldownUntil = time.Time{}
}

// ReportFailure increments consecutive_failures; at 3 it sets a cooldown of
// min(30s * 2^(failures-3), 5min).
func (p *Pool) ReportFailure(b *Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.consecutiveFailures++
	b.totalFailures++
	if b.consecutiveFailures >= 3 {
		backoff := 30 * time.Second * (1 << uint(b.consecutiveFailures-3))
		if backoff > 5*time.Minute {
			backoff = 5 * time.Minute
		}
		b.cooldownUntil = p.now().Add(backoff)
	}
}

// RecordLatency folds a completed round trip's duration into the backend's
// running average response time (tracked for the stats/health surface only;
// it never affects selection).
func (p *Pool) RecordLatency(b *Backend, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.totalLatencyMS += d.Milliseconds()
	b.successCount++
}

// Stats returns a snapshot of every backend's counters.
func (p *Pool) Stats() []Stat {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Stat, 0, len(p.backends))
	for _, b := range p.backends {
		avg := 0.0
		if b.successCount > 0 {
			avg = float64(b.totalLatencyMS) / float64(b.successCount)
		}
		out = append(out, Stat{
			URL:                 b.URL,
			InFlight:            b.inFlight,
			MaxConcurrent:       b.MaxConcurrent,
			ConsecutiveFailures: b.consecutiveFailures,
			CooldownUntil:       b.cooldownUntil,
			TotalRequests:       b.totalRequests,
			TotalFailures:       b.totalFailures,
			AvgResponseTimeMS:   avg,
		})
	}
	return out
}

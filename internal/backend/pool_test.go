package backend

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAcquireRespectsMaxConcurrent(t *testing.T) {
	p := New([]Backend{{URL: "http://a", MaxConcurrent: 1}}, testLogger())

	ctx := context.Background()
	b, release, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.inFlight != 1 {
		t.Fatalf("expected in_flight=1, got %d", b.inFlight)
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, _, err := p.Acquire(deadlineCtx); err != ErrDeadlineExceeded {
		t.Fatalf("expected deadline exceeded while slot is held, got %v", err)
	}

	release()
	b2, release2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("unexpected error after release: %v", err)
	}
	release2()
	if b2.URL != "http://a" {
		t.Fatalf("expected same backend, got %s", b2.URL)
	}
}

func TestSelectionPrefersFewestInFlight(t *testing.T) {
	p := New([]Backend{
		{URL: "http://busy", MaxConcurrent: 5},
		{URL: "http://free", MaxConcurrent: 5},
	}, testLogger())

	ctx := context.Background()
	busy := p.backends[0]
	busy.inFlight = 3

	b, release, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()
	if b.URL != "http://free" {
		t.Fatalf("expected free backend selected, got %s", b.URL)
	}
}

func TestCooldownAfterThreeFailures(t *testing.T) {
	p := New([]Backend{{URL: "http://a", MaxConcurrent: 1}}, testLogger())
	b := p.backends[0]

	p.ReportFailure(b)
	p.ReportFailure(b)
	if b.consecutiveFailures != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", b.consecutiveFailures)
	}
	if !b.cooldownUntil.IsZero() {
		t.Fatalf("expected no cooldown before the 3rd consecutive failure")
	}

	p.ReportFailure(b)
	if b.consecutiveFailures != 3 {
		t.Fatalf("expected 3 consecutive failures, got %d", b.consecutiveFailures)
	}
	if !b.cooldownUntil.After(p.now()) {
		t.Fatalf("expected backend to be in cooldown after 3rd failure")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, _, err := p.Acquire(ctx); err != ErrDeadlineExceeded {
		t.Fatalf("expected selection to skip backend in cooldown, got %v", err)
	}
}

func TestReportSuccessClearsCooldown(t *testing.T) {
	p := New([]Backend{{URL: "http://a", MaxConcurrent: 1}}, testLogger())
	b := p.backends[0]

	p.ReportFailure(b)
	p.ReportFailure(b)
	p.ReportFailure(b)
	if b.consecutiveFailures != 3 {
		t.Fatalf("expected cooldown triggered")
	}

	p.ReportSuccess(b)
	if b.consecutiveFailures != 0 {
		t.Fatalf("expected consecutive_failures reset to 0")
	}
	if !b.cooldownUntil.IsZero() {
		t.Fatalf("expected cooldown cleared")
	}
}

func TestFailoverToSecondBackend(t *testing.T) {
	p := New([]Backend{
		{URL: "http://a", MaxConcurrent: 1},
		{URL: "http://b", MaxConcurrent: 1},
	}, testLogger())

	a := p.backends[0]
	bb := p.backends[1]

	p.ReportFailure(a)
	p.ReportSuccess(bb)

	if a.consecutiveFailures != 1 {
		t.Fatalf("expected backend a consecutive_failures=1, got %d", a.consecutiveFailures)
	}
	if bb.consecutiveFailures != 0 {
		t.Fatalf("expected backend b consecutive_failures=0, got %d", bb.consecutiveFailures)
	}
}

func TestStatsReflectsCounters(t *testing.T) {
	p := New([]Backend{{URL: "http://a", MaxConcurrent: 2}}, testLogger())
	ctx := context.Background()
	_, release, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()

	stats := p.Stats()
	if len(stats) != 1 {
		t.Fatalf("expected 1 stat entry, got %d", len(stats))
	}
	if stats[0].InFlight != 1 {
		t.Fatalf("expected in_flight=1 in stats, got %d", stats[0].InFlight)
	}
	if stats[0].TotalRequests != 1 {
		t.Fatalf("expected total_requests=1, got %d", stats[0].TotalRequests)
	}
}

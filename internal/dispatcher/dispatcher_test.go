package dispatcher_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nova-labs/ttsrelay/internal/apperr"
	"github.com/nova-labs/ttsrelay/internal/backend"
	"github.com/nova-labs/ttsrelay/internal/dispatcher"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// minimalWAV builds a tiny but structurally valid PCM WAV file, since the
// dispatcher now decodes the header to confirm a 2xx body is actually audio.
func minimalWAV(payload []byte) []byte {
	const (
		numChannels   = 1
		sampleRate    = 16000
		bitsPerSample = 16
	)
	blockAlign := uint16(numChannels * bitsPerSample / 8)
	byteRate := uint32(sampleRate * int(blockAlign))

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(payload)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(numChannels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, byteRate)
	binary.Write(&buf, binary.LittleEndian, blockAlign)
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

func TestSynthesizeSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			t.Errorf("expected /v1/audio/speech, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("expected bearer token tok-1, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(minimalWAV([]byte("hello-audio")))
	}))
	defer server.Close()

	pool := backend.New([]backend.Backend{{URL: server.URL, Token: "tok-1", MaxConcurrent: 2}}, testLogger())
	d := dispatcher.New(pool, 2, nil)

	result, err := d.Synthesize(context.Background(), "tts-1", "alloy", "hello", time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(result.Audio, minimalWAV([]byte("hello-audio"))) {
		t.Fatalf("unexpected audio payload: %q", result.Audio)
	}
}

func TestSynthesizeBadRequestDoesNotRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	pool := backend.New([]backend.Backend{{URL: server.URL, MaxConcurrent: 2}}, testLogger())
	d := dispatcher.New(pool, 2, nil)

	_, err := d.Synthesize(context.Background(), "tts-1", "alloy", "hello", time.Now().Add(2*time.Second))
	if err == nil {
		t.Fatal("expected error")
	}
	if apperr.KindOf(err) != apperr.BadRequest {
		t.Fatalf("expected BadRequest, got %v", apperr.KindOf(err))
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 call (no retry), got %d", calls)
	}
}

func TestSynthesizeFailoverToSecondBackend(t *testing.T) {
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer first.Close()

	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(minimalWAV([]byte("ok-audio")))
	}))
	defer second.Close()

	pool := backend.New([]backend.Backend{
		{URL: first.URL, MaxConcurrent: 1},
		{URL: second.URL, MaxConcurrent: 1},
	}, testLogger())
	d := dispatcher.New(pool, 2, nil)

	result, err := d.Synthesize(context.Background(), "tts-1", "alloy", "x", time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(result.Audio, minimalWAV([]byte("ok-audio"))) {
		t.Fatalf("unexpected audio: %q", result.Audio)
	}

	stats := pool.Stats()
	var failed, healthy backend.Stat
	for _, s := range stats {
		if s.URL == first.URL {
			failed = s
		} else {
			healthy = s
		}
	}
	if failed.ConsecutiveFailures != 1 {
		t.Fatalf("expected backend 1 consecutive_failures=1, got %d", failed.ConsecutiveFailures)
	}
	if healthy.ConsecutiveFailures != 0 {
		t.Fatalf("expected backend 2 consecutive_failures=0, got %d", healthy.ConsecutiveFailures)
	}
}

func TestSynthesizeExhaustsRetriesReturnsUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	pool := backend.New([]backend.Backend{{URL: server.URL, MaxConcurrent: 1}}, testLogger())
	d := dispatcher.New(pool, 2, nil)

	_, err := d.Synthesize(context.Background(), "tts-1", "alloy", "x", time.Now().Add(5*time.Second))
	if err == nil {
		t.Fatal("expected error")
	}
	if apperr.KindOf(err) != apperr.Upstream {
		t.Fatalf("expected Upstream, got %v", apperr.KindOf(err))
	}
}

func TestSynthesizeDeadlineExceededDuringAcquire(t *testing.T) {
	pool := backend.New([]backend.Backend{{URL: "http://unused", MaxConcurrent: 1}}, testLogger())
	d := dispatcher.New(pool, 0, nil)

	// Pre-occupy the only slot so acquisition blocks until deadline.
	_, release, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("setup: unexpected error: %v", err)
	}
	defer release()

	_, err = d.Synthesize(context.Background(), "tts-1", "alloy", "x", time.Now().Add(30*time.Millisecond))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if apperr.KindOf(err) != apperr.Timeout {
		t.Fatalf("expected Timeout, got %v", apperr.KindOf(err))
	}
}

func TestSynthesizeMergesExtraParams(t *testing.T) {
	var gotSpeed float64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if v, ok := body["speed"].(float64); ok {
			gotSpeed = v
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(minimalWAV([]byte("audio")))
	}))
	defer server.Close()

	pool := backend.New([]backend.Backend{{URL: server.URL, MaxConcurrent: 1}}, testLogger())
	d := dispatcher.New(pool, 0, map[string]any{"speed": 1.25})

	if _, err := d.Synthesize(context.Background(), "tts-1", "alloy", "x", time.Now().Add(2*time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotSpeed != 1.25 {
		t.Fatalf("expected extra param speed=1.25 to reach the request body, got %v", gotSpeed)
	}
}

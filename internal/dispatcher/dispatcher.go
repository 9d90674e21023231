// Package dispatcher turns one (model, voice, text) triple into synthesized
// audio bytes: it owns backend selection and retries with backoff. It is
// the only component that speaks HTTP to a TTS backend.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-audio/wav"
	openai "github.com/sashabaranov/go-openai"

	"github.com/nova-labs/ttsrelay/internal/apperr"
	"github.com/nova-labs/ttsrelay/internal/backend"
)

// Result is a successful synthesis: raw bytes plus the content type the
// backend reported (normally audio/wav).
type Result struct {
	Audio       []byte
	ContentType string
}

// Dispatcher is stateless across calls; all mutable state lives in the
// backend pool.
type Dispatcher struct {
	pool        *backend.Pool
	client      *http.Client
	retryCount  int
	extraParams map[string]any
}

// New constructs a Dispatcher. extraParams is the opaque nested parameter
// block merged into every request body verbatim; it may be nil.
func New(pool *backend.Pool, retryCount int, extraParams map[string]any) *Dispatcher {
	return &Dispatcher{
		pool:        pool,
		client:      &http.Client{},
		retryCount:  retryCount,
		extraParams: extraParams,
	}
}

// Synthesize acquires a backend, POSTs the synthesis request, and retries
// with a different backend on transient failure up to retry_count total
// attempts. deadline bounds the whole operation, including backend
// acquisition and all retries.
func (d *Dispatcher) Synthesize(ctx context.Context, model, voice, text string, deadline time.Time) (Result, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// retry_count is the total attempt budget (spec: "retry ... up to
	// retry_count total attempts"), not an addend on top of a first try.
	attempts := d.retryCount
	if attempts < 1 {
		attempts = 1
	}
	bo := &fixedJitterBackOff{}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, bo); err != nil {
				return Result{}, apperr.Wrap(apperr.Timeout, "dispatcher: deadline exceeded during retry backoff", err)
			}
		}

		b, release, err := d.pool.Acquire(ctx)
		if err != nil {
			return Result{}, apperr.Wrap(apperr.Timeout, "dispatcher: no backend available before deadline", err)
		}

		attemptStart := time.Now()
		result, synthErr := d.attempt(ctx, b, model, voice, text)
		release()
		if synthErr == nil {
			d.pool.ReportSuccess(b)
			d.pool.RecordLatency(b, time.Since(attemptStart))
			return result, nil
		}

		lastErr = synthErr
		if ae, ok := synthErr.(*apperr.Error); ok && ae.Kind == apperr.BadRequest {
			d.pool.ReportSuccess(b)
			return Result{}, synthErr
		}
		d.pool.ReportFailure(b)
	}

	return Result{}, apperr.Wrap(apperr.Upstream, "dispatcher: exhausted retries against all backends", lastErr)
}

// attempt performs a single HTTP round trip against one backend.
func (d *Dispatcher) attempt(ctx context.Context, b *backend.Backend, model, voice, text string) (Result, error) {
	body, err := d.buildBody(model, voice, text)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, "dispatcher: failed to build request body", err)
	}

	remaining := time.Until(deadlineFrom(ctx))
	if remaining < time.Second {
		remaining = time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	url := strings.TrimRight(b.URL, "/") + "/v1/audio/speech"
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, "dispatcher: failed to build HTTP request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.Token)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Upstream, "dispatcher: transport error calling TTS backend", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Upstream, "dispatcher: failed to read TTS backend response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		contentType := resp.Header.Get("Content-Type")
		if !strings.HasPrefix(contentType, "audio/") || len(audio) == 0 {
			return Result{}, apperr.New(apperr.Upstream, fmt.Sprintf("dispatcher: backend returned 2xx with non-audio or empty body (content-type=%q, len=%d)", contentType, len(audio)))
		}
		if err := validateWAVHeader(audio); err != nil {
			return Result{}, apperr.Wrap(apperr.Upstream, "dispatcher: backend returned malformed WAV audio", err)
		}
		return Result{Audio: audio, ContentType: contentType}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, apperr.New(apperr.Upstream, "dispatcher: backend returned 429")

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Result{}, apperr.New(apperr.BadRequest, fmt.Sprintf("dispatcher: backend rejected request with status %d", resp.StatusCode))

	default:
		return Result{}, apperr.New(apperr.Upstream, fmt.Sprintf("dispatcher: backend returned status %d", resp.StatusCode))
	}
}

// buildBody marshals the OpenAI-shaped speech request, then merges in any
// opaque extra parameters the deployment configured. Those never override
// the fields the dispatcher itself controls.
func (d *Dispatcher) buildBody(model, voice, text string) ([]byte, error) {
	req := openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(model),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: "wav",
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if len(d.extraParams) == 0 {
		return raw, nil
	}

	var merged map[string]any
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.extraParams {
		if _, reserved := merged[k]; reserved {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// fixedJitterBackOff implements backoff.BackOff for the exact
// min(250ms*2^attempt, 2s) +/-20% jitter formula. The library's own
// ExponentialBackOff exposes a different growth/cap shape, so the interface
// is satisfied directly rather than configured through it.
type fixedJitterBackOff struct {
	attempt int
}

func (b *fixedJitterBackOff) Reset() {
	b.attempt = 0
}

func (b *fixedJitterBackOff) NextBackOff() time.Duration {
	base := 250 * time.Millisecond * time.Duration(1<<uint(b.attempt))
	if base > 2*time.Second {
		base = 2 * time.Second
	}
	b.attempt++
	jitterFrac := 0.8 + rand.Float64()*0.4 // [0.8, 1.2)
	return time.Duration(float64(base) * jitterFrac)
}

var _ backoff.BackOff = (*fixedJitterBackOff)(nil)

// sleepBackoff sleeps for bo's next delay, or returns ctx.Err() if ctx is
// done first.
func sleepBackoff(ctx context.Context, bo backoff.BackOff) error {
	timer := time.NewTimer(bo.NextBackOff())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// validateWAVHeader confirms the backend's response decodes as a WAV
// container; the dispatcher always requests response_format "wav".
func validateWAVHeader(audio []byte) error {
	dec := wav.NewDecoder(bytes.NewReader(audio))
	if !dec.IsValidFile() {
		return fmt.Errorf("not a valid WAV container")
	}
	return nil
}

func deadlineFrom(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(time.Minute)
}

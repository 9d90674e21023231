// Package llmproxy forwards chat-completion requests to the upstream LLM,
// relaying SSE events byte-exact to the caller while side-channeling the
// extracted assistant text to a segmenter.
package llmproxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nova-labs/ttsrelay/internal/apperr"
)

// proxy-only fields the caller must strip before forwarding and retain
// locally (spec.md §6).
type ProxyFields struct {
	TTSEnabled *bool  `json:"tts_enabled,omitempty"`
	TTSModel   string `json:"tts_model,omitempty"`
	TTSVoice   string `json:"tts_voice,omitempty"`
}

// Proxy forwards chat completions to the configured upstream.
type Proxy struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New constructs a Proxy.
func New(baseURL, apiKey string) *Proxy {
	return &Proxy{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

const idleTimeout = 30 * time.Second

// StreamChat forwards body (with proxy-only fields already stripped by the
// caller) upstream, forcing stream:true. For each SSE event it calls
// onChunk synchronously with the raw bytes, then (if parseable) onText with
// any extracted assistant-text delta. Returns once the upstream stream ends
// or the context is cancelled.
func (p *Proxy) StreamChat(ctx context.Context, body map[string]any, onChunk func([]byte) error, onText func(string)) error {
	body["stream"] = true
	payload, err := json.Marshal(body)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "llmproxy: failed to marshal request body", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "llmproxy: failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return apperr.Wrap(apperr.Upstream, "llmproxy: transport error calling upstream", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return apperr.New(apperr.Upstream, fmt.Sprintf("llmproxy: upstream returned status %d: %s", resp.StatusCode, string(msg)))
	}

	return p.relay(ctx, resp.Body, onChunk, onText)
}

// relay reads SSE lines from r, invoking onChunk for every line (blank event
// terminators and non-data lines included) and onText for any assistant
// text a data: line carries.
// An idle timeout of 30s between events is enforced by running the scan on
// a separate goroutine and racing it against a timer.
func (p *Proxy) relay(ctx context.Context, r io.Reader, onChunk func([]byte) error, onText func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lines := make(chan []byte)
	scanErrs := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			lines <- line
		}
		scanErrs <- scanner.Err()
	}()

	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.Cancelled, "llmproxy: client disconnected", ctx.Err())
		case <-timer.C:
			return apperr.New(apperr.Upstream, "llmproxy: idle timeout waiting for upstream event")
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErrs; err != nil {
					return apperr.Wrap(apperr.Upstream, "llmproxy: error reading upstream stream", err)
				}
				return nil
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idleTimeout)

			// Blank lines are SSE's event terminator, not noise: bufio's
			// ScanLines strips the trailing newline from every line
			// including these, so relaying each line (blank ones too)
			// followed by onChunk's own "\n" reconstructs the exact
			// byte-for-byte event framing the client needs.
			if err := onChunk(line); err != nil {
				return apperr.Wrap(apperr.Cancelled, "llmproxy: failed to relay chunk to client", err)
			}
			p.extractText(line, onText)
		}
	}
}

// extractText parses one SSE "data: ..." line and, if it carries assistant
// text, invokes onText. Non-JSON lines, lines without choices[0].delta.content,
// and the literal "[DONE]" sentinel are relayed by the caller already but
// contribute no text here.
func (p *Proxy) extractText(line []byte, onText func(string)) {
	const prefix = "data:"
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, []byte(prefix)) {
		return
	}
	payload := bytes.TrimSpace(trimmed[len(prefix):])
	if string(payload) == "[DONE]" {
		return
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return
	}
	if len(chunk.Choices) == 0 {
		return
	}
	content := chunk.Choices[0].Delta.Content
	if content == "" {
		return
	}
	onText(content)
}

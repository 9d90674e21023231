package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nova-labs/ttsrelay/internal/segment"
)

type chatRequest struct {
	Model      string           `json:"model"`
	Messages   []map[string]any `json:"messages"`
	Stream     *bool            `json:"stream"`
	TTSEnabled *bool            `json:"tts_enabled"`
	TTSModel   string           `json:"tts_model"`
	TTSVoice   string           `json:"tts_voice"`
}

// handleChat implements C7: authenticate (done by middleware), strip
// proxy-only fields, call stream_chat, side-channel assistant text through
// the segmenter into cache.submit, and relay SSE byte-exact (or assemble a
// single JSON response when the client asked for stream:false).
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeAppError(w, err)
		return
	}

	var req chatRequest
	if err := validateJSON(s.schemas.chat, raw, &req); err != nil {
		writeAppError(w, err)
		return
	}

	ttsEnabled := true
	if req.TTSEnabled != nil {
		ttsEnabled = *req.TTSEnabled
	}
	ttsModel := req.TTSModel
	if ttsModel == "" {
		ttsModel = s.cfg.TTS.DefaultModel
	}
	ttsVoice := req.TTSVoice
	if ttsVoice == "" {
		ttsVoice = s.cfg.TTS.DefaultVoice
	}
	wantsStream := req.Stream == nil || *req.Stream

	forwardBody := stripProxyFields(raw)

	seg := segment.New(s.cfg.Segmenter.MinLen, s.cfg.Segmenter.MaxLen)
	submit := func(sentence string) {
		if ttsEnabled && sentence != "" {
			s.cache.Submit(ttsModel, ttsVoice, sentence)
		}
	}
	onText := func(delta string) {
		for _, sentence := range seg.Feed(delta) {
			submit(sentence)
		}
	}

	if wantsStream {
		s.streamChatResponse(w, r, forwardBody, onText, submit, seg, start)
		return
	}
	s.bufferedChatResponse(w, r, forwardBody, onText, submit, seg, start)
}

func (s *Server) streamChatResponse(w http.ResponseWriter, r *http.Request, body map[string]any, onText func(string), submit func(string), seg *segment.Segmenter, start time.Time) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	onChunk := func(b []byte) error {
		if _, err := w.Write(b); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	err := s.proxy.StreamChat(r.Context(), body, onChunk, onText)
	if residual := seg.Flush(); residual != "" {
		submit(residual)
	}
	s.logAudit(r.Context(), "chat", "", "", start, err)
}

func (s *Server) bufferedChatResponse(w http.ResponseWriter, r *http.Request, body map[string]any, onText func(string), submit func(string), seg *segment.Segmenter, start time.Time) {
	var assembled bytes.Buffer
	onChunk := func(b []byte) error { return nil }
	combinedText := func(delta string) {
		assembled.WriteString(delta)
		onText(delta)
	}

	err := s.proxy.StreamChat(r.Context(), body, onChunk, combinedText)
	if residual := seg.Flush(); residual != "" {
		submit(residual)
	}
	s.logAudit(r.Context(), "chat", "", "", start, err)
	if err != nil {
		writeAppError(w, err)
		return
	}

	resp := map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": assembled.String(),
				},
				"finish_reason": "stop",
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// stripProxyFields removes tts_enabled/tts_model/tts_voice from the raw
// request body before it is forwarded upstream; their values are retained
// locally by the caller before this is invoked.
func stripProxyFields(raw []byte) map[string]any {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return map[string]any{}
	}
	delete(body, "tts_enabled")
	delete(body, "tts_model")
	delete(body, "tts_voice")
	return body
}

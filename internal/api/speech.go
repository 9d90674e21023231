package api

import (
	"io"
	"net/http"
	"time"

	"github.com/nova-labs/ttsrelay/internal/apperr"
)

type speechRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
	Voice string `json:"voice"`
}

// handleSpeech implements C8: authenticate (middleware), read the request,
// call cache.get with a deadline of request_timeout, and respond with the
// raw audio/wav bytes or a mapped error.
func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeAppError(w, err)
		return
	}

	var req speechRequest
	if err := validateJSON(s.schemas.speech, raw, &req); err != nil {
		writeAppError(w, err)
		return
	}
	if req.Input == "" {
		err := apperr.New(apperr.BadRequest, "speech: input must not be empty")
		writeAppError(w, err)
		s.logAudit(r.Context(), "speech", "", "", start, err)
		return
	}
	voice := req.Voice
	if voice == "" {
		voice = s.cfg.TTS.DefaultVoice
	}

	deadline := time.Now().Add(s.cfg.TTS.RequestTimeout)
	audio, err := s.cache.Get(r.Context(), req.Model, voice, req.Input, deadline)
	s.logAudit(r.Context(), "speech", "", "", start, err)
	if err != nil {
		writeAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

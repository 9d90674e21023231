// Package api wires the HTTP surface (chat, speech, ops) onto the
// segmenter/cache/dispatcher/llmproxy components.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/nova-labs/ttsrelay/internal/apperr"
	"github.com/nova-labs/ttsrelay/internal/audit"
	"github.com/nova-labs/ttsrelay/internal/backend"
	"github.com/nova-labs/ttsrelay/internal/cache"
	"github.com/nova-labs/ttsrelay/internal/config"
	"github.com/nova-labs/ttsrelay/internal/llmproxy"
)

// Server holds every dependency the HTTP handlers need.
type Server struct {
	cfg     config.Config
	proxy   *llmproxy.Proxy
	cache   *cache.Cache
	pool    *backend.Pool
	audit   *audit.Store
	schemas *schemaSet
	log     *slog.Logger
}

// New constructs a Server and compiles the embedded request schemas.
func New(cfg config.Config, proxy *llmproxy.Proxy, c *cache.Cache, pool *backend.Pool, auditStore *audit.Store, log *slog.Logger) (*Server, error) {
	schemas, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		proxy:   proxy,
		cache:   c,
		pool:    pool,
		audit:   auditStore,
		schemas: schemas,
		log:     log.With(slog.String("component", "api")),
	}, nil
}

// Handler builds the top-level mux. Bearer auth wraps only the two
// endpoints spec.md names as protected; everything else is open.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", withRequestID(requireBearer(s.cfg.Auth.Token, s.handleChat)))
	mux.HandleFunc("/v1/audio/speech", withRequestID(requireBearer(s.cfg.Auth.Token, s.handleSpeech)))

	mux.HandleFunc("/health", withRequestID(s.handleHealth))
	mux.HandleFunc("/cache/stats", withRequestID(s.handleCacheStats))
	mux.HandleFunc("/cache/clear", withRequestID(s.handleCacheClear))
	mux.HandleFunc("/v1/models", withRequestID(s.handleModels))
	mux.HandleFunc("/v1/audio/models", withRequestID(s.handleAudioModels))
	mux.HandleFunc("/", withRequestID(s.handleRoot))

	return mux
}

func writeAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.Cancelled {
		return // connection already gone; nothing to write
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.StatusCode(kind))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"kind":    string(kind),
			"message": err.Error(),
		},
	})
}

func (s *Server) logAudit(reqCtx context.Context, kind, fingerprint, backendURL string, start time.Time, err error) {
	requestID := requestIDFrom(reqCtx)
	if err != nil {
		s.log.Warn("request failed", slog.String("request_id", requestID), slog.String("kind", kind), slog.String("error", err.Error()))
	} else {
		s.log.Debug("request completed", slog.String("request_id", requestID), slog.String("kind", kind))
	}

	if s.audit == nil {
		return
	}
	rec := audit.Record{
		Kind:        kind,
		Fingerprint: fingerprint,
		Backend:     backendURL,
		Status:      "ok",
		LatencyMS:   time.Since(start).Milliseconds(),
	}
	if err != nil {
		rec.Status = "error"
		rec.ErrorKind = string(apperr.KindOf(err))
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.audit.Append(ctx, rec)
	}()
}

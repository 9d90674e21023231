package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// handleHealth never blocks on I/O: it reads in-memory backend and cache
// state only.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()
	backends := make([]map[string]any, 0, len(stats))
	for _, b := range stats {
		backends = append(backends, map[string]any{
			"url":                  b.URL,
			"in_flight":            b.InFlight,
			"max_concurrent":       b.MaxConcurrent,
			"consecutive_failures": b.ConsecutiveFailures,
			"total_requests":       b.TotalRequests,
			"total_failures":       b.TotalFailures,
			"avg_response_time_ms": b.AvgResponseTimeMS,
		})
	}

	cacheStats := s.cache.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"backends": backends,
		"cache": map[string]any{
			"size":    cacheStats.Size,
			"pending": cacheStats.Pending,
		},
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats := s.cache.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"size":          stats.Size,
		"hits":          stats.Hits,
		"misses":        stats.Misses,
		"pending":       stats.Pending,
		"evictions_lru": stats.EvictionsLRU,
		"evictions_ttl": stats.EvictionsTTL,
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	before := s.cache.Stats().Size
	s.cache.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": before})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": s.cfg.TTS.DefaultModel, "object": "model"},
		},
	})
}

func (s *Server) handleAudioModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{
				"id":       s.cfg.TTS.DefaultModel,
				"object":   "model",
				"created":  time.Now().Unix(),
				"owned_by": "genie-tts",
			},
		},
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     s.cfg.ServiceName,
		"version":     s.cfg.Version,
		"description": s.cfg.Description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

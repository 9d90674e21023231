package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HTTPConfig controls the proxy's own listener.
type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// TelemetryConfig controls tracing/metrics export, mirroring the teacher's shape.
type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

// UpstreamConfig describes the LLM completion backend (NEWAPI_* per spec).
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// TTSBackendConfig is one (url, token) pair in the synthesis pool.
type TTSBackendConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// TTSConfig describes the synthesis backend pool and dispatch policy.
type TTSConfig struct {
	Backends       []TTSBackendConfig `yaml:"backends"`
	DefaultModel   string             `yaml:"default_model"`
	DefaultVoice   string             `yaml:"default_voice"`
	MaxConcurrent  int                `yaml:"max_concurrent_per_backend"`
	RequestTimeout time.Duration      `yaml:"request_timeout"`
	RetryCount     int                `yaml:"retry_count"`

	// ExtraParams is the opaque nested parameter block merged into every
	// synthesis request body verbatim (alongside model/voice/input/
	// response_format). The dispatcher never interprets its contents.
	ExtraParams map[string]any `yaml:"extra_params"`
}

// CacheConfig bounds the single-flight TTS cache.
type CacheConfig struct {
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"`
}

// SegmenterConfig bounds sentence length.
type SegmenterConfig struct {
	MinLen int `yaml:"min_len"`
	MaxLen int `yaml:"max_len"`
}

// AuthConfig holds the single bearer token that /v1/chat/completions and
// /v1/audio/speech require; the ops endpoints are open.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// AuditConfig controls the operational audit log (separate from the cache).
type AuditConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral|persistent
	RetentionDays int    `yaml:"retention_days"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Version     string          `yaml:"version"`
	Description string          `yaml:"description"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Upstream    UpstreamConfig  `yaml:"upstream"`
	TTS         TTSConfig       `yaml:"tts"`
	Cache       CacheConfig     `yaml:"cache"`
	Segmenter   SegmenterConfig `yaml:"segmenter"`
	Auth        AuthConfig      `yaml:"auth"`
	Audit       AuditConfig     `yaml:"audit"`
}

func Default() Config {
	return Config{
		ServiceName: "ttsrelay",
		Version:     "0.1.0-dev",
		Description: "Sentence-level TTS prefetch proxy sitting in front of a streaming chat completion endpoint",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		TTS: TTSConfig{
			DefaultModel:   "tts-1",
			DefaultVoice:   "alloy",
			MaxConcurrent:  3,
			RequestTimeout: 60 * time.Second,
			RetryCount:     2,
		},
		Cache: CacheConfig{
			MaxSize: 1000,
			TTL:     3600 * time.Second,
		},
		Segmenter: SegmenterConfig{
			MinLen: 5,
			MaxLen: 40,
		},
		Audit: AuditConfig{
			Path:          "./data/ttsrelay-audit.db",
			RetentionMode: "persistent",
			RetentionDays: 14,
		},
	}
}

// Load reads an optional YAML file, then applies environment overrides (which
// always win), then validates. A pure-env deployment with no file works too.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "TTSRELAY_SERVICE_NAME")
	overrideString(&cfg.Version, "TTSRELAY_VERSION")
	overrideString(&cfg.Description, "TTSRELAY_DESCRIPTION")
	overrideString(&cfg.Environment, "TTSRELAY_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "TTSRELAY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "TTSRELAY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "TTSRELAY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TTSRELAY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TTSRELAY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "TTSRELAY_PROMETHEUS_BIND")

	overrideString(&cfg.Upstream.BaseURL, "NEWAPI_BASE_URL")
	overrideString(&cfg.Upstream.APIKey, "NEWAPI_API_KEY")

	if urls, ok := os.LookupEnv("TTS_BACKENDS"); ok {
		cfg.TTS.Backends = parseBackendList(urls, os.Getenv("TTS_BACKEND_TOKENS"))
	}
	overrideString(&cfg.TTS.DefaultModel, "TTSRELAY_TTS_DEFAULT_MODEL")
	overrideString(&cfg.TTS.DefaultVoice, "TTSRELAY_TTS_DEFAULT_VOICE")
	overrideInt(&cfg.TTS.MaxConcurrent, "TTSRELAY_TTS_MAX_CONCURRENT")
	overrideDuration(&cfg.TTS.RequestTimeout, "TTSRELAY_TTS_REQUEST_TIMEOUT")
	overrideInt(&cfg.TTS.RetryCount, "TTSRELAY_TTS_RETRY_COUNT")

	overrideInt(&cfg.Cache.MaxSize, "TTSRELAY_CACHE_MAX_SIZE")
	overrideDuration(&cfg.Cache.TTL, "TTSRELAY_CACHE_TTL")

	overrideInt(&cfg.Segmenter.MinLen, "TTSRELAY_SEGMENTER_MIN_LEN")
	overrideInt(&cfg.Segmenter.MaxLen, "TTSRELAY_SEGMENTER_MAX_LEN")

	overrideString(&cfg.Auth.Token, "TTSRELAY_AUTH_TOKEN")

	overrideString(&cfg.Audit.Path, "TTSRELAY_AUDIT_PATH")
	overrideString(&cfg.Audit.RetentionMode, "TTSRELAY_AUDIT_RETENTION_MODE")
	overrideInt(&cfg.Audit.RetentionDays, "TTSRELAY_AUDIT_RETENTION_DAYS")
}

// parseBackendList builds the (url, token) pool per spec.md §6: either one
// URL per backend with a matching token, or a single URL with a comma-
// separated token list for rotation across one endpoint.
func parseBackendList(urlList, tokenList string) []TTSBackendConfig {
	urls := splitTrim(urlList)
	tokens := splitTrim(tokenList)

	if len(urls) == 1 && len(tokens) > 1 {
		out := make([]TTSBackendConfig, 0, len(tokens))
		for _, t := range tokens {
			out = append(out, TTSBackendConfig{URL: urls[0], Token: t})
		}
		return out
	}

	out := make([]TTSBackendConfig, 0, len(urls))
	for i, u := range urls {
		tok := ""
		if i < len(tokens) {
			tok = tokens[i]
		} else if len(tokens) == 1 {
			tok = tokens[0]
		}
		out = append(out, TTSBackendConfig{URL: u, Token: tok})
	}
	return out
}

func splitTrim(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var trimmed []string
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			trimmed = append(trimmed, v)
		}
	}
	return trimmed
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideDuration(target *time.Duration, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			*target = parsed
			return
		}
		if secs, err := strconv.Atoi(value); err == nil {
			*target = time.Duration(secs) * time.Second
		}
	}
}

func validate(cfg Config) error {
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url (NEWAPI_BASE_URL) must not be empty")
	}
	if cfg.Upstream.APIKey == "" {
		return errors.New("upstream.api_key (NEWAPI_API_KEY) must not be empty")
	}
	if len(cfg.TTS.Backends) == 0 {
		return errors.New("tts.backends (TTS_BACKENDS) must not be empty")
	}
	if cfg.TTS.MaxConcurrent <= 0 {
		return errors.New("tts.max_concurrent_per_backend must be positive")
	}
	if cfg.TTS.RequestTimeout <= 0 {
		return errors.New("tts.request_timeout must be positive")
	}
	if cfg.TTS.RetryCount < 0 {
		return errors.New("tts.retry_count must be >= 0")
	}
	if cfg.Cache.MaxSize <= 0 {
		return errors.New("cache.max_size must be positive")
	}
	if cfg.Cache.TTL <= 0 {
		return errors.New("cache.ttl must be positive")
	}
	if cfg.Segmenter.MinLen <= 0 || cfg.Segmenter.MaxLen <= cfg.Segmenter.MinLen {
		return errors.New("segmenter.max_len must be greater than segmenter.min_len, both positive")
	}
	switch cfg.Audit.RetentionMode {
	case "ephemeral", "persistent":
	default:
		return errors.New("audit.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Audit.RetentionDays < 0 {
		return errors.New("audit.retention_days must be >= 0")
	}
	return nil
}

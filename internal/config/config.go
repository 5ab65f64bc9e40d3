// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the llmrouter gateway.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Providers map[string]ProviderConfig `koanf:"providers"`
	Routing   RoutingConfig             `koanf:"routing"`
	Cache     CacheConfig               `koanf:"cache"`
	Admission AdmissionConfig           `koanf:"admission"`
	Auth      AuthConfig                `koanf:"auth"`
}

// AuthConfig maps API keys to the tenant identity the admission and
// billing layers key their state on. A real deployment would resolve this
// against an external identity service; this static table is enough to
// exercise the gateway end to end.
type AuthConfig struct {
	Keys map[string]APIKeyConfig `koanf:"keys"`
}

// APIKeyConfig is one entry in the static API-key table.
type APIKeyConfig struct {
	TenantID string `koanf:"tenant_id"`
	Tier     string `koanf:"tier"`
	Priority int    `koanf:"priority"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// ProviderConfig holds the settings for a single LLM provider. Endpoints is
// only meaningful for the ollama provider, which round-robins across a
// fleet of local instances instead of calling one hosted base URL.
type ProviderConfig struct {
	APIKey    string   `koanf:"api_key"`
	BaseURL   string   `koanf:"base_url"`
	Endpoints []string `koanf:"endpoints"`
	Models    []string `koanf:"models"`
}

// RoutingConfig tunes the adaptive router and the classifier it uses to
// assign an intent to each request.
type RoutingConfig struct {
	Classifier      string `koanf:"classifier"` // "keyword" (default) or "embedding"
	TokenizerPath   string `koanf:"tokenizer_path"`
	EmbeddingModel  string `koanf:"embedding_model_path"`
	DefaultStrategy string `koanf:"default_strategy"`
	DefaultK        int    `koanf:"default_k"`
}

// CacheConfig points at the Redis instance backing the response/session/
// health caches and lets every TTL bucket be overridden.
type CacheConfig struct {
	RedisAddr             string `koanf:"redis_addr"`
	RedisDB               int    `koanf:"redis_db"`
	DefaultSeconds        int    `koanf:"default_ttl_seconds"`
	ResponseCacheSeconds  int    `koanf:"response_ttl_seconds"`
	SessionCacheSeconds   int    `koanf:"session_ttl_seconds"`
	RateLimitSeconds      int    `koanf:"rate_limit_ttl_seconds"`
	ProviderHealthSeconds int    `koanf:"provider_health_ttl_seconds"`
	MaxCacheSizeMB        int    `koanf:"max_cache_size_mb"`
}

// AdmissionConfig points at the optional Lua policy script overriding the
// static priority-multiplier table used by the rate limiter.
type AdmissionConfig struct {
	PolicyScriptPath string `koanf:"policy_script_path"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	// This is the equivalent of require('dotenv').config() in Node.
	_ = godotenv.Load()

	// Create a new koanf instance. The "." delimiter tells koanf how to
	// separate nested keys internally (e.g., "server.port").
	k := koanf.New(".")

	// Load the YAML config file. file.Provider reads the file,
	// yaml.Parser() decodes the YAML format into koanf's internal map.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Layer environment variables on top. Any env var starting with
	// "LLMROUTER_" can override a config value. The callback transforms
	// the env var name into a koanf key path:
	//   LLMROUTER_SERVER_PORT -> server.port
	if err := k.Load(env.Provider("LLMROUTER_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "LLMROUTER_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Unmarshal the loaded key-value pairs into our Config struct.
	// The "" means start from the root. &cfg passes a pointer so koanf
	// can write into the struct (like passing by reference in Node).
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in provider API keys.
	// koanf doesn't do this automatically, so we handle it ourselves
	// using os.Getenv to look up the actual environment variable value.
	for name, p := range cfg.Providers {
		if strings.HasPrefix(p.APIKey, "${") && strings.HasSuffix(p.APIKey, "}") {
			envVar := p.APIKey[2 : len(p.APIKey)-1] // strip ${ and }
			p.APIKey = os.Getenv(envVar)
			cfg.Providers[name] = p // write back into the map
		}
	}

	return &cfg, nil
}

// Watch reloads path whenever it changes on disk and invokes onReload with
// the freshly parsed Config. Errors encountered during a reload are logged
// and otherwise ignored — the gateway keeps running on its last-known-good
// configuration rather than crashing on a bad edit.
func Watch(path string, onReload func(*Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Printf("config reload failed, keeping previous config: %v", err)
					continue
				}
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config watcher error: %v", err)
			}
		}
	}()

	return watcher, nil
}

// Package main is the entry point for the llmrouter gateway.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/howard-nolan/llmrouter/internal/admission"
	"github.com/howard-nolan/llmrouter/internal/admission/policy"
	"github.com/howard-nolan/llmrouter/internal/cache"
	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/metrics"
	"github.com/howard-nolan/llmrouter/internal/multiplexer"
	"github.com/howard-nolan/llmrouter/internal/pipeline"
	"github.com/howard-nolan/llmrouter/internal/provider"
	"github.com/howard-nolan/llmrouter/internal/router"
	"github.com/howard-nolan/llmrouter/internal/router/intent"
	"github.com/howard-nolan/llmrouter/internal/server"
)

func main() {
	configPath := "config.yaml"
	if v := os.Getenv("LLMROUTER_CONFIG_PATH"); v != "" {
		configPath = v
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	providers := buildProviders(cfg)
	if len(providers) == 0 {
		log.Fatalf("no providers configured")
	}

	metricsStore := router.NewMetricsStore()
	classifier := buildClassifier(cfg.Routing)
	rtr := router.New(metricsStore, classifier)

	coordinator := multiplexer.New(providers)

	rateLimiter := admission.NewRateLimiter()
	ledger := admission.NewLedger()

	pol := policy.New()
	if cfg.Admission.PolicyScriptPath != "" {
		script, err := os.ReadFile(cfg.Admission.PolicyScriptPath)
		if err != nil {
			log.Printf("reading admission policy script %q: %v (falling back to static multipliers)", cfg.Admission.PolicyScriptPath, err)
		} else if err := pol.Load(string(script)); err != nil {
			log.Printf("loading admission policy script: %v (falling back to static multipliers)", err)
		}
	}
	rateLimiter.SetPolicy(pol)

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Cache.RedisAddr,
		DB:   cfg.Cache.RedisDB,
	})
	respCache := cache.New(rdb, ttlsFromConfig(cfg.Cache))

	promRegistry := prometheus.NewRegistry()
	metricsRegistry := metrics.NewRegistry(promRegistry)

	pl := pipeline.New(providers, rtr, coordinator, rateLimiter, ledger, respCache, metricsRegistry)

	srv := server.New(cfg, providers, pl, ledger, rateLimiter, promRegistry)

	// Hot-reload the one part of config that can change without a restart:
	// the admission policy script. Everything else (API-key table, provider
	// adapters, Redis connection, routing classifier) keeps running against
	// what it was constructed with — swapping those live
	// would mean tearing down in-flight connections, which Watch's
	// fire-and-forget callback has no way to sequence safely.
	watcher, err := config.Watch(configPath, func(newCfg *config.Config) {
		log.Printf("config changed on disk, reloading admission policy")
		if newCfg.Admission.PolicyScriptPath != "" {
			script, err := os.ReadFile(newCfg.Admission.PolicyScriptPath)
			if err != nil {
				log.Printf("reloading admission policy script: %v", err)
				return
			}
			if err := pol.Load(string(script)); err != nil {
				log.Printf("reloading admission policy script: %v", err)
			}
		}
	})
	if err != nil {
		log.Printf("config hot-reload disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("llmrouter listening on :%d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// providerFactory constructs a provider.Provider from its config section.
type providerFactory func(name string, pc config.ProviderConfig) provider.Provider

var providerFactories = map[string]providerFactory{
	"openai": func(name string, pc config.ProviderConfig) provider.Provider {
		return provider.NewOpenAIProvider("openai", pc.APIKey, pc.BaseURL, http.DefaultClient, pc.Models)
	},
	"azure": func(name string, pc config.ProviderConfig) provider.Provider {
		return provider.NewOpenAIProvider("azure", pc.APIKey, pc.BaseURL, http.DefaultClient, pc.Models)
	},
	"xai": func(name string, pc config.ProviderConfig) provider.Provider {
		return provider.NewOpenAIProvider("xai", pc.APIKey, pc.BaseURL, http.DefaultClient, pc.Models)
	},
	"google": func(name string, pc config.ProviderConfig) provider.Provider {
		return provider.NewGoogleProvider(pc.APIKey, pc.BaseURL, http.DefaultClient, pc.Models)
	},
	"anthropic": func(name string, pc config.ProviderConfig) provider.Provider {
		return provider.NewAnthropicProvider(pc.APIKey, pc.BaseURL, http.DefaultClient, pc.Models)
	},
	"ollama": func(name string, pc config.ProviderConfig) provider.Provider {
		return provider.NewOllamaProvider(pc.Endpoints, http.DefaultClient, pc.Models)
	},
}

// buildProviders constructs one adapter per configured provider section,
// keyed by provider id (not by model — the router and multiplexer both
// dispatch at provider granularity).
func buildProviders(cfg *config.Config) map[string]provider.Provider {
	providers := make(map[string]provider.Provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		factory, ok := providerFactories[name]
		if !ok {
			log.Printf("unknown provider in config: %q, skipping", name)
			continue
		}
		providers[name] = factory(name, pc)
		log.Printf("registered provider %q serving models %v", name, pc.Models)
	}
	return providers
}

// buildClassifier picks the intent classifier per cfg.Routing.Classifier.
// "embedding" requires a tokenizer and ONNX model on disk; any failure to
// load it falls back to the zero-dependency keyword classifier rather than
// failing startup, since intent classification only shifts routing scores
// and is never required for correctness.
func buildClassifier(cfg config.RoutingConfig) intent.Classifier {
	if cfg.Classifier != "embedding" {
		return intent.NewKeywordClassifier()
	}
	if cfg.TokenizerPath == "" || cfg.EmbeddingModel == "" {
		log.Printf("routing.classifier=embedding requires tokenizer_path and embedding_model_path, falling back to keyword classifier")
		return intent.NewKeywordClassifier()
	}
	classifier, err := intent.NewEmbeddingClassifier(cfg.TokenizerPath, cfg.EmbeddingModel, 64)
	if err != nil {
		log.Printf("loading embedding classifier: %v, falling back to keyword classifier", err)
		return intent.NewKeywordClassifier()
	}
	return classifier
}

// ttlsFromConfig maps the config's cache section onto cache.TTLs, falling
// back to cache.DefaultTTLs for any bucket left at zero.
func ttlsFromConfig(cfg config.CacheConfig) cache.TTLs {
	ttls := cache.DefaultTTLs
	if cfg.DefaultSeconds > 0 {
		ttls.DefaultSeconds = cfg.DefaultSeconds
	}
	if cfg.ResponseCacheSeconds > 0 {
		ttls.ResponseCacheSeconds = cfg.ResponseCacheSeconds
	}
	if cfg.SessionCacheSeconds > 0 {
		ttls.SessionCacheSeconds = cfg.SessionCacheSeconds
	}
	if cfg.RateLimitSeconds > 0 {
		ttls.RateLimitSeconds = cfg.RateLimitSeconds
	}
	if cfg.ProviderHealthSeconds > 0 {
		ttls.ProviderHealthSeconds = cfg.ProviderHealthSeconds
	}
	if cfg.MaxCacheSizeMB > 0 {
		ttls.MaxCacheSizeMB = cfg.MaxCacheSizeMB
	}
	return ttls
}

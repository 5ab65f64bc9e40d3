package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/admission"
	"github.com/howard-nolan/llmrouter/internal/cache"
	"github.com/howard-nolan/llmrouter/internal/multiplexer"
	"github.com/howard-nolan/llmrouter/internal/provider"
	"github.com/howard-nolan/llmrouter/internal/router"
	"github.com/howard-nolan/llmrouter/internal/router/intent"
	"github.com/howard-nolan/llmrouter/internal/types"
)

// stubProvider is a fixed-response Provider used to exercise the pipeline
// without any network dependency.
type stubProvider struct {
	name  string
	reply string
	delay time.Duration
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return &provider.ChatResponse{ID: "resp-1", Model: req.Model, Content: s.reply, Usage: provider.Usage{TotalTokens: 10}}, nil
}

func (s *stubProvider) ChatCompletionStream(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	ch := make(chan provider.StreamChunk, 2)
	go func() {
		defer close(ch)
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return
			}
		}
		ch <- provider.StreamChunk{ID: "resp-1", Model: req.Model, Delta: s.reply}
		ch <- provider.StreamChunk{ID: "resp-1", Model: req.Model, Done: true, Usage: &provider.Usage{PromptTokens: 3, CompletionTokens: 7, TotalTokens: 10}}
	}()
	return ch, nil
}

func (s *stubProvider) Health(ctx context.Context) error           { return nil }
func (s *stubProvider) ListModels(ctx context.Context) ([]string, error) { return []string{s.name}, nil }

func newTestPipeline(t *testing.T, providers map[string]provider.Provider) *Pipeline {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.New(rdb, cache.DefaultTTLs)

	ms := router.NewMetricsStore()
	r := router.New(ms, intent.NewKeywordClassifier())
	coord := multiplexer.New(providers)
	rl := admission.NewRateLimiter()
	ledger := admission.NewLedger()

	return New(providers, r, coord, rl, ledger, c, nil)
}

func TestExecuteSyncSingleProvider(t *testing.T) {
	providers := map[string]provider.Provider{
		"openai": &stubProvider{name: "openai", reply: "hello there"},
	}
	p := newTestPipeline(t, providers)

	req := &types.Request{
		Model:    "openai",
		Messages: []types.Message{{Role: "user", Content: "hi"}},
		Omen:     &types.OmenConfig{Strategy: "single"},
	}
	rc := &types.RequestContext{RequestID: "req-1", TenantID: "tenant-1", BillingTier: "free"}

	resp, err := p.ExecuteSync(context.Background(), req, rc)
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Choices[0].Message.Content)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestExecuteSyncCacheHit(t *testing.T) {
	providers := map[string]provider.Provider{
		"openai": &stubProvider{name: "openai", reply: "first answer"},
	}
	p := newTestPipeline(t, providers)

	req := &types.Request{
		Model:    "openai",
		Messages: []types.Message{{Role: "user", Content: "what is go"}},
		Omen:     &types.OmenConfig{Strategy: "single"},
	}
	rc := &types.RequestContext{RequestID: "req-1", TenantID: "tenant-1", BillingTier: "free"}

	first, err := p.ExecuteSync(context.Background(), req, rc)
	require.NoError(t, err)
	assert.Equal(t, "first answer", first.Choices[0].Message.Content)

	second, err := p.ExecuteSync(context.Background(), req, rc)
	require.NoError(t, err)
	assert.Equal(t, "first answer", second.Choices[0].Message.Content)
}

func TestExecuteSyncRaceBetweenTwoProviders(t *testing.T) {
	providers := map[string]provider.Provider{
		"openai":    &stubProvider{name: "openai", reply: "slow answer", delay: 50 * time.Millisecond},
		"anthropic": &stubProvider{name: "anthropic", reply: "fast answer"},
	}
	p := newTestPipeline(t, providers)

	req := &types.Request{
		Model:    "auto",
		Stream:   true,
		Messages: []types.Message{{Role: "user", Content: "race this"}},
		Omen:     &types.OmenConfig{Strategy: "race", Providers: []string{"openai", "anthropic"}, K: 2},
	}
	rc := &types.RequestContext{RequestID: "req-2", TenantID: "tenant-2", BillingTier: "free"}

	// ExecuteSync just drains whatever Execute returns; a racing stream
	// (stream: true) still collapses to one Response here.
	resp, err := p.ExecuteSync(context.Background(), req, rc)
	require.NoError(t, err)
	assert.Equal(t, "fast answer", resp.Choices[0].Message.Content)
	assert.Equal(t, "anthropic", resp.ProviderUsed)
}

func TestExecuteSyncNonStreamingCallsTopCandidateDirectlyWithoutRacing(t *testing.T) {
	providers := map[string]provider.Provider{
		"openai":    &stubProvider{name: "openai", reply: "slow answer", delay: 50 * time.Millisecond},
		"anthropic": &stubProvider{name: "anthropic", reply: "fast answer"},
	}
	p := newTestPipeline(t, providers)

	req := &types.Request{
		Model:    "auto",
		Messages: []types.Message{{Role: "user", Content: "race this"}},
		Omen:     &types.OmenConfig{Strategy: "race", Providers: []string{"openai", "anthropic"}, K: 2},
	}
	rc := &types.RequestContext{RequestID: "req-3", TenantID: "tenant-3", BillingTier: "free"}

	// req.Stream is false here: even though the omen asks for a race, the
	// non-streaming path must issue exactly one direct call to the top
	// candidate rather than racing both providers.
	resp, err := p.ExecuteSync(context.Background(), req, rc)
	require.NoError(t, err)
	assert.Contains(t, []string{"slow answer", "fast answer"}, resp.Choices[0].Message.Content)
	assert.Contains(t, []string{"openai", "anthropic"}, resp.ProviderUsed)
}

func TestAdmissionDeniesOverRateLimit(t *testing.T) {
	providers := map[string]provider.Provider{
		"openai": &stubProvider{name: "openai", reply: "ok"},
	}
	p := newTestPipeline(t, providers)

	req := &types.Request{
		Model:    "openai",
		Messages: []types.Message{{Role: "user", Content: "hi"}},
		Omen:     &types.OmenConfig{Strategy: "single"},
	}

	var lastErr error
	for i := 0; i < 30; i++ {
		rc := &types.RequestContext{RequestID: "req", TenantID: "tenant-burst", BillingTier: "free"}
		_, lastErr = p.ExecuteSync(context.Background(), req, rc)
		if lastErr != nil {
			break
		}
	}
	assert.Error(t, lastErr)
}

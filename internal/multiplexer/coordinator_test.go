package multiplexer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/provider"
	"github.com/howard-nolan/llmrouter/internal/types"
)

// fakeProvider streams a fixed sequence of deltas, each after its own delay,
// terminating in Done (or Error, if failErr is set).
type fakeProvider struct {
	name    string
	deltas  []string
	delay   time.Duration
	failErr error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return &provider.ChatResponse{ID: "resp", Model: req.Model, Content: "unused"}, nil
}

func (f *fakeProvider) ChatCompletionStream(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	ch := make(chan provider.StreamChunk, len(f.deltas)+1)
	go func() {
		defer close(ch)
		for _, d := range f.deltas {
			if f.delay > 0 {
				select {
				case <-time.After(f.delay):
				case <-ctx.Done():
					return
				}
			}
			ch <- provider.StreamChunk{ID: "resp", Model: req.Model, Delta: d}
		}
		if f.failErr != nil {
			ch <- provider.StreamChunk{Error: f.failErr}
			return
		}
		ch <- provider.StreamChunk{ID: "resp", Model: req.Model, Done: true, Usage: &provider.Usage{TotalTokens: 10}}
	}()
	return ch, nil
}

func (f *fakeProvider) Health(ctx context.Context) error                   { return nil }
func (f *fakeProvider) ListModels(ctx context.Context) ([]string, error) { return []string{f.name}, nil }

func drain(t *testing.T, ch <-chan types.StreamEvent, timeout time.Duration) []types.StreamEvent {
	t.Helper()
	var events []types.StreamEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out draining coordinator output")
			return nil
		}
	}
}

func TestCoordinatorSingleForwardsEveryEvent(t *testing.T) {
	providers := map[string]provider.Provider{
		"openai": &fakeProvider{name: "openai", deltas: []string{"hello world"}},
	}
	c := New(providers)
	req := &types.Request{Model: "openai", Messages: []types.Message{{Role: "user", Content: "hi"}}}

	out, err := c.Run(context.Background(), req, []string{"openai"}, Strategy{Kind: StrategySingle}, Ceilings{})
	require.NoError(t, err)

	events := drain(t, out, time.Second)
	require.Len(t, events, 2)
	assert.Equal(t, types.StreamEventToken, events[0].Type)
	assert.Equal(t, types.StreamEventDone, events[1].Type)
}

func TestCoordinatorSingleUnknownProviderErrors(t *testing.T) {
	c := New(map[string]provider.Provider{})
	req := &types.Request{Model: "ghost"}

	out, err := c.Run(context.Background(), req, []string{"ghost"}, Strategy{Kind: StrategySingle}, Ceilings{})
	require.NoError(t, err)

	events := drain(t, out, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, types.StreamEventError, events[0].Type)
}

func TestCoordinatorRaceElectsFastestUsefulProvider(t *testing.T) {
	providers := map[string]provider.Provider{
		"slow": &fakeProvider{name: "slow", deltas: []string{"this is a long useful chunk of text"}, delay: 50 * time.Millisecond},
		"fast": &fakeProvider{name: "fast", deltas: []string{"this is also a long useful chunk"}, delay: 5 * time.Millisecond},
	}
	c := New(providers)
	req := &types.Request{Model: "auto"}

	out, err := c.Run(context.Background(), req, []string{"slow", "fast"}, Strategy{Kind: StrategyRace, K: 2}, Ceilings{})
	require.NoError(t, err)

	events := drain(t, out, time.Second)
	require.NotEmpty(t, events)
	assert.Equal(t, "fast", events[0].ProviderID, "the faster provider's useful token should win the race")

	for _, ev := range events {
		assert.Equal(t, "fast", ev.ProviderID, "only the winner's events should ever be forwarded")
	}
}

func TestCoordinatorRaceFallsBackToDoneWhenNoTokenIsUseful(t *testing.T) {
	providers := map[string]provider.Provider{
		"only": &fakeProvider{name: "only", deltas: []string{"hi"}},
	}
	c := New(providers)
	req := &types.Request{Model: "only"}

	out, err := c.Run(context.Background(), req, []string{"only"}, Strategy{Kind: StrategyRace, K: 1}, Ceilings{MinUsefulTokens: 1000})
	require.NoError(t, err)

	events := drain(t, out, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, types.StreamEventDone, events[0].Type, "a response too short to ever cross the useful-token threshold should still resolve on Done")
}

func TestCoordinatorRaceDeadlineExceeded(t *testing.T) {
	providers := map[string]provider.Provider{
		"slow": &fakeProvider{name: "slow", deltas: []string{"will never arrive in time, this is a long chunk"}, delay: 200 * time.Millisecond},
	}
	c := New(providers)
	req := &types.Request{Model: "slow"}

	out, err := c.Run(context.Background(), req, []string{"slow"}, Strategy{Kind: StrategyRace, K: 1}, Ceilings{MaxLatency: 20 * time.Millisecond})
	require.NoError(t, err)

	events := drain(t, out, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, types.StreamEventError, events[0].Type)
}

func TestCoordinatorSpeculateKUpgradesOnCodeFence(t *testing.T) {
	providers := map[string]provider.Provider{
		"primary":     &fakeProvider{name: "primary", deltas: []string{"thinking", "still thinking", "still thinking more"}, delay: 30 * time.Millisecond},
		"speculative": &fakeProvider{name: "speculative", deltas: []string{"```go\nfunc main() {}\n```"}, delay: 5 * time.Millisecond},
	}
	c := New(providers)
	req := &types.Request{Model: "auto"}
	strategy := Strategy{Kind: StrategySpeculateK, K: 2, Delay: 10 * time.Millisecond}

	out, err := c.Run(context.Background(), req, []string{"primary", "speculative"}, strategy, Ceilings{})
	require.NoError(t, err)

	events := drain(t, out, time.Second)
	upgrades := 0
	for _, ev := range events {
		if ev.Type == types.StreamEventUpgrade {
			upgrades++
			assert.Equal(t, "primary", ev.FromProvider)
			assert.Equal(t, "speculative", ev.ToProvider)
		}
	}
	assert.Equal(t, 1, upgrades, "a code-fence token from the speculative candidate should trigger exactly one upgrade")
}

func TestCoordinatorSingleCancelsOnBudgetBreach(t *testing.T) {
	providers := map[string]provider.Provider{
		"openai": &fakeProvider{name: "openai", deltas: []string{"this is a long enough chunk of output text to cost real money"}},
	}
	c := New(providers)
	req := &types.Request{Model: "openai"}

	// openai costs $0.03/1k tokens; about sixty characters of streamed
	// output estimates to well over this tiny ceiling.
	out, err := c.Run(context.Background(), req, []string{"openai"}, Strategy{Kind: StrategySingle}, Ceilings{BudgetUSD: 0.0000001})
	require.NoError(t, err)

	events := drain(t, out, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, types.StreamEventError, events[0].Type)
	require.Error(t, events[0].Err)
}

func TestCoordinatorRaceCancelsOnBudgetBreach(t *testing.T) {
	providers := map[string]provider.Provider{
		"openai":    &fakeProvider{name: "openai", deltas: []string{"a reasonably long streamed chunk of text output"}},
		"anthropic": &fakeProvider{name: "anthropic", deltas: []string{"another reasonably long streamed chunk of text"}, delay: 5 * time.Millisecond},
	}
	c := New(providers)
	req := &types.Request{Model: "auto"}

	out, err := c.Run(context.Background(), req, []string{"openai", "anthropic"}, Strategy{Kind: StrategyRace, K: 2}, Ceilings{BudgetUSD: 0.0000001})
	require.NoError(t, err)

	events := drain(t, out, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, types.StreamEventError, events[0].Type)
}

func TestCoordinatorZeroBudgetMeansNoCeilingConfigured(t *testing.T) {
	// Ceilings.BudgetUSD's zero value means "unset", matching the existing
	// zero-means-default convention MaxLatency and MinUsefulTokens already
	// use on this struct -- a Ceilings{} call must keep behaving exactly
	// like one with no budget ceiling at all.
	providers := map[string]provider.Provider{
		"openai": &fakeProvider{name: "openai", deltas: []string{"hello world"}},
	}
	c := New(providers)
	req := &types.Request{Model: "openai"}

	out, err := c.Run(context.Background(), req, []string{"openai"}, Strategy{Kind: StrategySingle}, Ceilings{BudgetUSD: 0})
	require.NoError(t, err)

	events := drain(t, out, time.Second)
	require.Len(t, events, 2)
	assert.Equal(t, types.StreamEventToken, events[0].Type)
	assert.Equal(t, types.StreamEventDone, events[1].Type)
}

func TestCoordinatorEmptyCandidatesErrors(t *testing.T) {
	c := New(map[string]provider.Provider{})
	_, err := c.Run(context.Background(), &types.Request{}, nil, DefaultStrategy, Ceilings{})
	assert.Error(t, err)
}

func TestIsUsefulToken(t *testing.T) {
	assert.False(t, isUsefulToken("  ", 5))
	assert.False(t, isUsefulToken("hi", 5))
	assert.True(t, isUsefulToken("hello there", 5))
	assert.True(t, isUsefulToken("a\nb", 5))
	assert.True(t, isUsefulToken("```", 5))
}

func TestShouldUpgrade(t *testing.T) {
	assert.True(t, shouldUpgrade("```python"))
	assert.True(t, shouldUpgrade("calling function_call now"))
	assert.False(t, shouldUpgrade("just plain text"))
}

package provider

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/dnaeon/go-vcr.v4/cassette"
	"gopkg.in/dnaeon/go-vcr.v4/recorder"
)

// newReplayClient loads a pre-recorded cassette and returns an http.Client
// that replays it instead of hitting the network. Every provider adapter
// test in this package runs against a cassette rather than a live API key.
func newReplayClient(t *testing.T, cassetteName string) *http.Client {
	t.Helper()
	rec, err := recorder.New("testdata/cassettes/" + cassetteName)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, rec.Stop()) })

	rec.SetMatcher(func(r *http.Request, i cassette.Request) bool {
		return r.Method == i.Method && r.URL.String() == i.URL
	})

	return &http.Client{Transport: rec}
}

func TestOpenAIProviderChatCompletionReplaysCassette(t *testing.T) {
	client := newReplayClient(t, "openai_chat_completion")
	p := NewOpenAIProvider("openai", "test-key", "https://api.openai.com/v1", client, []string{"gpt-4o-mini"})

	resp, err := p.ChatCompletion(context.Background(), &ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: "user", Content: "say hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello from the cassette", resp.Content)
	assert.Equal(t, 9, resp.Usage.TotalTokens)
}

func TestOpenAIProviderChatCompletionStreamReplaysCassette(t *testing.T) {
	client := newReplayClient(t, "openai_chat_stream")
	p := NewOpenAIProvider("openai", "test-key", "https://api.openai.com/v1", client, []string{"gpt-4o-mini"})

	chunks, err := p.ChatCompletionStream(context.Background(), &ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: "user", Content: "say hi"}},
	})
	require.NoError(t, err)

	var deltas []string
	var usage *Usage
	for c := range chunks {
		require.NoError(t, c.Error)
		if c.Delta != "" {
			deltas = append(deltas, c.Delta)
		}
		if c.Done {
			usage = c.Usage
		}
	}

	assert.Equal(t, []string{"hello", " there"}, deltas)
	require.NotNil(t, usage)
	assert.Equal(t, 7, usage.TotalTokens)
}

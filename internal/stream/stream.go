// Package stream handles SSE writing for the gateway's OpenAI-compatible
// surface. WriteEvents (events.go) is the only writer exercised in
// production — every streamed response, live from the coordinator or
// replayed from the response cache, is framed as types.StreamEvent. The wire
// types below are shared by that writer.
package stream

// sseDelta holds the incremental content in each chunk.
// On non-final chunks, Content has the text fragment.
// On the final chunk, Content is typically empty.
type sseDelta struct {
	// Content is omitempty so that the final chunk sends {"delta":{}}
	// instead of {"delta":{"content":""}} — matching OpenAI's format.
	Content string `json:"content,omitempty"`
}

// sseUsage mirrors types.Usage for the JSON response.
type sseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

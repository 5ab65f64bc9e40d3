package intent

import (
	"sync"

	"github.com/chewxy/math32"
	"github.com/daulet/tokenizers"
	"github.com/viterin/vek/vek32"
	"github.com/yalue/onnxruntime_go"

	"github.com/howard-nolan/llmrouter/internal/types"
)

// EmbeddingClassifier is a second Classifier implementation: it tokenizes
// the last user message, runs a small sentence-embedding ONNX model, and
// cosine-scores the resulting vector against a fixed set of per-intent
// prototype embeddings. It is only constructed when an operator points
// config at a real tokenizer/model pair; the zero-dependency
// KeywordClassifier remains the default.
type EmbeddingClassifier struct {
	mu         sync.Mutex
	tokenizer  *tokenizers.Tokenizer
	session    *onnxruntime_go.AdvancedSession
	inputTensor  *onnxruntime_go.Tensor[int64]
	outputTensor *onnxruntime_go.Tensor[float32]
	prototypes map[string][]float32
}

// NewEmbeddingClassifier loads the WordPiece tokenizer at tokenizerPath and
// the ONNX embedding model at modelPath, then derives one prototype
// embedding per intent from a handful of seed phrases. It returns an error
// if the runtime, tokenizer, or model fail to load.
func NewEmbeddingClassifier(tokenizerPath, modelPath string, maxSeqLen int64) (*EmbeddingClassifier, error) {
	tk, err := tokenizers.FromFile(tokenizerPath)
	if err != nil {
		return nil, err
	}

	inputTensor, err := onnxruntime_go.NewEmptyTensor[int64](onnxruntime_go.NewShape(1, maxSeqLen))
	if err != nil {
		tk.Close()
		return nil, err
	}
	outputTensor, err := onnxruntime_go.NewEmptyTensor[float32](onnxruntime_go.NewShape(1, embeddingDim))
	if err != nil {
		tk.Close()
		return nil, err
	}

	session, err := onnxruntime_go.NewAdvancedSession(modelPath,
		[]string{"input_ids"}, []string{"sentence_embedding"},
		[]onnxruntime_go.ArbitraryTensor{inputTensor}, []onnxruntime_go.ArbitraryTensor{outputTensor}, nil)
	if err != nil {
		tk.Close()
		return nil, err
	}

	c := &EmbeddingClassifier{
		tokenizer:    tk,
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}
	c.prototypes = c.buildPrototypes()
	return c, nil
}

// embeddingDim is the sentence-embedding model's fixed output width.
const embeddingDim = 384

var seedPhrases = map[string][]string{
	"code":        {"write a function that parses this file", "implement a binary search tree", "fix this bug in the parser"},
	"tests":       {"write unit tests for this module", "add a test case covering the edge case", "generate a test suite"},
	"regex":       {"write a regular expression that matches emails", "build a regex pattern for phone numbers"},
	"analysis":    {"analyze the trade-offs of this approach", "compare these two algorithms", "evaluate this design"},
	"explanation": {"explain how this algorithm works", "what is a hash table", "describe the difference between threads and processes"},
}

func (c *EmbeddingClassifier) buildPrototypes() map[string][]float32 {
	out := make(map[string][]float32, len(seedPhrases))
	for label, phrases := range seedPhrases {
		var sum []float32
		for _, p := range phrases {
			vec, err := c.embed(p)
			if err != nil {
				continue
			}
			if sum == nil {
				sum = make([]float32, len(vec))
			}
			vek32.Add(sum, vec)
		}
		if sum != nil {
			vek32.DivNumber(sum, float32(len(phrases)))
			out[label] = sum
		}
	}
	return out
}

// embed tokenizes text and runs the ONNX session, returning the raw
// sentence-embedding vector. Callers must hold c.mu.
func (c *EmbeddingClassifier) embed(text string) ([]float32, error) {
	ids, _ := c.tokenizer.Encode(text, false)
	data := c.inputTensor.GetData()
	for i := range data {
		if i < len(ids) {
			data[i] = int64(ids[i])
		} else {
			data[i] = 0
		}
	}
	if err := c.session.Run(); err != nil {
		return nil, err
	}
	out := c.outputTensor.GetData()
	vec := make([]float32, len(out))
	copy(vec, out)
	return vec, nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	dot := vek32.Dot(a, b)
	normA := math32.Sqrt(vek32.Dot(a, a))
	normB := math32.Sqrt(vek32.Dot(b, b))
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (normA * normB)
}

// Classify embeds the request's last user message and returns the intent
// whose prototype is most cosine-similar to it, falling back to "general"
// when nothing scores above a minimal similarity floor.
func (c *EmbeddingClassifier) Classify(req *types.Request) string {
	text := lastUserText(req)
	if text == "" {
		return "general"
	}

	c.mu.Lock()
	vec, err := c.embed(text)
	c.mu.Unlock()
	if err != nil {
		return "general"
	}

	const minSimilarity = 0.35
	best, bestScore := "general", minSimilarity
	for label, proto := range c.prototypes {
		score := cosineSimilarity(vec, proto)
		if score > bestScore {
			best, bestScore = label, score
		}
	}
	return best
}

// Close releases the tokenizer and ONNX runtime session.
func (c *EmbeddingClassifier) Close() {
	c.session.Destroy()
	c.tokenizer.Close()
}

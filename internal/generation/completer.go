// Package generation adapts LLM providers to the pipeline's generation
// operations. Every call runs through a resilience.Invoker so the API key
// pool is rotated on quota errors.
package generation

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyResponse is returned when the model produced no usable text.
var ErrEmptyResponse = errors.New("empty model response")

// Prompt is a single-turn request.
type Prompt struct {
	System string
	User   string
	// JSON asks the provider for a JSON response where supported.
	JSON bool
}

// Completer sends one prompt to a provider using apiKey.
type Completer interface {
	Complete(ctx context.Context, apiKey string, p Prompt) (string, error)
}

// KeyPruner is implemented by completers that cache per-key state. Prune
// releases the state of keys no longer in keep.
type KeyPruner interface {
	Prune(keep []string) int
}

// NewCompleter returns the Completer for provider ("gemini", "openai" or
// "ollama").
func NewCompleter(provider, model, baseURL string) (Completer, error) {
	switch provider {
	case "", "gemini":
		return NewGeminiCompleter(model, baseURL), nil
	case "openai":
		return NewOpenAICompleter(model, baseURL), nil
	case "ollama":
		return NewOllamaCompleter(model, baseURL), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}

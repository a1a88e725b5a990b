package generator

import "context"

// LLMClient abstracts the model backend so it can be swapped or mocked.
type LLMClient interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
	// Stream delivers the completion in order as it is produced. An error
	// returned by emit stops the stream and is returned unchanged.
	Stream(ctx context.Context, prompt Prompt, emit func(delta string) error) error
}

// LLMSettings is the provider configuration handed to concrete clients.
type LLMSettings struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

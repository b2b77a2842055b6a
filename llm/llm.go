// Package llm abstracts the AI vision providers used for food recognition.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Client abstracts a vision-capable provider. Implementations must be
// concurrency-safe if used across goroutines.
type Client interface {
	// JSONTextImage sends the prompt and a base64-encoded image to the given
	// model and returns the inner JSON object embedded in the vendor's
	// response envelope. The schema constrains the structured output where
	// the vendor supports it. A single call maps to a single HTTP request;
	// retry policy belongs to the caller.
	JSONTextImage(ctx context.Context, model, prompt, mimeType, base64Image string, schema map[string]any) (json.RawMessage, error)
	// SourceName returns a short provider label (e.g., "ChatGPT", "Gemini").
	SourceName() string
}

// ErrorKind classifies a provider invocation failure.
type ErrorKind int

const (
	// KindTransport covers network errors and timeouts.
	KindTransport ErrorKind = iota
	// KindHTTPStatus covers non-2xx vendor responses.
	KindHTTPStatus
	// KindBadEnvelope covers top-level responses that are not JSON or are
	// missing the expected envelope fields.
	KindBadEnvelope
	// KindBadContent covers envelope content that is not itself valid JSON.
	KindBadContent
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHTTPStatus:
		return "http_status"
	case KindBadEnvelope:
		return "bad_envelope"
	case KindBadContent:
		return "bad_content"
	default:
		return "unknown"
	}
}

// ProviderError is a typed failure from a single provider invocation.
type ProviderError struct {
	Provider string
	Model    string
	Kind     ErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Provider, e.Model, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewError wraps err as a ProviderError.
func NewError(provider, model string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Model: model, Kind: kind, Err: err}
}

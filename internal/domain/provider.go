package domain

import "context"

// GenerationRequest is sent to the generation backend.
type GenerationRequest struct {
	Messages    []Message
	Temperature float64
	// Stream selects incremental delivery. When false the backend answers
	// with a single content delta.
	Stream bool
	// ShowStats asks the backend to report token usage.
	ShowStats bool
}

// Generator is the interface for the language-model backend.
type Generator interface {
	// Generate starts a generation. A non-nil error means nothing was
	// produced; otherwise the returned channel yields events in arrival order
	// and is closed after a terminal event or when ctx is cancelled.
	Generate(ctx context.Context, req GenerationRequest) (<-chan StreamEvent, error)
	// Name returns the backend identifier (e.g. "deepseek").
	Name() string
}

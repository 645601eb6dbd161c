// Package llm wraps the completion engine behind small interfaces: full
// completions, incremental fragment streams, and text embeddings. The rest
// of the application depends only on these interfaces; the OpenAI-backed
// implementation lives in openai.go.
package llm

import "context"

// Message is one prompt message with a chat role.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Chat role constants mirrored from the wire protocol of the engine.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Stream is a lazy, finite, non-restartable sequence of text fragments.
// Recv returns io.EOF after the final fragment; Close releases the
// underlying connection and is safe to call at any point (including
// mid-stream on cancellation).
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Client is the completion engine contract.
type Client interface {
	// Complete runs a non-streaming completion and returns the full text.
	Complete(ctx context.Context, msgs []Message, temperature float32) (string, error)

	// CompleteStream starts a streaming completion. The returned Stream must
	// be drained or closed by the caller.
	CompleteStream(ctx context.Context, msgs []Message, temperature float32) (Stream, error)
}

// Embedder produces a vector representation of a text for semantic search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

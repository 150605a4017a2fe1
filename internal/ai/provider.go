package ai

import "context"

// Message is one turn in provider wire format. Role is "user", "assistant"
// or "system" depending on what the backend accepts.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// StreamProvider is an optional interface. Providers may implement streaming
// chat; both channels are closed when the stream ends and at most one error
// is sent.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

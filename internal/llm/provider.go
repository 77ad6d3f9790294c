package llm

import (
	"context"
	"encoding/json"

	"agentd/internal/message"
)

const (
	EventToken    = "token"
	EventToolCall = "tool_call"
	EventDone     = "done"
)

type Request struct {
	Model       string
	Messages    []message.Message
	Tools       map[string]json.RawMessage
	Temperature float64
	MaxTokens   int
}

// Event is one item of a model turn. Token events carry a text delta,
// tool_call events a fully accumulated call, and done closes the turn.
type Event struct {
	Type         string
	Token        string
	ToolCall     message.ToolCall
	FinishReason string
}

// Stream yields turn events in order. Recv returns io.EOF after the done
// event has been delivered.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

type Provider interface {
	StreamTurn(ctx context.Context, req Request) (Stream, error)
}

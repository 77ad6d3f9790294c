package llm

import (
	"context"
	"io"
	"strings"

	"agentd/internal/message"
)

// EchoProvider repeats the latest user message back as a token stream. It is
// the fallback when no model endpoint is configured, which keeps the daemon
// usable end to end without network access.
type EchoProvider struct{}

func NewEchoProvider() *EchoProvider {
	return &EchoProvider{}
}

func (p *EchoProvider) StreamTurn(_ context.Context, req Request) (Stream, error) {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == message.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	text := strings.TrimSpace(last)
	if text == "" {
		text = "(empty message)"
	}
	var events []Event
	for _, word := range strings.SplitAfter("echo: "+text, " ") {
		if word == "" {
			continue
		}
		events = append(events, Event{Type: EventToken, Token: word})
	}
	events = append(events, Event{Type: EventDone, FinishReason: "stop"})
	return &sliceStream{events: events}, nil
}

type sliceStream struct {
	events []Event
}

func (s *sliceStream) Recv() (Event, error) {
	if len(s.events) == 0 {
		return Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *sliceStream) Close() error {
	s.events = nil
	return nil
}

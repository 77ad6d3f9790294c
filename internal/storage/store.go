package storage

import "context"

type Store interface {
	SaveConversation(ctx context.Context, conversationID string, data []byte) error
	LoadConversation(ctx context.Context, conversationID string) ([]byte, error)
	ListConversationIDs(ctx context.Context, limit int) ([]string, error)
	// MarkCall records a tool call id with its terminal disposition and
	// reports whether the id was fresh. A second mark for the same id
	// returns false so a request can never be consumed twice.
	MarkCall(ctx context.Context, callID string, disposition string) (bool, error)
	Close() error
}

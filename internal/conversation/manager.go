package conversation

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentd/internal/message"
	"agentd/internal/storage"
)

// Conversation is the durable transcript shared by one chat client.
type Conversation struct {
	ID        string            `json:"id"`
	Messages  []message.Message `json:"messages"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type Manager struct {
	store storage.Store
}

func NewManager(store storage.Store) *Manager {
	return &Manager{store: store}
}

func (m *Manager) Create(ctx context.Context) (Conversation, error) {
	now := time.Now().UTC()
	c := Conversation{
		ID:        buildID("conv", now.String()),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.save(ctx, c); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (m *Manager) Get(ctx context.Context, conversationID string) (Conversation, error) {
	return m.load(ctx, conversationID)
}

// GetOrCreate loads an existing conversation, or creates one when the id is
// blank or unknown. Chat clients may present ids minted by an earlier run.
func (m *Manager) GetOrCreate(ctx context.Context, conversationID string) (Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return m.Create(ctx)
	}
	c, err := m.load(ctx, conversationID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Conversation{}, err
	}
	now := time.Now().UTC()
	c = Conversation{ID: conversationID, CreatedAt: now, UpdatedAt: now}
	if err := m.save(ctx, c); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (m *Manager) ListIDs(ctx context.Context, limit int) ([]string, error) {
	return m.store.ListConversationIDs(ctx, limit)
}

func (m *Manager) Append(ctx context.Context, conversationID string, msgs ...message.Message) (Conversation, error) {
	c, err := m.load(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	c.Messages = append(c.Messages, msgs...)
	c.UpdatedAt = time.Now().UTC()
	if err := m.save(ctx, c); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (m *Manager) load(ctx context.Context, conversationID string) (Conversation, error) {
	raw, err := m.store.LoadConversation(ctx, strings.TrimSpace(conversationID))
	if err != nil {
		return Conversation{}, err
	}
	var c Conversation
	if err := json.Unmarshal(raw, &c); err != nil {
		return Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return c, nil
}

func (m *Manager) save(ctx context.Context, c Conversation) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	return m.store.SaveConversation(ctx, c.ID, raw)
}

func buildID(prefix, seed string) string {
	sum := sha1.Sum([]byte(seed))
	return prefix + "_" + hex.EncodeToString(sum[:8])
}

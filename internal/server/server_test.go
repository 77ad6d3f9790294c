package server

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"agentd/internal/agent"
	"agentd/internal/audit"
	"agentd/internal/confirm"
	"agentd/internal/conversation"
	"agentd/internal/dispatch"
	"agentd/internal/ipc"
	"agentd/internal/llm"
	"agentd/internal/message"
	"agentd/internal/permission"
	"agentd/internal/ratelimit"
	"agentd/internal/storage"
	"agentd/internal/tool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// toolCallProvider emits one scripted tool call, then plain text.
type toolCallProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *toolCallProvider) StreamTurn(_ context.Context, req llm.Request) (llm.Stream, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	if n == 1 {
		return newScriptStream(
			llm.Event{Type: llm.EventToolCall, ToolCall: message.ToolCall{
				ID: "call_srv_1", Name: "shell", Args: json.RawMessage(`{}`),
			}},
			llm.Event{Type: llm.EventDone, FinishReason: "tool_calls"},
		), nil
	}
	return newScriptStream(
		llm.Event{Type: llm.EventToken, Token: "done"},
		llm.Event{Type: llm.EventDone, FinishReason: "stop"},
	), nil
}

type scriptStream struct {
	events []llm.Event
}

func newScriptStream(events ...llm.Event) *scriptStream {
	return &scriptStream{events: events}
}

func (s *scriptStream) Recv() (llm.Event, error) {
	if len(s.events) == 0 {
		return llm.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *scriptStream) Close() error { return nil }

func startServer(t *testing.T, provider llm.Provider, defs ...tool.Definition) string {
	t.Helper()
	dir := t.TempDir()
	socket := filepath.Join(dir, "agentd.sock")

	store, err := storage.NewBoltStore(filepath.Join(dir, "agentd.db"))
	require.NoError(t, err)

	auditLog, err := audit.NewLogger(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)

	registry := tool.NewRegistry()
	for _, d := range defs {
		require.NoError(t, registry.Register(d))
	}
	if provider == nil {
		provider = llm.NewEchoProvider()
	}

	peers := ipc.NewRegistry()
	broker := confirm.NewBroker(peers, time.Second)
	convs := conversation.NewManager(store)
	dispatcher := dispatch.New(dispatch.Options{
		Registry: registry,
		Engine:   permission.NewEngine(permission.LevelConfirm),
		Broker:   broker,
		Limiter:  ratelimit.New(nil, ratelimit.ClassConfig{Cap: 100, Window: time.Minute}),
		Audit:    auditLog,
		Store:    store,
		Invoker: tool.InvokerFunc(func(context.Context, string, json.RawMessage) (string, error) {
			return "invoked", nil
		}),
	})
	agents := agent.NewManager(agent.Options{
		Provider:      provider,
		Dispatcher:    dispatcher,
		Conversations: convs,
		Registry:      registry,
		Peers:         peers,
		Model:         "test-model",
	})

	ln, err := ipc.Listen(socket, 0)
	require.NoError(t, err)

	srv := New(Options{
		Listener:      ln,
		Registry:      peers,
		Broker:        broker,
		Agents:        agents,
		Conversations: convs,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		agents.Close()
		_ = auditLog.Close()
		_ = store.Close()
	})
	return socket
}

func register(t *testing.T, socket string, role ipc.Role) *ipc.Conn {
	t.Helper()
	conn, err := ipc.Dial(socket, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	env, err := ipc.NewEnvelope(ipc.TypeRegister, ipc.Register{Role: role})
	require.NoError(t, err)
	require.NoError(t, conn.Send(env))

	ack, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, ipc.TypeRegisterAck, ack.Type)
	var payload ipc.RegisterAck
	require.NoError(t, ipc.DecodePayload(ack, &payload))
	require.True(t, payload.OK)
	return conn
}

func TestHandshakeRejectsUnregisteredTraffic(t *testing.T) {
	socket := startServer(t, nil)

	conn, err := ipc.Dial(socket, 0)
	require.NoError(t, err)
	defer conn.Close()

	env, err := ipc.NewEnvelope(ipc.TypeChatRequest, ipc.ChatRequest{Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, conn.Send(env))

	got, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, ipc.TypeError, got.Type)

	// The server drops the connection after the protocol violation.
	_, err = conn.Recv()
	require.ErrorIs(t, err, ipc.ErrConnClosed)
}

func TestPingPong(t *testing.T) {
	socket := startServer(t, nil)
	conn := register(t, socket, ipc.RoleChat)

	ping, err := ipc.NewEnvelope(ipc.TypePing, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Send(ping))

	pong, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, ipc.TypePong, pong.Type)
	require.Equal(t, ping.ID, pong.ID)
}

func TestChatRequestStreamsEcho(t *testing.T) {
	socket := startServer(t, nil)
	conn := register(t, socket, ipc.RoleChat)

	req, err := ipc.NewEnvelope(ipc.TypeChatRequest, ipc.ChatRequest{Text: "hello daemon"})
	require.NoError(t, err)
	require.NoError(t, conn.Send(req))

	ack, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, ipc.TypeChatResponse, ack.Type)
	require.Equal(t, req.ID, ack.ID)
	var cr ipc.ChatResponse
	require.NoError(t, ipc.DecodePayload(ack, &cr))
	require.NotEmpty(t, cr.ConversationID)

	var text string
	for {
		env, err := conn.Recv()
		require.NoError(t, err)
		require.Equal(t, ipc.TypeStreamChunk, env.Type)
		var chunk ipc.StreamChunk
		require.NoError(t, ipc.DecodePayload(env, &chunk))
		require.Equal(t, req.ID, chunk.RequestID)
		require.Equal(t, cr.ConversationID, chunk.ConversationID)
		text += chunk.Delta
		if chunk.Done {
			break
		}
	}
	require.Equal(t, "echo: hello daemon", text)
}

func TestConfirmRoundTripOverSocket(t *testing.T) {
	socket := startServer(t, &toolCallProvider{},
		tool.Definition{Name: "shell", Trust: permission.LevelConfirm})

	confirmConn := register(t, socket, ipc.RoleConfirm)
	chatConn := register(t, socket, ipc.RoleChat)

	// Approval peer: answer the one expected prompt.
	approved := make(chan ipc.ConfirmRequest, 1)
	go func() {
		env, err := confirmConn.Recv()
		if err != nil {
			return
		}
		var req ipc.ConfirmRequest
		if err := ipc.DecodePayload(env, &req); err != nil {
			return
		}
		approved <- req
		resp, err := ipc.NewEnvelope(ipc.TypeConfirmResponse, ipc.ConfirmResponse{
			CallID:   req.CallID,
			Approved: true,
		})
		if err == nil {
			_ = confirmConn.Send(resp)
		}
	}()

	req, err := ipc.NewEnvelope(ipc.TypeChatRequest, ipc.ChatRequest{Text: "run it"})
	require.NoError(t, err)
	require.NoError(t, chatConn.Send(req))

	var text string
	for {
		env, err := chatConn.Recv()
		require.NoError(t, err)
		if env.Type != ipc.TypeStreamChunk {
			continue
		}
		var chunk ipc.StreamChunk
		require.NoError(t, ipc.DecodePayload(env, &chunk))
		text += chunk.Delta
		if chunk.Done {
			break
		}
	}
	require.Equal(t, "done", text)

	prompt := <-approved
	require.Equal(t, "call_srv_1", prompt.CallID)
	require.Equal(t, "shell", prompt.Tool)
	require.Equal(t, "confirm", prompt.Trust)
}

func TestReconnectSupersedes(t *testing.T) {
	socket := startServer(t, nil)

	first := register(t, socket, ipc.RoleChat)
	register(t, socket, ipc.RoleChat)

	// The superseded connection is closed by the daemon.
	require.Eventually(t, func() bool {
		_, err := first.Recv()
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestWrongRoleRouting(t *testing.T) {
	socket := startServer(t, nil)
	conn := register(t, socket, ipc.RoleDock)

	req, err := ipc.NewEnvelope(ipc.TypeChatRequest, ipc.ChatRequest{Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, conn.Send(req))

	got, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, ipc.TypeError, got.Type)
	var payload ipc.ErrorPayload
	require.NoError(t, ipc.DecodePayload(got, &payload))
	require.Equal(t, "routing", payload.Code)
}

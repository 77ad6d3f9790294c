package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"agentd/internal/conversation"
	"agentd/internal/dispatch"
	"agentd/internal/ipc"
	"agentd/internal/llm"
	"agentd/internal/logger"
	"agentd/internal/message"
	"agentd/internal/tool"
)

const (
	StateIdle           = "idle"
	StateAwaitingModel  = "awaiting_model"
	StateEmittingTokens = "emitting_tokens"
	StateAwaitingTool   = "awaiting_tool"
)

// maxToolIterations bounds tool round-trips per turn. When reached, one last
// provider call is made without tools so the turn always ends in text.
const maxToolIterations = 10

const queueDepth = 64

var ErrQueueFull = errors.New("agent: conversation queue is full")

// PeerSender routes envelopes to connected clients by role.
type PeerSender interface {
	Send(role ipc.Role, env ipc.Envelope) error
}

type Options struct {
	Provider      llm.Provider
	Dispatcher    *dispatch.Dispatcher
	Conversations *conversation.Manager
	Registry      *tool.Registry
	Peers         PeerSender
	Log           *logger.Logger
	Model         string
	Temperature   float64
	MaxTokens     int
}

// Manager owns one worker loop per conversation. Each loop processes user
// messages strictly in arrival order; messages landing mid-turn wait in the
// loop's queue.
type Manager struct {
	opts    Options
	log     *logger.Logger
	metrics *runtimeMetrics

	mu    sync.Mutex
	loops map[string]*loop
	runs  sync.WaitGroup
	ctx   context.Context
	stop  context.CancelFunc
}

func NewManager(opts Options) *Manager {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		log:     log,
		metrics: newRuntimeMetrics(),
		loops:   map[string]*loop{},
		ctx:     ctx,
		stop:    cancel,
	}
}

// Enqueue hands a user message to the conversation's loop, starting the loop
// on first use.
func (m *Manager) Enqueue(conversationID, requestID, text string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("agent: empty conversation id")
	}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return errors.New("agent: manager is shut down")
	}
	l, ok := m.loops[conversationID]
	if !ok {
		l = newLoop(conversationID, m)
		m.loops[conversationID] = l
		m.runs.Add(1)
		go func() {
			defer m.runs.Done()
			l.run(m.ctx)
		}()
	}
	m.mu.Unlock()

	select {
	case l.queue <- turnInput{requestID: requestID, text: text}:
		return nil
	default:
		return ErrQueueFull
	}
}

// CancelActive aborts the in-flight provider stream of every loop, typically
// because the chat peer disconnected. Queued messages are kept.
func (m *Manager) CancelActive() {
	m.mu.Lock()
	loops := make([]*loop, 0, len(m.loops))
	for _, l := range m.loops {
		loops = append(loops, l)
	}
	m.mu.Unlock()
	for _, l := range loops {
		l.cancelActive()
	}
}

// Close stops every loop and logs the runtime counters.
func (m *Manager) Close() {
	m.stop()
	m.runs.Wait()
	m.log.Infow("agent shut down", "summary", m.metrics.snapshot().String())
}

type turnInput struct {
	requestID string
	text      string
}

type loop struct {
	conversationID string
	mgr            *Manager
	queue          chan turnInput

	mu         sync.Mutex
	state      string
	cancelTurn context.CancelFunc
}

func newLoop(conversationID string, mgr *Manager) *loop {
	return &loop{
		conversationID: conversationID,
		mgr:            mgr,
		queue:          make(chan turnInput, queueDepth),
		state:          StateIdle,
	}
}

func (l *loop) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-l.queue:
			l.runTurn(ctx, in)
		}
	}
}

func (l *loop) cancelActive() {
	l.mu.Lock()
	cancel := l.cancelTurn
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (l *loop) setState(state string) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

// State reports the loop's current position in the turn cycle.
func (l *loop) State() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *loop) runTurn(ctx context.Context, in turnInput) {
	turnCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancelTurn = cancel
	l.mu.Unlock()
	defer func() {
		cancel()
		l.mu.Lock()
		l.cancelTurn = nil
		l.state = StateIdle
		l.mu.Unlock()
		l.sendStatus(StateIdle)
	}()

	o := l.mgr.opts
	log := l.mgr.log
	l.mgr.metrics.turnsTotal.Add(1)
	l.setState(StateAwaitingModel)
	l.sendStatus("busy")

	conv, err := o.Conversations.Append(turnCtx, l.conversationID, message.Message{
		Role:      message.RoleUser,
		Content:   in.text,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Errorw("append user message", "conversation_id", l.conversationID, "error", err)
		l.sendError(in.requestID, "conversation unavailable: "+err.Error())
		return
	}
	msgs := conv.Messages

	for iteration := 0; ; iteration++ {
		tools := o.Registry.Schemas()
		if iteration >= maxToolIterations {
			tools = nil
		}

		stream, err := o.Provider.StreamTurn(turnCtx, llm.Request{
			Model:       o.Model,
			Messages:    msgs,
			Tools:       tools,
			Temperature: o.Temperature,
			MaxTokens:   o.MaxTokens,
		})
		if err != nil {
			l.failTurn(turnCtx, in, err)
			return
		}

		text, calls, err := l.consumeStream(turnCtx, in, stream)
		if err != nil {
			l.failTurn(turnCtx, in, err)
			return
		}

		assistant := message.Message{
			Role:      message.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
			CreatedAt: time.Now().UTC(),
		}
		conv, err = o.Conversations.Append(turnCtx, l.conversationID, assistant)
		if err != nil {
			log.Errorw("append assistant message", "conversation_id", l.conversationID, "error", err)
			l.sendError(in.requestID, "conversation unavailable: "+err.Error())
			return
		}
		msgs = conv.Messages

		if len(calls) == 0 {
			l.finishTurn(in)
			return
		}

		l.setState(StateAwaitingTool)
		results := make([]message.Message, 0, len(calls))
		for _, call := range calls {
			results = append(results, l.runToolCall(turnCtx, call))
		}
		conv, err = o.Conversations.Append(turnCtx, l.conversationID, results...)
		if err != nil {
			log.Errorw("append tool results", "conversation_id", l.conversationID, "error", err)
			l.sendError(in.requestID, "conversation unavailable: "+err.Error())
			return
		}
		msgs = conv.Messages
		l.setState(StateAwaitingModel)
	}
}

// consumeStream forwards token deltas as stream chunks and collects any tool
// calls the model produced.
func (l *loop) consumeStream(ctx context.Context, in turnInput, stream llm.Stream) (string, []message.ToolCall, error) {
	defer stream.Close()

	var text strings.Builder
	var calls []message.ToolCall
	for {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		ev, err := stream.Recv()
		if err == io.EOF {
			return text.String(), calls, nil
		}
		if err != nil {
			return "", nil, err
		}
		switch ev.Type {
		case llm.EventToken:
			l.setState(StateEmittingTokens)
			text.WriteString(ev.Token)
			l.sendChunk(in, ev.Token, false)
		case llm.EventToolCall:
			calls = append(calls, ev.ToolCall)
		case llm.EventDone:
			return text.String(), calls, nil
		}
	}
}

func (l *loop) runToolCall(ctx context.Context, call message.ToolCall) message.Message {
	m := l.mgr
	m.metrics.toolCalls.Add(1)
	res, err := m.opts.Dispatcher.Dispatch(ctx, dispatch.Request{
		CallID:         call.ID,
		Tool:           call.Name,
		Args:           call.Args,
		ConversationID: l.conversationID,
	})
	if err != nil {
		m.metrics.toolErrors.Add(1)
		m.log.Warnw("tool dispatch failed", "call_id", call.ID, "tool", call.Name, "error", err)
		return toolMessage(call, fmt.Sprintf("tool %s failed: %v", call.Name, err))
	}
	switch res.Outcome {
	case dispatch.OutcomeExecuted:
		return toolMessage(call, res.Output)
	case dispatch.OutcomeDenied:
		m.metrics.toolDenials.Add(1)
		return toolMessage(call, fmt.Sprintf("tool %s denied: %s", call.Name, res.Reason))
	default:
		m.metrics.toolErrors.Add(1)
		return toolMessage(call, fmt.Sprintf("tool %s failed: %s", call.Name, res.Reason))
	}
}

func toolMessage(call message.ToolCall, content string) message.Message {
	return message.Message{
		Role:       message.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		CreatedAt:  time.Now().UTC(),
	}
}

func (l *loop) finishTurn(in turnInput) {
	l.sendChunk(in, "", true)
}

func (l *loop) failTurn(ctx context.Context, in turnInput, cause error) {
	m := l.mgr
	m.metrics.providerErrors.Add(1)
	if errors.Is(cause, context.Canceled) {
		m.log.Infow("turn cancelled", "conversation_id", l.conversationID, "request_id", in.requestID)
		return
	}
	m.log.Errorw("provider turn failed", "conversation_id", l.conversationID, "error", cause)
	note := message.Message{
		Role:      message.RoleAssistant,
		Content:   "model unavailable: " + cause.Error(),
		CreatedAt: time.Now().UTC(),
	}
	// Best effort; the turn is already failing.
	if _, err := m.opts.Conversations.Append(context.WithoutCancel(ctx), l.conversationID, note); err != nil {
		m.log.Errorw("append provider failure note", "conversation_id", l.conversationID, "error", err)
	}
	l.sendError(in.requestID, "model unavailable: "+cause.Error())
}

func (l *loop) sendChunk(in turnInput, delta string, done bool) {
	env, err := ipc.NewEnvelope(ipc.TypeStreamChunk, ipc.StreamChunk{
		RequestID:      in.requestID,
		ConversationID: l.conversationID,
		Delta:          delta,
		Done:           done,
	})
	if err != nil {
		return
	}
	if err := l.mgr.opts.Peers.Send(ipc.RoleChat, env); err != nil && !errors.Is(err, ipc.ErrPeerUnavailable) {
		l.mgr.log.Debugw("stream chunk dropped", "conversation_id", l.conversationID, "error", err)
	}
}

func (l *loop) sendError(requestID, msg string) {
	env, err := ipc.NewEnvelope(ipc.TypeError, ipc.ErrorPayload{Message: msg, Code: "turn_failed"})
	if err != nil {
		return
	}
	env.ID = requestID
	_ = l.mgr.opts.Peers.Send(ipc.RoleChat, env)
}

func (l *loop) sendStatus(state string) {
	env, err := ipc.NewEnvelope(ipc.TypeStatusUpdate, ipc.StatusUpdate{
		ConversationID: l.conversationID,
		State:          state,
	})
	if err != nil {
		return
	}
	// The dock is optional; absence is not an error.
	_ = l.mgr.opts.Peers.Send(ipc.RoleDock, env)
}

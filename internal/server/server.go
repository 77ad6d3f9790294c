package server

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"agentd/internal/agent"
	"agentd/internal/confirm"
	"agentd/internal/conversation"
	"agentd/internal/ipc"
	"agentd/internal/logger"
)

type Options struct {
	Listener      *ipc.Listener
	Registry      *ipc.Registry
	Broker        *confirm.Broker
	Agents        *agent.Manager
	Conversations *conversation.Manager
	Log           *logger.Logger
}

// Server is the daemon's connection front end: it accepts unix-socket
// clients, enforces the register handshake, and routes envelopes to the
// agent manager and confirmation broker.
type Server struct {
	listener *ipc.Listener
	registry *ipc.Registry
	broker   *confirm.Broker
	agents   *agent.Manager
	convs    *conversation.Manager
	log      *logger.Logger

	conns sync.WaitGroup
}

func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		listener: opts.Listener,
		registry: opts.Registry,
		broker:   opts.Broker,
		agents:   opts.Agents,
		convs:    opts.Conversations,
		log:      log,
	}
	s.registry.OnPeerGone(s.peerGone)
	return s
}

// Run accepts connections until ctx is cancelled, then waits for every
// connection handler to finish.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return s.listener.Close()
	})
	g.Go(func() error {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, ipc.ErrConnClosed) {
					return nil
				}
				return err
			}
			s.conns.Add(1)
			go func() {
				defer s.conns.Done()
				s.handleConn(ctx, conn)
			}()
		}
	})
	err := g.Wait()
	s.conns.Wait()
	return err
}

func (s *Server) peerGone(role ipc.Role) {
	s.log.Infow("peer disconnected", "role", string(role))
	switch role {
	case ipc.RoleChat:
		s.agents.CancelActive()
	case ipc.RoleConfirm:
		s.broker.PeerGone()
	}
}

// handleConn runs the register handshake and then the per-connection read
// loop. A connection whose first message is not a valid register is dropped.
func (s *Server) handleConn(ctx context.Context, conn *ipc.Conn) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	peer, ok := s.handshake(conn)
	if !ok {
		return
	}
	defer s.registry.Remove(peer)

	for {
		env, err := conn.Recv()
		if err != nil {
			if !errors.Is(err, ipc.ErrConnClosed) {
				s.log.Warnw("connection read failed", "role", string(peer.Role), "error", err)
			}
			return
		}
		s.route(peer, env)
	}
}

func (s *Server) handshake(conn *ipc.Conn) (*ipc.Peer, bool) {
	env, err := conn.Recv()
	if err != nil {
		return nil, false
	}
	if env.Type != ipc.TypeRegister {
		s.sendErr(conn, env.ID, "first message must be register", "handshake")
		return nil, false
	}
	var reg ipc.Register
	if err := ipc.DecodePayload(env, &reg); err != nil {
		s.sendErr(conn, env.ID, err.Error(), "handshake")
		return nil, false
	}
	role, err := ipc.ParseRole(string(reg.Role))
	if err != nil {
		s.sendErr(conn, env.ID, err.Error(), "handshake")
		return nil, false
	}

	peer := s.registry.Register(role, conn)
	ack, err := ipc.NewEnvelope(ipc.TypeRegisterAck, ipc.RegisterAck{OK: true})
	if err == nil {
		err = conn.Send(ack)
	}
	if err != nil {
		s.registry.Remove(peer)
		return nil, false
	}
	s.log.Infow("peer registered", "role", string(role))
	return peer, true
}

func (s *Server) route(peer *ipc.Peer, env ipc.Envelope) {
	switch env.Type {
	case ipc.TypePing:
		pong, err := ipc.NewEnvelope(ipc.TypePong, nil)
		if err == nil {
			pong.ID = env.ID
			_ = peer.Conn.Send(pong)
		}
	case ipc.TypeChatRequest:
		if peer.Role != ipc.RoleChat {
			s.sendErr(peer.Conn, env.ID, "chat_request requires the chat role", "routing")
			return
		}
		s.handleChatRequest(peer, env)
	case ipc.TypeConfirmResponse:
		if peer.Role != ipc.RoleConfirm {
			s.sendErr(peer.Conn, env.ID, "confirm_response requires the confirm role", "routing")
			return
		}
		var resp ipc.ConfirmResponse
		if err := ipc.DecodePayload(env, &resp); err != nil {
			s.sendErr(peer.Conn, env.ID, err.Error(), "routing")
			return
		}
		if !s.broker.HandleResponse(resp) {
			s.log.Warnw("confirm response for unknown call", "call_id", resp.CallID)
		}
	case ipc.TypeRegister:
		s.sendErr(peer.Conn, env.ID, "connection is already registered", "routing")
	default:
		s.sendErr(peer.Conn, env.ID, "unexpected message type "+string(env.Type), "routing")
	}
}

// handleChatRequest resolves the conversation, acknowledges it with a
// chat_response carrying the (possibly minted) conversation id, and hands
// the text to the agent loop. Tokens follow as stream_chunk envelopes.
func (s *Server) handleChatRequest(peer *ipc.Peer, env ipc.Envelope) {
	var req ipc.ChatRequest
	if err := ipc.DecodePayload(env, &req); err != nil {
		s.sendErr(peer.Conn, env.ID, err.Error(), "chat")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.sendErr(peer.Conn, env.ID, "chat_request text is empty", "chat")
		return
	}

	conv, err := s.convs.GetOrCreate(context.Background(), req.ConversationID)
	if err != nil {
		s.sendErr(peer.Conn, env.ID, "conversation unavailable: "+err.Error(), "chat")
		return
	}

	ack, err := ipc.NewEnvelope(ipc.TypeChatResponse, ipc.ChatResponse{ConversationID: conv.ID})
	if err == nil {
		ack.ID = env.ID
		_ = peer.Conn.Send(ack)
	}

	if err := s.agents.Enqueue(conv.ID, env.ID, req.Text); err != nil {
		s.sendErr(peer.Conn, env.ID, err.Error(), "chat")
	}
}

func (s *Server) sendErr(conn *ipc.Conn, id, msg, code string) {
	env, err := ipc.NewEnvelope(ipc.TypeError, ipc.ErrorPayload{Message: msg, Code: code})
	if err != nil {
		return
	}
	if id != "" {
		env.ID = id
	}
	_ = conn.Send(env)
}

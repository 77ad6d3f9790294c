package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// Wire format: 4-byte big-endian length prefix followed by one JSON envelope.
// The prefix carries the byte length of the JSON that follows.

const DefaultMaxFrame = 16 * 1024 * 1024

var (
	ErrConnClosed    = errors.New("ipc: connection closed")
	ErrFrameTooLarge = errors.New("ipc: frame exceeds maximum size")
	ErrProtocol      = errors.New("ipc: protocol error")
)

type MsgType string

const (
	TypeRegister        MsgType = "register"
	TypeRegisterAck     MsgType = "register_ack"
	TypeChatRequest     MsgType = "chat_request"
	TypeChatResponse    MsgType = "chat_response"
	TypeStreamChunk     MsgType = "stream_chunk"
	TypeConfirmRequest  MsgType = "confirm_request"
	TypeConfirmResponse MsgType = "confirm_response"
	TypeStatusUpdate    MsgType = "status_update"
	TypeError           MsgType = "error"
	TypePing            MsgType = "ping"
	TypePong            MsgType = "pong"
)

// Role identifies the kind of peer on a connection. The daemon keeps at most
// one live connection per role.
type Role string

const (
	RoleChat    Role = "chat"
	RoleDock    Role = "dock"
	RoleConfirm Role = "confirm"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleChat, RoleDock, RoleConfirm:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrProtocol, s)
	}
}

// Envelope is the unit of exchange on every connection.
type Envelope struct {
	ID      string          `json:"id"`
	Type    MsgType         `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Register struct {
	Role Role `json:"role"`
}

type RegisterAck struct {
	OK bool `json:"ok"`
}

type ChatRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type ChatResponse struct {
	ConversationID string          `json:"conversation_id"`
	Message        json.RawMessage `json:"message"`
}

// StreamChunk carries one streamed token batch. RequestID correlates chunks
// with the chat_request that started the turn; Done marks the final chunk.
type StreamChunk struct {
	RequestID      string `json:"request_id"`
	ConversationID string `json:"conversation_id"`
	Delta          string `json:"delta"`
	Done           bool   `json:"done"`
}

type ConfirmRequest struct {
	CallID string          `json:"call_id"`
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args"`
	Reason string          `json:"reason"`
	Trust  string          `json:"trust"`
}

type ConfirmResponse struct {
	CallID        string `json:"call_id"`
	Approved      bool   `json:"approved"`
	Justification string `json:"justification,omitempty"`
}

type StatusUpdate struct {
	ConversationID string `json:"conversation_id"`
	State          string `json:"state"` // idle|busy
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// NewEnvelope wraps a payload value. A nil payload produces an envelope with
// no payload field (ping/pong).
func NewEnvelope(t MsgType, payload any) (Envelope, error) {
	env := Envelope{ID: uuid.NewString(), Type: t}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// DecodePayload unmarshals the envelope payload into out, failing closed on
// schema mismatches.
func DecodePayload(env Envelope, out any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s envelope has no payload", ErrProtocol, env.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrProtocol, env.Type, err)
	}
	return nil
}

// EncodeFrame serializes an envelope into a length-prefixed buffer.
func EncodeFrame(env Envelope, maxFrame int) ([]byte, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(raw) > maxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(raw))
	}
	buf := make([]byte, 4+len(raw))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(raw)))
	copy(buf[4:], raw)
	return buf, nil
}

// DecodeFrame reads one length-prefixed envelope from r. Returns
// ErrConnClosed on EOF at a frame boundary; a partial frame is never
// delivered.
func DecodeFrame(r io.Reader, maxFrame int) (Envelope, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Envelope{}, ErrConnClosed
		}
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int64(n) > int64(maxFrame) {
		return Envelope{}, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Envelope{}, ErrConnClosed
		}
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode envelope: %v", ErrProtocol, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: envelope missing type", ErrProtocol)
	}
	return env, nil
}

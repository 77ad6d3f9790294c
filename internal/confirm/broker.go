package confirm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"agentd/internal/ipc"
)

var (
	ErrTimeout     = errors.New("confirmation timed out")
	ErrUnavailable = errors.New("confirmation peer unavailable")
)

const DefaultTimeout = 60 * time.Second

// Sender delivers a confirm_request envelope to the approval peer.
type Sender interface {
	Send(role ipc.Role, env ipc.Envelope) error
}

// Broker mediates approval round-trips with the independent confirmation
// process. Approval decisions are never made in this process; when the peer
// is missing, slow, or disconnects, the broker fails closed with a denial.
type Broker struct {
	sender  Sender
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan ipc.ConfirmResponse
}

func NewBroker(sender Sender, timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		sender:  sender,
		timeout: timeout,
		pending: map[string]chan ipc.ConfirmResponse{},
	}
}

// Request sends a confirmation prompt and blocks until the peer answers,
// the timeout elapses, the peer disconnects, or ctx is cancelled. The
// pending slot is registered before the send so a fast response cannot be
// dropped.
func (b *Broker) Request(ctx context.Context, req ipc.ConfirmRequest) (ipc.ConfirmResponse, error) {
	callID := strings.TrimSpace(req.CallID)
	if callID == "" {
		return ipc.ConfirmResponse{}, errors.New("confirm request has empty call id")
	}

	ch := make(chan ipc.ConfirmResponse, 1)
	b.mu.Lock()
	if _, ok := b.pending[callID]; ok {
		b.mu.Unlock()
		return ipc.ConfirmResponse{}, errors.New("confirmation already pending for call " + callID)
	}
	b.pending[callID] = ch
	b.mu.Unlock()
	defer b.remove(callID)

	env, err := ipc.NewEnvelope(ipc.TypeConfirmRequest, req)
	if err != nil {
		return ipc.ConfirmResponse{}, err
	}
	if err := b.sender.Send(ipc.RoleConfirm, env); err != nil {
		return ipc.ConfirmResponse{}, ErrUnavailable
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return ipc.ConfirmResponse{}, ErrUnavailable
		}
		return resp, nil
	case <-timer.C:
		return ipc.ConfirmResponse{}, ErrTimeout
	case <-ctx.Done():
		return ipc.ConfirmResponse{}, ctx.Err()
	}
}

// HandleResponse routes a confirm_response from the peer to its waiter.
// Responses for unknown or already-resolved call ids are dropped.
func (b *Broker) HandleResponse(resp ipc.ConfirmResponse) bool {
	b.mu.Lock()
	ch, ok := b.pending[strings.TrimSpace(resp.CallID)]
	if ok {
		delete(b.pending, strings.TrimSpace(resp.CallID))
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// PeerGone fails every outstanding request when the confirmation peer
// disconnects.
func (b *Broker) PeerGone() {
	b.mu.Lock()
	pending := b.pending
	b.pending = map[string]chan ipc.ConfirmResponse{}
	b.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (b *Broker) remove(callID string) {
	b.mu.Lock()
	delete(b.pending, callID)
	b.mu.Unlock()
}

package confirm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentd/internal/ipc"
)

type captureSender struct {
	mu   sync.Mutex
	err  error
	sent []ipc.Envelope
}

func (s *captureSender) Send(_ ipc.Role, env ipc.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestBrokerApprove(t *testing.T) {
	sender := &captureSender{}
	b := NewBroker(sender, time.Second)

	done := make(chan struct{})
	var resp ipc.ConfirmResponse
	var err error
	go func() {
		defer close(done)
		resp, err = b.Request(context.Background(), ipc.ConfirmRequest{
			CallID: "call_1", Tool: "shell", Reason: "run: ls",
		})
	}()

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, b.HandleResponse(ipc.ConfirmResponse{CallID: "call_1", Approved: true}))

	<-done
	require.NoError(t, err)
	require.True(t, resp.Approved)
}

func TestBrokerDeny(t *testing.T) {
	b := NewBroker(&captureSender{}, time.Second)

	done := make(chan ipc.ConfirmResponse, 1)
	go func() {
		resp, err := b.Request(context.Background(), ipc.ConfirmRequest{CallID: "call_2", Tool: "shell"})
		require.NoError(t, err)
		done <- resp
	}()

	require.Eventually(t, func() bool {
		return b.HandleResponse(ipc.ConfirmResponse{CallID: "call_2", Approved: false})
	}, time.Second, 5*time.Millisecond)

	resp := <-done
	require.False(t, resp.Approved)
}

func TestBrokerTimeout(t *testing.T) {
	b := NewBroker(&captureSender{}, 30*time.Millisecond)
	_, err := b.Request(context.Background(), ipc.ConfirmRequest{CallID: "call_3", Tool: "shell"})
	require.ErrorIs(t, err, ErrTimeout)

	// The slot must be cleared so a late answer is dropped.
	require.False(t, b.HandleResponse(ipc.ConfirmResponse{CallID: "call_3", Approved: true}))
}

func TestBrokerNoPeer(t *testing.T) {
	b := NewBroker(&captureSender{err: ipc.ErrPeerUnavailable}, time.Second)
	_, err := b.Request(context.Background(), ipc.ConfirmRequest{CallID: "call_4", Tool: "shell"})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestBrokerPeerGone(t *testing.T) {
	b := NewBroker(&captureSender{}, 5*time.Second)

	errs := make(chan error, 2)
	for _, id := range []string{"call_5", "call_6"} {
		id := id
		go func() {
			_, err := b.Request(context.Background(), ipc.ConfirmRequest{CallID: id, Tool: "shell"})
			errs <- err
		}()
	}

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.pending) == 2
	}, time.Second, 5*time.Millisecond)

	b.PeerGone()
	for i := 0; i < 2; i++ {
		require.ErrorIs(t, <-errs, ErrUnavailable)
	}
}

func TestBrokerConcurrentRequestsRouteByCallID(t *testing.T) {
	sender := &captureSender{}
	b := NewBroker(sender, time.Second)

	type outcome struct {
		id       string
		approved bool
	}
	results := make(chan outcome, 2)
	for _, id := range []string{"call_a", "call_b"} {
		id := id
		go func() {
			resp, err := b.Request(context.Background(), ipc.ConfirmRequest{CallID: id, Tool: "shell"})
			require.NoError(t, err)
			results <- outcome{id: id, approved: resp.Approved}
		}()
	}

	require.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, 5*time.Millisecond)
	require.True(t, b.HandleResponse(ipc.ConfirmResponse{CallID: "call_b", Approved: true}))
	require.True(t, b.HandleResponse(ipc.ConfirmResponse{CallID: "call_a", Approved: false}))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		o := <-results
		got[o.id] = o.approved
	}
	require.Equal(t, map[string]bool{"call_a": false, "call_b": true}, got)
}

func TestBrokerDuplicatePending(t *testing.T) {
	b := NewBroker(&captureSender{}, 5*time.Second)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = b.Request(context.Background(), ipc.ConfirmRequest{CallID: "call_dup", Tool: "shell"})
	}()
	<-started

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, ok := b.pending["call_dup"]
		return ok
	}, time.Second, 5*time.Millisecond)

	_, err := b.Request(context.Background(), ipc.ConfirmRequest{CallID: "call_dup", Tool: "shell"})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrTimeout))

	b.PeerGone()
}

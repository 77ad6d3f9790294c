package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"agentd/internal/audit"
	"agentd/internal/confirm"
	"agentd/internal/ipc"
	"agentd/internal/logger"
	"agentd/internal/permission"
	"agentd/internal/ratelimit"
	"agentd/internal/storage"
	"agentd/internal/tool"
)

const (
	OutcomeExecuted = "executed"
	OutcomeDenied   = "denied"
	OutcomeError    = "error"
)

var ErrDuplicateCall = errors.New("dispatch: call id already consumed")

type Request struct {
	CallID         string
	Tool           string
	Args           json.RawMessage
	ConversationID string
}

type Result struct {
	CallID  string
	Outcome string // executed|denied|error
	Output  string
	Reason  string
}

// Dispatcher runs every tool-call request through the same gate sequence:
// replay check, registry lookup, argument validation, trust resolution,
// confirmation round-trip, rate limiting, then invocation. Each consumed
// request produces exactly one audit entry with its terminal disposition.
type Dispatcher struct {
	registry *tool.Registry
	engine   *permission.Engine
	broker   *confirm.Broker
	limiter  *ratelimit.Limiter
	auditLog *audit.Logger
	store    storage.Store
	invoker  tool.Invoker
	log      *logger.Logger

	mu        sync.RWMutex
	overrides map[string]string
}

type Options struct {
	Registry  *tool.Registry
	Engine    *permission.Engine
	Broker    *confirm.Broker
	Limiter   *ratelimit.Limiter
	Audit     *audit.Logger
	Store     storage.Store
	Invoker   tool.Invoker
	Log       *logger.Logger
	Overrides map[string]string
}

func New(opts Options) *Dispatcher {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Dispatcher{
		registry:  opts.Registry,
		engine:    opts.Engine,
		broker:    opts.Broker,
		limiter:   opts.Limiter,
		auditLog:  opts.Audit,
		store:     opts.Store,
		invoker:   opts.Invoker,
		log:       log,
		overrides: opts.Overrides,
	}
}

// SetOverrides swaps the per-tool trust overrides, typically after a config
// reload. In-flight dispatches keep the levels they already resolved.
func (d *Dispatcher) SetOverrides(overrides map[string]string) {
	d.mu.Lock()
	d.overrides = overrides
	d.mu.Unlock()
}

func (d *Dispatcher) currentOverrides() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.overrides
}

// Dispatch consumes one tool-call request. A duplicate call id is rejected
// before any gate runs and produces no audit entry; the original dispatch
// already recorded the call's disposition.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	callID := strings.TrimSpace(req.CallID)
	if callID == "" {
		return Result{}, errors.New("dispatch: empty call id")
	}
	toolName := strings.ToLower(strings.TrimSpace(req.Tool))

	fresh, err := d.store.MarkCall(ctx, callID, "consumed")
	if err != nil {
		return Result{}, fmt.Errorf("record call id: %w", err)
	}
	if !fresh {
		d.log.Warnw("duplicate tool call rejected", "call_id", callID, "tool", toolName)
		return Result{}, ErrDuplicateCall
	}

	def, err := d.registry.Get(toolName)
	if err != nil {
		return d.finish(req, permission.Level(""), Result{
			CallID:  callID,
			Outcome: OutcomeError,
			Reason:  fmt.Sprintf("unknown tool %q", toolName),
		})
	}

	if err := tool.ValidateArgs(def.Schema, req.Args); err != nil {
		return d.finish(req, def.Trust, Result{
			CallID:  callID,
			Outcome: OutcomeError,
			Reason:  err.Error(),
		})
	}

	level, matched := d.engine.Resolve(toolName, def.Trust, d.currentOverrides())
	if level.RequiresConfirmation() {
		res, done := d.confirmCall(ctx, req, level)
		if done {
			return d.finish(req, level, res)
		}
	}

	if err := d.limiter.TryAcquire(def.Class); err != nil {
		if errors.Is(err, ratelimit.ErrLimited) {
			return d.finish(req, level, Result{
				CallID:  callID,
				Outcome: OutcomeDenied,
				Reason:  "rate limited",
			})
		}
		return Result{}, err
	}

	d.log.Infow("invoking tool", "call_id", callID, "tool", toolName, "trust", string(level), "trust_source", matched)
	output, invokeErr := d.invoker.Invoke(ctx, toolName, req.Args)
	if invokeErr != nil {
		return d.finish(req, level, Result{
			CallID:  callID,
			Outcome: OutcomeError,
			Reason:  invokeErr.Error(),
		})
	}
	return d.finish(req, level, Result{
		CallID:  callID,
		Outcome: OutcomeExecuted,
		Output:  output,
	})
}

// confirmCall runs the broker round-trip. It returns done=true with a denial
// when the call must not proceed; done=false means approved.
func (d *Dispatcher) confirmCall(ctx context.Context, req Request, level permission.Level) (Result, bool) {
	callID := strings.TrimSpace(req.CallID)
	resp, err := d.broker.Request(ctx, ipc.ConfirmRequest{
		CallID: callID,
		Tool:   strings.ToLower(strings.TrimSpace(req.Tool)),
		Args:   req.Args,
		Reason: confirmReason(req),
		Trust:  string(level),
	})
	switch {
	case errors.Is(err, confirm.ErrTimeout):
		return Result{CallID: callID, Outcome: OutcomeDenied, Reason: "confirmation timed out"}, true
	case errors.Is(err, confirm.ErrUnavailable):
		return Result{CallID: callID, Outcome: OutcomeDenied, Reason: "confirmation peer unavailable"}, true
	case err != nil:
		return Result{CallID: callID, Outcome: OutcomeDenied, Reason: "confirmation failed: " + err.Error()}, true
	}
	if !resp.Approved {
		return Result{CallID: callID, Outcome: OutcomeDenied, Reason: "denied by operator"}, true
	}
	if level == permission.LevelDoubleConfirm && strings.TrimSpace(resp.Justification) == "" {
		return Result{CallID: callID, Outcome: OutcomeDenied, Reason: "missing justification"}, true
	}
	return Result{}, false
}

// finish records the single audit entry for the call and returns the result.
func (d *Dispatcher) finish(req Request, level permission.Level, res Result) (Result, error) {
	entry := audit.Entry{
		CallID:      res.CallID,
		Tool:        strings.ToLower(strings.TrimSpace(req.Tool)),
		Args:        req.Args,
		Trust:       string(level),
		Disposition: res.Outcome,
		Reason:      res.Reason,
		Result:      res.Output,
	}
	if err := d.auditLog.Record(entry); err != nil {
		d.log.Errorw("audit append failed", "call_id", res.CallID, "error", err)
		return res, fmt.Errorf("audit: %w", err)
	}
	return res, nil
}

func confirmReason(req Request) string {
	args := strings.TrimSpace(string(req.Args))
	if args == "" || args == "null" {
		return fmt.Sprintf("tool %s requested", strings.TrimSpace(req.Tool))
	}
	args = audit.Truncate(args, 280)
	return fmt.Sprintf("tool %s requested with args %s", strings.TrimSpace(req.Tool), args)
}

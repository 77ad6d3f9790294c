package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"agentd/internal/permission"
)

var (
	ErrUnknownTool = errors.New("tool is not registered")
	ErrSchema      = errors.New("arguments do not match tool schema")
)

// Definition describes a tool an external collaborator exposes to the agent.
// The daemon never implements tools itself; it validates, gates, and forwards.
// Class names the rate-limit budget the tool draws from; tools sharing a
// class share one window. It defaults to the tool name.
type Definition struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Schema      json.RawMessage  `json:"schema,omitempty"`
	Trust       permission.Level `json:"trust"`
	Class       string           `json:"class,omitempty"`
}

// Invoker executes an approved tool call. Implementations live outside the
// daemon process; the dispatcher only sees the result text or an error.
type Invoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, name string, args json.RawMessage) (string, error)

func (f InvokerFunc) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	return f(ctx, name, args)
}

type Registry struct {
	tools map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Definition{}}
}

func (r *Registry) Register(d Definition) error {
	name := strings.ToLower(strings.TrimSpace(d.Name))
	if name == "" {
		return errors.New("tool name is empty")
	}
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tool %q already registered", name)
	}
	d.Name = name
	d.Class = strings.ToLower(strings.TrimSpace(d.Class))
	if d.Class == "" {
		d.Class = name
	}
	r.tools[name] = d
	return nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

func (r *Registry) Get(name string) (Definition, error) {
	d, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return d, nil
}

func (r *Registry) List() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Schemas returns the name-to-schema map advertised to the model provider.
func (r *Registry) Schemas() map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	for name, d := range r.tools {
		out[name] = d.Schema
	}
	return out
}

// Definitions returns all registered tools in name order.
func (r *Registry) Definitions() []Definition {
	names := r.List()
	out := make([]Definition, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

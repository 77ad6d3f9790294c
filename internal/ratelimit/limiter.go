package ratelimit

import (
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrLimited = errors.New("ratelimit: cap reached for class")

const (
	DefaultCap    = 3
	DefaultWindow = 60 * time.Second
)

// ClassConfig is the cap and trailing window for one operation class.
type ClassConfig struct {
	Cap    int
	Window time.Duration
}

// Limiter is a sliding-window admission counter keyed by operation class.
// Each class keeps the exact timestamps of admitted executions within its
// trailing window; an attempt is admitted only while the evicted count is
// strictly below the cap.
type Limiter struct {
	mu       sync.Mutex
	classes  map[string]*window
	configs  map[string]ClassConfig
	fallback ClassConfig

	now func() time.Time
}

type window struct {
	cap    int
	span   time.Duration
	stamps []time.Time
}

func New(configs map[string]ClassConfig, fallback ClassConfig) *Limiter {
	if fallback.Cap <= 0 {
		fallback.Cap = DefaultCap
	}
	if fallback.Window <= 0 {
		fallback.Window = DefaultWindow
	}
	normalized := make(map[string]ClassConfig, len(configs))
	for name, cc := range configs {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if cc.Cap < 0 {
			cc.Cap = 0
		}
		if cc.Window <= 0 {
			cc.Window = fallback.Window
		}
		normalized[name] = cc
	}
	return &Limiter{
		classes:  make(map[string]*window),
		configs:  normalized,
		fallback: fallback,
		now:      time.Now,
	}
}

// TryAcquire admits or denies one execution for class. On admission the
// current timestamp is recorded atomically with the decision. Denial leaves
// the class's window untouched.
func (l *Limiter) TryAcquire(class string) error {
	class = strings.ToLower(strings.TrimSpace(class))
	if class == "" {
		class = "default"
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.classes[class]
	if w == nil {
		cc, ok := l.configs[class]
		if !ok {
			cc = l.fallback
		}
		w = &window{cap: cc.Cap, span: cc.Window}
		l.classes[class] = w
	}

	cutoff := now.Add(-w.span)
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept

	if len(w.stamps) >= w.cap {
		return ErrLimited
	}
	w.stamps = append(w.stamps, now)
	return nil
}

// Reconfigure replaces the per-class configuration. Existing windows pick up
// the new cap and span on their next acquire; recorded timestamps survive so
// a reload cannot reset someone's budget.
func (l *Limiter) Reconfigure(configs map[string]ClassConfig, fallback ClassConfig) {
	next := New(configs, fallback)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs = next.configs
	l.fallback = next.fallback
	for name, w := range l.classes {
		cc, ok := l.configs[name]
		if !ok {
			cc = l.fallback
		}
		w.cap = cc.Cap
		w.span = cc.Window
	}
}

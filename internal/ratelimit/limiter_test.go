package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func newTestLimiter(configs map[string]ClassConfig, fallback ClassConfig) (*Limiter, *time.Time) {
	l := New(configs, fallback)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestTryAcquireDeniesFourthInWindow(t *testing.T) {
	l, now := newTestLimiter(nil, ClassConfig{Cap: 3, Window: 60 * time.Second})

	for i := 0; i < 3; i++ {
		if err := l.TryAcquire("shell"); err != nil {
			t.Fatalf("call %d should be admitted: %v", i+1, err)
		}
		*now = now.Add(time.Second)
	}
	if err := l.TryAcquire("shell"); !errors.Is(err, ErrLimited) {
		t.Fatalf("expected ErrLimited, got %v", err)
	}
}

func TestTryAcquireAdmitsAfterWindowSlides(t *testing.T) {
	l, now := newTestLimiter(nil, ClassConfig{Cap: 3, Window: 60 * time.Second})

	for i := 0; i < 3; i++ {
		if err := l.TryAcquire("shell"); err != nil {
			t.Fatalf("warmup %d: %v", i, err)
		}
	}
	if err := l.TryAcquire("shell"); !errors.Is(err, ErrLimited) {
		t.Fatalf("expected denial at cap, got %v", err)
	}

	// Just past the window the oldest stamp falls out.
	*now = now.Add(60*time.Second + time.Millisecond)
	if err := l.TryAcquire("shell"); err != nil {
		t.Fatalf("expected admission after eviction: %v", err)
	}
}

func TestDenialDoesNotSpendBudget(t *testing.T) {
	l, now := newTestLimiter(nil, ClassConfig{Cap: 1, Window: 60 * time.Second})

	if err := l.TryAcquire("shell"); err != nil {
		t.Fatalf("first: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := l.TryAcquire("shell"); !errors.Is(err, ErrLimited) {
			t.Fatalf("expected denial: %v", err)
		}
	}

	// Denied attempts left the window untouched; one eviction frees one slot.
	*now = now.Add(61 * time.Second)
	if err := l.TryAcquire("shell"); err != nil {
		t.Fatalf("expected admission: %v", err)
	}
}

func TestClassesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(map[string]ClassConfig{
		"shell": {Cap: 1, Window: time.Minute},
	}, ClassConfig{Cap: 3, Window: time.Minute})

	if err := l.TryAcquire("shell"); err != nil {
		t.Fatalf("shell: %v", err)
	}
	if err := l.TryAcquire("shell"); !errors.Is(err, ErrLimited) {
		t.Fatalf("expected shell denial: %v", err)
	}
	// Another class still has its own budget.
	for i := 0; i < 3; i++ {
		if err := l.TryAcquire("files"); err != nil {
			t.Fatalf("files %d: %v", i, err)
		}
	}
	if err := l.TryAcquire("files"); !errors.Is(err, ErrLimited) {
		t.Fatalf("expected files denial: %v", err)
	}
}

func TestZeroCapDeniesEverything(t *testing.T) {
	l, _ := newTestLimiter(map[string]ClassConfig{
		"wipe": {Cap: 0, Window: time.Minute},
	}, ClassConfig{Cap: 3, Window: time.Minute})

	if err := l.TryAcquire("wipe"); !errors.Is(err, ErrLimited) {
		t.Fatalf("expected denial for zero cap, got %v", err)
	}
}

func TestReconfigureKeepsRecordedStamps(t *testing.T) {
	l, _ := newTestLimiter(nil, ClassConfig{Cap: 2, Window: time.Minute})

	if err := l.TryAcquire("shell"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := l.TryAcquire("shell"); err != nil {
		t.Fatalf("second: %v", err)
	}

	// Raising the cap admits more, but the two spent slots still count.
	l.Reconfigure(map[string]ClassConfig{
		"shell": {Cap: 3, Window: time.Minute},
	}, ClassConfig{Cap: 3, Window: time.Minute})

	if err := l.TryAcquire("shell"); err != nil {
		t.Fatalf("third after raise: %v", err)
	}
	if err := l.TryAcquire("shell"); !errors.Is(err, ErrLimited) {
		t.Fatalf("expected denial at new cap, got %v", err)
	}
}

func TestClassNamesAreNormalized(t *testing.T) {
	l, _ := newTestLimiter(map[string]ClassConfig{
		"Shell": {Cap: 1, Window: time.Minute},
	}, ClassConfig{Cap: 10, Window: time.Minute})

	if err := l.TryAcquire(" SHELL "); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := l.TryAcquire("shell"); !errors.Is(err, ErrLimited) {
		t.Fatalf("expected shared window across spellings, got %v", err)
	}
}

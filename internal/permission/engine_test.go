package permission

import "testing"

func TestStrictnessOrdering(t *testing.T) {
	if !(LevelNone.Strictness() < LevelConfirm.Strictness() &&
		LevelConfirm.Strictness() < LevelDoubleConfirm.Strictness()) {
		t.Fatal("strictness order broken")
	}
	if Level("bogus").Strictness() <= LevelDoubleConfirm.Strictness() {
		t.Fatal("unknown level must rank strictest")
	}
}

func TestRequiresConfirmation(t *testing.T) {
	if LevelNone.RequiresConfirmation() {
		t.Fatal("none must not require confirmation")
	}
	if !LevelConfirm.RequiresConfirmation() || !LevelDoubleConfirm.RequiresConfirmation() {
		t.Fatal("confirm levels must require confirmation")
	}
}

func TestResolvePrecedence(t *testing.T) {
	e := NewEngine(LevelConfirm)
	overrides := map[string]string{
		"shell_exec": "double_confirm",
		"shell_*":    "confirm",
		"*":          "none",
	}

	cases := []struct {
		name        string
		tool        string
		declared    Level
		wantLevel   Level
		wantMatched string
	}{
		{"exact wins over glob", "shell_exec", LevelNone, LevelDoubleConfirm, "shell_exec"},
		{"glob wins over star", "shell_ls", LevelNone, LevelConfirm, "shell_*"},
		{"star cannot lower declared", "read_file", LevelConfirm, LevelConfirm, "declared"},
		{"star applies at floor", "read_file", LevelNone, LevelNone, "*"},
		{"no override uses declared", "shell_exec", LevelDoubleConfirm, LevelDoubleConfirm, "shell_exec"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, matched := e.Resolve(tc.tool, tc.declared, overrides)
			if got != tc.wantLevel {
				t.Fatalf("level = %q, want %q", got, tc.wantLevel)
			}
			if matched != tc.wantMatched {
				t.Fatalf("matched = %q, want %q", matched, tc.wantMatched)
			}
		})
	}
}

func TestResolveOverrideCannotWeaken(t *testing.T) {
	e := NewEngine(LevelConfirm)
	got, matched := e.Resolve("shell_exec", LevelDoubleConfirm, map[string]string{
		"shell_exec": "none",
	})
	if got != LevelDoubleConfirm {
		t.Fatalf("override weakened declared level: %q", got)
	}
	if matched != "declared" {
		t.Fatalf("matched = %q, want declared", matched)
	}
}

func TestResolveConflictingGlobsPickStrictest(t *testing.T) {
	e := NewEngine(LevelConfirm)
	// Both globs match; the stricter one must win no matter the map order.
	for i := 0; i < 50; i++ {
		got, matched := e.Resolve("shell_exec", LevelNone, map[string]string{
			"shell_*": "confirm",
			"*_exec":  "double_confirm",
		})
		if got != LevelDoubleConfirm || matched != "*_exec" {
			t.Fatalf("run %d: level=%q matched=%q", i, got, matched)
		}
	}
	// Swapped values flip the winner.
	got, matched := e.Resolve("shell_exec", LevelNone, map[string]string{
		"shell_*": "double_confirm",
		"*_exec":  "confirm",
	})
	if got != LevelDoubleConfirm || matched != "shell_*" {
		t.Fatalf("swapped: level=%q matched=%q", got, matched)
	}
}

func TestResolveEqualGlobsTieBreakDeterministically(t *testing.T) {
	e := NewEngine(LevelConfirm)
	for i := 0; i < 50; i++ {
		got, matched := e.Resolve("shell", LevelNone, map[string]string{
			"sh*": "confirm",
			"s*":  "confirm",
		})
		if got != LevelConfirm || matched != "s*" {
			t.Fatalf("run %d: level=%q matched=%q", i, got, matched)
		}
	}
}

func TestResolveEmptyDeclaredUsesEngineDefault(t *testing.T) {
	e := NewEngine(LevelDoubleConfirm)
	got, _ := e.Resolve("anything", "", nil)
	if got != LevelDoubleConfirm {
		t.Fatalf("got %q, want engine default", got)
	}
}

func TestResolveNormalizesToolName(t *testing.T) {
	e := NewEngine(LevelConfirm)
	got, matched := e.Resolve("  Shell_Exec  ", LevelNone, map[string]string{
		"shell_exec": "double_confirm",
	})
	if got != LevelDoubleConfirm || matched != "shell_exec" {
		t.Fatalf("got level=%q matched=%q", got, matched)
	}
}

func TestResolveEmptyToolNameFailsClosed(t *testing.T) {
	e := NewEngine(LevelNone)
	got, _ := e.Resolve("   ", LevelNone, nil)
	if got != LevelDoubleConfirm {
		t.Fatalf("empty tool name resolved to %q, want double_confirm", got)
	}
}

func TestResolveUnknownOverrideValueKeepsDeclared(t *testing.T) {
	e := NewEngine(LevelConfirm)
	got, _ := e.Resolve("shell_exec", LevelConfirm, map[string]string{
		"shell_exec": "extreme",
	})
	if got != LevelConfirm {
		t.Fatalf("got %q, want declared level preserved", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"none":            LevelNone,
		" Confirm ":       LevelConfirm,
		"DOUBLE_CONFIRM":  LevelDoubleConfirm,
		"something-wrong": LevelDoubleConfirm,
		"":                LevelDoubleConfirm,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

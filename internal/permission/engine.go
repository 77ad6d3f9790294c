package permission

import (
	"path"
	"sort"
	"strings"
)

// Level is the confirmation requirement for a tool, in increasing
// strictness: none executes without approval, confirm needs a single
// approval, double_confirm needs approval plus an operator justification.
type Level string

const (
	LevelNone          Level = "none"
	LevelConfirm       Level = "confirm"
	LevelDoubleConfirm Level = "double_confirm"
)

// Strictness returns the position of l in the total order. Unknown values
// rank strictest so a typo in config can never weaken a gate.
func (l Level) Strictness() int {
	switch l {
	case LevelNone:
		return 0
	case LevelConfirm:
		return 1
	case LevelDoubleConfirm:
		return 2
	default:
		return 3
	}
}

// RequiresConfirmation reports whether l needs a broker round-trip.
func (l Level) RequiresConfirmation() bool {
	return l != LevelNone
}

type Engine struct {
	defaultLevel Level
}

func NewEngine(defaultLevel Level) *Engine {
	if defaultLevel == "" {
		defaultLevel = LevelConfirm
	}
	return &Engine{defaultLevel: defaultLevel}
}

// Resolve determines the effective trust level for a tool. The declared
// level from the tool definition is the floor; config overrides can only
// keep or raise strictness, never lower it. Override priority: exact name >
// glob pattern > "*" > declared. When several globs match, the strictest
// wins; ties break on pattern order.
func (e *Engine) Resolve(toolName string, declared Level, overrides map[string]string) (level Level, matched string) {
	toolName = strings.ToLower(strings.TrimSpace(toolName))
	if toolName == "" {
		return LevelDoubleConfirm, ""
	}
	if declared == "" {
		declared = e.defaultLevel
	}

	override, matched := lookupOverride(toolName, declared, overrides)
	if matched == "" {
		return declared, "declared"
	}
	lvl := normalizeLevel(override, declared)
	if lvl.Strictness() < declared.Strictness() {
		// An override may not weaken the declared level.
		return declared, "declared"
	}
	return lvl, matched
}

func lookupOverride(toolName string, declared Level, overrides map[string]string) (value, matched string) {
	if len(overrides) == 0 {
		return "", ""
	}
	if v, ok := overrides[toolName]; ok {
		return v, toolName
	}

	type candidate struct {
		pattern string
		value   string
	}
	var globs []candidate
	for pattern, v := range overrides {
		p := strings.ToLower(strings.TrimSpace(pattern))
		if p == "" || p == toolName || p == "*" {
			continue
		}
		if ok, _ := path.Match(p, toolName); ok {
			globs = append(globs, candidate{pattern: p, value: v})
		}
	}
	if len(globs) > 0 {
		sort.Slice(globs, func(i, j int) bool { return globs[i].pattern < globs[j].pattern })
		best := globs[0]
		bestStrict := normalizeLevel(best.value, declared).Strictness()
		for _, c := range globs[1:] {
			if s := normalizeLevel(c.value, declared).Strictness(); s > bestStrict {
				best, bestStrict = c, s
			}
		}
		return best.value, best.pattern
	}

	if v, ok := overrides["*"]; ok {
		return v, "*"
	}
	return "", ""
}

func normalizeLevel(v string, fallback Level) Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "none":
		return LevelNone
	case "confirm":
		return LevelConfirm
	case "double_confirm":
		return LevelDoubleConfirm
	default:
		return fallback
	}
}

// ParseLevel converts a config string into a Level, defaulting unknown
// values to the strictest requirement.
func ParseLevel(v string) Level {
	return normalizeLevel(v, LevelDoubleConfirm)
}

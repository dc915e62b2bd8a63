package risk

import (
	"fmt"
	"strings"
)

// Level is the intensity of pre-execution checking applied to a tool call.
// Levels are ordered: NONE < ASYNC < BLOCKING < STRICT.
type Level int

const (
	LevelNone Level = iota
	LevelAsync
	LevelBlocking
	LevelStrict
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelAsync:
		return "ASYNC"
	case LevelBlocking:
		return "BLOCKING"
	case LevelStrict:
		return "STRICT"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NONE":
		return LevelNone, nil
	case "ASYNC":
		return LevelAsync, nil
	case "BLOCKING":
		return LevelBlocking, nil
	case "STRICT":
		return LevelStrict, nil
	}
	return LevelNone, fmt.Errorf("unknown validation level %q", s)
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Thresholds are the risk-score cut-offs for level selection.
type Thresholds struct {
	Strict   float64
	Blocking float64
	Async    float64
}

// DefaultThresholds returns the standard cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{Strict: 0.8, Blocking: 0.5, Async: 0.2}
}

// DetermineValidationLevel maps a risk score to a level. Scores below the
// async threshold fall back to the profile's base level. Pure function.
func DetermineValidationLevel(score float64, profile *ToolRiskProfile, th Thresholds) Level {
	switch {
	case score >= th.Strict:
		return LevelStrict
	case score >= th.Blocking:
		return LevelBlocking
	case score >= th.Async:
		return LevelAsync
	}
	if profile == nil {
		return LevelAsync
	}
	return profile.BaseLevel
}

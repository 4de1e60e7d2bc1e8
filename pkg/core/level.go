package core

import (
	"fmt"
	"log/slog"
	"strings"
)

// Level is a severity level as written by the consumer daemon's logger.
type Level int

// Levels ordered low to high. SEVERE and FATAL only occur in the daemon's
// own (java.util.logging / log4j) output.
const (
	LevelNone     Level = 0
	LevelDebug    Level = 10
	LevelInfo     Level = 20
	LevelWarning  Level = 30
	LevelError    Level = 40
	LevelCritical Level = 50
	LevelSevere   Level = 60
	LevelFatal    Level = 70
)

// Levels lists every matchable level from lowest to highest.
var Levels = []Level{
	LevelDebug,
	LevelInfo,
	LevelWarning,
	LevelError,
	LevelCritical,
	LevelSevere,
	LevelFatal,
}

var levelNames = map[Level]string{
	LevelNone:     "NONE",
	LevelDebug:    "DEBUG",
	LevelInfo:     "INFO",
	LevelWarning:  "WARNING",
	LevelError:    "ERROR",
	LevelCritical: "CRITICAL",
	LevelSevere:   "SEVERE",
	LevelFatal:    "FATAL",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel accepts a level name (case-insensitive, WARN is accepted for
// WARNING) and returns the level.
func ParseLevel(s string) (Level, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "WARN" {
		return LevelWarning, nil
	}
	if name == "" || name == "OFF" {
		return LevelNone, nil
	}
	for l, n := range levelNames {
		if n == name {
			return l, nil
		}
	}
	return LevelNone, fmt.Errorf("unknown log level %q", s)
}

// AtOrAbove returns the names of all levels >= min, lowest first.
func AtOrAbove(min Level) []string {
	var names []string
	for _, l := range Levels {
		if l >= min {
			names = append(names, l.String())
		}
	}
	return names
}

// Slog maps the level onto the host logger's levels. Everything from ERROR
// upwards collapses onto slog.LevelError.
func (l Level) Slog() slog.Level {
	switch {
	case l >= LevelError:
		return slog.LevelError
	case l >= LevelWarning:
		return slog.LevelWarn
	case l >= LevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

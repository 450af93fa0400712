package sandbox

import (
	"fmt"
	"time"
)

// Level tags an output line.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// MarshalText encodes the level as INFO, WARN or ERROR.
func (l Level) MarshalText() ([]byte, error) {
	switch l {
	case LevelInfo, LevelWarn, LevelError:
		return []byte(l.String()), nil
	}
	return nil, fmt.Errorf("invalid output level %d", int(l))
}

// UnmarshalText parses INFO, WARN or ERROR.
func (l *Level) UnmarshalText(b []byte) error {
	switch string(b) {
	case "INFO":
		*l = LevelInfo
	case "WARN":
		*l = LevelWarn
	case "ERROR":
		*l = LevelError
	default:
		return fmt.Errorf("invalid output level %q", string(b))
	}
	return nil
}

// OutputLine is one captured line of task output.
type OutputLine struct {
	Level Level     `json:"level"`
	Text  string    `json:"text"`
	Time  time.Time `json:"time"`
}

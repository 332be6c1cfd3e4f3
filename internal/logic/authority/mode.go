package authority

import (
	"fmt"
	"strings"
)

// Mode selects which source has the right to set motion intent.
type Mode int

const (
	ModeManual Mode = iota + 1
	ModeAssisted
	ModeAutoTrack
)

func (m Mode) String() string {
	switch m {
	case ModeManual:
		return "manual"
	case ModeAssisted:
		return "assisted"
	case ModeAutoTrack:
		return "auto_track"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Tracking reports whether the mode lets the tracking loop propose motion.
func (m Mode) Tracking() bool {
	return m == ModeAssisted || m == ModeAutoTrack
}

// ParseMode converts a mode name into a Mode. Matching ignores case and
// accepts '-' in place of '_'.
func ParseMode(value string) (Mode, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "-", "_")
	switch normalized {
	case "manual":
		return ModeManual, nil
	case "assisted":
		return ModeAssisted, nil
	case "auto_track", "autotrack", "auto":
		return ModeAutoTrack, nil
	default:
		return ModeManual, fmt.Errorf("unknown mode %q", value)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// OverrideOutput selects what an automatic proposal is replaced with while
// the override latch is active.
type OverrideOutput int

const (
	OverrideNeutral OverrideOutput = iota
	OverrideLastManual
)

func (o OverrideOutput) String() string {
	if o == OverrideLastManual {
		return "last_manual"
	}
	return "neutral"
}

// ParseOverrideOutput converts "neutral" or "last_manual".
func ParseOverrideOutput(value string) (OverrideOutput, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "neutral":
		return OverrideNeutral, nil
	case "last_manual", "last-manual":
		return OverrideLastManual, nil
	default:
		return OverrideNeutral, fmt.Errorf("unknown override output %q", value)
	}
}

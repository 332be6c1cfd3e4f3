package debug

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

func withOutput(t *testing.T, lvl int) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	Init(lvl)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		Init(LevelOff)
	})
	return &buf
}

func TestLevels_FilterMessages(t *testing.T) {
	buf := withOutput(t, LevelInfo)

	Info("mode %s", "auto_track")
	Live("should not appear")
	Verbose("nor this")

	out := buf.String()
	if !strings.Contains(out, "[INFO] mode auto_track") {
		t.Errorf("missing info line in %q", out)
	}
	if strings.Contains(out, "should not appear") || strings.Contains(out, "nor this") {
		t.Errorf("lines above level leaked: %q", out)
	}
}

func TestOff_PrintsNothing(t *testing.T) {
	buf := withOutput(t, LevelOff)

	Info("x")
	Error(errors.New("boom"))
	if buf.Len() != 0 {
		t.Errorf("expected no output at level 0, got %q", buf.String())
	}
	if Fmt("%d", 1) != "" {
		t.Error("Fmt should return empty string when disabled")
	}
}

func TestOutput_LiveLevel(t *testing.T) {
	buf := withOutput(t, LevelLive)

	Output(0.5, -0.25, 7, "auto_track")
	if !strings.Contains(buf.String(), "out #7 yaw=+0.500 pitch=-0.250 (auto_track)") {
		t.Errorf("unexpected output line: %q", buf.String())
	}
}

func TestIsEnabled(t *testing.T) {
	withOutput(t, LevelVerbose)

	if !IsEnabled(LevelLive) {
		t.Error("live should be enabled at verbose")
	}
	if IsEnabled(LevelTrace) {
		t.Error("trace should not be enabled at verbose")
	}
	if Level() != LevelVerbose {
		t.Errorf("Level() = %d, want %d", Level(), LevelVerbose)
	}
}

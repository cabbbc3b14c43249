package debug

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

type state string

func (s state) String() string { return string(s) }

func capture(t *testing.T, level int) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	Init(level)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		Init(LevelOff)
	})
	return &buf
}

func TestLevels(t *testing.T) {
	buf := capture(t, LevelLive)

	Info("hello %d", 1)
	Module("buzzer", true)
	Verbose("hidden")
	GPIO("Write", "BCM4", 1)

	out := buf.String()
	for _, want := range []string{"[AlarmThings] ", "[INFO] hello 1", "[LIVE] Module buzzer: on"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	for _, unwanted := range []string{"hidden", "[GPIO]"} {
		if strings.Contains(out, unwanted) {
			t.Errorf("output should not contain %q at level %d", unwanted, LevelLive)
		}
	}
}

func TestOffPrintsNothing(t *testing.T) {
	buf := capture(t, LevelOff)
	Info("x")
	Errorf("y")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
	if IsEnabled(LevelInfo) {
		t.Error("IsEnabled(Info) should be false at level 0")
	}
}

func TestTransition(t *testing.T) {
	buf := capture(t, LevelVerbose)
	Transition(state("idle"), state("device-opening"), "initialize")
	if !strings.Contains(buf.String(), "Capture: idle -> device-opening (initialize)") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

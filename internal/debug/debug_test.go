package debug

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func withBuffer(t *testing.T, lvl int) *bytes.Buffer {
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

func TestLevelFiltering(t *testing.T) {
	buf := withBuffer(t, LevelLive)

	Info("info %d", 1)
	Live("live %d", 2)
	Verbose("verbose %d", 3)
	GPIO("WritePin", 21, true)

	got := buf.String()
	if !strings.Contains(got, "[INFO] info 1") {
		t.Errorf("missing info line in %q", got)
	}
	if !strings.Contains(got, "[LIVE] live 2") {
		t.Errorf("missing live line in %q", got)
	}
	if strings.Contains(got, "verbose 3") {
		t.Errorf("verbose line should be filtered at level 2: %q", got)
	}
	if strings.Contains(got, "[GPIO]") {
		t.Errorf("GPIO trace should be filtered at level 2: %q", got)
	}
}

func TestOffProducesNothing(t *testing.T) {
	buf := withBuffer(t, LevelOff)
	Info("nothing")
	Error(os.ErrNotExist)
	if buf.Len() != 0 {
		t.Errorf("level 0 should be silent, got %q", buf.String())
	}
}

func TestPrefix(t *testing.T) {
	buf := withBuffer(t, LevelInfo)
	Link("Connecting", "Connected", "10.0.0.2:5005")
	if !strings.HasPrefix(buf.String(), prefix) {
		t.Errorf("output %q should start with %q", buf.String(), prefix)
	}
	if !strings.Contains(buf.String(), "[LINK] Connecting -> Connected (10.0.0.2:5005)") {
		t.Errorf("unexpected link line %q", buf.String())
	}
}

func TestInitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pantrack.log")
	InitFile(LevelInfo, path)
	t.Cleanup(func() {
		_ = Close()
		SetOutput(os.Stdout)
		Init(LevelOff)
	})

	Info("to file")
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file content = %q", data)
	}
}

func TestFmt(t *testing.T) {
	withBuffer(t, LevelOff)
	if got := Fmt("x=%d", 1); got != "" {
		t.Errorf("Fmt with debug off = %q, want empty", got)
	}
	Init(LevelInfo)
	if got := Fmt("x=%d", 1); got != "x=1" {
		t.Errorf("Fmt = %q, want x=1", got)
	}
}

func TestOutputTee(t *testing.T) {
	buf := withBuffer(t, LevelInfo)
	var mirror bytes.Buffer
	SetOutput(io.MultiWriter(Output(), &mirror))

	Warn("link slow")

	if !strings.Contains(buf.String(), "[WARN] link slow") || !strings.Contains(mirror.String(), "[WARN] link slow") {
		t.Errorf("both writers should see the line: %q / %q", buf.String(), mirror.String())
	}
}

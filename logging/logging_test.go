package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"CRITICAL", "ERROR", "WARNING", "INFO", "DEBUG"} {
		level, ok := ParseLevel(name)
		if !ok {
			t.Errorf("ParseLevel(%q) not ok", name)
		}
		if level.String() != name {
			t.Errorf("ParseLevel(%q).String() = %q", name, level.String())
		}
	}
	if _, ok := ParseLevel("BOGUS"); ok {
		t.Error("ParseLevel(BOGUS) should not be ok")
	}
}

func TestLogFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Warning)

	logger.Debug("should be filtered")
	logger.Info("should also be filtered")
	logger.Warning("should appear")
	logger.Error("should also appear")

	out := buf.String()
	if strings.Contains(out, "should be filtered") || strings.Contains(out, "should also be filtered") {
		t.Errorf("level filtering failed: %q", out)
	}
	if !strings.Contains(out, "should appear") || !strings.Contains(out, "should also appear") {
		t.Errorf("expected warning/error lines present: %q", out)
	}
}

func TestSetLevelWidensFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Warning)
	logger.SetLevel(Debug)
	if logger.GetLevel() != Debug {
		t.Fatalf("GetLevel() = %v, want Debug", logger.GetLevel())
	}
	logger.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Errorf("debug line missing after SetLevel(Debug): %q", buf.String())
	}
}

func TestGetSubLoggerInheritsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Info)
	sub := logger.GetSubLogger("component-x")
	if sub.GetLevel() != Info {
		t.Errorf("sub logger level = %v, want Info", sub.GetLevel())
	}
	sub.Info("sub line")
	if !strings.Contains(buf.String(), "sub line") {
		t.Errorf("sub logger did not write through: %q", buf.String())
	}
}

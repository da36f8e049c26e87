package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("beacon %d", 7)
	if got != "beacon 7" {
		t.Errorf("Logf wrote %q, want %q", got, "beacon 7")
	}

	// nil installs a no-op logger; this must not panic
	SetLogger(nil)
	Logf("dropped")
}

func TestDebugf(t *testing.T) {
	original := Logf
	defer func() {
		Logf = original
		SetVerbose(false)
	}()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	SetVerbose(false)
	Debugf("quiet %s", "line")
	if len(lines) != 0 {
		t.Fatalf("Debugf logged while not verbose: %v", lines)
	}

	SetVerbose(true)
	if !Verbose() {
		t.Fatal("Verbose() = false after SetVerbose(true)")
	}
	Debugf("loud %s", "line")
	if len(lines) != 1 || lines[0] != "[debug] loud line" {
		t.Errorf("Debugf lines = %v, want [\"[debug] loud line\"]", lines)
	}
}

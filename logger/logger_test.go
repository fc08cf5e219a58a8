package logger

import (
	"testing"
)

func TestPackageHelpersSafeBeforeInitialize(t *testing.T) {
	// The init() no-op logger must absorb calls made before Initialize.
	Infow("before initialize", "key", "value")
	Warnf("before initialize: %d", 1)
	Debug("before initialize")
}

func TestInitializeConsole(t *testing.T) {
	if err := Initialize(false); err != nil {
		t.Fatalf("Initialize(false) failed: %v", err)
	}
	if JSONOutput {
		t.Fatal("JSONOutput should be false after console initialization")
	}
	if Logger == nil {
		t.Fatal("Logger should be non-nil after Initialize")
	}
	Infow("console logger initialized", "test", t.Name())
}

func TestInitializeJSON(t *testing.T) {
	if err := Initialize(true); err != nil {
		t.Fatalf("Initialize(true) failed: %v", err)
	}
	if !JSONOutput {
		t.Fatal("JSONOutput should be true after JSON initialization")
	}
	Infow("json logger initialized", "test", t.Name())
}

func TestNamed(t *testing.T) {
	if err := Initialize(false); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	child := Named("tasks")
	if child == nil {
		t.Fatal("Named returned nil")
	}
	child.Infow("named child works")
}

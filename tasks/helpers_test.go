package tasks

import (
	"testing"

	"github.com/teranos/loom/netio"
)

func newTestEventFD(t *testing.T) *netio.Wakeup {
	t.Helper()
	w, err := netio.NewWakeup()
	if err != nil {
		t.Fatalf("NewWakeup failed: %v", err)
	}
	return w
}

func newTestGroup(t *testing.T, workers int) *Group {
	t.Helper()
	g, err := NewGroup(workers, nil)
	if err != nil {
		t.Fatalf("NewGroup failed: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

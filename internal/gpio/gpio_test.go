package gpio

import (
	"errors"
	"testing"
)

func TestMemoryRecordsWrites(t *testing.T) {
	m := NewMemory()
	if m.Value() {
		t.Fatal("expected initial value false")
	}

	_ = m.SetOutput(true)
	_ = m.SetOutput(true)
	if !m.Value() {
		t.Fatal("expected value true")
	}
	if m.Writes() != 2 {
		t.Fatalf("expected 2 writes, got %d", m.Writes())
	}

	_ = m.SetOutput(false)
	if m.Value() {
		t.Fatal("expected value false")
	}
}

func TestClosedLineRejectsWrites(t *testing.T) {
	l := &Line{}
	if err := l.SetOutput(true); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close on closed line: %v", err)
	}
}

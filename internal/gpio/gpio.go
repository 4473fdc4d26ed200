// Package gpio provides relay actuators: a Linux GPIO character-device line and an
// in-memory stand-in for running without hardware.
package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "picorelay"

var ErrClosed = errors.New("gpio: line closed")

// Line is a single output line driving the relay coil.
type Line struct {
	mu   sync.Mutex
	line *gpiocdev.Line
}

// Open requests offset on chip (e.g. "gpiochip0") as an output initialised to
// the inactive level. With activeLow the logical value is inverted by the kernel,
// so SetOutput(true) always means "relay energised".
func Open(chip string, offset int, activeLow bool) (*Line, error) {
	opts := []gpiocdev.LineReqOption{
		gpiocdev.WithConsumer(consumer),
		gpiocdev.AsOutput(0),
	}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}

	l, err := gpiocdev.RequestLine(chip, offset, opts...)
	if err != nil {
		return nil, fmt.Errorf("request %s line %d: %w", chip, offset, err)
	}
	return &Line{line: l}, nil
}

func (l *Line) SetOutput(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.line == nil {
		return ErrClosed
	}
	v := 0
	if on {
		v = 1
	}
	if err := l.line.SetValue(v); err != nil {
		return fmt.Errorf("set line value %d: %w", v, err)
	}
	return nil
}

// Close drives the line inactive and releases it.
func (l *Line) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.line == nil {
		return nil
	}
	_ = l.line.SetValue(0)
	err := l.line.Close()
	l.line = nil
	return err
}

// Memory is an actuator that only remembers the last written value.
type Memory struct {
	mu     sync.Mutex
	value  bool
	writes int
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) SetOutput(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = on
	m.writes++
	return nil
}

func (m *Memory) Value() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Memory) Close() error { return nil }

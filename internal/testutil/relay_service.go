package testutil

import (
	"sync"

	"github.com/Agrid-Dev/picorelay/internal/relay"
)

// FakeRelayService is a reusable fake implementing ports.RelayService.
// Safe for use from server goroutines.
type FakeRelayService struct {
	mu sync.Mutex
	S  relay.State

	TurnOnCalls  int
	TurnOffCalls int
	Err          error
}

func NewFakeRelayService() *FakeRelayService {
	return &FakeRelayService{S: relay.Off}
}

func (f *FakeRelayService) State() relay.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.S
}

func (f *FakeRelayService) TurnOn() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TurnOnCalls++
	if f.Err != nil {
		return f.Err
	}
	f.S = relay.On
	return nil
}

func (f *FakeRelayService) TurnOff() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TurnOffCalls++
	if f.Err != nil {
		return f.Err
	}
	f.S = relay.Off
	return nil
}

// Calls returns (on, off) call counts.
func (f *FakeRelayService) Calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.TurnOnCalls, f.TurnOffCalls
}

// RecordingPublisher implements relay.Publisher and records every event.
type RecordingPublisher struct {
	mu     sync.Mutex
	Events []relay.Status
	Err    error
}

func (p *RecordingPublisher) PublishStatus(s relay.Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, s)
	return p.Err
}

func (p *RecordingPublisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Events)
}

// StaticLink implements ports.LinkStatus.
type StaticLink bool

func (l StaticLink) Connected() bool { return bool(l) }

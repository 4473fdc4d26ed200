// Package relay owns the single relay output and its in-memory state.
package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Agrid-Dev/picorelay/internal/faults"
	"github.com/Agrid-Dev/picorelay/internal/logging"
)

// Actuator drives the physical output.
type Actuator interface {
	SetOutput(on bool) error
}

// Publisher receives a status event after each mutation. Errors are logged, never returned
// to the caller of TurnOn/TurnOff.
type Publisher interface {
	PublishStatus(Status) error
}

const DefaultSource = "picorelay"

type Controller struct {
	mu   sync.Mutex
	on   State
	act  Actuator
	pubs []Publisher

	source string
	now    func() time.Time
	log    *slog.Logger
}

type Option func(*Controller)

// WithSource sets the "source" field of published status events.
func WithSource(source string) Option {
	return func(c *Controller) {
		if source != "" {
			c.source = source
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = logging.OrDiscard(l) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a controller in the Off state. The actuator is expected to have been
// initialised to off already (see gpio.Open).
func New(act Actuator, opts ...Option) (*Controller, error) {
	if act == nil {
		return nil, ErrNilActuator
	}
	c := &Controller{
		act:    act,
		source: DefaultSource,
		now:    time.Now,
		log:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Attach adds a status publisher. Publishers are called in attach order.
func (c *Controller) Attach(p Publisher) {
	if p == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubs = append(c.pubs, p)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.on
}

func (c *Controller) TurnOn() error { return c.Set(On) }

func (c *Controller) TurnOff() error { return c.Set(Off) }

// Set writes the output and, on success, updates the state and publishes a status event.
// The write happens on every call, even when the state does not change.
// Publishing happens under the lock so that events leave in mutation order.
func (c *Controller) Set(s State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.act.SetOutput(bool(s)); err != nil {
		c.log.Error("relay write failed", "state", s.String(), "error", err)
		return fmt.Errorf("%w: %w", ErrActuator, err)
	}
	c.on = s
	c.log.Info("relay switched", "state", s.String())

	ev := Status{State: s, Timestamp: c.now(), Source: c.source}
	for _, p := range c.pubs {
		if err := p.PublishStatus(ev); err != nil {
			c.log.Warn("status publish failed",
				"kind", faults.KindSideEffect.String(),
				"state", s.String(),
				"error", err,
			)
		}
	}
	return nil
}

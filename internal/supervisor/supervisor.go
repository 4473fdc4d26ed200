// Package supervisor runs the startup sequence and the resident poll loop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/Agrid-Dev/picorelay/internal/device"
	"github.com/Agrid-Dev/picorelay/internal/faults"
	"github.com/Agrid-Dev/picorelay/internal/logging"
	"github.com/Agrid-Dev/picorelay/internal/timesync"
)

type NetworkJoiner interface {
	Join(ctx context.Context) (net.IP, error)
}

type TimeSyncer interface {
	Sync(ctx context.Context) timesync.Result
}

type MQTTTransport interface {
	Enabled() bool
	Start(ctx context.Context) error
	Poll(ctx context.Context) error
}

type HTTPTransport interface {
	Listen() error
	Poll(ctx context.Context, wait time.Duration) error
}

type Config struct {
	// BindGrace is how long to wait before resetting after a fatal startup error.
	BindGrace time.Duration
	// PollWait bounds how long one tick waits for an HTTP request.
	PollWait time.Duration
	// MQTTInterval is the minimum time between two MQTT polls.
	MQTTInterval time.Duration
}

// Deps are the collaborators. Network and TimeSync may be nil to skip those steps;
// MQTT may be nil for an HTTP-only build.
type Deps struct {
	Network  NetworkJoiner
	TimeSync TimeSyncer
	MQTT     MQTTTransport
	HTTP     HTTPTransport
	Reset    device.Resetter
}

type Supervisor struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	lastMQTT time.Time
	ticks    uint64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

var ErrMissingHTTP = errors.New("supervisor: http transport is required")

func New(cfg Config, deps Deps, log *slog.Logger) (*Supervisor, error) {
	if deps.HTTP == nil {
		return nil, ErrMissingHTTP
	}
	if deps.Reset == nil {
		deps.Reset = device.ExitResetter{Log: log}
	}
	if cfg.BindGrace <= 0 {
		cfg.BindGrace = 5 * time.Second
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 50 * time.Millisecond
	}
	if cfg.MQTTInterval < time.Second {
		cfg.MQTTInterval = time.Second
	}
	return &Supervisor{
		cfg:   cfg,
		deps:  deps,
		log:   logging.OrDiscard(log).With("component", "supervisor"),
		now:   time.Now,
		sleep: sleepCtx,
	}, nil
}

// Start runs the one-time startup sequence: network join, time sync, MQTT connect,
// HTTP bind. Only the network join and the bind are fatal; both end in a device reset
// and a returned error wrapping faults.ErrStartupFatal.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.deps.Network != nil {
		ip, err := s.deps.Network.Join(ctx)
		if err != nil {
			return s.fatal(ctx, "network join failed", err)
		}
		s.log.Info("network ready", "ip", ip.String())
	}

	if s.deps.TimeSync != nil {
		// Failure is already logged by the syncer and is not fatal.
		_ = s.deps.TimeSync.Sync(ctx)
	}

	if s.deps.MQTT != nil && s.deps.MQTT.Enabled() {
		if err := s.deps.MQTT.Start(ctx); err != nil {
			s.log.Warn("mqtt unavailable, serving HTTP only",
				"kind", faults.KindOf(err).String(),
				"error", err,
			)
		}
		s.lastMQTT = s.now()
	}

	if err := s.deps.HTTP.Listen(); err != nil {
		return s.fatal(ctx, "http bind failed", err)
	}
	return nil
}

func (s *Supervisor) fatal(ctx context.Context, msg string, err error) error {
	s.log.Error(msg+", resetting device",
		"kind", faults.KindStartupFatal.String(),
		"grace", s.cfg.BindGrace,
		"error", err,
	)
	_ = s.sleep(ctx, s.cfg.BindGrace)
	if rerr := s.deps.Reset.Reset(); rerr != nil {
		s.log.Error("device reset failed", "error", rerr)
	}
	if errors.Is(err, faults.ErrStartupFatal) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", faults.ErrStartupFatal, msg, err)
}

// Run ticks until ctx is cancelled. Errors from a tick are logged with their kind and
// never stop the loop.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("supervisor running",
		"mqtt", s.deps.MQTT != nil && s.deps.MQTT.Enabled(),
		"mqtt_interval", s.cfg.MQTTInterval,
	)
	for ctx.Err() == nil {
		for _, err := range s.tick(ctx) {
			s.log.Error("tick error",
				"kind", faults.KindOf(err).String(),
				"tick", s.ticks,
				"error", err,
			)
		}
	}
	return ctx.Err()
}

// Tick runs one loop iteration: at most one HTTP request, then an MQTT poll if the
// interval has elapsed.
func (s *Supervisor) Tick(ctx context.Context) error {
	return errors.Join(s.tick(ctx)...)
}

func (s *Supervisor) tick(ctx context.Context) []error {
	s.ticks++
	var errs []error

	if err := guard("http", func() error { return s.deps.HTTP.Poll(ctx, s.cfg.PollWait) }); err != nil {
		errs = append(errs, err)
	}

	if s.deps.MQTT != nil && s.deps.MQTT.Enabled() {
		if now := s.now(); now.Sub(s.lastMQTT) >= s.cfg.MQTTInterval {
			s.lastMQTT = now
			if err := guard("mqtt", func() error { return s.deps.MQTT.Poll(ctx) }); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

// guard turns a panic in fn into an internal error.
func guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s poll panicked: %v", faults.ErrInternal, name, r)
		}
	}()
	return fn()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

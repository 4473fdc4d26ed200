// Package netjoin waits for the device to have a usable network interface.
package netjoin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/Agrid-Dev/picorelay/internal/faults"
	"github.com/Agrid-Dev/picorelay/internal/logging"
)

var ErrNoAddress = errors.New("netjoin: no usable IPv4 address")

type Config struct {
	// Interface to wait for. Empty means any non-loopback interface.
	Interface    string
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Iface is the subset of net.Interface the joiner inspects.
type Iface struct {
	Name  string
	Up    bool
	Loop  bool
	Addrs []net.Addr
}

type Joiner struct {
	cfg   Config
	log   *slog.Logger
	list  func() ([]Iface, error)
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, log *slog.Logger) *Joiner {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 10
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = 30 * time.Second
	}
	return &Joiner{
		cfg:   cfg,
		log:   logging.OrDiscard(log).With("component", "netjoin"),
		list:  systemInterfaces,
		sleep: sleepCtx,
	}
}

// Join blocks until an address is found, attempts run out, or ctx ends.
// Running out of attempts is startup-fatal.
func (j *Joiner) Join(ctx context.Context) (net.IP, error) {
	delay := j.cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= j.cfg.Attempts; attempt++ {
		ip, err := j.lookup()
		if err == nil {
			j.log.Info("network joined", "interface", j.cfg.Interface, "ip", ip.String(), "attempt", attempt)
			return ip, nil
		}
		lastErr = err
		j.log.Warn("network not ready", "attempt", attempt, "retry_in", delay, "error", err)

		if attempt == j.cfg.Attempts {
			break
		}
		if err := j.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay = min(delay*2, j.cfg.MaxDelay)
	}

	return nil, fmt.Errorf("%w: network join after %d attempts: %w", faults.ErrStartupFatal, j.cfg.Attempts, lastErr)
}

func (j *Joiner) lookup() (net.IP, error) {
	ifaces, err := j.list()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for _, ifc := range ifaces {
		if !ifc.Up || ifc.Loop {
			continue
		}
		if j.cfg.Interface != "" && ifc.Name != j.cfg.Interface {
			continue
		}
		for _, a := range ifc.Addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() && !ip4.IsUnspecified() {
				return ip4, nil
			}
		}
	}
	if j.cfg.Interface != "" {
		return nil, fmt.Errorf("%w on %s", ErrNoAddress, j.cfg.Interface)
	}
	return nil, ErrNoAddress
}

func systemInterfaces() ([]Iface, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Iface, 0, len(ifs))
	for _, ifc := range ifs {
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		out = append(out, Iface{
			Name:  ifc.Name,
			Up:    ifc.Flags&net.FlagUp != 0,
			Loop:  ifc.Flags&net.FlagLoopback != 0,
			Addrs: addrs,
		})
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

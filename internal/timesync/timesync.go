// Package timesync performs the one-shot SNTP query run at startup.
package timesync

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/Agrid-Dev/picorelay/internal/faults"
	"github.com/Agrid-Dev/picorelay/internal/logging"
)

const (
	packetSize = 48

	// LI=0, VN=3, Mode=3 (client).
	requestHeader = 0x1b

	// Transmit timestamp, seconds part.
	secondsOffset = 40

	// Seconds between 1900-01-01 and 1970-01-01.
	ntpEpochOffset = 2208988800
	// Transmit seconds below 2020-01-01 in era 0 are read as era 1.
	eraPivot = 3786825600

	DefaultPort    = 123
	DefaultTimeout = 5 * time.Second
)

var (
	ErrShortResponse = errors.New("ntp: short response")
	ErrZeroTime      = errors.New("ntp: server returned zero transmit time")
)

type Config struct {
	Host    string
	Port    int
	Timeout time.Duration
	// Offset is added to the UTC time before the clock is set.
	Offset time.Duration
	// SetClock controls whether the resolved time is written to the device clock.
	SetClock bool
}

// Clock sets the device wall clock.
type Clock interface {
	Set(time.Time) error
}

// Result is consumed once by the supervisor.
type Result struct {
	OK   bool
	Time time.Time
	Err  error
}

type Syncer struct {
	cfg   Config
	clock Clock
	log   *slog.Logger
	dial  func(ctx context.Context, network, addr string) (net.Conn, error)
}

func New(cfg Config, clock Clock, log *slog.Logger) *Syncer {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	d := &net.Dialer{}
	return &Syncer{
		cfg:   cfg,
		clock: clock,
		log:   logging.OrDiscard(log).With("component", "timesync"),
		dial:  d.DialContext,
	}
}

// Query asks the server for the current time. The returned time has the
// configured offset applied.
func (s *Syncer) Query(ctx context.Context) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	conn, err := s.dial(ctx, "udp", addr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: dial %s: %w", faults.ErrTransportUnavailable, addr, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(Request()); err != nil {
		return time.Time{}, fmt.Errorf("%w: send: %w", faults.ErrTransportUnavailable, err)
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: receive: %w", faults.ErrTransportUnavailable, err)
	}

	t, err := Decode(buf[:n])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", faults.ErrInvalidInput, err)
	}
	return t.Add(s.cfg.Offset), nil
}

// Sync queries the server and sets the clock. Failures are logged and reported in
// the result; they never stop the caller.
func (s *Syncer) Sync(ctx context.Context) Result {
	s.log.Info("syncing time", "host", s.cfg.Host)

	t, err := s.Query(ctx)
	if err != nil {
		s.log.Warn("time sync failed, continuing without accurate clock",
			"host", s.cfg.Host,
			"kind", faults.KindOf(err).String(),
			"error", err,
		)
		return Result{Err: err}
	}

	if s.cfg.SetClock && s.clock != nil {
		if err := s.clock.Set(t); err != nil {
			s.log.Warn("setting device clock failed", "time", t, "error", err)
			return Result{Time: t, Err: err}
		}
	}

	s.log.Info("time synced", "time", t.Format(time.RFC3339))
	return Result{OK: true, Time: t}
}

// Request returns a fresh client-mode request packet.
func Request() []byte {
	b := make([]byte, packetSize)
	b[0] = requestHeader
	return b
}

// Decode extracts the transmit timestamp (whole seconds) as UTC.
func Decode(resp []byte) (time.Time, error) {
	if len(resp) < packetSize {
		return time.Time{}, fmt.Errorf("%w: %d bytes", ErrShortResponse, len(resp))
	}
	secs := binary.BigEndian.Uint32(resp[secondsOffset : secondsOffset+4])
	if secs == 0 {
		return time.Time{}, ErrZeroTime
	}
	ntp := int64(secs)
	if secs < eraPivot {
		// era 1 started 2036-02-07
		ntp += 1 << 32
	}
	return time.Unix(ntp-ntpEpochOffset, 0).UTC(), nil
}

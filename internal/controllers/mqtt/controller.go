package mqttctrl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/Agrid-Dev/picorelay/internal/faults"
	"github.com/Agrid-Dev/picorelay/internal/logging"
	"github.com/Agrid-Dev/picorelay/internal/ports"
	"github.com/Agrid-Dev/picorelay/internal/relay"
)

type Topics struct {
	Control string // inbound commands
	Status  string // outbound state-change events
	Device  string // retained online/offline presence
}

var DefaultTopics = Topics{
	Control: "home-iot/relay/control",
	Status:  "home-iot/relay/status",
	Device:  "home-iot/device/status",
}

type Config struct {
	Enabled bool

	// Identity
	DeviceID string
	ClientID string

	// MQTT connection
	Host     string
	Port     int
	Username string
	Password string

	Topics Topics

	// Behavior
	QoS            byte
	QueueSize      int
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	KeepAlive      time.Duration

	// Reconnect backoff: first retry after ReconnectInitial, doubling up to ReconnectMax.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

type stage int

const (
	stageConnect stage = iota
	stageSubscribe
	stageAnnounce
)

// attempt is an in-flight handshake. Each stage gets its own timeout, measured from
// the moment the stage's token was issued.
type attempt struct {
	client  mqtt.Client
	tok     mqtt.Token
	stage   stage
	started time.Time
	timeout time.Duration
}

type inbound struct {
	topic   string
	payload []byte
}

// Controller is the MQTT transport. Connection state changes only happen in Start,
// Poll and Close, which the supervisor calls from its control goroutine; publishing
// may come from any goroutine and is serialized with (re)connects by mu.
type Controller struct {
	svc ports.RelayService
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	client      mqtt.Client
	status      Status
	closed      bool
	pending     *attempt
	backoff     time.Duration
	nextAttempt time.Time

	queue chan inbound
	lost  chan error

	newClient func(*mqtt.ClientOptions) mqtt.Client
	now       func() time.Time
}

func New(svc ports.RelayService, cfg Config, log *slog.Logger) (*Controller, error) {
	// ---- defaults ----

	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.Topics.Control == "" {
		cfg.Topics.Control = DefaultTopics.Control
	}
	if cfg.Topics.Status == "" {
		cfg.Topics.Status = DefaultTopics.Status
	}
	if cfg.Topics.Device == "" {
		cfg.Topics.Device = DefaultTopics.Device
	}
	if cfg.ClientID == "" {
		suffix := cfg.DeviceID
		if suffix == "" {
			suffix = uuid.NewString()[:8]
		}
		cfg.ClientID = "picorelay-" + suffix
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 60 * time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectInitial {
		cfg.ReconnectMax = cfg.ReconnectInitial
	}
	if cfg.QoS > 1 {
		return nil, ErrInvalidQoS
	}

	return &Controller{
		svc:       svc,
		cfg:       cfg,
		log:       logging.OrDiscard(log).With("component", "mqtt"),
		status:    initialStatus(cfg.Enabled),
		backoff:   cfg.ReconnectInitial,
		queue:     make(chan inbound, cfg.QueueSize),
		lost:      make(chan error, 1),
		newClient: mqtt.NewClient,
		now:       time.Now,
	}, nil
}

func initialStatus(enabled bool) Status {
	if enabled {
		return StatusDisconnected
	}
	return StatusDisabled
}

func (c *Controller) Enabled() bool { return c.cfg.Enabled }

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected implements ports.LinkStatus.
func (c *Controller) Connected() bool { return c.Status() == StatusConnected }

// Start makes the single startup connection attempt and waits for it to settle. A
// failure leaves the transport Disconnected (HTTP-only until a later Poll reconnects)
// and is returned as a transport-unavailable error for the caller to log.
func (c *Controller) Start(_ context.Context) error {
	if !c.cfg.Enabled {
		c.log.Info("mqtt disabled, running HTTP-only")
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.beginLocked()
	for c.pending != nil {
		a := c.pending
		if !a.tok.WaitTimeout(a.timeout) {
			return c.abortLocked(fmt.Errorf("%w after %v", ErrTimeout, a.timeout))
		}
		if err := c.advanceLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Poll checks the link, reconnects when due, and drains the inbound command queue.
func (c *Controller) Poll(_ context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	err := c.checkLink()
	c.drain()
	return err
}

// Close announces the device offline and disconnects. Further polls do nothing.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.pending != nil {
		c.pending.client.Disconnect(0)
		c.pending = nil
		c.status = StatusDisconnected
	}
	if c.status != StatusConnected || c.client == nil {
		return
	}
	tok := c.client.Publish(c.cfg.Topics.Device, c.cfg.QoS, true, presence(false))
	tok.WaitTimeout(c.cfg.PublishTimeout)
	c.client.Disconnect(250)
	c.status = StatusDisconnected
	c.log.Info("mqtt disconnected")
}

// PublishStatus implements relay.Publisher.
func (c *Controller) PublishStatus(ev relay.Status) error {
	if !c.cfg.Enabled {
		return nil
	}
	b, err := json.Marshal(ev.Payload())
	if err != nil {
		return fmt.Errorf("%w: encode status: %w", faults.ErrInternal, err)
	}
	if err := c.Publish(c.cfg.Topics.Status, b, false); err != nil {
		return err
	}
	c.log.Debug("status published", "state", ev.State.String(), "topic", c.cfg.Topics.Status)
	return nil
}

// Publish sends payload without waiting for the broker.
func (c *Controller) Publish(topic string, payload []byte, retained bool) error {
	if !c.cfg.Enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusConnected || c.client == nil {
		return fmt.Errorf("%w: %w", faults.ErrTransportUnavailable, ErrNotConnected)
	}
	return c.publishLocked(topic, payload, retained)
}

// ---- connection lifecycle ----

func (c *Controller) broker() string {
	return "tcp://" + c.cfg.Host + ":" + strconv.Itoa(c.cfg.Port)
}

func (c *Controller) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(c.broker()).
		SetClientID(c.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetKeepAlive(c.cfg.KeepAlive).
		SetWill(c.cfg.Topics.Device, string(presence(false)), c.cfg.QoS, true)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case c.lost <- err:
		default:
		}
	})
	return opts
}

// beginLocked issues the CONNECT and enters Connecting. It never waits; the
// handshake is driven forward by advanceLocked.
func (c *Controller) beginLocked() {
	c.status = StatusConnecting
	c.log.Info("connecting to broker", "broker", c.broker(), "client_id", c.cfg.ClientID)

	// A loss signal from a previous session is stale now.
	select {
	case <-c.lost:
	default:
	}

	client := c.newClient(c.clientOptions())
	c.pending = &attempt{
		client:  client,
		tok:     client.Connect(),
		stage:   stageConnect,
		started: c.now(),
		timeout: c.cfg.ConnectTimeout,
	}
}

// advanceLocked moves the handshake through connect, subscribe to the control topic
// and the retained online announcement, without blocking. It returns nil while a
// stage is still in flight.
func (c *Controller) advanceLocked() error {
	for c.pending != nil {
		a := c.pending
		select {
		case <-a.tok.Done():
		default:
			if c.now().Before(a.started.Add(a.timeout)) {
				return nil
			}
			return c.abortLocked(fmt.Errorf("%w after %v", ErrTimeout, a.timeout))
		}
		if err := a.tok.Error(); err != nil {
			return c.abortLocked(err)
		}

		switch a.stage {
		case stageConnect:
			c.nextStage(a, stageSubscribe, a.client.Subscribe(c.cfg.Topics.Control, c.cfg.QoS, c.onMessage), c.cfg.ConnectTimeout)
		case stageSubscribe:
			c.nextStage(a, stageAnnounce, a.client.Publish(c.cfg.Topics.Device, c.cfg.QoS, true, presence(true)), c.cfg.PublishTimeout)
		case stageAnnounce:
			c.pending = nil
			c.client = a.client
			c.status = StatusConnected
			c.backoff = c.cfg.ReconnectInitial
			c.log.Info("mqtt connected", "broker", c.broker(), "control_topic", c.cfg.Topics.Control)
		}
	}
	return nil
}

func (c *Controller) nextStage(a *attempt, st stage, tok mqtt.Token, timeout time.Duration) {
	a.stage = st
	a.tok = tok
	a.started = c.now()
	a.timeout = timeout
}

// abortLocked drops the in-flight attempt and schedules the next one.
func (c *Controller) abortLocked(cause error) error {
	a := c.pending
	c.pending = nil
	c.failLocked()

	switch a.stage {
	case stageConnect:
		if errors.Is(cause, ErrTimeout) {
			a.client.Disconnect(0)
		}
		return fmt.Errorf("%w: %w: %s: %w", faults.ErrTransportUnavailable, ErrConnectionFailed, c.broker(), cause)
	case stageSubscribe:
		a.client.Disconnect(0)
		return fmt.Errorf("%w: %w: %w", faults.ErrTransportUnavailable, ErrSubscribeFailed, cause)
	default:
		a.client.Disconnect(0)
		return fmt.Errorf("%w: %w: %s: %w", faults.ErrTransportUnavailable, ErrPublishFailed, c.cfg.Topics.Device, cause)
	}
}

// publishLocked hands the message to paho. An acknowledgement that is not already
// in is awaited off the caller's goroutine and only logged.
func (c *Controller) publishLocked(topic string, payload []byte, retained bool) error {
	tok := c.client.Publish(topic, c.cfg.QoS, retained, payload)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("%w: %w: %s: %w", faults.ErrTransportUnavailable, ErrPublishFailed, topic, err)
		}
		return nil
	default:
	}
	go c.awaitPublish(topic, tok)
	return nil
}

func (c *Controller) awaitPublish(topic string, tok mqtt.Token) {
	if !tok.WaitTimeout(c.cfg.PublishTimeout) {
		c.log.Warn("publish not acknowledged", "topic", topic, "error", ErrTimeout)
		return
	}
	if err := tok.Error(); err != nil {
		c.log.Warn("publish failed", "topic", topic, "error", err)
	}
}

// failLocked marks the attempt failed and schedules the next one.
func (c *Controller) failLocked() {
	c.status = StatusDisconnected
	c.nextAttempt = c.now().Add(c.backoff)
	c.backoff = min(c.backoff*2, c.cfg.ReconnectMax)
}

// lostLocked handles Connected → Disconnected. The first reconnect is attempted on the
// next poll; failures after that back off.
func (c *Controller) lostLocked() {
	if c.client != nil {
		c.client.Disconnect(0)
	}
	c.client = nil
	c.status = StatusDisconnected
	c.backoff = c.cfg.ReconnectInitial
	c.nextAttempt = c.now()
}

func (c *Controller) checkLink() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	switch c.status {
	case StatusConnected:
		select {
		case lostErr := <-c.lost:
			c.lostLocked()
			c.log.Warn("mqtt connection lost, falling back to HTTP-only", "error", lostErr)
			return fmt.Errorf("%w: connection lost: %w", faults.ErrTransportUnavailable, lostErr)
		default:
		}
		if !c.client.IsConnectionOpen() {
			c.lostLocked()
			c.log.Warn("mqtt connection closed, falling back to HTTP-only")
			return fmt.Errorf("%w: %w", faults.ErrTransportUnavailable, ErrNotConnected)
		}
		return nil

	case StatusConnecting:
		return c.advanceLocked()

	case StatusDisconnected:
		if c.now().Before(c.nextAttempt) {
			return nil
		}
		c.beginLocked()
		return c.advanceLocked()
	}
	return nil
}

// ---- inbound commands ----

// onMessage runs on paho's goroutine and only enqueues.
func (c *Controller) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m := inbound{topic: msg.Topic(), payload: append([]byte(nil), msg.Payload()...)}
	select {
	case c.queue <- m:
	default:
		c.log.Warn("dropping control message",
			"kind", faults.KindTransportUnavailable.String(),
			"topic", m.topic,
			"error", ErrInboundQueueFull,
		)
	}
}

// drain handles at most one queue's worth of messages so a flood cannot starve HTTP.
func (c *Controller) drain() {
	for i := 0; i < cap(c.queue); i++ {
		select {
		case m := <-c.queue:
			c.handle(m)
		default:
			return
		}
	}
}

func (c *Controller) handle(m inbound) {
	if m.topic != c.cfg.Topics.Control {
		return
	}

	st, err := ParseCommand(m.payload)
	if err != nil {
		c.log.Warn("ignoring control message",
			"kind", faults.KindOf(err).String(),
			"payload", string(m.payload),
			"error", err,
		)
		return
	}

	c.log.Info("control command received", "state", st.String())
	if st == relay.On {
		err = c.svc.TurnOn()
	} else {
		err = c.svc.TurnOff()
	}
	if err != nil {
		c.log.Error("relay command failed", "state", st.String(), "error", err)
	}
}

// ParseCommand reads {"state": "on"|"off"} or {"command": "on"|"off"}.
// A non-empty "state" takes precedence over "command".
func ParseCommand(b []byte) (relay.State, error) {
	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err != nil {
		return relay.Off, fmt.Errorf("%w: %w: %w", faults.ErrInvalidInput, ErrMalformedCommand, err)
	}
	if obj == nil {
		return relay.Off, fmt.Errorf("%w: %w", faults.ErrInvalidInput, ErrMalformedCommand)
	}

	v, ok := obj["state"]
	if !ok || v == nil || v == "" {
		v, ok = obj["command"]
	}
	if !ok || v == nil {
		return relay.Off, fmt.Errorf("%w: %w", faults.ErrInvalidInput, ErrMissingCommand)
	}

	s, isString := v.(string)
	if !isString {
		return relay.Off, fmt.Errorf("%w: %w: %v", faults.ErrInvalidInput, ErrUnknownCommand, v)
	}
	st, err := relay.ParseState(s)
	if err != nil {
		return relay.Off, fmt.Errorf("%w: %w: %q", faults.ErrInvalidInput, ErrUnknownCommand, s)
	}
	return st, nil
}

func presence(online bool) []byte {
	b, _ := json.Marshal(struct {
		Online bool `json:"online"`
	}{online})
	return b
}

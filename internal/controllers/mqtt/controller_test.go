package mqttctrl

import (
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Agrid-Dev/picorelay/internal/faults"
	"github.com/Agrid-Dev/picorelay/internal/gpio"
	"github.com/Agrid-Dev/picorelay/internal/relay"
	"github.com/Agrid-Dev/picorelay/internal/testutil"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeToken struct {
	err  error
	done chan struct{}
}

func (t fakeToken) Done() <-chan struct{} {
	if t.done == nil {
		t.done = make(chan struct{})
		close(t.done)
	}
	return t.done
}

func (t fakeToken) Wait() bool {
	<-t.Done()
	return true
}

func (t fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.Done():
		return true
	case <-time.After(d):
		return false
	}
}

func (t fakeToken) Error() error { return t.err }

type publishCall struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

type fakeClient struct {
	mu         sync.Mutex
	connectErr error
	publishErr error
	hold       chan struct{} // when set, Connect completes only once it is closed
	pubHold    chan struct{} // same for Publish
	open       bool
	subscribed []string
	handler    mqtt.MessageHandler
	publishes  []publishCall
	disconnect int
}

func (c *fakeClient) IsConnected() bool { return c.IsConnectionOpen() }
func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}
func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return fakeToken{err: c.connectErr}
	}
	c.open = true
	return fakeToken{done: c.hold}
}
func (c *fakeClient) Disconnect(_ uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.disconnect++
}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var b []byte
	switch v := payload.(type) {
	case []byte:
		b = append([]byte(nil), v...)
	case string:
		b = []byte(v)
	default:
		tmp, _ := json.Marshal(v)
		b = tmp
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishes = append(c.publishes, publishCall{
		topic: topic, qos: qos, retain: retained, payload: b,
	})
	return fakeToken{err: c.publishErr, done: c.pubHold}
}
func (c *fakeClient) Subscribe(topic string, _ byte, h mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	c.handler = h
	return fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(_ map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) Unsubscribe(_ ...string) mqtt.Token       { return fakeToken{} }
func (c *fakeClient) AddRoute(_ string, _ mqtt.MessageHandler) {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader  { return mqtt.ClientOptionsReader{} }

func (c *fakeClient) published() []publishCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishCall(nil), c.publishes...)
}

func (c *fakeClient) deliver(topic, payload string) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(nil, fakeMessage{topic: topic, payload: []byte(payload)})
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

// ---- helpers ----

func newTestController(t *testing.T, svc *testutil.FakeRelayService, fc *fakeClient) (*Controller, *fakeClock) {
	t.Helper()
	c, err := New(svc, Config{Enabled: true, DeviceID: "pico1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.now = clk.now
	c.newClient = func(*mqtt.ClientOptions) mqtt.Client { return fc }
	return c, clk
}

func assertStatus(t *testing.T, c *Controller, want Status) {
	t.Helper()
	if got := c.Status(); got != want {
		t.Fatalf("status = %v, want %v", got, want)
	}
}

// ---- tests ----

func TestNewDefaults(t *testing.T) {
	c, err := New(testutil.NewFakeRelayService(), Config{DeviceID: "pico1"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if c.broker() != "tcp://localhost:1883" {
		t.Fatalf("expected default broker, got %q", c.broker())
	}
	if c.cfg.Topics != DefaultTopics {
		t.Fatalf("expected default topics, got %+v", c.cfg.Topics)
	}
	if c.cfg.ClientID != "picorelay-pico1" {
		t.Fatalf("expected default ClientID, got %q", c.cfg.ClientID)
	}
	if c.cfg.ReconnectInitial != time.Second || c.cfg.ReconnectMax != 60*time.Second {
		t.Fatalf("unexpected reconnect defaults %v/%v", c.cfg.ReconnectInitial, c.cfg.ReconnectMax)
	}
	if cap(c.queue) != 16 {
		t.Fatalf("expected queue size 16, got %d", cap(c.queue))
	}
}

func TestNewGeneratesClientIDWithoutDeviceID(t *testing.T) {
	c, err := New(testutil.NewFakeRelayService(), Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.cfg.ClientID) != len("picorelay-")+8 {
		t.Fatalf("unexpected generated client id %q", c.cfg.ClientID)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(testutil.NewFakeRelayService(), Config{QoS: 2}, nil); !errors.Is(err, ErrInvalidQoS) {
		t.Fatalf("expected ErrInvalidQoS, got %v", err)
	}
}

func TestDisabledIsNoop(t *testing.T) {
	svc := testutil.NewFakeRelayService()
	c, err := New(svc, Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.newClient = func(*mqtt.ClientOptions) mqtt.Client {
		t.Fatal("client must not be created when disabled")
		return nil
	}

	if err := c.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := c.Poll(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := c.PublishStatus(relay.Status{State: relay.On}); err != nil {
		t.Fatal(err)
	}
	assertStatus(t, c, StatusDisabled)
	if c.Connected() {
		t.Fatal("disabled transport reported connected")
	}
}

func TestEnabledStartsDisconnected(t *testing.T) {
	c, _ := newTestController(t, testutil.NewFakeRelayService(), &fakeClient{})
	assertStatus(t, c, StatusDisconnected)
}

func TestStartSubscribesAndAnnouncesOnline(t *testing.T) {
	fc := &fakeClient{}
	c, _ := newTestController(t, testutil.NewFakeRelayService(), fc)

	if err := c.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	assertStatus(t, c, StatusConnected)

	if len(fc.subscribed) != 1 || fc.subscribed[0] != DefaultTopics.Control {
		t.Fatalf("expected subscription to control topic, got %v", fc.subscribed)
	}
	pubs := fc.published()
	if len(pubs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pubs))
	}
	p := pubs[0]
	if p.topic != DefaultTopics.Device || !p.retain || string(p.payload) != `{"online":true}` {
		t.Fatalf("unexpected presence publish %+v (%s)", p, p.payload)
	}
}

func TestStartFailureLeavesDisconnected(t *testing.T) {
	fc := &fakeClient{connectErr: errors.New("refused")}
	c, _ := newTestController(t, testutil.NewFakeRelayService(), fc)

	err := c.Start(t.Context())
	if !errors.Is(err, ErrConnectionFailed) || !errors.Is(err, faults.ErrTransportUnavailable) {
		t.Fatalf("expected transport-unavailable connection error, got %v", err)
	}
	assertStatus(t, c, StatusDisconnected)

	if err := c.PublishStatus(relay.Status{State: relay.On}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestStartAgainstUnreachableBroker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	c, err := New(testutil.NewFakeRelayService(), Config{
		Enabled:        true,
		DeviceID:       "pico1",
		Host:           "127.0.0.1",
		Port:           port,
		ConnectTimeout: 2 * time.Second,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Start(t.Context()); err == nil {
		t.Fatal("expected connect error")
	}
	assertStatus(t, c, StatusDisconnected)
	if c.broker() != "tcp://127.0.0.1:"+strconv.Itoa(port) {
		t.Fatalf("unexpected broker %q", c.broker())
	}
}

func TestPollReconnectsWithBackoff(t *testing.T) {
	fc := &fakeClient{connectErr: errors.New("refused")}
	c, clk := newTestController(t, testutil.NewFakeRelayService(), fc)

	_ = c.Start(t.Context()) // fails, next attempt in 1s

	clk.advance(500 * time.Millisecond)
	if err := c.Poll(t.Context()); err != nil {
		t.Fatalf("poll before backoff elapsed should not attempt, got %v", err)
	}

	clk.advance(500 * time.Millisecond)
	if err := c.Poll(t.Context()); err == nil {
		t.Fatal("expected second attempt to fail")
	}
	if c.backoff != 4*time.Second {
		t.Fatalf("expected backoff to double to 4s, got %v", c.backoff)
	}

	fc.connectErr = nil
	clk.advance(2 * time.Second)
	if err := c.Poll(t.Context()); err != nil {
		t.Fatalf("expected reconnect, got %v", err)
	}
	assertStatus(t, c, StatusConnected)
	if c.backoff != time.Second {
		t.Fatalf("expected backoff reset, got %v", c.backoff)
	}
}

func TestPollReconnectDoesNotBlock(t *testing.T) {
	fc := &fakeClient{connectErr: errors.New("refused")}
	c, clk := newTestController(t, testutil.NewFakeRelayService(), fc)
	_ = c.Start(t.Context())

	fc.mu.Lock()
	fc.connectErr = nil
	fc.hold = make(chan struct{})
	fc.mu.Unlock()

	clk.advance(time.Second)
	done := make(chan error, 1)
	go func() { done <- c.Poll(t.Context()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("pending handshake should not be an error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("poll blocked on an unanswered connect")
	}
	assertStatus(t, c, StatusConnecting)
	if c.Connected() {
		t.Fatal("connecting transport reported connected")
	}

	clk.advance(time.Second)
	if err := c.Poll(t.Context()); err != nil {
		t.Fatal(err)
	}
	assertStatus(t, c, StatusConnecting)

	close(fc.hold)
	if err := c.Poll(t.Context()); err != nil {
		t.Fatalf("expected handshake to complete, got %v", err)
	}
	assertStatus(t, c, StatusConnected)
	if len(fc.subscribed) != 1 {
		t.Fatalf("expected one subscription, got %v", fc.subscribed)
	}
}

func TestPollConnectTimesOut(t *testing.T) {
	fc := &fakeClient{connectErr: errors.New("refused")}
	c, clk := newTestController(t, testutil.NewFakeRelayService(), fc)
	_ = c.Start(t.Context())

	fc.mu.Lock()
	fc.connectErr = nil
	fc.hold = make(chan struct{}) // never answered
	fc.mu.Unlock()

	clk.advance(time.Second)
	if err := c.Poll(t.Context()); err != nil {
		t.Fatal(err)
	}

	clk.advance(c.cfg.ConnectTimeout)
	err := c.Poll(t.Context())
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("expected connect timeout, got %v", err)
	}
	assertStatus(t, c, StatusDisconnected)
	if fc.disconnect != 1 {
		t.Fatalf("expected abandoned client to be disconnected, got %d", fc.disconnect)
	}
	if c.backoff != 4*time.Second {
		t.Fatalf("expected backoff to keep doubling, got %v", c.backoff)
	}
}

func TestStartTimesOut(t *testing.T) {
	fc := &fakeClient{hold: make(chan struct{})}
	c, err := New(testutil.NewFakeRelayService(), Config{
		Enabled:        true,
		DeviceID:       "pico1",
		ConnectTimeout: 20 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.newClient = func(*mqtt.ClientOptions) mqtt.Client { return fc }

	if err := c.Start(t.Context()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	assertStatus(t, c, StatusDisconnected)
}

func TestCloseAbandonsPendingHandshake(t *testing.T) {
	fc := &fakeClient{connectErr: errors.New("refused")}
	c, clk := newTestController(t, testutil.NewFakeRelayService(), fc)
	_ = c.Start(t.Context())

	fc.mu.Lock()
	fc.connectErr = nil
	fc.hold = make(chan struct{})
	fc.mu.Unlock()

	clk.advance(time.Second)
	_ = c.Poll(t.Context())
	c.Close()

	assertStatus(t, c, StatusDisconnected)
	if fc.disconnect != 1 {
		t.Fatalf("expected pending client disconnected, got %d", fc.disconnect)
	}
	if len(fc.published()) != 0 {
		t.Fatalf("nothing should be published for an unfinished handshake")
	}
}

func TestBackoffIsCapped(t *testing.T) {
	fc := &fakeClient{connectErr: errors.New("refused")}
	c, clk := newTestController(t, testutil.NewFakeRelayService(), fc)

	_ = c.Start(t.Context())
	for i := 0; i < 10; i++ {
		clk.advance(c.cfg.ReconnectMax)
		_ = c.Poll(t.Context())
	}
	if c.backoff != c.cfg.ReconnectMax {
		t.Fatalf("expected backoff capped at %v, got %v", c.cfg.ReconnectMax, c.backoff)
	}
}

func TestPollDetectsLostConnection(t *testing.T) {
	fc := &fakeClient{}
	c, _ := newTestController(t, testutil.NewFakeRelayService(), fc)
	if err := c.Start(t.Context()); err != nil {
		t.Fatal(err)
	}

	c.lost <- errors.New("keepalive timeout")
	err := c.Poll(t.Context())
	if !errors.Is(err, faults.ErrTransportUnavailable) {
		t.Fatalf("expected transport-unavailable, got %v", err)
	}
	assertStatus(t, c, StatusDisconnected)

	// first reconnect is due immediately
	if err := c.Poll(t.Context()); err != nil {
		t.Fatalf("expected reconnect, got %v", err)
	}
	assertStatus(t, c, StatusConnected)
}

func TestPollDetectsClosedSocket(t *testing.T) {
	fc := &fakeClient{}
	c, _ := newTestController(t, testutil.NewFakeRelayService(), fc)
	if err := c.Start(t.Context()); err != nil {
		t.Fatal(err)
	}

	fc.mu.Lock()
	fc.open = false
	fc.connectErr = errors.New("refused")
	fc.mu.Unlock()

	if err := c.Poll(t.Context()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	assertStatus(t, c, StatusDisconnected)
}

func TestControlCommandDrivesRelayAndPublishesStatus(t *testing.T) {
	act := gpio.NewMemory()
	rc, err := relay.New(act)
	if err != nil {
		t.Fatal(err)
	}
	if err := rc.TurnOn(); err != nil {
		t.Fatal(err)
	}

	fc := &fakeClient{}
	c, err := New(rc, Config{Enabled: true, DeviceID: "pico1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.newClient = func(*mqtt.ClientOptions) mqtt.Client { return fc }
	rc.Attach(c)

	if err := c.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	fc.deliver(DefaultTopics.Control, `{"command":"off"}`)
	if err := c.Poll(t.Context()); err != nil {
		t.Fatal(err)
	}

	if rc.State() != relay.Off || act.Value() {
		t.Fatalf("expected relay off, state=%v output=%v", rc.State(), act.Value())
	}

	pubs := fc.published()
	last := pubs[len(pubs)-1]
	if last.topic != DefaultTopics.Status || last.retain {
		t.Fatalf("expected non-retained status publish, got %+v", last)
	}
	var got relay.StatusPayload
	if err := json.Unmarshal(last.payload, &got); err != nil {
		t.Fatalf("invalid status json: %v payload=%s", err, last.payload)
	}
	if got.State != "off" || got.Source != relay.DefaultSource || got.Timestamp <= 0 {
		t.Fatalf("unexpected status payload %+v", got)
	}
}

func TestInvalidCommandDoesNotCallService(t *testing.T) {
	svc := testutil.NewFakeRelayService()
	fc := &fakeClient{}
	c, _ := newTestController(t, svc, fc)
	if err := c.Start(t.Context()); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{`{}`, `{"state":"up"}`, `not json`, `{"state":1}`} {
		fc.deliver(DefaultTopics.Control, p)
	}
	if err := c.Poll(t.Context()); err != nil {
		t.Fatal(err)
	}
	if on, off := svc.Calls(); on != 0 || off != 0 {
		t.Fatalf("expected no service calls, got on=%d off=%d", on, off)
	}
}

func TestOtherTopicsIgnored(t *testing.T) {
	svc := testutil.NewFakeRelayService()
	c, _ := newTestController(t, svc, &fakeClient{})

	c.onMessage(nil, fakeMessage{topic: "home-iot/other", payload: []byte(`{"state":"on"}`)})
	c.drain()

	if on, _ := svc.Calls(); on != 0 {
		t.Fatal("expected TurnOn not called")
	}
}

func TestServiceErrorIsSwallowed(t *testing.T) {
	svc := testutil.NewFakeRelayService()
	svc.Err = errors.New("line busy")
	c, _ := newTestController(t, svc, &fakeClient{})

	c.onMessage(nil, fakeMessage{topic: DefaultTopics.Control, payload: []byte(`{"state":"on"}`)})
	c.drain()

	if on, _ := svc.Calls(); on != 1 {
		t.Fatalf("expected TurnOn called once, got %d", on)
	}
}

func TestQueueFullDropsMessages(t *testing.T) {
	svc := testutil.NewFakeRelayService()
	c, err := New(svc, Config{Enabled: true, DeviceID: "pico1", QueueSize: 2}, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		c.onMessage(nil, fakeMessage{topic: DefaultTopics.Control, payload: []byte(`{"state":"on"}`)})
	}
	c.drain()

	if on, _ := svc.Calls(); on != 2 {
		t.Fatalf("expected 2 processed commands, got %d", on)
	}
}

func TestCommandsProcessedInArrivalOrder(t *testing.T) {
	svc := testutil.NewFakeRelayService()
	c, _ := newTestController(t, svc, &fakeClient{})

	c.onMessage(nil, fakeMessage{topic: DefaultTopics.Control, payload: []byte(`{"state":"on"}`)})
	c.onMessage(nil, fakeMessage{topic: DefaultTopics.Control, payload: []byte(`{"state":"off"}`)})
	c.drain()

	if svc.State() != relay.Off {
		t.Fatalf("expected last command to win, got %v", svc.State())
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    relay.State
		wantErr error
	}{
		{"state on", `{"state":"on"}`, relay.On, nil},
		{"state off", `{"state":"off"}`, relay.Off, nil},
		{"command on", `{"command":"on"}`, relay.On, nil},
		{"state wins", `{"state":"off","command":"on"}`, relay.Off, nil},
		{"empty state falls back", `{"state":"","command":"on"}`, relay.On, nil},
		{"empty object", `{}`, relay.Off, ErrMissingCommand},
		{"null", `null`, relay.Off, ErrMalformedCommand},
		{"unknown value", `{"state":"up"}`, relay.Off, ErrUnknownCommand},
		{"non-string", `{"state":true}`, relay.Off, ErrUnknownCommand},
		{"invalid json", `{"state":`, relay.Off, ErrMalformedCommand},
		{"not object", `["on"]`, relay.Off, ErrMalformedCommand},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseCommand([]byte(tc.in))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				if faults.KindOf(err) != faults.KindInvalidInput {
					t.Fatalf("expected invalid_input kind, got %v", faults.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPublishFailureIsReturned(t *testing.T) {
	fc := &fakeClient{}
	c, _ := newTestController(t, testutil.NewFakeRelayService(), fc)
	if err := c.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	fc.publishErr = errors.New("broker gone")

	err := c.PublishStatus(relay.Status{State: relay.On, Timestamp: time.Unix(1, 0)})
	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("expected ErrPublishFailed, got %v", err)
	}
}

func TestPublishDoesNotWaitForBroker(t *testing.T) {
	fc := &fakeClient{}
	c, _ := newTestController(t, testutil.NewFakeRelayService(), fc)
	if err := c.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	fc.mu.Lock()
	fc.pubHold = make(chan struct{})
	fc.mu.Unlock()
	defer close(fc.pubHold)

	done := make(chan error, 1)
	go func() { done <- c.PublishStatus(relay.Status{State: relay.On, Timestamp: time.Unix(1, 0)}) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("publish waited for an unacknowledged message")
	}
}

func TestClosePublishesOffline(t *testing.T) {
	fc := &fakeClient{}
	c, _ := newTestController(t, testutil.NewFakeRelayService(), fc)
	if err := c.Start(t.Context()); err != nil {
		t.Fatal(err)
	}

	c.Close()
	c.Close()

	pubs := fc.published()
	last := pubs[len(pubs)-1]
	if last.topic != DefaultTopics.Device || !last.retain || string(last.payload) != `{"online":false}` {
		t.Fatalf("unexpected offline publish %+v (%s)", last, last.payload)
	}
	if fc.disconnect != 1 {
		t.Fatalf("expected one disconnect, got %d", fc.disconnect)
	}
	if err := c.Poll(t.Context()); err != nil {
		t.Fatalf("poll after close: %v", err)
	}
}

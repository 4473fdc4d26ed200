package httpctrl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Agrid-Dev/picorelay/internal/faults"
	"github.com/Agrid-Dev/picorelay/internal/logging"
	"github.com/Agrid-Dev/picorelay/internal/ports"
	"github.com/Agrid-Dev/picorelay/internal/relay"
)

const (
	DefaultPath = "/api/relay"

	maxBodySize = 4 << 10
)

type Config struct {
	Addr           string
	Path           string
	RequestTimeout time.Duration
}

// Server is the HTTP transport. Handler goroutines only parse and validate; reads and
// writes of the relay are queued and executed by Poll on the supervisor goroutine.
type Server struct {
	svc  ports.RelayService
	link ports.LinkStatus
	cfg  Config
	log  *slog.Logger

	srv *http.Server
	ln  net.Listener
	hub *Hub

	pending chan *exchange
}

type op int

const (
	opRead op = iota
	opWrite
)

func (o op) String() string {
	if o == opWrite {
		return "write"
	}
	return "read"
}

type exchange struct {
	ctx   context.Context
	op    op
	state relay.State
	reply chan reply
}

type reply struct {
	code int
	body any
}

// New returns a server that is not yet bound; call Listen then Serve.
// link and hub may be nil.
func New(svc ports.RelayService, link ports.LinkStatus, hub *Hub, cfg Config, log *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":80"
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	cfg.Path = "/" + strings.Trim(cfg.Path, "/")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}

	s := &Server{
		svc:     svc,
		link:    link,
		cfg:     cfg,
		log:     logging.OrDiscard(log).With("component", "http"),
		hub:     hub,
		pending: make(chan *exchange),
	}

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route(s.cfg.Path, func(r chi.Router) {
		r.Get("/", s.handleGet)
		r.Post("/", s.handlePost)
		r.Get("/health", s.handleHealth)
		if s.hub != nil {
			r.Get("/ws", s.hub.ServeWS)
		}
	})
	return r
}

// Listen binds the listener. A failure here is the startup-fatal condition.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBind, s.cfg.Addr, err)
	}
	s.ln = ln
	s.log.Info("http listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve accepts connections on the bound listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return ErrNotListening
	}
	errCh := make(chan error, 1)

	go func() {
		if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Poll processes at most one pending request, waiting up to wait for one to arrive.
func (s *Server) Poll(ctx context.Context, wait time.Duration) (err error) {
	var ex *exchange
	if wait <= 0 {
		select {
		case ex = <-s.pending:
		default:
			return nil
		}
	} else {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case ex = <-s.pending:
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}

	// The caller gave up while queued.
	if ex.ctx.Err() != nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			ex.reply <- reply{http.StatusInternalServerError, errorBody(msgInternal)}
			err = fmt.Errorf("%w: %w: panic during %s: %v", faults.ErrInternal, ErrHandler, ex.op, r)
		}
	}()

	rep, err := s.process(ex)
	ex.reply <- rep
	return err
}

func (s *Server) process(ex *exchange) (reply, error) {
	if ex.op == opRead {
		return reply{http.StatusOK, stateBody(s.svc.State())}, nil
	}

	var err error
	if ex.state == relay.On {
		err = s.svc.TurnOn()
	} else {
		err = s.svc.TurnOff()
	}
	if err != nil {
		return reply{http.StatusInternalServerError, errorBody(msgRelayFailed)},
			fmt.Errorf("%w: set %s: %w", ErrHandler, ex.state, err)
	}
	return reply{http.StatusOK, stateBody(ex.state)}, nil
}

// ---- DTOs ----

type stateResponse struct {
	State   string `json:"state"`
	Success bool   `json:"success"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Success bool   `json:"success"`
}

type healthResponse struct {
	State   string `json:"state"`
	MQTT    string `json:"mqtt"`
	Success bool   `json:"success"`
}

func stateBody(st relay.State) stateResponse {
	return stateResponse{State: st.String(), Success: true}
}

func errorBody(msg string) errorResponse {
	return errorResponse{Error: msg}
}

// ---- Handlers ----

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, opRead, relay.Off)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	st, msg := decodeStateRequest(r.Body)
	if msg != "" {
		s.log.Debug("rejected write", "kind", faults.KindInvalidInput.String(), "reason", msg)
		writeJSON(w, http.StatusBadRequest, errorBody(msg))
		return
	}
	s.submit(w, r, opWrite, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	link := "disabled"
	if s.link != nil {
		link = "disconnected"
		if s.link.Connected() {
			link = "connected"
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		State:   s.svc.State().String(),
		MQTT:    link,
		Success: true,
	})
}

// decodeStateRequest parses {"state": "on"|"off"}. It returns the caller-facing error
// message when the payload is rejected.
func decodeStateRequest(body io.Reader) (relay.State, string) {
	b, err := io.ReadAll(io.LimitReader(body, maxBodySize))
	if err != nil {
		return relay.Off, msgMalformedPayload
	}

	var req map[string]json.RawMessage
	if err := json.Unmarshal(b, &req); err != nil || req == nil {
		return relay.Off, msgMalformedPayload
	}

	raw, ok := req["state"]
	if !ok || string(raw) == "null" {
		return relay.Off, msgMissingState
	}

	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return relay.Off, msgInvalidState
	}
	st, err := relay.ParseState(v)
	if err != nil {
		return relay.Off, msgInvalidState
	}
	return st, ""
}

// submit hands the request to Poll and writes its reply.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, o op, st relay.State) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	ex := &exchange{ctx: ctx, op: o, state: st, reply: make(chan reply, 1)}

	select {
	case s.pending <- ex:
	case <-ctx.Done():
		s.writeBusy(w, o)
		return
	}

	select {
	case rep := <-ex.reply:
		writeJSON(w, rep.code, rep.body)
	case <-ctx.Done():
		s.writeBusy(w, o)
	}
}

func (s *Server) writeBusy(w http.ResponseWriter, o op) {
	s.log.Warn("request not processed in time", "op", o.String(), "timeout", s.cfg.RequestTimeout)
	writeJSON(w, http.StatusServiceUnavailable, errorBody(msgBusy))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

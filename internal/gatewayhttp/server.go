// Package gatewayhttp exposes the admission-layer contract around the
// ProxySharing Dispatcher: an HTTP endpoint that admits a new proxy and
// drives it through Dispatcher.StartProxy in the background, a stop
// endpoint that calls Dispatcher.StopProxy, and a WebSocket event stream
// that forwards bus events to connected operators.
package gatewayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/seatshare/internal/bus"
	"github.com/basket/seatshare/internal/config"
	"github.com/basket/seatshare/internal/dispatcher"
	"github.com/basket/seatshare/internal/model"
	"github.com/basket/seatshare/internal/proxystore"
	"github.com/basket/seatshare/internal/shared"
)

// eventStreamBufferSize gives the WebSocket relay more headroom than an
// in-process bus subscriber needs: dashboard clients are remote and can
// stall on a slow network write for longer than a local goroutine ever
// blocks reading its own channel.
const eventStreamBufferSize = 256

// Registry resolves a spec id to the Dispatcher responsible for it.
type Registry interface {
	Get(specID string) (*dispatcher.Dispatcher, bool)
}

// Config holds the admission server's dependencies.
type Config struct {
	Dispatchers Registry
	Proxies *proxystore.Store
	Bus *bus.Bus
	AuthToken string
	RateLimit config.RateLimitConfig
	CORS config.CORSConfig
	AllowOrigins []string
	Logger *slog.Logger
}

// Server is the HTTP/WS admission API in front of the dispatcher fleet.
// Admission is asynchronous: POST accepts the request and returns
// immediately, while Dispatcher.StartProxy's wait loop (up to
// max-attempts times the wait unit) runs on a Server-owned background context so it
// outlives the admitting request and can still be cancelled on shutdown.
type Server struct {
	cfg Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients map[*eventClient]struct{}

	bgCtx context.Context
	bgCancel context.CancelFunc
	wg sync.WaitGroup

	admissionMu sync.Mutex
	pending map[string]struct{}
	failed map[string]string

	rateLimit *RateLimitMiddleware
	cors func(http.Handler) http.Handler
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg: cfg,
		logger: logger,
		clients: make(map[*eventClient]struct{}),
		bgCtx: bgCtx,
		bgCancel: bgCancel,
		pending: make(map[string]struct{}),
		failed: make(map[string]string),
		rateLimit: NewRateLimitMiddleware(cfg.RateLimit),
		cors: NewCORSMiddleware(cfg.CORS),
	}
	if cfg.RateLimit.Enabled {
		s.rateLimit.StartEviction(bgCtx, 10*time.Minute, time.Hour)
	}
	return s
}

// Close cancels every in-flight background StartProxy call and waits for
// them to return, so the process can shut down without leaking a
// goroutine still blocked in the wait loop.
func (s *Server) Close() {
	s.bgCancel()
	s.wg.Wait()
}

// Handler returns the server's http.Handler, wrapping routes in CORS and
// rate-limit middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/events", s.handleWS)
	mux.HandleFunc("POST /specs/{specId}/proxies", s.handleStartProxy)
	mux.HandleFunc("DELETE /proxies/{id}", s.handleStopProxy)
	mux.HandleFunc("GET /proxies/{id}", s.handleGetProxy)

	return s.cors(s.rateLimit.Wrap(mux))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	return bearerToken(r) == s.cfg.AuthToken
}

type startProxyRequest struct {
	ProxyID string `json:"proxyId"`
	UserID string `json:"userId"`
	Image string `json:"image"`
}

func (s *Server) markPending(proxyID string) {
	s.admissionMu.Lock()
	defer s.admissionMu.Unlock()
	delete(s.failed, proxyID)
	s.pending[proxyID] = struct{}{}
}

func (s *Server) clearPending(proxyID string) {
	s.admissionMu.Lock()
	defer s.admissionMu.Unlock()
	delete(s.pending, proxyID)
}

func (s *Server) isPending(proxyID string) bool {
	s.admissionMu.Lock()
	defer s.admissionMu.Unlock()
	_, ok := s.pending[proxyID]
	return ok
}

func (s *Server) recordFailure(proxyID, reason string) {
	s.admissionMu.Lock()
	defer s.admissionMu.Unlock()
	delete(s.pending, proxyID)
	s.failed[proxyID] = reason
}

func (s *Server) failure(proxyID string) (string, bool) {
	s.admissionMu.Lock()
	defer s.admissionMu.Unlock()
	reason, ok := s.failed[proxyID]
	return reason, ok
}

// handleStartProxy admits a new proxy for specId and returns 202 with a
// Location header immediately; Dispatcher.StartProxy's wait loop runs in
// the background and the caller polls GET /proxies/{id} for the outcome.
func (s *Server) handleStartProxy(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	specID := r.PathValue("specId")

	var req startProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.ProxyID == "" || req.UserID == "" {
		http.Error(w, `{"error":"proxyId and userId are required"}`, http.StatusBadRequest)
		return
	}

	d, ok := s.cfg.Dispatchers.Get(specID)
	if !ok {
		http.Error(w, fmt.Sprintf(`{"error":"unknown spec %q"}`, specID), http.StatusNotFound)
		return
	}

	proxy := model.NewProxy(req.ProxyID, specID, req.UserID, uuid.NewString(), req.Image, time.Now())
	proxy = model.NewProxyBuilder(proxy).SetStatus(model.ProxyStarting).Build()
	if err := s.cfg.Proxies.Put(r.Context(), proxy); err != nil {
		s.logger.Error("gatewayhttp: failed to persist new proxy", "proxy_id", proxy.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	traceID := shared.NewProxyTraceID(specID, proxy.ID)
	s.markPending(proxy.ID)
	s.wg.Add(1)
	go s.runStartProxy(traceID, d, proxy)

	w.Header().Set("Location", "/proxies/"+proxy.ID)
	writeJSON(w, http.StatusAccepted, proxy)
}

// runStartProxy drives a single proxy through Dispatcher.StartProxy on
// the server's background context, recording the terminal outcome for
// GET /proxies/{id} to report once it resolves.
func (s *Server) runStartProxy(traceID string, d *dispatcher.Dispatcher, proxy model.Proxy) {
	defer s.wg.Done()

	ctx := shared.WithTraceID(s.bgCtx, traceID)
	logger := s.logger.With("trace_id", traceID)

	started, err := d.StartProxy(ctx, proxy)
	if err != nil {
		if errors.Is(err, dispatcher.ErrProxyFailedToStart) {
			logger.Warn("gatewayhttp: proxy failed to start", "proxy_id", proxy.ID, "error", err)
			s.recordFailure(proxy.ID, err.Error())
			return
		}
		logger.Error("gatewayhttp: start proxy failed", "proxy_id", proxy.ID, "error", err)
		s.recordFailure(proxy.ID, "internal error")
		return
	}

	// A cancelled wait returns the input proxy unchanged, with no seat
	// claimed. The stop path has already persisted the authoritative
	// Stopped snapshot; persisting Up here would overwrite it.
	if _, ok := started.Get(model.KeySeatID); !ok {
		logger.Info("gatewayhttp: proxy start cancelled by stop", "proxy_id", proxy.ID)
		s.clearPending(proxy.ID)
		return
	}

	if started.Status == model.ProxyStarting {
		started = model.NewProxyBuilder(started).SetStatus(model.ProxyUp).SetStartupTS(time.Now()).Build()
	}
	if err := s.cfg.Proxies.Put(context.Background(), started); err != nil {
		logger.Error("gatewayhttp: failed to persist started proxy", "proxy_id", started.ID, "error", err)
	}
	s.clearPending(proxy.ID)
}

// handleStopProxy stops a proxy: sets it Stopping, calls
// Dispatcher.StopProxy to release its seat and cancel any pending
// claim, then marks it Stopped. StopProxy itself never blocks on the
// wait loop, so this stays synchronous.
func (s *Server) handleStopProxy(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	id := r.PathValue("id")
	proxy, ok := s.cfg.Proxies.Get(id)
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "requested"
	}

	stopping := model.NewProxyBuilder(proxy).SetStatus(model.ProxyStopping).Build()
	if err := s.cfg.Proxies.Put(r.Context(), stopping); err != nil {
		s.logger.Error("gatewayhttp: failed to persist stopping proxy", "proxy_id", id, "error", err)
	}

	if d, ok := s.cfg.Dispatchers.Get(proxy.SpecID); ok {
		d.StopProxy(stopping, reason)
	}

	stopped := model.NewProxyBuilder(stopping).SetStatus(model.ProxyStopped).Build()
	if err := s.cfg.Proxies.Put(r.Context(), stopped); err != nil {
		s.logger.Error("gatewayhttp: failed to persist stopped proxy", "proxy_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, stopped)
}

// handleGetProxy is both the proxy lookup endpoint and the poll target
// for an admission still in flight: 202 with a Location header while
// Dispatcher.StartProxy is still running, 200 once it resolves, 409 if
// it resolved to ErrProxyFailedToStart.
func (s *Server) handleGetProxy(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	id := r.PathValue("id")

	if reason, failed := s.failure(id); failed {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, reason), http.StatusConflict)
		return
	}

	proxy, ok := s.cfg.Proxies.Get(id)
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	if s.isPending(id) {
		w.Header().Set("Location", "/proxies/"+id)
		writeJSON(w, http.StatusAccepted, proxy)
		return
	}

	writeJSON(w, http.StatusOK, proxy)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// eventClient is a connected WebSocket operator watching the bus.
type eventClient struct {
	conn *websocket.Conn
	mu sync.Mutex
	sub *bus.Subscription
}

func (c *eventClient) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

// wireEvent is the JSON shape forwarded over /events for every bus event.
type wireEvent struct {
	Topic string `json:"topic"`
	Payload any `json:"payload"`
}

// handleWS streams PendingProxyEvent/SeatAvailableEvent/SeatClaimedEvent/
// SeatReleasedEvent to a connected operator, optionally filtered to a
// single spec via ?specId=.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	specFilter := r.URL.Query().Get("specId")
	c := &eventClient{conn: conn, sub: s.cfg.Bus.Subscribe("", bus.WithBufferSize(eventStreamBufferSize))}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		s.clientsMu.Unlock()
		s.cfg.Bus.Unsubscribe(c.sub)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.sub.Ch():
			if !ok {
				return
			}
			if specFilter != "" && !matchesSpec(evt, specFilter) {
				continue
			}
			if err := c.write(ctx, wireEvent{Topic: evt.Topic, Payload: evt.Payload}); err != nil {
				return
			}
		}
	}
}

func matchesSpec(evt bus.Event, specID string) bool {
	switch p := evt.Payload.(type) {
	case bus.PendingProxyEvent:
		return p.SpecID == specID
	case bus.SeatAvailableEvent:
		return p.SpecID == specID
	case bus.SeatClaimedEvent:
		return p.SpecID == specID
	case bus.SeatReleasedEvent:
		return p.SpecID == specID
	case bus.OpsAlert:
		return p.SpecID == specID
	default:
		return false
	}
}

// ClientCount returns the number of currently-connected event stream clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

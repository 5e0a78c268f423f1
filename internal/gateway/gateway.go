// Package gateway serves the MCP tools over HTTP and WebSocket, plus a
// health check and read-only session endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/basket/go-wayang/internal/bus"
	"github.com/basket/go-wayang/internal/config"
	"github.com/basket/go-wayang/internal/mcp"
	"github.com/basket/go-wayang/internal/otel"
	"github.com/basket/go-wayang/internal/persistence"
)

const (
	// NotificationMethod carries bus events to WebSocket clients.
	NotificationMethod = "notifications/wayang"

	maxRequestBytes = 4 * 1024 * 1024
)

type Config struct {
	MCP     *mcp.Server
	Store   *persistence.Store
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics

	RateLimit config.RateLimitConfig

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint reports the hash of the active config on /healthz.
	ConfigFingerprint func() string
	LLMAvailable      func() bool
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimiter

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		limiter: NewRateLimiter(cfg.RateLimit, cfg.Metrics),
		clients: map[*client]struct{}{},
	}
}

// Limiter is nil when rate limiting is disabled.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", s.handleMCP)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/sessions/latest", s.handleLatestSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	return otelhttp.NewHandler(s.limiter.Wrap(mux), "gateway")
}

// ListenAndServe serves until ctx is cancelled, then drains for up to 10s.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.limiter.StartEviction(ctx, 5*time.Minute, 30*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	out := s.cfg.MCP.Handle(r.Context(), body)
	if out == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(maxRequestBytes)
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	if s.cfg.Bus != nil {
		sub := s.cfg.Bus.Subscribe("")
		defer s.cfg.Bus.Unsubscribe(sub)
		go s.forwardBusEvents(ctx, c, sub)
	}

	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Warn("ws: read error, closing", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		// Requests run concurrently so a long query does not block ping.
		go func() {
			out := s.cfg.MCP.Handle(ctx, msg)
			if out == nil {
				return
			}
			if err := c.write(ctx, out); err != nil {
				s.logger.Warn("ws: write response error", "error", err)
			}
		}()
	}
}

func (s *Server) forwardBusEvents(ctx context.Context, c *client, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			b, err := json.Marshal(mcp.NewNotification(NotificationMethod, map[string]any{
				"topic":   ev.Topic,
				"at":      ev.At,
				"payload": ev.Payload,
			}))
			if err != nil {
				s.logger.Error("ws: marshal notification", "topic", ev.Topic, "error", err)
				continue
			}
			if err := c.write(ctx, b); err != nil {
				return
			}
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) closeClients() {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}

func (c *client) write(ctx context.Context, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, b)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := false
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		dbOK = s.cfg.Store.Ping(ctx) == nil
		cancel()
	}
	fingerprint := ""
	if s.cfg.ConfigFingerprint != nil {
		fingerprint = s.cfg.ConfigFingerprint()
	}
	llmOK := false
	if s.cfg.LLMAvailable != nil {
		llmOK = s.cfg.LLMAvailable()
	}

	s.clientsMu.RLock()
	wsClients := len(s.clients)
	s.clientsMu.RUnlock()

	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"llm_available":      llmOK,
		"config_fingerprint": fingerprint,
		"ws_clients":         wsClients,
		"bus_dropped":        s.cfg.Bus.Dropped(),
		"bus_subscribers":    s.cfg.Bus.SubscriberCount(),
		"limited_clients":    s.limiter.ClientCount(),
	})
}

type sessionView struct {
	Session  *persistence.Session  `json:"session"`
	Attempts []persistence.Attempt    `json:"attempts"`
	Audit    []persistence.AuditEntry `json:"audit"`
	Result   string                   `json:"result"`
}

func (s *Server) handleLatestSession(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}
	sess, err := s.cfg.Store.LatestSession(r.Context())
	s.writeSession(w, r, sess, err)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}
	sess, err := s.cfg.Store.GetSession(r.Context(), r.PathValue("id"))
	s.writeSession(w, r, sess, err)
}

func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, sess *persistence.Session, err error) {
	if errors.Is(err, persistence.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("session lookup failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}
	attempts, err := s.cfg.Store.ListAttempts(r.Context(), sess.ID)
	if err != nil {
		s.logger.Error("attempt lookup failed", "session_id", sess.ID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "attempt lookup failed")
		return
	}
	if attempts == nil {
		attempts = []persistence.Attempt{}
	}
	trail, err := s.cfg.Store.ListAudit(r.Context(), sess.ID)
	if err != nil {
		s.logger.Warn("audit lookup failed", "session_id", sess.ID, "error", err)
	}
	if trail == nil {
		trail = []persistence.AuditEntry{}
	}
	result := sess.Result
	if result == "" {
		result = sess.Reply
	}
	writeJSON(w, http.StatusOK, sessionView{Session: sess, Attempts: attempts, Audit: trail, Result: result})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

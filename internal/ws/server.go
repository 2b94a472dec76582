package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agent-racer/tracewatch/internal/config"
	"github.com/agent-racer/tracewatch/internal/index"
	"github.com/agent-racer/tracewatch/internal/procscan"
	"github.com/agent-racer/tracewatch/internal/trace"
)

// Index is what the HTTP API reads from.
type Index interface {
	Source
	Summaries() []trace.Summary
	Detail(ctx context.Context, id string) (index.Detail, error)
	Page(ctx context.Context, id string, q index.PageQuery) (index.Page, error)
	Refresh(ctx context.Context) error
	Diagnostics() index.Diagnostics
}

// ProcessLister reports live agent processes for /api/status.
type ProcessLister func(ctx context.Context) ([]procscan.Process, error)

type Server struct {
	ix             Index
	broadcaster    *Broadcaster
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	processes      ProcessLister
	upgrader       websocket.Upgrader
	log            *zap.Logger
}

func NewServer(cfg config.ServerConfig, ix Index, broadcaster *Broadcaster, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		ix:             ix,
		broadcaster:    broadcaster,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.AuthToken,
		processes:      procscan.Scan,
		log:            log,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetProcessLister replaces the process scanner. A nil lister disables the
// processes section of /api/status.
func (s *Server) SetProcessLister(fn ProcessLister) {
	s.processes = fn
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(securityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/ws", s.handleWS)
		r.Route("/api", func(r chi.Router) {
			r.Get("/traces", s.handleTraces)
			r.Get("/traces/{id}", s.handleTrace)
			r.Get("/traces/{id}/events", s.handleEvents)
			r.Post("/refresh", s.handleRefresh)
			r.Get("/status", s.handleStatus)
		})
	})
	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("ws upgrade failed", zap.Error(err))
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.log.Warn("ws client rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}
	s.log.Info("ws client connected", zap.String("remote", r.RemoteAddr))

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.log.Info("ws client disconnected", zap.String("remote", r.RemoteAddr))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	traces := s.ix.Summaries()

	if name := q.Get("status"); name != "" {
		status, ok := trace.ParseStatus(name)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown status %q", name), http.StatusBadRequest)
			return
		}
		traces = filterTraces(traces, func(t trace.Summary) bool { return t.Status == status })
	}
	if agent := q.Get("agent"); agent != "" {
		traces = filterTraces(traces, func(t trace.Summary) bool { return t.Agent == agent })
	}
	writeJSON(w, http.StatusOK, traces)
}

func filterTraces(in []trace.Summary, keep func(trace.Summary) bool) []trace.Summary {
	out := in[:0]
	for _, t := range in {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	d, err := s.ix.Detail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	pq, err := pageQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	page, err := s.ix.Page(r.Context(), chi.URLParam(r, "id"), pq)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func pageQuery(q url.Values) (index.PageQuery, error) {
	var pq index.PageQuery
	var err error
	if v := q.Get("limit"); v != "" {
		if pq.Limit, err = strconv.Atoi(v); err != nil || pq.Limit < 0 {
			return pq, fmt.Errorf("invalid limit %q", v)
		}
	}
	if v := q.Get("before"); v != "" {
		if pq.Before, err = strconv.Atoi(v); err != nil || pq.Before < 0 {
			return pq, fmt.Errorf("invalid before %q", v)
		}
	}
	if v := q.Get("meta"); v != "" {
		if pq.IncludeMeta, err = strconv.ParseBool(v); err != nil {
			return pq, fmt.Errorf("invalid meta %q", v)
		}
	}
	return pq, nil
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.ix.Refresh(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ix.Diagnostics())
}

type statusResponse struct {
	index.Diagnostics
	Clients        int                `json:"clients"`
	DroppedClients uint64             `json:"droppedClients"`
	Processes      []procscan.Process `json:"processes"`
	ProcessError   string             `json:"processError,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Diagnostics:    s.ix.Diagnostics(),
		Clients:        s.broadcaster.ClientCount(),
		DroppedClients: s.broadcaster.Dropped(),
		Processes:      []procscan.Process{},
	}
	if s.processes != nil {
		procs, err := s.processes(r.Context())
		if err != nil {
			resp.ProcessError = err.Error()
		} else if procs != nil {
			resp.Processes = procs
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, index.ErrUnknownTrace):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, context.Canceled):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.log.Error("request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Tracewatch-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}

	return false
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts down
// gracefully. Websocket connections are hijacked and are not covered by the
// shutdown; stop the Broadcaster to close them.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return Serve(ctx, ln, h, log)
}

// Serve is ListenAndServe on an existing listener.
func Serve(ctx context.Context, ln net.Listener, h http.Handler, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", ln.Addr().String()))
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

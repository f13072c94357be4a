// Package www is the HTTP control surface: session start and stop, the
// live segment stream and transcript retrieval.
package www

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"node.town/scribe/audio"
	"node.town/scribe/db"
	"node.town/scribe/hub"
	"node.town/scribe/session"
	"node.town/scribe/stt"
)

// Sessions is the session control the server drives.
type Sessions interface {
	Start(ctx context.Context) (session.Info, error)
	Stop(ctx context.Context) (session.Info, error)
	Status() (session.Info, bool)
}

type Server struct {
	Router *chi.Mux

	sessions Sessions
	hub      *hub.Hub
	history  db.TranscriptLog
	logger   *log.Logger
}

// NewServer wires the routes. history may be nil when transcripts are not
// persisted.
func NewServer(sessions Sessions, h *hub.Hub, history db.TranscriptLog, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		Router:   chi.NewRouter(),
		sessions: sessions,
		hub:      h,
		history:  history,
		logger:   logger,
	}

	r := s.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.handleStatus)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Get("/transcript", s.handleTranscript)
		r.Post("/transcript/clear", s.handleClear)
		r.Get("/events", s.handleEvents)
	})
	r.Get("/transcripts", s.handleHistory)

	return s
}

// Serve listens on port until ctx is done.
func (s *Server) Serve(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		s.logger.Info("http", "url", fmt.Sprintf("http://localhost:%d", port))
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			began := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug(
				"request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"took", time.Since(began),
				"id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var routes []string
	err := chi.Walk(s.Router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, fmt.Sprintf("%-5s %s", method, strings.TrimSuffix(route, "/*")))
		return nil
	})
	if err != nil {
		http.Error(w, "Failed to list routes", http.StatusInternalServerError)
		return
	}
	sort.Strings(routes)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "scribe is listening")
	fmt.Fprintln(w)
	for _, route := range routes {
		fmt.Fprintln(w, route)
	}
}

type statusResponse struct {
	Session *session.Info `json:"session"`
	Live    bool          `json:"live"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	info, ok := s.sessions.Status()
	resp := statusResponse{Live: info.State.Live()}
	if ok {
		resp.Session = &info
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Start(r.Context())
	if err != nil {
		s.fail(w, "start session", err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

type stopResponse struct {
	Session    session.Info `json:"session"`
	Transcript string       `json:"transcript"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Stop(r.Context())
	if err != nil {
		s.fail(w, "stop session", err)
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{Session: info, Transcript: s.hub.Transcript()})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"transcript": s.hub.Transcript(),
		"live":       s.hub.Live(),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Clear(r.Context()); err != nil {
		s.fail(w, "clear transcript", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []db.Entry{})
		return
	}
	entries, err := s.history.Entries(r.Context())
	if err != nil {
		s.fail(w, "load transcripts", err)
		return
	}
	if entries == nil {
		entries = []db.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleEvents streams segments as server-sent events until the session
// closes or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.hub.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug("subscriber connected", "subscriber", sub.ID)
	for {
		seg, ok := sub.Next(r.Context())
		if !ok {
			break
		}
		if err := writeEvent(w, "segment", seg); err != nil {
			s.logger.Debug("subscriber write", "subscriber", sub.ID, "error", err)
			return
		}
		flusher.Flush()
	}

	if r.Context().Err() == nil {
		writeEvent(w, "end", map[string]int{"dropped": sub.Dropped()})
		flusher.Flush()
	}
	s.logger.Debug("subscriber done", "subscriber", sub.ID, "dropped", sub.Dropped())
}

func writeEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op, "error", err)
	} else {
		s.logger.Warn(op, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func errorStatus(err error) int {
	var (
		connErr *stt.ConnectError
		devErr  *audio.DeviceError
	)
	switch {
	case errors.Is(err, session.ErrAlreadyRunning),
		errors.Is(err, session.ErrNotRunning),
		errors.Is(err, hub.ErrSessionLive):
		return http.StatusConflict
	case errors.Is(err, session.ErrConnectTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &connErr):
		return http.StatusBadGateway
	case errors.As(err, &devErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

// coordinatorSessions adapts a session.Coordinator to Sessions.
type coordinatorSessions struct {
	c *session.Coordinator
}

func FromCoordinator(c *session.Coordinator) Sessions {
	return coordinatorSessions{c}
}

func (cs coordinatorSessions) Start(ctx context.Context) (session.Info, error) {
	// The session outlives the request that started it.
	s, err := cs.c.Start(context.WithoutCancel(ctx))
	if s == nil {
		return session.Info{}, err
	}
	return s.Info(), err
}

func (cs coordinatorSessions) Stop(ctx context.Context) (session.Info, error) {
	s, err := cs.c.Stop(ctx)
	if s == nil {
		return session.Info{}, err
	}
	return s.Info(), err
}

func (cs coordinatorSessions) Status() (session.Info, bool) {
	return cs.c.Status()
}

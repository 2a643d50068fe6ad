package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bridge"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/go_func_utils"
)

const serviceName = "treadmill-bridge"

// SnapshotSource is satisfied by *bridge.State
type SnapshotSource interface {
	Snapshot() bridge.Snapshot
}

// Server exposes bridge state over HTTP and a websocket
type Server struct {
	logger  *log.Logger
	addr    string
	source  SnapshotSource
	control func(value []byte)
	hub     *Hub
	router  chi.Router
}

func NewServer(addr string, source SnapshotSource, control func(value []byte), logger *log.Logger) *Server {
	if logger == nil {
		panic("WebServer: logger cannot be nil")
	}
	if source == nil {
		panic("WebServer: snapshot source cannot be nil")
	}
	s := &Server{
		logger:  logger,
		addr:    addr,
		source:  source,
		control: control,
		hub:     NewHub(source, control, DefaultBroadcastInterval, logger),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.hub.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Get("/state", s.handleState)
		r.Post("/control", s.handleControl)
	})
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	hubCtx, cancelHub := context.WithCancel(ctx)
	defer cancelHub()
	go_func_utils.SafeGo(s.logger, func() { s.hub.Run(hubCtx) })

	errCh := make(chan error, 1)
	go_func_utils.SafeGo(s.logger, func() {
		s.logger.Printf("WebServer: Listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	})

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Println("WebServer: Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web server shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   serviceName,
		"treadmill": snap.ConnectedToTreadmill,
		"app":       snap.ConnectedToApp,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.source.Snapshot())
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		errorResponse(w, http.StatusServiceUnavailable, "control is not available")
		return
	}

	var req ControlRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	value, err := req.ControlPointWrite()
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.control(value)
	jsonResponse(w, http.StatusAccepted, map[string]interface{}{
		"status":  "queued",
		"opcode":  value[0],
		"request": req,
	})
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]interface{}{
		"error": message,
		"code":  status,
	})
}

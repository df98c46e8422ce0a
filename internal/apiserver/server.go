// Package apiserver is the HTTP and WebSocket surface described in
// spec.md §6.1/§6.3: signal submission, health, Prometheus exposition, and
// a push channel for order/position/OCO lifecycle events.
package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/domain"
	"github.com/nexusquant/trade-engine/internal/telemetry"
)

// SignalSubmitter is satisfied by *dispatcher.Dispatcher.Submit; declared
// here, consumer-side, so apiserver never imports dispatcher directly.
type SignalSubmitter func(sig domain.Signal) (domain.ResponseEnvelope, error)

// HealthChecker reports whether every subsystem the dispatcher depends on
// is reachable, for the /healthz endpoint.
type HealthChecker func(ctx context.Context) map[string]bool

type Config struct {
	Host string
	Port int
}

// Server is the HTTP/WebSocket API surface.
type Server struct {
	logger     *zap.Logger
	cfg        Config
	router     *mux.Router
	httpServer *http.Server
	submit     SignalSubmitter
	health     HealthChecker
	metrics    *telemetry.Metrics

	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[string]*client
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Event is one push notification over the WebSocket hub, per spec.md §6.3.
type Event struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload"`
}

func New(cfg Config, submit SignalSubmitter, health HealthChecker, metrics *telemetry.Metrics, logger *zap.Logger) *Server {
	s := &Server{
		logger:  logger.Named("apiserver"),
		cfg:     cfg,
		router:  mux.NewRouter(),
		submit:  submit,
		health:  health,
		metrics: metrics,
		clients: map[string]*client{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// Router exposes the underlying mux.Router for tests to drive with
// httptest.NewServer without going through Start's real listener.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/signals", s.handleSubmitSignal).Methods(http.MethodPost)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/stream", s.handleWebSocket)
}

// Start launches the HTTP listener; call from a goroutine, pairing with
// Stop for graceful shutdown.
func (s *Server) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info("starting API server", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.health(r.Context())
	allHealthy := true
	for _, ok := range statuses {
		if !ok {
			allHealthy = false
			break
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !allHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     status,
		"components": statuses,
		"time":       time.Now().UTC(),
	})
}

// Broadcast pushes an event to every connected WebSocket client. Neither
// the dispatcher nor the OCO manager calls it; events reach clients only
// where a caller invokes Broadcast directly.
func (s *Server) Broadcast(eventType string, payload any) {
	msg, err := json.Marshal(Event{Type: eventType, Timestamp: time.Now().UnixMilli(), Payload: payload})
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.send <- msg:
		default:
			// client buffer full; drop rather than block the broadcaster
		}
	}
}

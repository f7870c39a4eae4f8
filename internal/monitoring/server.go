package monitoring

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MLidstrom/Castellan-sub009/internal/broadcast"
)

// AdminServer exposes /health, /metrics, and the broadcast websocket.
type AdminServer struct {
	addr    string
	monitor *Monitor
	server  *http.Server
	logger  *log.Logger
}

func NewAdminServer(addr string, monitor *Monitor, registry *prometheus.Registry, ws *broadcast.WSHandler) *AdminServer {
	router := mux.NewRouter()

	s := &AdminServer{
		addr:    addr,
		monitor: monitor,
		logger:  log.New(log.Writer(), "[Admin] ", log.LstdFlags),
	}

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if ws != nil {
		router.Handle("/ws", ws).Methods(http.MethodGet)
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves in the background until Shutdown.
func (s *AdminServer) Start() {
	go func() {
		s.logger.Printf("Admin server listening on %s", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Admin server failed: %v", err)
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	healthy := s.monitor.Healthy()
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy":    healthy,
		"components": s.monitor.Snapshot(),
		"time":       time.Now().UTC(),
	})
}

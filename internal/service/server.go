package service

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// diagServer exposes orchestrator state over HTTP for operators: health,
// aggregate statistics, per-meter summaries and histories, and Prometheus
// metrics.
type diagServer struct {
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

func newDiagServer(listen string, o *Orchestrator, logger zerolog.Logger) (*diagServer, error) {
	if listen == "" {
		listen = ":18080"
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/statistics", handleStatistics(o)).Methods(http.MethodGet)
	router.HandleFunc("/summaries", handleSummaries(o)).Methods(http.MethodGet)
	router.HandleFunc("/meters/{name}/history", handleHistory(o)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}

	srv := &diagServer{
		server: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
		logger:   logger.With().Str("component", "diagnostics").Logger(),
	}

	go func() {
		if err := srv.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.logger.Error().Err(err).Msg("diagnostics server stopped")
		}
	}()
	srv.logger.Info().Str("listen", listener.Addr().String()).Msg("diagnostics server listening")
	return srv, nil
}

func (s *diagServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *diagServer) close() error {
	if s == nil || s.server == nil {
		return nil
	}
	return s.server.Close()
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func handleStatistics(o *Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, o.Statistics())
	}
}

func handleSummaries(o *Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, o.MeterSummaries())
	}
}

func handleHistory(o *Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		for _, unit := range o.Units() {
			if unit.Name() == name {
				writeJSON(w, unit.History())
				return
			}
		}
		http.Error(w, "unknown meter", http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

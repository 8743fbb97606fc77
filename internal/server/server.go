package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audiolibrelab/pcmstream/internal/audio"
)

const shutdownTimeout = 2 * time.Second

// StatusSource provides what the status endpoints report
type StatusSource interface {
	Snapshot() (audio.Snapshot, bool)
	Devices() ([]audio.DeviceInfo, error)
}

// Server exposes session status and Prometheus metrics over HTTP
type Server struct {
	addr     string
	source   StatusSource
	registry *prometheus.Registry
	http     *http.Server
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status  string          `json:"status"`
	Session *audio.Snapshot `json:"session,omitempty"`
}

// DevicesResponse represents the JSON response for devices endpoint
type DevicesResponse struct {
	Devices []audio.DeviceInfo `json:"devices"`
}

// New creates a status server listening on addr
func New(addr string, source StatusSource, registry *prometheus.Registry) *Server {
	s := &Server{addr: addr, source: source, registry: registry}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/devices", s.handleDevices)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the server's routes, for tests
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	slog.Info("Starting status server",
		"addr", ln.Addr().String(),
		"local_url", fmt.Sprintf("http://%s:%d", getLocalIP(), ln.Addr().(*net.TCPAddr).Port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	slog.Debug("Status server stopped")
	return nil
}

func methodNotAllowed(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	response := StatusResponse{Status: "idle"}
	if snap, ok := s.source.Snapshot(); ok {
		response.Status = string(snap.State)
		response.Session = &snap
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	devices, err := s.source.Devices()
	if err != nil {
		slog.Error("Failed to list devices", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DevicesResponse{Devices: devices})
}

// getLocalIP returns the local IP address for network access
func getLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

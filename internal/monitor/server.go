package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/alvmarrod/web-shuttle/internal/metrics"
	"github.com/alvmarrod/web-shuttle/internal/pool"
	"github.com/alvmarrod/web-shuttle/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// StatusSource is the live view of a scheduler
type StatusSource interface {
	Running() bool
	Live() int
	Info() (scheduler.RunInfo, bool)
	Snapshot() pool.Snapshot
}

// Status is the body of GET /api/status
type Status struct {
	Running bool               `json:"running"`
	Live    int                `json:"live"`
	Run     *scheduler.RunInfo `json:"run,omitempty"`
	Links   []pool.Link        `json:"links"`
	Proxies []pool.Proxy       `json:"proxies"`
	Metrics *metrics.Summary   `json:"metrics,omitempty"`
	Clients int                `json:"clients"`
}

// Server exposes status, live events and Prometheus metrics over HTTP
type Server struct {
	hub      *Hub
	source   StatusSource
	tracker  *metrics.Tracker
	gatherer prometheus.Gatherer
	srv      *http.Server
	addr     string
}

// NewServer wires the handlers; tracker and gatherer may be nil
func NewServer(hub *Hub, source StatusSource, tracker *metrics.Tracker, gatherer prometheus.Gatherer) *Server {
	s := &Server{hub: hub, source: source, tracker: tracker, gatherer: gatherer}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.ServeWs)
	}
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start listens on addr and serves in the background
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("Monitor server stopped: %v", err)
		}
	}()
	logrus.Infof("Monitor listening on http://%s", s.addr)
	return nil
}

// Addr returns the bound address after Start
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown stops accepting requests and waits for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()
	status := Status{
		Running: s.source.Running(),
		Live:    s.source.Live(),
		Links:   snap.Links,
		Proxies: snap.Proxies,
	}
	if info, ok := s.source.Info(); ok {
		info.Snapshot = nil
		status.Run = &info
	}
	if s.tracker != nil {
		m := s.tracker.GetSnapshot()
		status.Metrics = &m
	}
	if s.hub != nil {
		status.Clients = s.hub.ClientCount()
	}
	if status.Links == nil {
		status.Links = []pool.Link{}
	}
	if status.Proxies == nil {
		status.Proxies = []pool.Proxy{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		logrus.Warnf("Failed to encode status: %v", err)
	}
}

package dnsserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"

	"dnscache/pkg/config"
	"dnscache/pkg/logging"
	"dnscache/pkg/telemetry"
)

// Server wraps the UDP and TCP dns.Server listeners the resolver runs,
// both backed by the same Handler. Grounded on the teacher's
// pkg/dns/server_impl.go Server/Start/Shutdown/IsRunning shape.
type Server struct {
	cfg     *config.ServerConfig
	handler *Handler
	logger  *logging.Logger
	metrics *telemetry.Metrics

	mu        sync.RWMutex
	udpServer *dns.Server
	tcpServer *dns.Server
	running   bool
}

// NewServer constructs a Server. metrics may be nil, in which case no
// per-query metrics are recorded.
func NewServer(cfg *config.ServerConfig, handler *Handler, logger *logging.Logger, metrics *telemetry.Metrics) *Server {
	return &Server{cfg: cfg, handler: handler, logger: logger, metrics: metrics}
}

// Start runs the configured listeners (UDP, TCP, or both) until ctx is
// canceled or a listener fails, then shuts everything down.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("dnsserver: already running")
	}
	s.running = true
	s.mu.Unlock()

	wrapped := &wrappedHandler{handler: s.handler, logger: s.logger, metrics: s.metrics}
	errChan := make(chan error, 2)

	if s.cfg.UDPEnabled {
		s.udpServer = &dns.Server{Addr: s.cfg.ListenAddress, Net: "udp", Handler: dns.HandlerFunc(wrapped.serveDNS)}
		go func() {
			s.logger.Info("starting udp listener", "address", s.cfg.ListenAddress)
			if err := s.udpServer.ListenAndServe(); err != nil {
				errChan <- fmt.Errorf("udp listener: %w", err)
			}
		}()
	}

	if s.cfg.TCPEnabled {
		s.tcpServer = &dns.Server{Addr: s.cfg.ListenAddress, Net: "tcp", Handler: dns.HandlerFunc(wrapped.serveDNS)}
		go func() {
			s.logger.Info("starting tcp listener", "address", s.cfg.ListenAddress)
			if err := s.tcpServer.ListenAndServe(); err != nil {
				errChan <- fmt.Errorf("tcp listener: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		s.logger.Info("dnsserver shutting down")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.logger.Error("dnsserver listener failed", "error", err)
		_ = s.Shutdown(context.Background())
		return err
	}
}

// Shutdown stops every running listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	var errs []error
	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("udp shutdown: %w", err))
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tcp shutdown: %w", err))
		}
	}
	s.running = false

	if len(errs) > 0 {
		return fmt.Errorf("dnsserver: shutdown errors: %v", errs)
	}
	return nil
}

// IsRunning reports whether Start has been called without a matching
// Shutdown.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// wrappedHandler adds per-query logging and metrics around Handler.
type wrappedHandler struct {
	handler *Handler
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

func (w *wrappedHandler) serveDNS(rw dns.ResponseWriter, r *dns.Msg) {
	start := time.Now()
	ctx := context.Background()

	var domain string
	var qtype uint16
	if len(r.Question) > 0 {
		domain = r.Question[0].Name
		qtype = r.Question[0].Qtype
	}

	w.logger.Debug("query received", "domain", domain, "type", dns.TypeToString[qtype], "client", clientIP(rw))

	if w.metrics != nil {
		w.metrics.QueriesTotal.Add(ctx, 1)
	}

	w.handler.ServeDNS(ctx, rw, r)

	if w.metrics != nil {
		w.metrics.QueryDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
}

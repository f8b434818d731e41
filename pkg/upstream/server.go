// Package upstream implements the pool of upstream DNS servers the
// forwarder races and fails over between: sticky preferred-server
// selection, race-to-first-success probing on miss, a per-server
// in-flight cap, and a per-query timeout. Grounded on the teacher's
// pkg/forwarder/forwarder.go (dns.Client pooling, ExchangeContext usage)
// generalized from round-robin-with-circuit-breaker to the spec's sticky
// preferred-pointer with race-to-first-success failover. Only NOERROR and
// NXDOMAIN answers count as success (see usable); any other response code
// fails over just like a transport error.
package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"

	"dnscache/pkg/logging"
	"dnscache/pkg/record"
)

// Server is a single upstream DNS server: address, per-query timeout, and
// a bounded in-flight slot count.
type Server struct {
	Addr    string
	Timeout time.Duration

	logger  *logging.Logger
	client  *dns.Client
	inFlight chan struct{} // buffered to MaxInFlight; a held slot is a query in progress
}

// NewServer constructs a Server. maxInFlight must be > 0.
func NewServer(addr string, timeout time.Duration, maxInFlight int, logger *logging.Logger) (*Server, error) {
	if maxInFlight <= 0 {
		return nil, fmt.Errorf("upstream: max_in_flight must be positive, got %d", maxInFlight)
	}
	return &Server{
		Addr:    addr,
		Timeout: timeout,
		logger:  logger,
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		inFlight: make(chan struct{}, maxInFlight),
	}, nil
}

// Lookup sends query to the server and returns its response.
//
// The in-flight slot is held for the entire call, unlike a bug the
// original implementation of this pool carried where the guard was
// dropped the instant it was acquired — here the channel send/receive
// pair spans the whole ExchangeContext call, so max_in_flight is an
// actual concurrency bound, not a no-op.
func (s *Server) Lookup(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	select {
	case s.inFlight <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.inFlight }()

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	resp, _, err := s.client.ExchangeContext(ctx, query, s.Addr)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", s.Addr, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("upstream %s: nil response", s.Addr)
	}
	if resp.Id != query.Id {
		return nil, fmt.Errorf("upstream %s: mismatched response id", s.Addr)
	}
	return resp, nil
}

// usable reports whether resp represents a response the forwarder can
// cache and return, rather than a failure that should trigger failover:
// NoError and NXDomain are both legitimate, final answers.
func usable(resp *dns.Msg) bool {
	return resp.Rcode == int(record.RcodeNoError) || resp.Rcode == int(record.RcodeNXDomain)
}

// Package dnsserver is the transport boundary: it decodes incoming
// queries, validates them, drives the query through the rule processor
// and forwarder, and encodes the reply. Named dnsserver (not dns) to
// avoid colliding with github.com/miekg/dns. Grounded on the teacher's
// pkg/dns/handler.go and pkg/dns/server_impl.go (dns.HandlerFunc wiring,
// per-query logging and metrics, client-IP extraction), generalized from
// the teacher's blocklist/ratelimit/policy chain down to rule-processor
// dispatch plus the forwarder.
package dnsserver

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/miekg/dns"

	"dnscache/pkg/forwarder"
	"dnscache/pkg/logging"
	"dnscache/pkg/record"
	"dnscache/pkg/rules"
)

// Handler answers queries through ServeDNS, dispatching each query
// through the rule processor before (possibly) handing it to the
// forwarder. ServeDNS takes a context, so Handler is not itself a
// dns.Handler; Server adapts it with a dns.HandlerFunc.
type Handler struct {
	processor atomic.Pointer[rules.Processor]
	Forwarder *forwarder.Forwarder
	Logger    *logging.Logger
}

// NewHandler constructs a Handler. processor may be nil, in which case
// every query forwards unconditionally.
func NewHandler(processor *rules.Processor, fwd *forwarder.Forwarder, logger *logging.Logger) *Handler {
	if processor == nil {
		processor = rules.NewProcessor(nil)
	}
	h := &Handler{Forwarder: fwd, Logger: logger}
	h.processor.Store(processor)
	return h
}

// SetProcessor atomically swaps the rule processor, e.g. after a config
// reload recompiled the rule lists. In-flight dispatches against the old
// processor are unaffected.
func (h *Handler) SetProcessor(processor *rules.Processor) {
	h.processor.Store(processor)
}

// ServeDNS answers one query. Requests that fail basic validation —
// wrong opcode, not exactly one question, or a question outside class IN — are
// silently dropped rather than answered, matching a resolver's usual
// posture toward malformed or out-of-scope traffic.
func (h *Handler) ServeDNS(ctx context.Context, w dns.ResponseWriter, r *dns.Msg) {
	if !validQuery(r) {
		h.Logger.Debug("dropping invalid query", "opcode", r.Opcode, "questions", len(r.Question))
		return
	}

	q := r.Question[0]
	mctx := rules.MatchContext{
		Domain:    record.NewName(q.Name).String(),
		ClientIP:  clientIP(w),
		QueryType: dns.TypeToString[q.Qtype],
	}

	result, rcode, err := h.processor.Load().Dispatch(ctx, record.QuestionFrom(q), mctx)
	if err != nil {
		h.Logger.Warn("rule dispatch failed", "domain", mctx.Domain, "error", err)
		h.writeRcode(w, r, dns.RcodeServerFailure)
		return
	}

	if result != rules.Return || rcode != record.RcodeNoError {
		h.writeRcode(w, r, int(rcode))
		return
	}

	if h.Forwarder == nil {
		h.writeRcode(w, r, dns.RcodeServerFailure)
		return
	}

	resp, err := h.Forwarder.Apply(ctx, r)
	if err != nil {
		h.Logger.Warn("forwarder failed", "domain", mctx.Domain, "error", err)
		h.writeRcode(w, r, dns.RcodeServerFailure)
		return
	}
	h.write(w, resp)
}

func (h *Handler) writeRcode(w dns.ResponseWriter, r *dns.Msg, rcode int) {
	resp := new(dns.Msg)
	resp.SetRcode(r, rcode)
	resp.RecursionAvailable = true
	h.write(w, resp)
}

func (h *Handler) write(w dns.ResponseWriter, resp *dns.Msg) {
	if err := w.WriteMsg(resp); err != nil {
		h.Logger.Debug("failed to write response", "error", err)
	}
}

// validQuery reports whether r is well-formed enough for this resolver
// to act on: a standard query opcode, exactly one question, and class IN.
func validQuery(r *dns.Msg) bool {
	if r.Opcode != dns.OpcodeQuery {
		return false
	}
	if len(r.Question) != 1 {
		return false
	}
	return r.Question[0].Qclass == dns.ClassINET
}

func clientIP(w dns.ResponseWriter) string {
	if w.RemoteAddr() == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(w.RemoteAddr().String())
	if err != nil {
		return w.RemoteAddr().String()
	}
	return host
}

package dnsserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnscache/pkg/cache"
	"dnscache/pkg/forwarder"
	"dnscache/pkg/logging"
	"dnscache/pkg/record"
	"dnscache/pkg/rules"
	"dnscache/pkg/upstream"
)

type fakeResponseWriter struct {
	dns.ResponseWriter
	written *dns.Msg
}

func (f *fakeResponseWriter) WriteMsg(m *dns.Msg) error {
	f.written = m
	return nil
}

func (f *fakeResponseWriter) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 5353}
}

func query(domain string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), qtype)
	m.RecursionDesired = true
	return m
}

func newNoForwarderHandler() *Handler {
	return NewHandler(nil, nil, logging.NewDefault())
}

func TestServeDNSDropsWrongOpcode(t *testing.T) {
	h := newNoForwarderHandler()
	w := &fakeResponseWriter{}
	r := query("example.com", dns.TypeA)
	r.Opcode = dns.OpcodeStatus

	h.ServeDNS(context.Background(), w, r)
	assert.Nil(t, w.written)
}

func TestServeDNSDropsMultiQuestion(t *testing.T) {
	h := newNoForwarderHandler()
	w := &fakeResponseWriter{}
	r := query("example.com", dns.TypeA)
	r.Question = append(r.Question, r.Question[0])

	h.ServeDNS(context.Background(), w, r)
	assert.Nil(t, w.written)
}

func TestServeDNSWithRuleReturnOverridesForwarder(t *testing.T) {
	processor := rules.NewProcessor(map[rules.RuleListID][]rules.Rule{
		rules.DefaultList: {{Matcher: rules.Any{}, Action: rules.ReturnCode{Code: record.RcodeNXDomain}}},
	})
	h := NewHandler(processor, nil, logging.NewDefault())
	w := &fakeResponseWriter{}

	h.ServeDNS(context.Background(), w, query("blocked.example.com", dns.TypeA))
	require.NotNil(t, w.written)
	assert.Equal(t, dns.RcodeNameError, w.written.Rcode)
}

func TestServeDNSForwardsWhenNoRuleMatches(t *testing.T) {
	addr, cleanup := mockUpstreamServer(t)
	defer cleanup()

	logger := logging.NewDefault()
	c, err := cache.New(cache.Config{
		Capacity: 100, MaxTTL: time.Hour, MinPositiveTTL: time.Second,
		MinNegativeTransientTTL: time.Second, MinNegativePersistentTTL: 10 * time.Second,
		MaxStaleness: time.Hour, StaleTTL: 30 * time.Second,
	}, logger)
	require.NoError(t, err)
	server, err := upstream.NewServer(addr, time.Second, 4, logger)
	require.NoError(t, err)
	pool := upstream.NewPool([]*upstream.Server{server}, logger)
	fwd := forwarder.New(c, pool, logger)

	h := NewHandler(nil, fwd, logger)
	w := &fakeResponseWriter{}
	h.ServeDNS(context.Background(), w, query("allowed.example.com", dns.TypeA))

	require.NotNil(t, w.written)
	assert.Equal(t, 0, w.written.Rcode)
	require.Len(t, w.written.Answer, 1)
}

func mockUpstreamServer(t *testing.T) (string, func()) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 512)
		for {
			n, clientAddr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := new(dns.Msg)
			resp.SetReply(req)
			resp.Answer = []dns.RR{&dns.A{
				Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
				A:   net.ParseIP("203.0.113.9"),
			}}
			packed, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = pc.WriteTo(packed, clientAddr)
		}
	}()

	return pc.LocalAddr().String(), func() {
		_ = pc.Close()
		<-done
	}
}

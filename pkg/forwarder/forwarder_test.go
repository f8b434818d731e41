package forwarder

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnscache/pkg/cache"
	"dnscache/pkg/logging"
	"dnscache/pkg/upstream"
)

func testCacheConfig() cache.Config {
	return cache.Config{
		Capacity:                 1000,
		MaxTTL:                   24 * time.Hour,
		MinPositiveTTL:           1 * time.Second,
		MinNegativeTransientTTL:  1 * time.Second,
		MinNegativePersistentTTL: 10 * time.Second,
		MaxStaleness:             1 * time.Hour,
		StaleTTL:                 30 * time.Second,
	}
}

// mockUpstream runs a UDP DNS server answering every query with resp.
func mockUpstream(t *testing.T, resp *dns.Msg) (addr string, cleanup func()) {
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
			reply := resp.Copy()
			reply.SetReply(req)
			packed, err := reply.Pack()
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

func aResponse(domain, ip string, ttl uint32) *dns.Msg {
	m := new(dns.Msg)
	m.Rcode = dns.RcodeSuccess
	m.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(domain), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   net.ParseIP(ip),
	}}
	return m
}

func aQuery(domain string) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	q.RecursionDesired = true
	return q
}

func newTestForwarder(t *testing.T, addr string) *Forwarder {
	t.Helper()
	logger := logging.NewDefault()
	c, err := cache.New(testCacheConfig(), logger)
	require.NoError(t, err)
	server, err := upstream.NewServer(addr, time.Second, 8, logger)
	require.NoError(t, err)
	pool := upstream.NewPool([]*upstream.Server{server}, logger)
	return New(c, pool, logger)
}

func TestApplyMissThenHitFromCache(t *testing.T) {
	addr, cleanup := mockUpstream(t, aResponse("example.com.", "93.184.216.34", 300))
	defer cleanup()

	fwd := newTestForwarder(t, addr)
	ctx := context.Background()

	resp, err := fwd.Apply(ctx, aQuery("example.com"))
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, 0, resp.Rcode)

	// Stop the upstream: a second lookup must come straight from cache.
	cleanup()
	resp2, err := fwd.Apply(ctx, aQuery("example.com"))
	require.NoError(t, err)
	require.Len(t, resp2.Answer, 1)
}

func TestApplyRecursionNotDesiredReturnsServfail(t *testing.T) {
	fwd := newTestForwarder(t, "127.0.0.1:1")
	q := aQuery("example.com")
	q.RecursionDesired = false

	resp, err := fwd.Apply(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

func TestApplyConcurrentCallersCoalesce(t *testing.T) {
	addr, cleanup := mockUpstream(t, aResponse("coalesce.example.com.", "5.5.5.5", 300))
	defer cleanup()

	fwd := newTestForwarder(t, addr)
	ctx := context.Background()

	const n = 10
	results := make(chan *dns.Msg, n)
	for i := 0; i < n; i++ {
		go func() {
			resp, err := fwd.Apply(ctx, aQuery("coalesce.example.com"))
			require.NoError(t, err)
			results <- resp
		}()
	}

	for i := 0; i < n; i++ {
		resp := <-results
		require.Len(t, resp.Answer, 1)
	}
}

func TestApplyRejectsMultiQuestionMessages(t *testing.T) {
	fwd := newTestForwarder(t, "127.0.0.1:1")
	q := aQuery("example.com")
	q.Question = append(q.Question, q.Question[0])

	_, err := fwd.Apply(context.Background(), q)
	assert.Error(t, err)
}

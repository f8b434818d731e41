package upstream

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// mockServer runs a UDP DNS server on an ephemeral port that answers with
// resp for every query, with an optional delay before replying, or drops
// every query on the floor if resp is nil. Grounded on the teacher's
// pkg/forwarder mockDNSServer test helper.
func mockServer(t *testing.T, resp *dns.Msg, delay time.Duration) (addr string, cleanup func()) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 512)
		for {
			n, clientAddr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if resp == nil {
				continue
			}

			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}

			if delay > 0 {
				time.Sleep(delay)
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

func nxdomainResponse() *dns.Msg {
	m := new(dns.Msg)
	m.Rcode = dns.RcodeNameError
	return m
}

func noErrorResponse(ip string) *dns.Msg {
	m := new(dns.Msg)
	m.Rcode = dns.RcodeSuccess
	m.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.ParseIP(ip),
	}}
	return m
}

func servfailResponse() *dns.Msg {
	m := new(dns.Msg)
	m.Rcode = dns.RcodeServerFailure
	return m
}

func testQuery() *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	return q
}

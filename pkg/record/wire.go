package record

import (
	"net"

	"github.com/miekg/dns"
)

// FromRR converts a decoded miekg/dns resource record into the internal
// model. ok is false for classes other than IN or kinds this cache does
// not interpret well enough to store usefully (the header name/kind/class
// are still returned so callers can make their own choice for those).
func FromRR(rr dns.RR) (ResourceRecord, bool) {
	h := rr.Header()
	out := ResourceRecord{
		Name:    NewName(h.Name),
		Kind:    RRKind(h.Rrtype),
		Class:   RRClass(h.Class),
		TTLSecs: h.Ttl,
	}
	if out.Class != ClassIN {
		return out, false
	}
	switch v := rr.(type) {
	case *dns.A:
		ip4 := v.A.To4()
		if ip4 == nil {
			return out, false
		}
		var b [4]byte
		copy(b[:], ip4)
		out.Data = Ipv4Addr(b)
	case *dns.AAAA:
		ip16 := v.AAAA.To16()
		if ip16 == nil {
			return out, false
		}
		var b [16]byte
		copy(b[:], ip16)
		out.Data = Ipv6Addr(b)
	case *dns.CNAME:
		out.Data = NameData(NewName(v.Target))
	case *dns.NS:
		out.Data = NameData(NewName(v.Ns))
	case *dns.PTR:
		out.Data = NameData(NewName(v.Ptr))
	case *dns.SOA:
		out.Data = SoaData(Soa{
			Primary:     NewName(v.Ns),
			Responsible: NewName(v.Mbox),
			Serial:      v.Serial,
			Refresh:     v.Refresh,
			Retry:       v.Retry,
			Expire:      v.Expire,
			MinTTLSecs:  v.Minttl,
		})
	default:
		return out, false
	}
	return out, true
}

// ToRR converts an internal resource record back into a miekg/dns RR ready
// for encoding into a response packet.
func ToRR(rr ResourceRecord) dns.RR {
	hdr := dns.RR_Header{
		Name:   dns.Fqdn(rr.Name.String()),
		Rrtype: uint16(rr.Kind),
		Class:  uint16(rr.Class),
		Ttl:    rr.TTLSecs,
	}
	switch rr.Kind {
	case KindA:
		ip, _ := rr.Data.AsIP()
		return &dns.A{Hdr: hdr, A: ip}
	case KindAAAA:
		ip, _ := rr.Data.AsIP()
		return &dns.AAAA{Hdr: hdr, AAAA: ip}
	case KindCNAME:
		n, _ := rr.Data.AsName()
		return &dns.CNAME{Hdr: hdr, Target: dns.Fqdn(n.String())}
	case KindNS:
		n, _ := rr.Data.AsName()
		return &dns.NS{Hdr: hdr, Ns: dns.Fqdn(n.String())}
	case KindPTR:
		n, _ := rr.Data.AsName()
		return &dns.PTR{Hdr: hdr, Ptr: dns.Fqdn(n.String())}
	case KindSOA:
		soa, _ := rr.Data.AsSoa()
		return &dns.SOA{
			Hdr:     hdr,
			Ns:      dns.Fqdn(soa.Primary.String()),
			Mbox:    dns.Fqdn(soa.Responsible.String()),
			Serial:  soa.Serial,
			Refresh: soa.Refresh,
			Retry:   soa.Retry,
			Expire:  soa.Expire,
			Minttl:  soa.MinTTLSecs,
		}
	default:
		return nil
	}
}

// QuestionFrom converts a decoded miekg/dns question into the internal
// model.
func QuestionFrom(q dns.Question) Question {
	return Question{
		Name:  NewName(q.Name),
		Kind:  RRKind(q.Qtype),
		Class: RRClass(q.Qclass),
	}
}

// ToDNSQuestion converts an internal Question back to wire form.
func (q Question) ToDNSQuestion() dns.Question {
	return dns.Question{
		Name:   dns.Fqdn(q.Name.String()),
		Qtype:  uint16(q.Kind),
		Qclass: uint16(q.Class),
	}
}

// MustParseIP4 is a small test/construction helper converting a dotted
// quad into the 4-byte array Ipv4Addr wants.
func MustParseIP4(s string) [4]byte {
	ip := net.ParseIP(s).To4()
	var b [4]byte
	copy(b[:], ip)
	return b
}

// MustParseIP6 is a small test/construction helper converting a textual
// IPv6 address into the 16-byte array Ipv6Addr wants.
func MustParseIP6(s string) [16]byte {
	ip := net.ParseIP(s).To16()
	var b [16]byte
	copy(b[:], ip)
	return b
}

package record

import (
	"bytes"
	"fmt"
	"net"
)

// dataTag discriminates the RRData variants for ordering and comparison.
type dataTag uint8

const (
	tagIpv4 dataTag = iota
	tagIpv6
	tagName
	tagSoa
	tagUnknown
)

// Soa carries the fields of a Start-of-Authority record that negative
// caching needs: the zone minimum TTL used as a lower bound.
type Soa struct {
	Primary     Name
	Responsible Name
	Serial      uint32
	Refresh     uint32
	Retry       uint32
	Expire      uint32
	MinTTLSecs  uint32
}

// RRData is a tagged variant holding the payload of a resource record: an
// IPv4 address, an IPv6 address, a name (CNAME/NS/PTR target), SOA fields,
// or an opaque blob for kinds the cache does not interpret.
type RRData struct {
	tag     dataTag
	ipv4    [4]byte
	ipv6    [16]byte
	name    Name
	soa     Soa
	unknown []byte
}

// Ipv4Addr builds an RRData holding an IPv4 address (A records).
func Ipv4Addr(a [4]byte) RRData { return RRData{tag: tagIpv4, ipv4: a} }

// Ipv6Addr builds an RRData holding an IPv6 address (AAAA records).
func Ipv6Addr(a [16]byte) RRData { return RRData{tag: tagIpv6, ipv6: a} }

// NameData builds an RRData holding a name (CNAME/NS/PTR targets).
func NameData(n Name) RRData { return RRData{tag: tagName, name: n} }

// SoaData builds an RRData holding SOA fields.
func SoaData(s Soa) RRData { return RRData{tag: tagSoa, soa: s} }

// UnknownData builds an opaque RRData for kinds the cache does not
// interpret beyond storing and returning the bytes verbatim.
func UnknownData(b []byte) RRData {
	cp := append([]byte(nil), b...)
	return RRData{tag: tagUnknown, unknown: cp}
}

// AsName returns the contained name, if this RRData holds one (CNAME, NS,
// or PTR targets are always Name-tagged).
func (d RRData) AsName() (Name, bool) {
	if d.tag != tagName {
		return "", false
	}
	return d.name, true
}

// AsSoa returns the contained SOA fields, if this RRData holds one.
func (d RRData) AsSoa() (Soa, bool) {
	if d.tag != tagSoa {
		return Soa{}, false
	}
	return d.soa, true
}

// AsIP returns the contained address as a net.IP, if this RRData holds
// either an IPv4 or IPv6 address.
func (d RRData) AsIP() (net.IP, bool) {
	switch d.tag {
	case tagIpv4:
		return net.IP(d.ipv4[:]), true
	case tagIpv6:
		return net.IP(d.ipv6[:]), true
	default:
		return nil, false
	}
}

// Equal reports structural equality (Compare == 0).
func (d RRData) Equal(o RRData) bool {
	return d.Compare(o) == 0
}

// Compare gives RRData a total order: first by variant tag, then by the
// contained value. Used to order Ipv4Addr/Ipv6Addr/Name subkeys within an
// RRset the way the composite cache key requires.
func (d RRData) Compare(o RRData) int {
	if d.tag != o.tag {
		if d.tag < o.tag {
			return -1
		}
		return 1
	}
	switch d.tag {
	case tagIpv4:
		return bytes.Compare(d.ipv4[:], o.ipv4[:])
	case tagIpv6:
		return bytes.Compare(d.ipv6[:], o.ipv6[:])
	case tagName:
		if d.name < o.name {
			return -1
		} else if d.name > o.name {
			return 1
		}
		return 0
	case tagSoa:
		return bytes.Compare([]byte(fmt.Sprintf("%v", d.soa)), []byte(fmt.Sprintf("%v", o.soa)))
	default:
		return bytes.Compare(d.unknown, o.unknown)
	}
}

func (d RRData) String() string {
	switch d.tag {
	case tagIpv4:
		return net.IP(d.ipv4[:]).String()
	case tagIpv6:
		return net.IP(d.ipv6[:]).String()
	case tagName:
		return d.name.String()
	case tagSoa:
		return fmt.Sprintf("SOA(%s, serial=%d, min_ttl=%d)", d.soa.Primary, d.soa.Serial, d.soa.MinTTLSecs)
	default:
		return fmt.Sprintf("Unknown(%d bytes)", len(d.unknown))
	}
}

// ResourceRecord is a single DNS datum: name, kind, class, TTL, and data.
type ResourceRecord struct {
	Name    Name
	Kind    RRKind
	Class   RRClass
	TTLSecs uint32
	Data    RRData
}

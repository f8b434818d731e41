package cache

import (
	"time"

	"dnscache/pkg/record"
)

// Item is what Get returns to callers: either a negative answer (an
// upstream response code with no records, optionally carrying the owner
// name of the SOA that bounded its TTL) or a single positive resource
// record.
type Item struct {
	Negative *NegativeItem
	Positive *record.ResourceRecord
}

// NegativeItem is a cached denial: NXDOMAIN or a transient SERVFAIL.
type NegativeItem struct {
	ResponseCode record.ResponseCode
	SOAOwner     *record.Name
}

// value is what is actually stored in the range-cache, keyed by
// record.CacheKey.
type value struct {
	ts           time.Time // monotonic-clock reading at insert time
	ttlSecs      uint32
	responseCode record.ResponseCode
	rrData       *record.RRData // set when Sub == Unique and responseCode == NoError
	soaOwner     *record.Name   // set for negative entries carrying a SOA owner
}

// Package cache implements the DNS resource-record cache: TTL policy,
// staleness windows, and the mutual-exclusion invariants between CNAME and
// address record sets, layered on top of pkg/rangecache's bounded ordered
// store. Grounded on the teacher's pkg/cache/cache.go (Prometheus-backed
// hit/miss counters, construction validation, Debug-level logging of every
// insert/evict) generalized from a flat dns.Msg cache to the composite
// (name, kind, class, sub) model the spec requires.
package cache

import (
	"sync"
	"time"

	"dnscache/pkg/logging"
	"dnscache/pkg/rangecache"
	"dnscache/pkg/record"
)

// Cache applies DNS TTL policy, staleness, and mutual exclusion on top of
// a bounded range-cache. Safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	store  *rangecache.Cache[record.CacheKey, value]
	cfg    Config
	logger *logging.Logger
}

// New constructs a Cache. Returns an error if cfg fails validation.
func New(cfg Config, logger *logging.Logger) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cmp := func(a, b record.CacheKey) int { return a.Compare(b) }
	keyOf := func(k record.CacheKey) string { return k.String() }
	return &Cache{
		store:  rangecache.New[record.CacheKey, value](cfg.Capacity, cmp, keyOf),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Get performs a range scan over keys strictly between
// (name, kind, class, First) and (name, kind, class, Last), returning the
// matching items. now is the caller's monotonic clock reading.
//
// When includeStale is true, entries that have expired but are still
// within MaxStaleness of now are also returned, reported with
// cfg.StaleTTL as their TTL rather than their real remaining TTL.
func (c *Cache) Get(name record.Name, kind record.RRKind, class record.RRClass, now time.Time, includeStale bool) []Item {
	lo, hi := record.PrefixBounds(name, kind, class)

	c.mu.Lock()
	defer c.mu.Unlock()

	var items []Item
	c.store.Range(lo, hi, true, func(k record.CacheKey, v value) {
		expires := v.ts.Add(time.Duration(v.ttlSecs) * time.Second)
		var include bool
		if includeStale {
			include = expires.Add(c.cfg.MaxStaleness).After(now)
		} else {
			include = expires.After(now)
		}
		if !include {
			return
		}

		item, ok := c.toItem(now, k, v)
		if !ok {
			return
		}
		if item.Negative != nil && len(items) != 0 {
			panic("cache: negative entry must be the sole entry in its (name, kind, class) range")
		}
		items = append(items, item)
	})
	return items
}

func (c *Cache) toItem(now time.Time, k record.CacheKey, v value) (Item, bool) {
	switch {
	case k.Sub.IsUnique() && v.responseCode != record.RcodeNoError:
		return Item{Negative: &NegativeItem{ResponseCode: v.responseCode, SOAOwner: v.soaOwner}}, true
	case k.Sub.IsUnique():
		if v.rrData == nil {
			panic("cache: unique positive entry missing rr_data")
		}
		rr := c.positiveRR(now, k, v, *v.rrData)
		return Item{Positive: &rr}, true
	default:
		data, ok := subKeyData(k.Sub)
		if !ok {
			// First/Last sentinels are never stored; reaching one here
			// means the range scan or insert logic has a bug.
			panic("cache: scan reached a sentinel subkey")
		}
		rr := c.positiveRR(now, k, v, data)
		return Item{Positive: &rr}, true
	}
}

func (c *Cache) positiveRR(now time.Time, k record.CacheKey, v value, data record.RRData) record.ResourceRecord {
	elapsed := now.Sub(v.ts)
	elapsedSecs := uint32(0)
	if elapsed > 0 {
		if s := elapsed.Seconds(); s < float64(^uint32(0)) {
			elapsedSecs = uint32(s)
		} else {
			elapsedSecs = ^uint32(0)
		}
	}

	ttlSecs := c.cfg.StaleTTLSecs()
	if elapsedSecs < v.ttlSecs {
		ttlSecs = v.ttlSecs - elapsedSecs
	}

	return record.ResourceRecord{
		Name:    k.Name,
		Kind:    k.Kind,
		Class:   k.Class,
		TTLSecs: ttlSecs,
		Data:    data,
	}
}

// Insert derives the cache entry for item, clamps its TTL, sweeps any
// mutually-exclusive siblings, and writes it. now is the caller's
// monotonic clock reading. Zero-TTL results (after clamping) are dropped
// without being cached.
func (c *Cache) Insert(name record.Name, kind record.RRKind, class record.RRClass, ttlSecsIn uint32, now time.Time, item Item) {
	sub, v, ok := c.derive(kind, ttlSecsIn, now, item)
	if !ok {
		return
	}

	key := record.CacheKey{Name: name, Kind: kind, Class: class, Sub: sub}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepMutualExclusion(name, class, kind)
	c.store.Insert(key, v)

	c.logger.Debug("cache insert",
		"name", name.String(),
		"kind", kind,
		"ttl_secs", v.ttlSecs,
		"response_code", v.responseCode)
}

func (c *Cache) derive(kind record.RRKind, ttlSecsIn uint32, now time.Time, item Item) (record.SubKey, value, bool) {
	var sub record.SubKey
	var ttlSecs uint32

	switch {
	case item.Negative != nil:
		neg := item.Negative
		var floor time.Duration
		switch neg.ResponseCode {
		case record.RcodeServerFailure:
			floor = c.cfg.MinNegativeTransientTTL
		case record.RcodeNXDomain:
			floor = c.cfg.MinNegativePersistentTTL
		default:
			return record.SubKey{}, value{}, false
		}
		sub = record.SubKeyUnique
		ttlSecs = clampTTL(ttlSecsIn, floor, c.cfg.MaxTTL)
		if ttlSecs == 0 {
			return record.SubKey{}, value{}, false
		}
		return sub, value{ts: now, ttlSecs: ttlSecs, responseCode: neg.ResponseCode, soaOwner: neg.SOAOwner}, true

	case item.Positive != nil:
		rr := item.Positive
		ttlSecs = clampTTL(ttlSecsIn, c.cfg.MinPositiveTTL, c.cfg.MaxTTL)
		if ttlSecs == 0 {
			return record.SubKey{}, value{}, false
		}
		if record.IsUniqueKind(kind) {
			sub = record.SubKeyUnique
			data := rr.Data
			return sub, value{ts: now, ttlSecs: ttlSecs, responseCode: record.RcodeNoError, rrData: &data}, true
		}
		sub = record.SubKeyData(rr.Data)
		return sub, value{ts: now, ttlSecs: ttlSecs, responseCode: record.RcodeNoError}, true

	default:
		return record.SubKey{}, value{}, false
	}
}

// sweepMutualExclusion removes CNAME entries when inserting A/AAAA, or
// removes A/AAAA entries when inserting CNAME, at (name, class). Must be
// called with c.mu held.
func (c *Cache) sweepMutualExclusion(name record.Name, class record.RRClass, insertingKind record.RRKind) {
	var removeKinds []record.RRKind
	switch insertingKind {
	case record.KindCNAME:
		removeKinds = []record.RRKind{record.KindA, record.KindAAAA}
	case record.KindA, record.KindAAAA:
		removeKinds = []record.RRKind{record.KindCNAME}
	default:
		return
	}
	for _, k := range removeKinds {
		lo, hi := record.PrefixBounds(name, k, class)
		c.store.RemoveRange(lo, hi)
	}
}

func clampTTL(ttlSecs uint32, floor, ceiling time.Duration) uint32 {
	floorSecs := uint32(floor.Seconds())
	ceilingSecs := uint32(ceiling.Seconds())
	if ttlSecs < floorSecs {
		return floorSecs
	}
	if ttlSecs > ceilingSecs {
		return ceilingSecs
	}
	return ttlSecs
}

// StaleTTLSecs returns the TTL advertised for records served stale.
func (c Config) StaleTTLSecs() uint32 {
	return uint32(c.StaleTTL.Seconds())
}

func subKeyData(sub record.SubKey) (record.RRData, bool) {
	return sub.Data()
}

// Package forwarder implements the resolver's orchestration loop: cache
// lookup with CNAME chain assembly, single-flight coalesced upstream
// fetch on miss, and cache population from the upstream answer. Grounded
// on the teacher's pkg/forwarder/forwarder.go (the overall
// lookup-then-fetch-then-cache shape), generalized to the composite cache
// and coalescer this resolver uses. Unlike the teacher, an upstream answer
// other than NOERROR or NXDOMAIN counts as a failed attempt and makes the
// upstream pool fail over.
package forwarder

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"dnscache/pkg/cache"
	"dnscache/pkg/coalesce"
	"dnscache/pkg/logging"
	"dnscache/pkg/record"
	"dnscache/pkg/upstream"
)

// maxCNAMEChainDepth bounds how many names lookupChain visits while
// assembling a CNAME chain from the cache.
const maxCNAMEChainDepth = 8

// Forwarder answers a single question end to end.
type Forwarder struct {
	cache     *cache.Cache
	pool      atomic.Pointer[upstream.Pool]
	coalescer *coalesce.Group
	logger    *logging.Logger
}

// New constructs a Forwarder over an already-built cache and upstream
// pool, with its own private coalescing group.
func New(c *cache.Cache, pool *upstream.Pool, logger *logging.Logger) *Forwarder {
	f := &Forwarder{cache: c, coalescer: coalesce.NewGroup(), logger: logger}
	f.pool.Store(pool)
	return f
}

// SetPool atomically swaps the upstream pool, e.g. after a config reload
// rebuilt it from a changed upstreams list. In-flight lookups against the
// old pool are unaffected.
func (f *Forwarder) SetPool(pool *upstream.Pool) {
	f.pool.Store(pool)
}

// Apply resolves query: a recursion-desired check, then cache lookup,
// then (on miss) a coalesced upstream fetch that populates the cache for
// whoever asks next. query must carry exactly one question — callers
// upstream of Apply (the rule processor's Forward action, the transport
// handler) are responsible for rejecting anything else before calling
// Apply.
func (f *Forwarder) Apply(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	if !query.RecursionDesired {
		return servfail(query), nil
	}
	if len(query.Question) != 1 {
		return nil, fmt.Errorf("forwarder: expected exactly one question, got %d", len(query.Question))
	}

	q := record.QuestionFrom(query.Question[0])
	now := time.Now()

	if resp, ok := f.lookupCache(q, query, now, false); ok {
		return resp, nil
	}

	return f.resolveViaUpstream(ctx, q, query)
}

// resolveViaUpstream runs the coalescer: the first caller for q becomes
// the leader and performs the upstream fetch; every concurrent caller
// becomes a waiter, blocks until the leader is done, and re-checks the
// cache. A waiter that still misses after waking (the leader's fetch
// produced nothing cacheable) loops back and tries to become the leader
// itself.
func (f *Forwarder) resolveViaUpstream(ctx context.Context, q record.Question, query *dns.Msg) (*dns.Msg, error) {
	for {
		role, latch := f.coalescer.Enter(q)
		if role == coalesce.Leader {
			resp, err := f.fetchAndCache(ctx, q, query)
			f.coalescer.Done(q)
			return resp, err
		}

		latch.Wait()
		if resp, ok := f.lookupCache(q, query, time.Now(), false); ok {
			return resp, nil
		}
	}
}

// fetchAndCache performs the actual upstream round trip, updates the
// cache from the answer, and builds the response to the original client
// query. If the pool exhausts every upstream server and synthesizes
// SERVFAIL, a stale cache entry (if any remains within the staleness
// window) is served instead.
func (f *Forwarder) fetchAndCache(ctx context.Context, q record.Question, query *dns.Msg) (*dns.Msg, error) {
	upstreamQuery := query.Copy()
	upstreamQuery.Id = dns.Id()

	resp, err := f.pool.Load().Lookup(ctx, upstreamQuery)
	if err != nil {
		return nil, fmt.Errorf("forwarder: upstream lookup: %w", err)
	}

	if resp.Rcode == dns.RcodeServerFailure {
		if stale, ok := f.lookupCache(q, query, time.Now(), true); ok {
			f.logger.Warn("upstream exhausted, serving stale", "name", q.Name.String(), "kind", q.Kind)
			return stale, nil
		}
	}

	f.updateCache(q, resp, time.Now())

	final := new(dns.Msg)
	final.SetReply(query)
	final.RecursionAvailable = true
	final.Rcode = resp.Rcode
	final.Answer = resp.Answer
	final.Ns = resp.Ns
	final.Extra = resp.Extra
	return final, nil
}

// lookupCache assembles an answer for q entirely from the cache,
// following CNAME chains, and reports whether a complete answer (or a
// cached negative response) was found.
func (f *Forwarder) lookupCache(q record.Question, query *dns.Msg, now time.Time, includeStale bool) (*dns.Msg, bool) {
	answers, neg, authoritySOAAt, terminal := f.lookupChain(q, now, includeStale)
	if !terminal {
		return nil, false
	}
	return f.buildResponse(query, q, answers, neg, authoritySOAAt, now), true
}

// lookupChain walks the CNAME chain starting at q.Name: at each step it
// asks the cache for q.Kind directly, and if that misses, for a CNAME at
// the current name, following it to the CNAME's target. CNAME chasing
// only applies to A/AAAA questions, matching the original resolver's
// lookup_related (it bails immediately for any other query kind).
//
// A detected cycle is a terminal SERVFAIL, not a cache miss. Reaching a
// name with neither the requested kind nor a CNAME — i.e. the chain ends
// without a terminal record — is also terminal, answered NO_ERROR with
// whatever CNAMEs were accumulated plus the authority SOA for the last
// name's parent zone, as long as at least one CNAME was found; if the
// very first name has nothing cached at all, that's a true miss and the
// caller must go upstream.
func (f *Forwarder) lookupChain(q record.Question, now time.Time, includeStale bool) (answers []record.ResourceRecord, neg *cache.NegativeItem, authoritySOAAt *record.Name, terminal bool) {
	chase := q.Kind == record.KindA || q.Kind == record.KindAAAA
	seen := make(map[record.Name]bool)
	current := q.Name

	for depth := 0; depth < maxCNAMEChainDepth; depth++ {
		if seen[current] {
			return answers, &cache.NegativeItem{ResponseCode: record.RcodeServerFailure}, nil, true
		}
		seen[current] = true

		items := f.cache.Get(current, q.Kind, q.Class, now, includeStale)
		if len(items) > 0 {
			if items[0].Negative != nil {
				return answers, items[0].Negative, nil, true
			}
			for _, item := range items {
				answers = append(answers, *item.Positive)
			}
			return answers, nil, nil, true
		}

		if !chase {
			return answers, nil, nil, false
		}

		cnameItems := f.cache.Get(current, record.KindCNAME, q.Class, now, includeStale)
		if len(cnameItems) != 1 || cnameItems[0].Positive == nil {
			return chainDeadEnd(answers, current)
		}
		rr := *cnameItems[0].Positive
		answers = append(answers, rr)

		target, ok := rr.Data.AsName()
		if !ok {
			return chainDeadEnd(answers, current)
		}
		current = target
	}
	return chainDeadEnd(answers, current)
}

// chainDeadEnd decides how to report a name in the CNAME chain that has
// neither the requested record nor a further CNAME to follow.
func chainDeadEnd(answers []record.ResourceRecord, at record.Name) ([]record.ResourceRecord, *cache.NegativeItem, *record.Name, bool) {
	if len(answers) == 0 {
		return answers, nil, nil, false
	}
	parent := at.Parent()
	return answers, nil, &parent, true
}

// buildResponse renders a cache lookup's result into a reply to the
// client's original query, attaching an authority SOA record either for a
// cached negative answer or for a CNAME chain that ended without a
// terminal record, when one is on hand.
func (f *Forwarder) buildResponse(query *dns.Msg, q record.Question, answers []record.ResourceRecord, neg *cache.NegativeItem, authoritySOAAt *record.Name, now time.Time) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(query)
	resp.RecursionAvailable = true

	if neg != nil {
		resp.Rcode = int(neg.ResponseCode)
		if neg.SOAOwner != nil {
			f.attachSOAAuthority(resp, *neg.SOAOwner, q.Class, now)
		}
		return resp
	}

	resp.Rcode = int(record.RcodeNoError)
	for _, rr := range answers {
		resp.Answer = append(resp.Answer, record.ToRR(rr))
	}
	if authoritySOAAt != nil {
		f.attachSOAAuthority(resp, *authoritySOAAt, q.Class, now)
	}
	return resp
}

func (f *Forwarder) attachSOAAuthority(resp *dns.Msg, owner record.Name, class record.RRClass, now time.Time) {
	if soaItems := f.cache.Get(owner, record.KindSOA, class, now, false); len(soaItems) == 1 && soaItems[0].Positive != nil {
		resp.Ns = append(resp.Ns, record.ToRR(*soaItems[0].Positive))
	}
}

// updateCache inserts every record an upstream answer carried — answers,
// authority, and additional alike — and, for a response with no answer
// records, derives a negative cache entry from the first SOA found in
// the authority section, with TTL min(soa.ttl, soa.minttl) before the
// cache applies its own floor and ceiling. The cache keeps such an entry
// only for NXDOMAIN and SERVFAIL; for other response codes it is dropped.
// A zero TTL means the zone asked for no negative caching at all, so
// nothing is inserted.
func (f *Forwarder) updateCache(q record.Question, resp *dns.Msg, now time.Time) {
	for _, rr := range resp.Answer {
		f.insertRR(rr, now)
	}
	for _, rr := range resp.Ns {
		f.insertRR(rr, now)
	}
	for _, rr := range resp.Extra {
		f.insertRR(rr, now)
	}

	if len(resp.Answer) == 0 {
		f.insertNegative(q, resp, now)
	}
}

func (f *Forwarder) insertRR(rr dns.RR, now time.Time) {
	parsed, ok := record.FromRR(rr)
	if !ok {
		return
	}
	f.cache.Insert(parsed.Name, parsed.Kind, parsed.Class, parsed.TTLSecs, now, cache.Item{Positive: &parsed})
}

func (f *Forwarder) insertNegative(q record.Question, resp *dns.Msg, now time.Time) {
	for _, rr := range resp.Ns {
		soaRR, ok := rr.(*dns.SOA)
		if !ok {
			continue
		}
		ttl := soaRR.Minttl
		if soaRR.Hdr.Ttl < ttl {
			ttl = soaRR.Hdr.Ttl
		}
		if ttl == 0 {
			return
		}
		owner := record.NewName(soaRR.Hdr.Name)
		f.cache.Insert(q.Name, q.Kind, q.Class, ttl, now, cache.Item{Negative: &cache.NegativeItem{
			ResponseCode: record.ResponseCode(resp.Rcode),
			SOAOwner:     &owner,
		}})
		return
	}
}

func servfail(query *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(query, dns.RcodeServerFailure)
	return resp
}

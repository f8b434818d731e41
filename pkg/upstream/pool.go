package upstream

import (
	"context"
	"sync"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"dnscache/pkg/logging"
)

// preferred is the pool's sticky pointer: the index of the server that
// last produced a usable response, and a version bumped every time a
// race picks a (possibly different) winner. version == 0 means there is no
// preferred server: none has won a race yet, or the last race found no
// usable server and reset the pointer.
type preferred struct {
	idx     int
	version uint64
}

// Pool holds an ordered list of upstream servers and races between them
// on a cache miss, remembering whichever server won last time so most
// lookups skip the race entirely.
type Pool struct {
	servers []*Server
	logger  *logging.Logger

	mu   sync.Mutex
	pref preferred
}

// NewPool constructs a Pool over servers, in priority order. An empty
// pool is valid: Lookup then always synthesizes SERVFAIL.
func NewPool(servers []*Server, logger *logging.Logger) *Pool {
	return &Pool{servers: servers, logger: logger}
}

// Lookup resolves query against the pool: it tries the sticky preferred
// server first, and only races all servers when there is no preferred
// server yet, or the preferred server fails.
func (p *Pool) Lookup(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	if len(p.servers) == 0 {
		return synthesizeServfail(query), nil
	}

	for {
		p.mu.Lock()
		pref := p.pref
		p.mu.Unlock()

		if pref.version > 0 {
			server := p.servers[pref.idx]
			resp, err := server.Lookup(ctx, query)
			if err == nil && usable(resp) {
				return resp, nil
			}
			p.logger.Warn("preferred upstream failed, racing pool",
				"addr", server.Addr, "error", err)
		}

		resp, err, changed := p.race(ctx, query, pref)
		if changed {
			// Another goroutine already advanced the preferred pointer
			// while we were deciding to race; retry with its winner.
			continue
		}
		return resp, err
	}
}

// race queries every server concurrently and returns the first usable
// response, updating the sticky pointer to its index. The pointer is
// checked against expected both before probing and again under the lock
// once probing finishes; either check failing means another racer already
// committed a winner from the same baseline, so race reports changed=true
// without writing anything, and the caller retries against the new
// preferred server instead of clobbering it with a colliding version.
func (p *Pool) race(ctx context.Context, query *dns.Msg, expected preferred) (resp *dns.Msg, err error, changed bool) {
	p.mu.Lock()
	if p.pref != expected {
		p.mu.Unlock()
		return nil, nil, true
	}
	p.mu.Unlock()

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var winner struct {
		mu   sync.Mutex
		idx  int
		resp *dns.Msg
		set  bool
	}

	g, gCtx := errgroup.WithContext(raceCtx)
	for i, server := range p.servers {
		i, server := i, server
		g.Go(func() error {
			r, lookupErr := server.Lookup(gCtx, query)
			if lookupErr != nil || !usable(r) {
				return nil
			}
			winner.mu.Lock()
			defer winner.mu.Unlock()
			if !winner.set {
				winner.set = true
				winner.idx = i
				winner.resp = r
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pref != expected {
		// Another racer already committed a winner from the same
		// baseline while we were probing; discard our result and let
		// the caller retry against whatever it committed.
		return nil, nil, true
	}

	if !winner.set {
		p.pref = preferred{idx: 0, version: 0}
		return synthesizeServfail(query), nil, false
	}

	p.pref = preferred{idx: winner.idx, version: expected.version + 1}
	p.logger.Info("upstream failover", "addr", p.servers[winner.idx].Addr, "version", p.pref.version)
	return winner.resp, nil, false
}

func synthesizeServfail(query *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(query, dns.RcodeServerFailure)
	return resp
}

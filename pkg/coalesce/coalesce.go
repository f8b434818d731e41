// Package coalesce deduplicates concurrent identical in-flight questions
// so only one upstream fetch is issued per question at a time. Grounded on
// the teacher's pkg/ratelimit token-bucket map (short-hold mutex guarding a
// map keyed by a request identity), adapted from a rate limiter's permit
// counting to a broadcast-on-completion latch — a closed channel, not a
// semaphore, so an unbounded number of waiters wake for free.
package coalesce

import (
	"sync"

	"dnscache/pkg/record"
)

// latch is released by closing done, which every waiter can observe
// without consuming anything — unlike a semaphore permit, closing a
// channel never needs "topping up" if extra waiters arrive after the
// leader already started.
type latch struct {
	done chan struct{}
}

func newLatch() *latch { return &latch{done: make(chan struct{})} }

func (l *latch) release() { close(l.done) }

// Group coalesces concurrent Lead calls that share a Question.
type Group struct {
	mu       sync.Mutex
	inFlight map[record.Question]*latch
}

// NewGroup constructs an empty coalescing group.
func NewGroup() *Group {
	return &Group{inFlight: make(map[record.Question]*latch)}
}

// Role reports whether the caller became the leader for q (and must run
// the upstream fetch and call Done), or a waiter (and must call Wait).
type Role int

const (
	// Leader means no fetch for q was in flight; the caller registered
	// one and must eventually call Done.
	Leader Role = iota
	// Waiter means another caller is already fetching q; the caller
	// should block on Wait, then re-check the cache.
	Waiter
)

// Enter registers the caller's interest in q. If no fetch for q is in
// flight, the caller becomes the Leader and is responsible for calling
// Done when its fetch completes (success or failure). Otherwise the
// caller becomes a Waiter and receives the in-flight latch to wait on.
func (g *Group) Enter(q record.Question) (Role, *latch) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if l, ok := g.inFlight[q]; ok {
		return Waiter, l
	}
	l := newLatch()
	g.inFlight[q] = l
	return Leader, l
}

// Wait blocks until the leader for this latch calls Done. Safe to call
// outside the group's lock — the leader holds no lock while a waiter
// waits here.
func (l *latch) Wait() {
	<-l.done
}

// Done removes q's in-flight entry and wakes every waiter. Must be called
// exactly once by the goroutine that entered as Leader for q, after its
// fetch completes (by success or failure) — the cache insert, if any,
// must happen-before this call so that waiters re-checking the cache
// after waking observe the result.
func (g *Group) Done(q record.Question) {
	g.mu.Lock()
	l, ok := g.inFlight[q]
	if ok {
		delete(g.inFlight, q)
	}
	g.mu.Unlock()

	if ok {
		l.release()
	}
}

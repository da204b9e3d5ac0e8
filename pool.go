// Copyright (c) 2026 The Migux Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Upstream pool and health tracking (component F): per-endpoint
// consecutive-failure counters driving an Up/Down state machine, and a
// bounded per-endpoint idle-connection stack. Grounded on the teacher's
// generic connPool[C io.Closer] (net_tcpx.go) for the LIFO idle stack and
// on fabian4/gateway-homebrew-go's internal/lb for the Up/Down/cooldown
// shape, generalized from lb's smooth-weighted-round-robin to the two
// strategies a single upstream can use: round_robin and single. Active health
// probing is throttled with golang.org/x/time/rate rather than a bespoke
// ticker-with-jitter, the same throttling role rate.Limiter plays for
// fabian4's ratelimit package, just aimed at outbound probes instead of
// inbound requests.

package migux

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// endpointState is one upstream member's health and idle-connection pool.
type endpointState struct {
	addr string

	mu              sync.Mutex
	consecutiveFail int
	down            bool
	downUntil       time.Time

	idleMu sync.Mutex
	idle   []net.Conn // LIFO: most-recently-released reused first

	probeLimiter *rate.Limiter
}

func newEndpointState(addr string, probeInterval time.Duration) *endpointState {
	es := &endpointState{addr: addr}
	if probeInterval > 0 {
		es.probeLimiter = rate.NewLimiter(rate.Every(probeInterval), 1)
	}
	return es
}

// Healthy reports whether this endpoint currently accepts new requests,
// flipping Down -> eligible once its cooldown has elapsed.
func (es *endpointState) healthy(now time.Time) bool {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.down && now.After(es.downUntil) {
		es.down = false
		es.consecutiveFail = 0
	}
	return !es.down
}

// recordSuccess clears the failure streak. A single success is enough to
// bring a borderline endpoint back to a clean slate.
func (es *endpointState) recordSuccess() {
	es.mu.Lock()
	es.consecutiveFail = 0
	es.down = false
	es.mu.Unlock()
}

// recordFailure advances the failure streak, transitioning to Down once it
// reaches failThreshold.
func (es *endpointState) recordFailure(failThreshold int, cooldown time.Duration, now time.Time) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.consecutiveFail++
	if es.consecutiveFail >= failThreshold {
		es.down = true
		es.downUntil = now.Add(cooldown)
	}
}

func (es *endpointState) popIdle() net.Conn {
	es.idleMu.Lock()
	defer es.idleMu.Unlock()
	n := len(es.idle)
	if n == 0 {
		return nil
	}
	c := es.idle[n-1]
	es.idle = es.idle[:n-1]
	return c
}

// pushIdle returns a connection to the stack, evicting the oldest (bottom
// of the stack) when over capacity rather than refusing the new one, so a
// warm connection is always preferred to a cold dial under pressure.
func (es *endpointState) pushIdle(c net.Conn, maxIdle int) {
	es.idleMu.Lock()
	defer es.idleMu.Unlock()
	if len(es.idle) >= maxIdle {
		evicted := es.idle[0]
		es.idle = es.idle[1:]
		evicted.Close()
	}
	es.idle = append(es.idle, c)
}

func (es *endpointState) closeIdle() {
	es.idleMu.Lock()
	defer es.idleMu.Unlock()
	for _, c := range es.idle {
		c.Close()
	}
	es.idle = nil
}

// probeLoop runs for the lifetime of ctx, dialing the endpoint on its own
// schedule (independent of live traffic) so a Down endpoint can recover
// without waiting for the next proxied request to try it. probeLimiter
// paces the dials; the loop exits once ctx is cancelled.
func (es *endpointState) probeLoop(ctx context.Context, cfg *UpstreamConfig) {
	for {
		if err := es.probeLimiter.Wait(ctx); err != nil {
			return
		}
		es.probeOnce(cfg)
	}
}

func (es *endpointState) probeOnce(cfg *UpstreamConfig) {
	conn, err := net.DialTimeout("tcp", es.addr, cfg.ProbeTimeout)
	if err != nil {
		es.recordFailure(cfg.FailThreshold, cfg.Cooldown, time.Now())
		return
	}
	conn.Close()
	es.recordSuccess()
}

// UpstreamPool is one worker's live view of one configured upstream: health
// state and idle connections for each endpoint, plus the strategy used to
// pick among the healthy ones.
type UpstreamPool struct {
	cfg       *UpstreamConfig
	maxIdle   int
	endpoints []*endpointState

	rrMu  sync.Mutex
	rrNext int
}

// NewUpstreamPool builds a pool for cfg; maxIdlePerEndpoint bounds the idle
// stack per endpoint (proxy_pool_max_per_addr).
func NewUpstreamPool(cfg *UpstreamConfig, maxIdlePerEndpoint int) *UpstreamPool {
	p := &UpstreamPool{cfg: cfg, maxIdle: maxIdlePerEndpoint}
	for _, addr := range cfg.Endpoints {
		p.endpoints = append(p.endpoints, newEndpointState(addr, cfg.ProbeInterval))
	}
	return p
}

// Borrow returns an open connection to a healthy endpoint, reusing an idle
// one when available and dialing fresh otherwise. It tries every healthy
// endpoint once before giving up — a single endpoint outage must not
// surface as a whole-upstream failure when siblings are healthy.
func (p *UpstreamPool) Borrow(ctx context.Context, dialTimeout time.Duration) (net.Conn, *endpointState, error) {
	order := p.candidateOrder()
	now := time.Now()
	var lastErr error
	for _, es := range order {
		if !es.healthy(now) {
			continue
		}
		if c := es.popIdle(); c != nil {
			if !deadSocket(c) {
				return c, es, nil
			}
			c.Close() // stale: fall through to a fresh dial on this same endpoint
		}
		d := net.Dialer{Timeout: dialTimeout}
		c, err := d.DialContext(ctx, "tcp", es.addr)
		if err == nil {
			return c, es, nil
		}
		lastErr = err
		es.recordFailure(p.cfg.FailThreshold, p.cfg.Cooldown, now)
	}
	if lastErr == nil {
		lastErr = errBadGateway
	}
	return nil, nil, lastErr
}

// Release returns a connection to its endpoint's idle pool for reuse, or
// closes it when discard is requested (e.g. the response forced the
// connection closed, or a retry already consumed it).
func (p *UpstreamPool) Release(es *endpointState, c net.Conn, discard bool) {
	if discard {
		c.Close()
		return
	}
	es.pushIdle(c, p.maxIdle)
}

// Close shuts down every idle connection across every endpoint. Called on
// worker shutdown.
func (p *UpstreamPool) Close() {
	for _, es := range p.endpoints {
		es.closeIdle()
	}
}

// StartActiveProbing launches one background probe goroutine per endpoint
// when the upstream's active_probe config is set, running until ctx is
// cancelled. A no-op otherwise, leaving health purely reactive to live
// traffic (recordFailure/recordSuccess from Borrow).
func (p *UpstreamPool) StartActiveProbing(ctx context.Context) {
	if !p.cfg.ActiveProbe {
		return
	}
	for _, es := range p.endpoints {
		go es.probeLoop(ctx, p.cfg)
	}
}

// candidateOrder returns the endpoints to try, in the order the configured
// strategy prefers.
func (p *UpstreamPool) candidateOrder() []*endpointState {
	switch p.cfg.Strategy {
	case StrategySingle:
		return p.endpoints
	default: // StrategyRoundRobin
		p.rrMu.Lock()
		start := p.rrNext
		p.rrNext = (p.rrNext + 1) % len(p.endpoints)
		p.rrMu.Unlock()
		out := make([]*endpointState, len(p.endpoints))
		for i := range out {
			out[i] = p.endpoints[(start+i)%len(p.endpoints)]
		}
		return out
	}
}

// deadSocket peeks at a pooled connection to see whether the peer already
// closed it while it sat idle, the same check the teacher's connPool does
// before handing a connection back out (net_tcpx.go). An idle connection
// should never have unsolicited bytes waiting; if it does, the peer is
// behaving unexpectedly and the connection is discarded rather than reused
// with already-consumed bytes lost.
func deadSocket(c net.Conn) bool {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return false
	}
	tc.SetReadDeadline(time.Now().Add(time.Millisecond))
	one := make([]byte, 1)
	n, err := tc.Read(one)
	tc.SetReadDeadline(time.Time{})
	if n > 0 {
		return true
	}
	ne, ok := err.(net.Error)
	return !(ok && ne.Timeout())
}

package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.lastUsed = now
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens = min(tb.tokens+tokensToAdd, tb.capacity)
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// ConnLimiter limits new TCP connections globally and per remote host.
// A zero rate disables that limit.
type ConnLimiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perHost   map[string]*TokenBucket
	hostRate  int
	burstSize int
}

// NewConnLimiter creates a limiter allowing globalRate connections per second
// overall and hostRate per remote host, each with burstSize headroom.
func NewConnLimiter(globalRate, hostRate, burstSize int) *ConnLimiter {
	if burstSize <= 0 {
		burstSize = 1
	}
	l := &ConnLimiter{
		perHost:   make(map[string]*TokenBucket),
		hostRate:  hostRate,
		burstSize: burstSize,
	}
	if globalRate > 0 {
		l.global = NewTokenBucket(globalRate, burstSize)
	}
	return l
}

// AllowConnection reports whether a new connection from host may proceed.
func (l *ConnLimiter) AllowConnection(host string) bool {
	if l == nil {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.hostRate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.perHost[host]
	if !ok {
		bucket = NewTokenBucket(l.hostRate, l.burstSize)
		l.perHost[host] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Hosts returns the number of hosts currently tracked.
func (l *ConnLimiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perHost)
}

// CleanupIdle drops per-host buckets unused for longer than maxIdle and
// returns how many were removed.
func (l *ConnLimiter) CleanupIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for host, bucket := range l.perHost {
		if bucket.idleSince().Before(cutoff) {
			delete(l.perHost, host)
			removed++
		}
	}
	return removed
}

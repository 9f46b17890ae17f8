// Package ratelimit bounds how fast one caller may create jobs.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config holds configuration for the rate limiter.
type Config struct {
	// RequestsPerSecond is the sustained job-creation rate per caller.
	RequestsPerSecond float64
	// BurstSize is the burst capacity per caller.
	BurstSize float64
}

// DefaultConfig returns sensible defaults for interactive chat use.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 1,
		BurstSize:         5,
	}
}

// Limiter manages per-subject token buckets. Limits apply to job
// creation only; attaching to an existing stream is never limited.
type Limiter struct {
	capacity   float64
	refillRate float64

	mu      sync.Mutex
	buckets map[string]*TokenBucket

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
}

// NewLimiter creates a rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = DefaultConfig().BurstSize
	}
	l := &Limiter{
		capacity:        cfg.BurstSize,
		refillRate:      cfg.RequestsPerSecond,
		buckets:         make(map[string]*TokenBucket),
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow checks whether a job creation by subject should be allowed.
// An empty subject is allowed; rejecting it is the auth layer's job.
func (l *Limiter) Allow(_ context.Context, subject string) bool {
	if subject == "" {
		return true
	}
	return l.bucket(subject).Allow()
}

// Remaining returns the tokens currently available to subject.
func (l *Limiter) Remaining(subject string) float64 {
	if subject == "" {
		return l.capacity
	}
	return l.bucket(subject).Remaining()
}

// Close stops the background cleanup.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.stopCleanup) })
}

func (l *Limiter) bucket(subject string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[subject]
	if !ok {
		b = NewTokenBucket(l.capacity, l.refillRate)
		l.buckets[subject] = b
	}
	return b
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCleanup:
			return
		case <-ticker.C:
			l.mu.Lock()
			for subject, b := range l.buckets {
				if b.idle() {
					delete(l.buckets, subject)
				}
			}
			l.mu.Unlock()
		}
	}
}

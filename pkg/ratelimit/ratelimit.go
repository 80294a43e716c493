// Package ratelimit implements a fixed-window per-client request
// limiter with an in-memory store.
package ratelimit

import (
	"sync"
	"time"
)

type windowRecord struct {
	count     int
	windowEnd time.Time
}

// Limiter counts requests per client over fixed one-minute windows. A
// background sweeper drops expired windows so idle clients do not
// accumulate.
type Limiter struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	data map[string]*windowRecord

	done chan struct{}
	once sync.Once
}

// New creates a limiter allowing requestsPerMinute per client and
// starts the sweeper.
func New(requestsPerMinute int) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	l := &Limiter{
		limit:  requestsPerMinute,
		window: time.Minute,
		data:   make(map[string]*windowRecord),
		done:   make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow records one request for the client and reports whether it is
// within the window's budget, plus the time the window resets.
func (l *Limiter) Allow(client string) (bool, time.Time) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.data[client]
	if !ok || record.windowEnd.Before(now) {
		record = &windowRecord{windowEnd: now.Add(l.window)}
		l.data[client] = record
	}

	record.count++
	return record.count <= l.limit, record.windowEnd
}

// sweep drops expired windows once per minute.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			now := time.Now()
			l.mu.Lock()
			for client, record := range l.data {
				if record.windowEnd.Before(now) {
					delete(l.data, client)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Close stops the sweeper.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}

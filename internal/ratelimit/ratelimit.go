// Package ratelimit enforces cooldown, per-user-per-minute and
// per-channel-per-minute ceilings for chat requests.
//
// Counters use fixed 60-second reset windows, not sliding windows: a burst
// straddling a window boundary can admit up to twice the nominal rate. That
// relaxed semantic is intentional and preserved. State is in-memory only; in
// a multi-instance deployment the effective ceiling is instances x limit,
// which these soft abuse guards accept.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const (
	windowDuration = time.Minute
	sweepInterval  = time.Minute
	idleEviction   = 5 * time.Minute
)

type window struct {
	count   int
	start   time.Time
	touched time.Time
}

type cooldown struct {
	lastUsed time.Time
	touched  time.Time
}

// Limiter owns all rate state for one gateway instance. Checks are
// read-only; RecordUsage mutates the cooldown timestamp and both window
// counters under a single "now" snapshot.
type Limiter struct {
	mu        sync.Mutex
	cooldowns map[string]*cooldown
	users     map[string]*window
	channels  map[string]*window
	stop      chan struct{}
	stopOnce  sync.Once
}

func New() *Limiter {
	l := &Limiter{
		cooldowns: make(map[string]*cooldown),
		users:     make(map[string]*window),
		channels:  make(map[string]*window),
		stop:      make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// CheckCooldown returns "" when allowed, or a reason naming the remaining
// wait. Calling it twice without RecordUsage between yields the same answer.
func (l *Limiter) CheckCooldown(tenantID, userID string, cooldownSec int) string {
	if cooldownSec <= 0 {
		return ""
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cd, ok := l.cooldowns[tenantID+":"+userID]
	if !ok {
		return ""
	}

	elapsed := time.Since(cd.lastUsed)
	wait := time.Duration(cooldownSec)*time.Second - elapsed
	if wait <= 0 {
		return ""
	}

	return fmt.Sprintf("cooldown active: wait %.0fs before your next request", wait.Seconds())
}

// CheckUserRate returns "" when allowed, or a rate-limit reason naming the
// per-user ceiling.
func (l *Limiter) CheckUserRate(tenantID, userID string, perMinute int) string {
	if perMinute <= 0 {
		return ""
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return checkWindow(l.users[tenantID+":"+userID], perMinute,
		"rate limit reached: %d requests per minute per user, try again in %.0fs")
}

// CheckChannelRate returns "" when allowed, or a rate-limit reason naming
// the per-channel ceiling.
func (l *Limiter) CheckChannelRate(tenantID, channelID string, perMinute int) string {
	if perMinute <= 0 {
		return ""
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return checkWindow(l.channels[tenantID+":"+channelID], perMinute,
		"rate limit reached: %d requests per minute in this channel, try again in %.0fs")
}

func checkWindow(w *window, limit int, format string) string {
	if w == nil {
		return ""
	}

	now := time.Now()
	if now.Sub(w.start) >= windowDuration {
		return ""
	}

	if w.count >= limit {
		wait := windowDuration - now.Sub(w.start)
		return fmt.Sprintf(format, limit, wait.Seconds())
	}

	return ""
}

// RecordUsage is called once per admitted request. Both counters and the
// cooldown timestamp advance under the same snapshot of now.
func (l *Limiter) RecordUsage(tenantID, userID, channelID string) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.cooldowns[tenantID+":"+userID] = &cooldown{lastUsed: now, touched: now}
	bump(l.users, tenantID+":"+userID, now)
	bump(l.channels, tenantID+":"+channelID, now)
}

func bump(windows map[string]*window, key string, now time.Time) {
	w, ok := windows[key]
	if !ok || now.Sub(w.start) >= windowDuration {
		windows[key] = &window{count: 1, start: now, touched: now}
		return
	}
	w.count++
	w.touched = now
}

// sweep evicts entries idle for more than five minutes. Best-effort: a
// process restart silently resets all counters, which is acceptable for
// soft abuse guards.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle(time.Now())
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, cd := range l.cooldowns {
		if now.Sub(cd.touched) > idleEviction {
			delete(l.cooldowns, key)
		}
	}
	for key, w := range l.users {
		if now.Sub(w.touched) > idleEviction {
			delete(l.users, key)
		}
	}
	for key, w := range l.channels {
		if now.Sub(w.touched) > idleEviction {
			delete(l.channels, key)
		}
	}
}

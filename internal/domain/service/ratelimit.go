package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/joi-assistant/joi/pkg/errors"

	"github.com/joi-assistant/joi/internal/domain/entity"
)

// SlidingWindowLimiter enforces per-sender inbound limits over rolling
// one-minute and one-hour windows.
type SlidingWindowLimiter struct {
	mu        sync.Mutex
	events    map[string][]time.Time
	perMinute int
	perHour   int
	now       func() time.Time
}

// NewSlidingWindowLimiter creates a limiter with the given per-sender caps.
func NewSlidingWindowLimiter(perMinute, perHour int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		events:    make(map[string][]time.Time),
		perMinute: perMinute,
		perHour:   perHour,
		now:       time.Now,
	}
}

// SetLimits updates the caps, e.g. after a policy reload.
func (l *SlidingWindowLimiter) SetLimits(perMinute, perHour int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perMinute = perMinute
	l.perHour = perHour
}

// CheckAndAdd records one event for the sender unless a window is full.
// The minute window is reported before the hour window.
func (l *SlidingWindowLimiter) CheckAndAdd(senderID string) (bool, apperrors.ErrorCode) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hourAgo := now.Add(-time.Hour)
	minuteAgo := now.Add(-time.Minute)

	kept := l.events[senderID][:0]
	inMinute := 0
	for _, t := range l.events[senderID] {
		if t.After(hourAgo) {
			kept = append(kept, t)
			if t.After(minuteAgo) {
				inMinute++
			}
		}
	}
	l.events[senderID] = kept

	if l.perMinute > 0 && inMinute >= l.perMinute {
		return false, apperrors.CodeRateLimitedMinute
	}
	if l.perHour > 0 && len(kept) >= l.perHour {
		return false, apperrors.CodeRateLimitedHour
	}
	l.events[senderID] = append(kept, now)
	return true, ""
}

// OutboundLimiter caps total sends per hour across all conversations.
// Critical sends bypass the cap so incident traffic always goes out.
type OutboundLimiter struct {
	mu      sync.Mutex
	events  []time.Time
	perHour int
	now     func() time.Time
	logger  *zap.Logger
}

// NewOutboundLimiter creates the global hourly send limiter.
func NewOutboundLimiter(perHour int, logger *zap.Logger) *OutboundLimiter {
	return &OutboundLimiter{perHour: perHour, now: time.Now, logger: logger}
}

// Allow records a send unless the hourly cap is reached. critical always
// passes (and still counts toward the window).
func (l *OutboundLimiter) Allow(critical bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hourAgo := now.Add(-time.Hour)
	kept := l.events[:0]
	for _, t := range l.events {
		if t.After(hourAgo) {
			kept = append(kept, t)
		}
	}
	l.events = kept

	if !critical && l.perHour > 0 && len(l.events) >= l.perHour {
		l.logger.Warn("outbound hourly limit reached",
			zap.Int("limit", l.perHour))
		return false
	}
	l.events = append(l.events, now)
	return true
}

// Cooldown paces outbound sends per conversation so replies read like a
// person typing, not a burst. Waits sleep outside the lock, so one
// conversation's cooldown never stalls sends to another.
type Cooldown struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
	direct   time.Duration
	group    time.Duration
	sleep    func(time.Duration)
	now      func() time.Time
}

// NewCooldown creates per-conversation pacing with the given gaps.
func NewCooldown(direct, group time.Duration) *Cooldown {
	return &Cooldown{
		lastSent: make(map[string]time.Time),
		direct:   direct,
		group:    group,
		sleep:    time.Sleep,
		now:      time.Now,
	}
}

// Wait blocks until the conversation's cooldown has elapsed, then records
// the send time.
func (c *Cooldown) Wait(conversationType, conversationID string) {
	gap := c.direct
	if conversationType == entity.ConversationGroup {
		gap = c.group
	}

	for {
		c.mu.Lock()
		var remaining time.Duration
		if last, ok := c.lastSent[conversationID]; ok {
			remaining = gap - c.now().Sub(last)
		}
		if remaining <= 0 {
			c.lastSent[conversationID] = c.now()
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.sleep(remaining)
	}
}

// NoticeLimiter dedupes user-facing rate-limit notices so a flooding sender
// gets at most one notice per interval, not one per rejected message.
type NoticeLimiter struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
	interval time.Duration
	now      func() time.Time
}

// NewNoticeLimiter creates a notice limiter with the given interval.
func NewNoticeLimiter(interval time.Duration) *NoticeLimiter {
	return &NoticeLimiter{
		lastSent: make(map[string]time.Time),
		interval: interval,
		now:      time.Now,
	}
}

// ShouldNotify reports whether a notice may go to the sender now, and if
// so records it.
func (n *NoticeLimiter) ShouldNotify(senderID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if last, ok := n.lastSent[senderID]; ok && now.Sub(last) < n.interval {
		return false
	}
	n.lastSent[senderID] = now
	return true
}

package signal

import (
	"sort"
	"sync"
	"time"
)

// DedupeCache drops re-delivered envelopes by message id. Signal re-sends
// on flaky connections, so a short TTL window is enough.
type DedupeCache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	maxSize   int
	lastPrune time.Time
	now       func() time.Time
}

// NewDedupeCache creates a cache with the given window and size cap.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CheckAndAdd returns true for a new message id, false for a duplicate.
func (c *DedupeCache) CheckAndAdd(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastPrune) > 5*time.Minute {
		c.prune(now)
		c.lastPrune = now
	}

	if _, dup := c.seen[messageID]; dup {
		return false
	}
	c.seen[messageID] = now
	return true
}

func (c *DedupeCache) prune(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for id, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.seen, id)
		}
	}
	if len(c.seen) <= c.maxSize {
		return
	}
	type entry struct {
		id string
		at time.Time
	}
	entries := make([]entry, 0, len(c.seen))
	for id, at := range c.seen {
		entries = append(entries, entry{id, at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	for _, e := range entries[:len(entries)-c.maxSize] {
		delete(c.seen, e.id)
	}
}

// DeliveryStatus is the tracked state of one sent message.
type DeliveryStatus struct {
	MessageID   string `json:"message_id"`
	Recipient   string `json:"recipient"`
	SentAt      int64  `json:"sent_at"`
	DeliveredAt int64  `json:"delivered_at,omitempty"`
	ReadAt      int64  `json:"read_at,omitempty"`
}

// DeliveryTracker correlates sent messages with later receipts. Signal
// receipts reference the transport send timestamp, so that is the key.
type DeliveryTracker struct {
	mu      sync.Mutex
	sent    map[int64]*DeliveryStatus
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewDeliveryTracker creates a tracker with the given retention.
func NewDeliveryTracker(ttl time.Duration, maxSize int) *DeliveryTracker {
	return &DeliveryTracker{
		sent:    make(map[int64]*DeliveryStatus),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// RegisterSent starts tracking a message by its transport timestamp.
func (t *DeliveryTracker) RegisterSent(timestamp int64, recipient, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.prune()
	t.sent[timestamp] = &DeliveryStatus{
		MessageID: messageID,
		Recipient: recipient,
		SentAt:    t.now().UnixMilli(),
	}
}

// MarkDelivered records delivery receipts. Returns newly marked count.
func (t *DeliveryTracker) MarkDelivered(timestamps []int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UnixMilli()
	count := 0
	for _, ts := range timestamps {
		if s, ok := t.sent[ts]; ok && s.DeliveredAt == 0 {
			s.DeliveredAt = now
			count++
		}
	}
	return count
}

// MarkRead records read receipts; read implies delivered.
func (t *DeliveryTracker) MarkRead(timestamps []int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UnixMilli()
	count := 0
	for _, ts := range timestamps {
		s, ok := t.sent[ts]
		if !ok || s.ReadAt != 0 {
			continue
		}
		s.ReadAt = now
		if s.DeliveredAt == 0 {
			s.DeliveredAt = now
		}
		count++
	}
	return count
}

// Status returns the tracked state for a send timestamp.
func (t *DeliveryTracker) Status(timestamp int64) (DeliveryStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sent[timestamp]
	if !ok {
		return DeliveryStatus{}, false
	}
	return *s, true
}

func (t *DeliveryTracker) prune() {
	cutoff := t.now().Add(-t.ttl).UnixMilli()
	for ts, s := range t.sent {
		if s.SentAt < cutoff {
			delete(t.sent, ts)
		}
	}
	if len(t.sent) <= t.maxSize {
		return
	}
	type entry struct {
		ts     int64
		sentAt int64
	}
	entries := make([]entry, 0, len(t.sent))
	for ts, s := range t.sent {
		entries = append(entries, entry{ts, s.SentAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].sentAt < entries[j].sentAt })
	for _, e := range entries[:len(entries)-t.maxSize] {
		delete(t.sent, e.ts)
	}
}

// HandleReceipt applies a receipt envelope to the tracker. Returns true
// when the envelope was a receipt (and should not be forwarded).
func HandleReceipt(env *Envelope, tracker *DeliveryTracker) bool {
	if env == nil || env.Receipt == nil {
		return false
	}
	r := env.Receipt
	if len(r.Timestamps) == 0 {
		return true
	}
	if r.IsDelivery {
		tracker.MarkDelivered(r.Timestamps)
	}
	if r.IsRead || r.IsViewed {
		tracker.MarkRead(r.Timestamps)
	}
	return true
}

package service

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/joi-assistant/joi/pkg/errors"
	"github.com/joi-assistant/joi/pkg/safego"

	"github.com/joi-assistant/joi/internal/domain/entity"
)

// Queue priorities. Lower value is served first.
const (
	PriorityOwner  = 0
	PriorityNormal = 1
)

// Handler processes one dequeued message and returns the reply text sent
// (empty when nothing was sent).
type Handler func(ctx context.Context, msg *entity.InboundMessage) (string, error)

type queueItem struct {
	priority int
	seq      int64
	msg      *entity.InboundMessage
	done     chan queueResult
}

type queueResult struct {
	reply string
	err   error
}

// itemHeap orders by priority, then FIFO by sequence within a priority.
type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*queueItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// MessageQueue serializes all LLM work through a single worker so a local
// model never runs concurrent generations. Owner messages jump ahead of
// the queue but never preempt a running handler.
type MessageQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    itemHeap
	seq      int64
	shutdown bool

	handler Handler
	timeout time.Duration
	logger  *zap.Logger
}

// NewMessageQueue creates the queue. timeout bounds how long an enqueue
// blocks waiting for its turn plus handling.
func NewMessageQueue(handler Handler, timeout time.Duration, logger *zap.Logger) *MessageQueue {
	q := &MessageQueue{
		handler: handler,
		timeout: timeout,
		logger:  logger,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start runs the single worker until ctx is cancelled.
func (q *MessageQueue) Start(ctx context.Context) {
	safego.Go(q.logger, "message-queue-worker", func() {
		q.worker(ctx)
	})
	safego.Go(q.logger, "message-queue-closer", func() {
		<-ctx.Done()
		q.Shutdown()
	})
}

// Shutdown stops the worker and fails all waiting items.
func (q *MessageQueue) Shutdown() {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return
	}
	q.shutdown = true
	waiting := make([]*queueItem, len(q.items))
	copy(waiting, q.items)
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, item := range waiting {
		item.done <- queueResult{err: apperrors.New(apperrors.CodeQueueShutdown, "queue shut down")}
	}
}

// Enqueue submits a message and blocks until it is handled, the queue
// shuts down, or the timeout passes. isOwner promotes to owner priority.
func (q *MessageQueue) Enqueue(ctx context.Context, msg *entity.InboundMessage, isOwner bool) (string, error) {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return "", apperrors.New(apperrors.CodeQueueShutdown, "queue shut down")
	}
	priority := PriorityNormal
	if isOwner {
		priority = PriorityOwner
	}
	q.seq++
	item := &queueItem{
		priority: priority,
		seq:      q.seq,
		msg:      msg,
		done:     make(chan queueResult, 1),
	}
	heap.Push(&q.items, item)
	depth := len(q.items)
	q.cond.Signal()
	q.mu.Unlock()

	if depth > 1 {
		q.logger.Debug("message queued behind others",
			zap.Int("depth", depth), zap.Bool("owner", isOwner))
	}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case result := <-item.done:
		return result.reply, result.err
	case <-timer.C:
		q.abandon(item)
		return "", apperrors.New(apperrors.CodeQueueTimeout, "timed out waiting for LLM worker")
	case <-ctx.Done():
		q.abandon(item)
		return "", apperrors.Wrap(ctx.Err(), apperrors.CodeQueueTimeout, "request cancelled")
	}
}

// abandon removes a still-waiting item; a no-op if the worker already took
// it (its result is then dropped via the buffered channel).
func (q *MessageQueue) abandon(item *queueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, queued := range q.items {
		if queued == item {
			heap.Remove(&q.items, i)
			return
		}
	}
}

func (q *MessageQueue) worker(ctx context.Context) {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.shutdown {
			q.cond.Wait()
		}
		if q.shutdown {
			q.mu.Unlock()
			return
		}
		item := heap.Pop(&q.items).(*queueItem)
		q.mu.Unlock()

		reply, err := q.handler(ctx, item.msg)
		item.done <- queueResult{reply: reply, err: err}
	}
}

// Depth reports the number of waiting items.
func (q *MessageQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

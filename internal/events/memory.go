package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Config holds tuning for the in-memory bus.
type Config struct {
	// QueueSize bounds each task queue (default 256).
	QueueSize int
	// PublishTimeout is how long a publisher waits for space before the
	// oldest buffered non-terminal event is dropped (default 100ms).
	PublishTimeout time.Duration
	// GracePeriod is how long a finished task's queue waits for a
	// subscriber before it is discarded (default 5m).
	GracePeriod time.Duration
	// ReplayBuffer keeps the last N delivered events so that a subscriber
	// reconnecting mid-task sees them again. Zero disables replay.
	ReplayBuffer int
	Logger       *slog.Logger
}

// MemoryBus is a Bus backed by in-process queues.
type MemoryBus struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]*queue
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 100 * time.Millisecond
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{cfg: cfg, logger: logger, queues: make(map[string]*queue)}
}

func (b *MemoryBus) Open(taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[taskID]; ok {
		return ErrQueueExists
	}
	b.queues[taskID] = &queue{
		taskID:   taskID,
		bus:      b,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	return nil
}

func (b *MemoryBus) get(taskID string) (*queue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[taskID]
	return q, ok
}

// remove drops q from the bus if it is still the registered queue for its task.
func (b *MemoryBus) remove(q *queue) {
	b.mu.Lock()
	if cur, ok := b.queues[q.taskID]; ok && cur == q {
		delete(b.queues, q.taskID)
	}
	b.mu.Unlock()
}

func (b *MemoryBus) Publish(ctx context.Context, e Event) error {
	q, ok := b.get(e.TaskID)
	if !ok {
		return ErrQueueNotFound
	}
	return q.publish(ctx, e)
}

func (b *MemoryBus) Subscribe(taskID string) (Subscription, error) {
	q, ok := b.get(taskID)
	if !ok {
		return nil, ErrQueueNotFound
	}
	return q.subscribe()
}

func (b *MemoryBus) ActiveCount() int {
	b.mu.Lock()
	qs := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		qs = append(qs, q)
	}
	b.mu.Unlock()

	n := 0
	for _, q := range qs {
		q.mu.Lock()
		if !q.terminal && !q.closed {
			n++
		}
		q.mu.Unlock()
	}
	return n
}

func (b *MemoryBus) Close(taskID string) {
	if q, ok := b.get(taskID); ok {
		q.forceClose()
	}
}

func (b *MemoryBus) CloseAll() {
	b.mu.Lock()
	qs := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		qs = append(qs, q)
	}
	b.mu.Unlock()
	for _, q := range qs {
		q.forceClose()
	}
}

// queue is a bounded FIFO with a single producer and at most one consumer.
type queue struct {
	taskID string
	bus    *MemoryBus

	mu         sync.Mutex
	buf        []Event
	seq        uint64
	lastTS     time.Time
	terminal   bool // terminal event published
	delivered  bool // terminal event handed to a subscriber
	closed     bool
	subscribed bool
	replay     []Event
	grace      *time.Timer

	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *queue) publish(ctx context.Context, e Event) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		q.mu.Lock()
		if q.closed || q.terminal {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.buf) < q.bus.cfg.QueueSize {
			q.appendLocked(e)
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(q.bus.cfg.PublishTimeout)
		}
		select {
		case <-ctx.Done():
			if e.Type.critical() {
				return q.overflow(e)
			}
			return ctx.Err()
		case <-q.done:
			return ErrQueueClosed
		case <-q.notFull:
			continue
		case <-timer.C:
		}

		// Still full after waiting: make room by dropping the oldest
		// buffered event that is not critical.
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.buf) < q.bus.cfg.QueueSize {
			q.appendLocked(e)
			q.mu.Unlock()
			return nil
		}
		dropped, ok := q.dropOldestLocked()
		switch {
		case ok:
			q.appendLocked(e)
			q.mu.Unlock()
			q.bus.logger.Warn("Event queue full, dropped oldest event",
				"taskID", q.taskID, "droppedType", dropped.Type, "droppedSeq", dropped.Seq)
			return nil
		case !e.Type.critical():
			q.mu.Unlock()
			q.bus.logger.Warn("Event queue full of critical events, dropped new event",
				"taskID", q.taskID, "type", e.Type)
			return nil
		}
		q.mu.Unlock()
		return q.overflow(e)
	}
}

// overflow appends a critical event past the queue's capacity. Critical
// events are never dropped.
func (q *queue) overflow(e Event) error {
	q.mu.Lock()
	if q.closed || q.terminal {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.appendLocked(e)
	size := len(q.buf)
	q.mu.Unlock()
	q.bus.logger.Warn("Event queue full of critical events, growing past capacity",
		"taskID", q.taskID, "type", e.Type, "size", size)
	return nil
}

func (q *queue) appendLocked(e Event) {
	q.seq++
	e.Seq = q.seq
	ts := time.Now().UTC()
	if ts.Before(q.lastTS) {
		ts = q.lastTS
	}
	e.Timestamp = ts
	q.lastTS = ts

	q.buf = append(q.buf, e)
	if e.Type.Terminal() {
		q.terminal = true
		if !q.subscribed {
			q.startGraceLocked()
		}
	}
	signal(q.notEmpty)
}

func (q *queue) dropOldestLocked() (Event, bool) {
	for i, e := range q.buf {
		if !e.Type.critical() {
			q.buf = append(q.buf[:i], q.buf[i+1:]...)
			return e, true
		}
	}
	return Event{}, false
}

func (q *queue) startGraceLocked() {
	if q.grace != nil {
		q.grace.Stop()
	}
	q.grace = time.AfterFunc(q.bus.cfg.GracePeriod, func() {
		q.mu.Lock()
		abandoned := !q.subscribed && !q.delivered
		q.mu.Unlock()
		if abandoned {
			q.bus.logger.Info("Discarding unclaimed event queue", "taskID", q.taskID)
			q.bus.remove(q)
		}
	})
}

func (q *queue) subscribe() (Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	if q.subscribed {
		return nil, ErrSubscriberExists
	}
	q.subscribed = true
	if q.grace != nil {
		q.grace.Stop()
		q.grace = nil
	}
	return &subscription{q: q, pending: append([]Event(nil), q.replay...)}, nil
}

func (q *queue) forceClose() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.grace != nil {
		q.grace.Stop()
	}
	close(q.done)
	q.mu.Unlock()
	q.bus.remove(q)
}

type subscription struct {
	q       *queue
	pending []Event

	closeOnce sync.Once
}

func (s *subscription) Next(ctx context.Context) (Event, error) {
	if len(s.pending) > 0 {
		e := s.pending[0]
		s.pending = s.pending[1:]
		return e, nil
	}

	q := s.q
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Event{}, ErrQueueClosed
		}
		if q.delivered {
			q.mu.Unlock()
			return Event{}, io.EOF
		}
		if len(q.buf) > 0 {
			e := q.buf[0]
			q.buf[0] = Event{}
			q.buf = q.buf[1:]
			if n := q.bus.cfg.ReplayBuffer; n > 0 {
				q.replay = append(q.replay, e)
				if len(q.replay) > n {
					q.replay = q.replay[len(q.replay)-n:]
				}
			}
			if e.Type.Terminal() {
				q.delivered = true
			}
			q.mu.Unlock()

			signal(q.notFull)
			if e.Type.Terminal() {
				q.bus.remove(q)
			}
			return e, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.done:
		case <-q.notEmpty:
		}
	}
}

// Close releases the subscription so that another subscriber may attach.
func (s *subscription) Close() {
	s.closeOnce.Do(func() {
		q := s.q
		q.mu.Lock()
		defer q.mu.Unlock()
		q.subscribed = false
		if q.terminal && !q.delivered && !q.closed {
			q.startGraceLocked()
		}
	})
}

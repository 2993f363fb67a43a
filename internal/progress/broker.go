package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSubscriberBuffer = 64
	dropLogInterval         = 5 * time.Second
)

// Subscription receives the events of one job.
type Subscription struct {
	jobID  string
	events chan Event
	broker *Broker
	once   sync.Once
}

// Events is closed after a final event or Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.broker.unsubscribe(s)
}

// Broker fans job events out to subscribers. It is safe for concurrent use.
type Broker struct {
	mu          sync.Mutex
	subs        map[string]map[*Subscription]struct{}
	buffer      int
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
}

// NewBroker builds a Broker. buffer <= 0 uses the default per-subscriber
// buffer.
func NewBroker(buffer int, logger *zap.Logger) *Broker {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		subs:        make(map[string]map[*Subscription]struct{}),
		buffer:      buffer,
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
}

// Subscribe registers interest in jobID.
func (b *Broker) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		jobID:  jobID,
		events: make(chan Event, b.buffer),
		broker: b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[jobID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Subscribers returns the number of live subscriptions for jobID.
func (b *Broker) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// Emit delivers evt to every subscriber of its job without blocking. A final
// event closes and removes the job's subscriptions.
func (b *Broker) Emit(evt Event) {
	if b == nil {
		return
	}
	if err := evt.Validate(); err != nil {
		b.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[evt.JobID]
	for sub := range set {
		select {
		case sub.events <- evt:
		default:
			b.dropped.Add(1)
			if b.dropLimiter.Allow(time.Now()) {
				count := b.dropped.Swap(0)
				b.logger.Warn("progress events dropped for slow subscriber",
					zap.String("job_id", evt.JobID), zap.Int64("dropped", count))
			}
		}
	}
	if evt.Final() {
		for sub := range set {
			b.closeLocked(sub)
		}
		delete(b.subs, evt.JobID)
	}
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.jobID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.jobID)
		}
	}
	b.closeLocked(sub)
}

func (b *Broker) closeLocked(sub *Subscription) {
	sub.once.Do(func() {
		close(sub.events)
	})
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}

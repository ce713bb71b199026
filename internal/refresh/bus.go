package refresh

import (
	"log/slog"
	"sync"
)

// subscriberBufferSize bounds each subscriber's event buffer. A slow consumer
// loses intermediate progress events once its buffer fills; terminal events
// evict the oldest buffered event instead, so job completion is never lost.
const subscriberBufferSize = 16

// ProgressBus multicasts refresh progress events to in-process subscribers.
// Publishing never blocks and never waits on a slow consumer.
type ProgressBus struct {
	mu          sync.Mutex
	subscribers map[chan ProgressEvent]struct{}
	closed      bool
	logger      *slog.Logger
}

// NewProgressBus creates an empty bus.
func NewProgressBus(logger *slog.Logger) *ProgressBus {
	if logger == nil {
		logger = slog.Default()
	}

	return &ProgressBus{
		subscribers: make(map[chan ProgressEvent]struct{}),
		logger:      logger,
	}
}

// subscribe registers a new subscriber channel. The orchestrator primes the
// channel with a synthetic current-state event before handing it out.
func (b *ProgressBus) subscribe() (chan ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan ProgressEvent, subscriberBufferSize)

	if b.closed {
		close(ch)

		return ch, func() {}
	}

	b.subscribers[ch] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
	}

	return ch, cancel
}

// Subscribe registers a subscriber and returns its event channel together
// with a cancel function. The channel is closed on cancel or bus shutdown.
func (b *ProgressBus) Subscribe() (<-chan ProgressEvent, func()) {
	ch, cancel := b.subscribe()

	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking. Slow
// subscribers drop intermediate events; a terminal event always lands, at the
// cost of the oldest buffered event when the buffer is full.
func (b *ProgressBus) Publish(event ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for ch := range b.subscribers {
		select {
		case ch <- event:
			continue
		default:
		}

		if !event.IsTerminal() {
			b.logger.Debug("dropped progress event for slow subscriber",
				slog.Int64("job_id", event.JobID),
				slog.String("status", string(event.Status)))

			continue
		}

		// Evict the oldest buffered event to make room for the terminal one.
		select {
		case <-ch:
		default:
		}

		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *ProgressBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subscribers)
}

// Close shuts the bus down and closes all subscriber channels. Subsequent
// publishes are discarded and new subscribers receive a closed channel.
func (b *ProgressBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	for ch := range b.subscribers {
		close(ch)
	}

	b.subscribers = make(map[chan ProgressEvent]struct{})

	return nil
}

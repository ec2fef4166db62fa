package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/taskcrew/taskcrew/internal/logger"
)

var (
	// ErrNoSubscriber is returned when sending to an unknown recipient.
	ErrNoSubscriber = errors.New("no subscriber for recipient")
	// ErrPayloadTooLarge is returned when a summary exceeds MaxSummaryBytes.
	ErrPayloadTooLarge = errors.New("notification payload too large")
	// ErrInvalidNotification is returned for structurally invalid notifications.
	ErrInvalidNotification = errors.New("invalid notification")
	// ErrClosed is returned after the bus has been shut down.
	ErrClosed = errors.New("bus is closed")
)

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 64

// Metrics tracks bus traffic with atomic counters.
type Metrics struct {
	sent      int64
	broadcast int64
	dropped   int64
}

// Sent returns the number of point-to-point deliveries.
func (m *Metrics) Sent() int64 { return atomic.LoadInt64(&m.sent) }

// Broadcasts returns the number of broadcast deliveries.
func (m *Metrics) Broadcasts() int64 { return atomic.LoadInt64(&m.broadcast) }

// Dropped returns the number of notifications dropped on full buffers.
func (m *Metrics) Dropped() int64 { return atomic.LoadInt64(&m.dropped) }

type subscriber struct {
	ch    chan Notification
	kinds map[Kind]struct{}
}

func (s *subscriber) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus is a lightweight, best-effort notification channel. Each recipient
// subscribes with an explicit list of kinds it cares about; broadcasts
// fan out only to subscribers of the matching kind. Deliveries into a
// recipient's channel happen under the bus lock, so every recipient
// observes a total order over the notifications addressed to it, which
// subsumes the per sender-recipient FIFO guarantee.
//
// Delivery is best-effort: a full subscriber buffer drops the
// notification and bumps a metric rather than blocking the sender.
type Bus struct {
	mu      sync.Mutex
	subs    map[string]*subscriber
	buffer  int
	closed  bool
	metrics Metrics
}

// New creates a bus with the default per-subscriber buffer.
func New() *Bus {
	return NewWithBuffer(DefaultBuffer)
}

// NewWithBuffer creates a bus with the given per-subscriber buffer depth.
func NewWithBuffer(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{subs: make(map[string]*subscriber), buffer: buffer}
}

// Metrics returns the bus traffic counters.
func (b *Bus) Metrics() *Metrics { return &b.metrics }

// Subscribe registers the recipient for the given kinds and returns its
// delivery channel. No kinds means all kinds. Re-subscribing an existing
// recipient is an error.
func (b *Bus) Subscribe(recipient string, kinds ...Kind) (<-chan Notification, error) {
	return b.SubscribeBuffered(recipient, 0, kinds...)
}

// SubscribeBuffered registers the recipient with an explicit channel
// depth; zero or negative falls back to the bus default. A recipient
// that must not lose notifications sizes its buffer to its worst-case
// backlog, since delivery drops rather than blocks.
func (b *Bus) SubscribeBuffered(recipient string, buffer int, kinds ...Kind) (<-chan Notification, error) {
	if buffer <= 0 {
		buffer = b.buffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.subs[recipient]; ok {
		return nil, fmt.Errorf("recipient %q already subscribed", recipient)
	}

	kindSet := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}
	sub := &subscriber{ch: make(chan Notification, buffer), kinds: kindSet}
	b.subs[recipient] = sub
	return sub.ch, nil
}

// Unsubscribe removes the recipient and closes its channel.
func (b *Bus) Unsubscribe(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[recipient]; ok {
		delete(b.subs, recipient)
		close(sub.ch)
	}
}

// Send delivers the notification to a single recipient. The size cap is
// enforced here, not by convention.
func (b *Bus) Send(recipient string, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	n.Recipient = recipient

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	sub, ok := b.subs[recipient]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSubscriber, recipient)
	}
	if !sub.wants(n.Kind) {
		return fmt.Errorf("%w: %q does not subscribe to kind %q", ErrNoSubscriber, recipient, n.Kind)
	}

	select {
	case sub.ch <- n:
		atomic.AddInt64(&b.metrics.sent, 1)
	default:
		atomic.AddInt64(&b.metrics.dropped, 1)
		logger.Op.WithFields(map[string]interface{}{
			"recipient": recipient,
			"kind":      string(n.Kind),
		}).Warn("Subscriber buffer full, notification dropped")
	}
	return nil
}

// Broadcast delivers the notification to every subscriber registered for
// its kind and returns the delivery count. Reserved for team-wide control
// events; point-to-point Send is the default.
func (b *Bus) Broadcast(n Notification) (int, error) {
	if err := n.Validate(); err != nil {
		return 0, err
	}
	n.Recipient = ""

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	delivered := 0
	for recipient, sub := range b.subs {
		if !sub.wants(n.Kind) {
			continue
		}
		select {
		case sub.ch <- n:
			atomic.AddInt64(&b.metrics.broadcast, 1)
			delivered++
		default:
			atomic.AddInt64(&b.metrics.dropped, 1)
			logger.Op.WithFields(map[string]interface{}{
				"recipient": recipient,
				"kind":      string(n.Kind),
			}).Warn("Subscriber buffer full, broadcast notification dropped")
		}
	}
	return delivered, nil
}

// Close shuts the bus down and closes all subscriber channels. Further
// sends fail with ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for recipient, sub := range b.subs {
		delete(b.subs, recipient)
		close(sub.ch)
	}
}

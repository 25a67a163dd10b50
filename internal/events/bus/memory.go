package bus

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// subscriptionBuffer bounds the events queued for one slow subscriber.
const subscriptionBuffer = 256

// MemoryEventBus implements EventBus in process. Each subscription drains its
// own queue on a dedicated goroutine, so a subscriber sees events in order.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact subjects
	handler EventHandler

	queue chan delivery
	stop  chan struct{}
	once  sync.Once
}

type delivery struct {
	ctx     context.Context
	subject string
	event   *Event
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log.WithFields(zap.String("component", "memory-bus")),
	}
}

// Publish queues the event for every matching subscriber. A subscriber whose
// queue is full drops the event.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	// Handlers outlive the publisher's request.
	ctx = context.WithoutCancel(ctx)
	for pattern, subs := range b.subscriptions {
		if !matches(subject, pattern, compiledOf(subs)) {
			continue
		}
		for _, sub := range subs {
			select {
			case sub.queue <- delivery{ctx: ctx, subject: subject, event: event}:
			case <-sub.stop:
			default:
				b.logger.Warn("Subscriber queue full, dropping event",
					zap.String("subject", subject),
					zap.String("event_type", event.Type))
			}
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   make(chan delivery, subscriptionBuffer),
		stop:    make(chan struct{}),
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	go sub.drain(b.logger)

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close deactivates every subscription.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.deactivate()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.logger.Info("Memory event bus closed")
}

// IsConnected reports whether the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) drain(log *logger.Logger) {
	for {
		select {
		case <-s.stop:
			return
		case d := <-s.queue:
			if err := s.handler(d.ctx, d.event); err != nil {
				log.Error("Event handler error",
					zap.String("subject", d.subject),
					zap.Error(err))
			}
		}
	}
}

func (s *memorySubscription) deactivate() {
	s.once.Do(func() { close(s.stop) })
}

// Unsubscribe removes the subscription. Queued events are discarded.
func (s *memorySubscription) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.bus.subscriptions[s.subject]) == 0 {
		delete(s.bus.subscriptions, s.subject)
	}
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySubscription) IsValid() bool {
	select {
	case <-s.stop:
		return false
	default:
		return true
	}
}

func compiledOf(subs []*memorySubscription) *regexp.Regexp {
	if len(subs) == 0 {
		return nil
	}
	return subs[0].pattern
}

// matches checks a subject against a NATS-style pattern:
// * matches one token and > matches the remaining tokens.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.ContainsAny(pattern, "*>") {
		return subject == pattern
	}
	return regex != nil && regex.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to a regex.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}

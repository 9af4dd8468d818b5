package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/multiagents/multiagents/internal/common/logger"
)

// MemoryBus is the in-process Bus used when no NATS URL is configured.
// Delivery is synchronous: Publish runs every matching handler before
// returning.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*memorySub
	closed bool
	log    *logger.Logger
}

type memorySub struct {
	id      int
	pattern []string
	handler Handler
	bus     *MemoryBus
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryBus{subs: make(map[int]*memorySub), log: log}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, ev *Event) error {
	tokens := strings.Split(subject, ".")

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus closed")
	}
	matched := make([]Handler, 0, 2)
	for _, sub := range b.subs {
		if matchSubject(sub.pattern, tokens) {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range matched {
		handler(ctx, ev)
	}
	b.log.Debug("bus event published",
		zap.String("subject", subject),
		zap.String("type", ev.Type),
		zap.Int("delivered", len(matched)))
	return nil
}

func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}
	b.nextID++
	sub := &memorySub{
		id:      b.nextID,
		pattern: strings.Split(subject, "."),
		handler: handler,
		bus:     b,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	return nil
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]*memorySub)
}

// matchSubject matches a tokenized subject against a pattern. * matches
// exactly one token, > matches one or more remaining tokens.
func matchSubject(pattern, subject []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if p != "*" && p != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}

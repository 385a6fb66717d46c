package backplane

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/amir-yaghoubi/mqttpattern"
	"go.uber.org/zap"
)

// MemoryBus is an in-process IntentBus. It lets several Scaleout backplanes
// in one binary (one per listener, or per test) share sends. Published
// intents are queued and dispatched in order by a single goroutine.
type MemoryBus struct {
	ch      chan busMessage
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started int32
	logger  *zap.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]busSubscription
}

type busMessage struct {
	ctx    context.Context
	topic  string
	intent Intent
}

type busSubscription struct {
	pattern string
	handler IntentHandler
}

// NewMemoryBus creates a stopped bus; call Start before publishing.
func NewMemoryBus(logger *zap.Logger, bufferSize int) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		ch:     make(chan busMessage, bufferSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		subs:   make(map[uint64]busSubscription),
	}
}

// Start begins dispatching queued intents.
func (b *MemoryBus) Start() error {
	if !atomic.CompareAndSwapInt32(&b.started, 0, 1) {
		return fmt.Errorf("memory bus already started")
	}

	b.wg.Add(1)
	go b.loop()
	return nil
}

// Stop ends dispatching. Intents still queued are dropped.
func (b *MemoryBus) Stop() error {
	if !atomic.CompareAndSwapInt32(&b.started, 1, 2) {
		return nil
	}

	b.cancel()
	b.wg.Wait()
	return nil
}

func (b *MemoryBus) loop() {
	defer b.wg.Done()

	for {
		select {
		case msg := <-b.ch:
			b.dispatch(msg)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *MemoryBus) dispatch(msg busMessage) {
	b.mu.RLock()
	targets := make([]IntentHandler, 0, len(b.subs))
	for _, sub := range b.subs {
		if matches(sub.pattern, msg.topic) {
			targets = append(targets, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range targets {
		handler(msg.ctx, msg.intent)
	}
}

func matches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	return mqttpattern.Matches(pattern, topic)
}

// Publish queues intent for every subscription whose pattern matches topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, intent Intent) error {
	if atomic.LoadInt32(&b.started) != 1 {
		return fmt.Errorf("memory bus is not running")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// Detach from the caller's cancellation; delivery outlives the send call.
	msg := busMessage{ctx: context.WithoutCancel(ctx), topic: topic, intent: intent}

	select {
	case b.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return fmt.Errorf("memory bus stopped")
	}
}

// Subscribe registers handler for topics matching pattern.
func (b *MemoryBus) Subscribe(pattern string, handler IntentHandler) (func(), error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = busSubscription{pattern: pattern, handler: handler}
	b.mu.Unlock()

	b.logger.Debug("Intent subscription added", zap.String("pattern", pattern))

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

// SubscriptionCount returns the number of active subscriptions.
func (b *MemoryBus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

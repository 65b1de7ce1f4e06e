// Package events implements the typed, multi-subscriber broadcast bus
// described in spec §4.9. Each subscriber owns a dedicated FIFO worker
// goroutine backed by an unbounded queue, so a slow subscriber can
// never make Publish block, while every event one subscriber observes
// is still processed in strict emission order. Publishers never block
// and there is no drop policy: event volume is bounded by tick
// cadence, so queues are simply allowed to grow.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Channel is one of the stable, named broadcast channels from spec §4.9.
type Channel string

const (
	ChannelSignal           Channel = "Signal"
	ChannelSignalLive       Channel = "SignalLive"
	ChannelSignalBacktest   Channel = "SignalBacktest"
	ChannelDoneBacktest     Channel = "DoneBacktest"
	ChannelDoneLive         Channel = "DoneLive"
	ChannelDoneWalker       Channel = "DoneWalker"
	ChannelProgressBacktest Channel = "ProgressBacktest"
	ChannelProgressWalker   Channel = "ProgressWalker"
	ChannelWalkerStep       Channel = "WalkerStep"
	ChannelWalkerComplete   Channel = "WalkerComplete"
	ChannelPartialProfit    Channel = "PartialProfit"
	ChannelPartialLoss      Channel = "PartialLoss"
	ChannelRiskRejected     Channel = "RiskRejected"
	ChannelPerformance      Channel = "Performance"
	ChannelValidation       Channel = "Validation"
	ChannelError            Channel = "Error"
	ChannelExit             Channel = "Exit"
)

// Envelope is the minimum payload every event carries (spec §6).
type Envelope struct {
	ID           string
	Channel      Channel
	TimestampMs  int64
	Symbol       string
	StrategyName string
	ExchangeName string
	Backtest     bool
	Body         any
}

// Handler processes one event. It must not panic across goroutines it
// spawns itself; a panic inside Handler is recovered by the bus and
// reported through the logger, matching the teacher's
// executeHandler-with-recover idiom.
type Handler func(Envelope)

// subscriber's queue is a mutex-guarded, unbounded slice rather than a
// buffered channel: a buffered channel's fixed capacity would turn the
// 257th undelivered event into a blocking send on Publish, and Publish
// must never block (spec §4.9/§5). notify is a 1-buffered wakeup signal
// for the drain goroutine; the slice itself has no capacity limit.
type subscriber struct {
	id      string
	channel Channel
	handler Handler

	mu     sync.Mutex
	queue  []Envelope
	notify chan struct{}
	done   chan struct{}
}

func (s *subscriber) push(ev Envelope) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pop removes and returns the oldest queued event, if any.
func (s *subscriber) pop() (Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Envelope{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

// Bus is the central event router. Unlike the teacher's worker-pool
// EventBus (N goroutines racing over one shared channel, which can
// reorder a single subscriber's events), each subscriber here gets its
// own single-consumer queue so per-subscriber ordering is guaranteed.
type Bus struct {
	mu          sync.RWMutex
	logger      *zap.Logger
	subscribers map[Channel][]*subscriber
	all         []*subscriber

	published atomic.Int64
	delivered atomic.Int64
	errors    atomic.Int64

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewBus creates an empty event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:      logger,
		subscribers: make(map[Channel][]*subscriber),
	}
}

// Subscription is an opaque handle returned by Subscribe, used to
// Unsubscribe. extra holds any additional subscribers a higher-level
// helper (e.g. AccumulatorSet.Subscribe, which listens on two channels
// with one handler) folds into a single handle.
type Subscription struct {
	sub   *subscriber
	bus   *Bus
	extra []*subscriber
}

// Subscribe registers handler on one channel. The handler runs on a
// dedicated goroutine that drains its queue strictly in arrival order.
func (b *Bus) Subscribe(channel Channel, handler Handler) *Subscription {
	sub := b.newSubscriber(channel, handler)
	b.mu.Lock()
	b.subscribers[channel] = append(b.subscribers[channel], sub)
	b.mu.Unlock()
	return &Subscription{sub: sub, bus: b}
}

// SubscribeAll registers handler on every channel.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	sub := b.newSubscriber("*", handler)
	b.mu.Lock()
	b.all = append(b.all, sub)
	b.mu.Unlock()
	return &Subscription{sub: sub, bus: b}
}

func (b *Bus) newSubscriber(channel Channel, handler Handler) *subscriber {
	sub := &subscriber{
		id:      uuid.NewString(),
		channel: channel,
		handler: handler,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.drain(sub)
	return sub
}

func (b *Bus) drain(sub *subscriber) {
	defer b.wg.Done()
	for {
		if ev, ok := sub.pop(); ok {
			b.invoke(sub, ev)
			continue
		}
		select {
		case <-sub.notify:
			continue
		case <-sub.done:
			// Drain whatever is already queued before exiting so no
			// event silently vanishes on Unsubscribe.
			for ev, ok := sub.pop(); ok; ev, ok = sub.pop() {
				b.invoke(sub, ev)
			}
			return
		}
	}
}

func (b *Bus) invoke(sub *subscriber, ev Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.errors.Add(1)
			b.logger.Error("event handler panicked",
				zap.String("subscriber", sub.id),
				zap.String("channel", string(ev.Channel)),
				zap.Any("panic", r),
			)
		}
	}()
	sub.handler(ev)
	b.delivered.Add(1)
}

// Unsubscribe stops delivery to the subscription. Already-queued events
// are still delivered before the subscriber's goroutine exits.
func (s *Subscription) Unsubscribe() {
	close(s.sub.done)
	for _, extra := range s.extra {
		close(extra.done)
	}
}

// Publish enqueues an event to every matching subscriber and returns
// immediately (non-blocking per-publisher; queues may grow unbounded,
// there is no drop policy by design).
func (b *Bus) Publish(channel Channel, symbol, strategyName, exchangeName string, backtest bool, body any) {
	if b.closed.Load() {
		return
	}
	ev := Envelope{
		ID:           uuid.NewString(),
		Channel:      channel,
		TimestampMs:  time.Now().UnixMilli(),
		Symbol:       symbol,
		StrategyName: strategyName,
		ExchangeName: exchangeName,
		Backtest:     backtest,
		Body:         body,
	}

	b.mu.RLock()
	subs := append([]*subscriber{}, b.subscribers[channel]...)
	all := append([]*subscriber{}, b.all...)
	b.mu.RUnlock()

	b.published.Add(1)
	for _, sub := range subs {
		sub.push(ev)
	}
	for _, sub := range all {
		sub.push(ev)
	}
}

// Stats is a snapshot of bus throughput counters, also exported as
// Prometheus gauges by cmd/signalengine.
type Stats struct {
	Published int64
	Delivered int64
	Errors    int64
}

// Stats returns current publish/deliver/error counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Errors:    b.errors.Load(),
	}
}

// Close stops accepting new publishes. It does not wait for queued
// events to drain; callers that need that should stop subscribing
// sources first and then poll Stats until Published==Delivered.
func (b *Bus) Close() {
	b.closed.Store(true)
}

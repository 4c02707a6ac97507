// Package notifier pushes ticket change signals to live viewers, across instances
// when redis is configured.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/clinic-support/internal/config"
	"github.com/spec-kit/clinic-support/internal/events"
)

const defaultChannel = "clinic-support:ticket-changes"

// Feed states reported by Status.
const (
	StatusStopped  = "stopped"
	StatusLocal    = "local"
	StatusRelaying = "relaying"
	StatusDegraded = "degraded"
)

const (
	defaultRetryMin = 500 * time.Millisecond
	defaultRetryMax = 30 * time.Second
)

// Notifier converts committed ticket events into change signals. Delivery is best
// effort; the periodic resync signal heals anything a viewer missed.
type Notifier struct {
	client   *redis.Client
	channel  string
	resync   time.Duration
	retryMin time.Duration
	retryMax time.Duration
	broker   *Broker
	logger   *zap.Logger
	now      func() time.Time
	running  atomic.Bool
	relaying atomic.Bool
	ready    chan struct{}
	readyOne atomic.Bool
}

// New builds a notifier. A nil client keeps fan-out inside the process.
func New(client *redis.Client, cfg config.NotifierConfig, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	channel := cfg.Channel
	if channel == "" {
		channel = defaultChannel
	}
	retryMin, retryMax := cfg.RetryMin, cfg.RetryMax
	if retryMin <= 0 {
		retryMin = defaultRetryMin
	}
	if retryMax < retryMin {
		retryMax = max(defaultRetryMax, retryMin)
	}
	return &Notifier{
		client:   client,
		channel:  channel,
		resync:   cfg.ResyncInterval,
		retryMin: retryMin,
		retryMax: retryMax,
		broker:   NewBroker(cfg.BufferSize),
		logger:   logger,
		now:      time.Now,
		ready:    make(chan struct{}),
	}
}

// RegisterHandlers subscribes the notifier to every ticket mutation event.
func (n *Notifier) RegisterHandlers(dispatcher events.Dispatcher) {
	if dispatcher == nil {
		return
	}
	for _, eventType := range events.TicketEventTypes {
		dispatcher.Subscribe(eventType, n.handleEvent)
	}
}

func (n *Notifier) handleEvent(ctx context.Context, event events.Event) error {
	return n.Publish(ctx, events.ChangeFor(event))
}

// Publish sends change to every instance. Until the redis subscription is up the
// change is also delivered locally. When the redis publish fails the change is still
// delivered locally and the error is returned.
func (n *Notifier) Publish(ctx context.Context, change events.ChangeEvent) error {
	if n.client == nil {
		n.broker.Publish(change)
		return nil
	}

	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		n.logger.Warn("redis publish failed; delivering locally",
			zap.String("channel", n.channel),
			zap.String("ticket_id", change.TicketID),
			zap.Error(err))
		n.broker.Publish(change)
		return fmt.Errorf("publish change event: %w", err)
	}
	if !n.relaying.Load() {
		n.broker.Publish(change)
	}
	return nil
}

// Subscribe registers a local viewer.
func (n *Notifier) Subscribe() (<-chan events.ChangeEvent, func()) {
	return n.broker.Subscribe()
}

// Subscribers returns the number of connected local viewers.
func (n *Notifier) Subscribers() int {
	return n.broker.Subscribers()
}

// Status reports the state of the change feed.
func (n *Notifier) Status() string {
	switch {
	case !n.running.Load():
		return StatusStopped
	case n.client == nil:
		return StatusLocal
	case n.relaying.Load():
		return StatusRelaying
	default:
		return StatusDegraded
	}
}

// Run relays the redis channel into the local broker and emits resync signals until
// ctx is done. A failed or lost redis subscription is retried with backoff while local
// delivery continues. Subscribers are closed on return.
func (n *Notifier) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return errors.New("notifier already running")
	}
	defer n.running.Store(false)
	defer n.broker.Close()

	var tick <-chan time.Time
	if n.resync > 0 {
		ticker := time.NewTicker(n.resync)
		defer ticker.Stop()
		tick = ticker.C
	}

	if n.client == nil {
		n.markReady()
		n.relay(ctx, nil, tick)
		return nil
	}

	backoff := n.retryMin
	for {
		pubsub, err := n.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			n.logger.Warn("redis subscribe failed; delivering locally",
				zap.String("channel", n.channel),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			if !n.wait(ctx, backoff, tick) {
				return nil
			}
			backoff = min(backoff*2, n.retryMax)
			continue
		}

		n.logger.Info("change notifier subscribed", zap.String("channel", n.channel))
		backoff = n.retryMin
		n.relaying.Store(true)
		n.markReady()
		n.relay(ctx, pubsub.Channel(), tick)
		n.relaying.Store(false)
		_ = pubsub.Close()
		if ctx.Err() != nil {
			return nil
		}
		n.logger.Warn("redis subscription closed; resubscribing", zap.String("channel", n.channel))
	}
}

func (n *Notifier) subscribe(ctx context.Context) (*redis.PubSub, error) {
	pubsub := n.client.Subscribe(ctx, n.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", n.channel, err)
	}
	return pubsub, nil
}

// relay forwards messages and resync ticks until ctx is done or messages closes.
func (n *Notifier) relay(ctx context.Context, messages <-chan *redis.Message, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var change events.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				n.logger.Warn("discarding malformed change event", zap.Error(err))
				continue
			}
			n.broker.Publish(change)
		case <-tick:
			n.broker.Publish(events.NewResync(n.now()))
		}
	}
}

// wait sleeps for d while still emitting resync ticks. It returns false once ctx is done.
func (n *Notifier) wait(ctx context.Context, d time.Duration, tick <-chan time.Time) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-tick:
			n.broker.Publish(events.NewResync(n.now()))
		}
	}
}

func (n *Notifier) markReady() {
	if n.readyOne.CompareAndSwap(false, true) {
		close(n.ready)
	}
}

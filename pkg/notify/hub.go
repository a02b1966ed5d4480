// Package notify fans committed balance changes out to interested subscribers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

const defaultBufferSize = 8

var (
	ErrHubClosed         = errors.New("notify hub closed")
	ErrInvalidSubscriber = errors.New("invalid subscriber")
)

// Bus carries balance updates between service instances.
type Bus interface {
	Publish(ctx context.Context, envelope Envelope) error
	// Listen delivers envelopes to handler until ctx ends.
	Listen(ctx context.Context, handler func(Envelope)) error
	Close() error
}

// DeliveryObserver is told about every local delivery attempt.
type DeliveryObserver interface {
	ObserveDelivery(dropped bool)
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBufferSize bounds how many undelivered updates a subscriber may hold.
func WithBufferSize(size int) HubOption {
	return func(hub *Hub) {
		if size > 0 {
			hub.bufferSize = size
		}
	}
}

// WithBus shares updates with other instances.
func WithBus(bus Bus) HubOption {
	return func(hub *Hub) {
		hub.bus = bus
	}
}

// WithLogger sets the hub logger.
func WithLogger(logger *zap.Logger) HubOption {
	return func(hub *Hub) {
		if logger != nil {
			hub.logger = logger
		}
	}
}

// WithDeliveryObserver records delivery outcomes.
func WithDeliveryObserver(observer DeliveryObserver) HubOption {
	return func(hub *Hub) {
		hub.observer = observer
	}
}

// Hub keeps per-owner subscriptions and delivers the latest balance to each of them.
// A slow subscriber loses its oldest pending updates, never the newest.
type Hub struct {
	mutex       sync.RWMutex
	subscribers map[string]map[string]*Subscription
	closed      bool
	instanceID  string
	bufferSize  int
	bus         Bus
	observer    DeliveryObserver
	logger      *zap.Logger
}

// NewHub builds a Hub.
func NewHub(options ...HubOption) *Hub {
	hub := &Hub{
		subscribers: make(map[string]map[string]*Subscription),
		instanceID:  uuid.NewString(),
		bufferSize:  defaultBufferSize,
		logger:      zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(hub)
		}
	}
	return hub
}

// InstanceID identifies this hub on the bus.
func (hub *Hub) InstanceID() string {
	return hub.instanceID
}

// Subscribe registers interest in the balance of owner.
func (hub *Hub) Subscribe(owner ledger.OwnerID) (*Subscription, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidSubscriber)
	}
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if hub.closed {
		return nil, ErrHubClosed
	}
	subscription := &Subscription{
		id:      uuid.NewString(),
		owner:   owner,
		updates: make(chan ledger.BalanceUpdate, hub.bufferSize),
		hub:     hub,
	}
	ownerSubscribers, ok := hub.subscribers[owner.String()]
	if !ok {
		ownerSubscribers = make(map[string]*Subscription)
		hub.subscribers[owner.String()] = ownerSubscribers
	}
	ownerSubscribers[subscription.id] = subscription
	return subscription, nil
}

// SubscriberCount returns how many live subscriptions owner has.
func (hub *Hub) SubscriberCount(owner ledger.OwnerID) int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.subscribers[owner.String()])
}

// PublishBalance delivers update locally and forwards it to the bus when one is configured.
func (hub *Hub) PublishBalance(ctx context.Context, update ledger.BalanceUpdate) error {
	hub.Deliver(update)
	if hub.bus == nil {
		return nil
	}
	if err := hub.bus.Publish(ctx, NewEnvelope(hub.instanceID, update)); err != nil {
		hub.logger.Warn("balance bus publish failed", zap.String("owner", update.Owner.String()), zap.Error(err))
		return fmt.Errorf("notify.publish: %w", err)
	}
	return nil
}

// Deliver hands update to every local subscriber of its owner without blocking.
func (hub *Hub) Deliver(update ledger.BalanceUpdate) {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	if hub.closed {
		return
	}
	for _, subscription := range hub.subscribers[update.Owner.String()] {
		dropped := subscription.offer(update)
		if hub.observer != nil {
			hub.observer.ObserveDelivery(dropped)
		}
	}
}

// Run relays bus traffic from other instances to local subscribers until ctx ends.
func (hub *Hub) Run(ctx context.Context) error {
	if hub.bus == nil {
		<-ctx.Done()
		return nil
	}
	err := hub.bus.Listen(ctx, func(envelope Envelope) {
		if envelope.Origin == hub.instanceID {
			return
		}
		update, err := envelope.BalanceUpdate()
		if err != nil {
			hub.logger.Warn("discarding malformed balance envelope", zap.Error(err))
			return
		}
		hub.Deliver(update)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("notify.run: %w", err)
	}
	return nil
}

// Close ends every subscription and releases the bus.
func (hub *Hub) Close() error {
	hub.mutex.Lock()
	if hub.closed {
		hub.mutex.Unlock()
		return nil
	}
	hub.closed = true
	for owner, ownerSubscribers := range hub.subscribers {
		for _, subscription := range ownerSubscribers {
			close(subscription.updates)
		}
		delete(hub.subscribers, owner)
	}
	hub.mutex.Unlock()
	if hub.bus != nil {
		return hub.bus.Close()
	}
	return nil
}

func (hub *Hub) remove(subscription *Subscription) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	ownerSubscribers, ok := hub.subscribers[subscription.owner.String()]
	if !ok {
		return
	}
	if _, ok := ownerSubscribers[subscription.id]; !ok {
		return
	}
	delete(ownerSubscribers, subscription.id)
	if len(ownerSubscribers) == 0 {
		delete(hub.subscribers, subscription.owner.String())
	}
	close(subscription.updates)
}

// Subscription is one subscriber's view of an owner's balance updates.
type Subscription struct {
	id        string
	owner     ledger.OwnerID
	updates   chan ledger.BalanceUpdate
	hub       *Hub
	sendMutex sync.Mutex
	closeOnce sync.Once
}

// Owner returns the watched owner.
func (subscription *Subscription) Owner() ledger.OwnerID {
	return subscription.owner
}

// Updates is closed when the subscription or the hub closes.
func (subscription *Subscription) Updates() <-chan ledger.BalanceUpdate {
	return subscription.updates
}

// Close unsubscribes. It is safe to call more than once.
func (subscription *Subscription) Close() {
	subscription.closeOnce.Do(func() {
		subscription.hub.remove(subscription)
	})
}

// offer runs under the hub read lock, so the channel cannot be closed concurrently.
func (subscription *Subscription) offer(update ledger.BalanceUpdate) bool {
	subscription.sendMutex.Lock()
	defer subscription.sendMutex.Unlock()
	dropped := false
	for {
		select {
		case subscription.updates <- update:
			return dropped
		default:
		}
		select {
		case <-subscription.updates:
			dropped = true
		default:
		}
	}
}

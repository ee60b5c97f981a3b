package relay

import (
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

// DispatcherConfig wires the parent dispatcher to the collaborators shared
// by every relay instance it spawns.
type DispatcherConfig struct {
	// NewAggregator spawns an incoming MPP aggregator for a new relay,
	// given the payment hash and the sender-declared total amount.
	NewAggregator func(hash PaymentHash,
		total lnwire.MilliSatoshi) Aggregator

	// Executors spawns outbound payment executors.
	Executors ExecutorFactory

	// Register resolves upstream HTLCs.
	Register Register

	// PendingCommands persists settlement commands.
	PendingCommands PendingCommandStore

	// Triggerer watches for async-payment readiness. May be nil when
	// AdvertisesAsyncPayments is false.
	Triggerer Triggerer

	// Resolver expands compact blinded paths.
	Resolver BlindedPathResolver

	// Events receives relay telemetry events.
	Events EventBus

	// Metrics records relay telemetry.
	Metrics MetricsSink

	// Clock supplies timestamps.
	Clock clock.Clock

	// BestHeight returns the current chain tip height.
	BestHeight func() uint32

	// ChannelExpiryDelta is the minimum incoming/outgoing cltv delta.
	ChannelExpiryDelta uint32

	// Fees is the trampoline fee schedule.
	Fees FeeSchedule

	// MaxPaymentAttempts bounds outbound executor retries.
	MaxPaymentAttempts int

	// AdvertisesAsyncPayments enables the async-payment hold.
	AdvertisesAsyncPayments bool

	// AsyncHoldBlocks is the maximum async hold window in blocks.
	AsyncHoldBlocks uint32

	// AsyncCancelSafetyDelta is the fail-back safety margin in blocks.
	AsyncCancelSafetyDelta uint32

	// NewHoldTicker supplies wall-clock backstop tickers for async
	// holds. Optional.
	NewHoldTicker func() ticker.Ticker
}

// dispatchKey identifies a live relay instance: exactly one instance exists
// per key at any time.
type dispatchKey struct {
	hash   PaymentHash
	secret PaymentSecret
}

// completion is a relay instance's terminal notification, queued so the
// dispatcher processes removals off the instances' own goroutines.
type completion struct {
	id     Id
	hash   PaymentHash
	secret PaymentSecret
}

// Dispatcher is the parent of all relay instances: it creates an instance
// at the first HTLC of a new payment, routes further packets to it, and
// tears it down after its completion notification.
type Dispatcher struct {
	cfg DispatcherConfig

	mu     sync.Mutex
	relays map[dispatchKey]*Instance

	// completions decouples instance goroutines from dispatcher
	// bookkeeping: instances enqueue, the dispatcher's own goroutine
	// drains.
	completions *queue.ConcurrentQueue

	started sync.Once
	stopped sync.Once
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		relays:      make(map[dispatchKey]*Instance),
		completions: queue.NewConcurrentQueue(mailboxSize),
		quit:        make(chan struct{}),
	}
}

// Start begins processing completion notifications.
func (d *Dispatcher) Start() {
	d.started.Do(func() {
		d.completions.Start()

		d.wg.Add(1)
		go d.completionLoop()
	})
}

// Stop tears down every live relay instance and stops the dispatcher. Any
// in-flight downstream HTLCs are left to the channel-level resolution
// layer.
func (d *Dispatcher) Stop() {
	d.stopped.Do(func() {
		close(d.quit)

		d.mu.Lock()
		instances := make([]*Instance, 0, len(d.relays))
		for _, instance := range d.relays {
			instances = append(instances, instance)
		}
		d.relays = make(map[dispatchKey]*Instance)
		d.mu.Unlock()

		for _, instance := range instances {
			instance.Stop()
			<-instance.Done()
		}

		d.completions.Stop()
		d.wg.Wait()
	})
}

// Relay routes a decrypted node-relay packet to the live instance for its
// payment, creating one if this is the first HTLC of a new payment.
func (d *Dispatcher) Relay(packet Packet) error {
	key := dispatchKey{
		hash:   packet.PaymentHash,
		secret: packet.OuterPaymentSecret,
	}

	d.mu.Lock()
	instance, ok := d.relays[key]
	if !ok {
		var err error
		instance, err = d.newInstance(key, packet.TotalAmount)
		if err != nil {
			d.mu.Unlock()
			return err
		}

		d.relays[key] = instance
		instance.Start()
	}
	d.mu.Unlock()

	instance.Relay(packet)

	return nil
}

// NumActive returns the number of live relay instances.
func (d *Dispatcher) NumActive() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.relays)
}

// newInstance wires a relay instance for the given key. Called with the
// dispatcher lock held.
func (d *Dispatcher) newInstance(key dispatchKey,
	total lnwire.MilliSatoshi) (*Instance, error) {

	id, err := NewId()
	if err != nil {
		return nil, fmt.Errorf("unable to create relay: %w", err)
	}

	log.Debugf("creating relay %v for payment %v", id, key.hash)

	return NewInstance(Config{
		ID:                      id,
		PaymentHash:             key.hash,
		PaymentSecret:           key.secret,
		Aggregator:              d.cfg.NewAggregator(key.hash, total),
		Executors:               d.cfg.Executors,
		Register:                d.cfg.Register,
		PendingCommands:         d.cfg.PendingCommands,
		Triggerer:               d.cfg.Triggerer,
		Resolver:                d.cfg.Resolver,
		Events:                  d.cfg.Events,
		Metrics:                 d.cfg.Metrics,
		Clock:                   d.cfg.Clock,
		BestHeight:              d.cfg.BestHeight,
		ChannelExpiryDelta:      d.cfg.ChannelExpiryDelta,
		Fees:                    d.cfg.Fees,
		MaxPaymentAttempts:      d.cfg.MaxPaymentAttempts,
		AdvertisesAsyncPayments: d.cfg.AdvertisesAsyncPayments,
		AsyncHoldBlocks:         d.cfg.AsyncHoldBlocks,
		AsyncCancelSafetyDelta:  d.cfg.AsyncCancelSafetyDelta,
		NewHoldTicker:           d.cfg.NewHoldTicker,
		OnComplete: func(id Id, hash PaymentHash,
			secret PaymentSecret) {

			select {
			case d.completions.ChanIn() <- completion{
				id:     id,
				hash:   hash,
				secret: secret,
			}:
			case <-d.quit:
			}
		},
		OnCrash: func(r interface{}) {
			log.Criticalf("relay %v for payment %v aborted: %v",
				id, key.hash, r)
			d.remove(key, id)
		},
	}), nil
}

// completionLoop removes completed instances and then sends them the final
// Stop. Stray packets arriving between removal and Stop simply create a new
// instance whose aggregator will time the orphan part out.
func (d *Dispatcher) completionLoop() {
	defer d.wg.Done()

	for {
		select {
		case item, ok := <-d.completions.ChanOut():
			if !ok {
				return
			}

			done := item.(completion)
			key := dispatchKey{
				hash:   done.hash,
				secret: done.secret,
			}

			instance := d.remove(key, done.id)
			if instance != nil {
				instance.Stop()
			}

		case <-d.quit:
			return
		}
	}
}

// remove unmaps the instance for key, but only if it is still the one with
// the given id: a late completion must not tear down a newer instance that
// reused the key.
func (d *Dispatcher) remove(key dispatchKey, id Id) *Instance {
	d.mu.Lock()
	defer d.mu.Unlock()

	instance, ok := d.relays[key]
	if !ok || instance.cfg.ID != id {
		return nil
	}

	delete(d.relays, key)

	return instance
}

package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/ticker"
)

// mailboxSize bounds the per-instance mailbox. Inbound HTLC sets are small
// and collaborator events are rare, so a small buffer keeps producers from
// blocking without hiding backpressure bugs.
const mailboxSize = 16

// Config wires a relay instance to its collaborators and node-level
// parameters. All collaborators must be set unless noted otherwise.
type Config struct {
	// ID is the relay identifier, reused as the outgoing payment id.
	ID Id

	// PaymentHash is the payment this instance relays.
	PaymentHash PaymentHash

	// PaymentSecret is the outer payment secret every inbound HTLC of
	// this set must carry.
	PaymentSecret PaymentSecret

	// Aggregator is this instance's incoming MPP aggregator child.
	Aggregator Aggregator

	// Executors spawns the outbound payment executor once validation
	// succeeds.
	Executors ExecutorFactory

	// Register resolves upstream HTLCs.
	Register Register

	// PendingCommands persists settlement commands before they reach the
	// register.
	PendingCommands PendingCommandStore

	// Triggerer watches for async-payment readiness. May be nil if the
	// node does not advertise async payments.
	Triggerer Triggerer

	// Resolver expands compact blinded paths. May be nil if the node
	// never relays to blinded paths.
	Resolver BlindedPathResolver

	// Events receives relay telemetry events.
	Events EventBus

	// Metrics records relay duration and failure counts.
	Metrics MetricsSink

	// Clock supplies timestamps for HTLC arrival and duration metrics.
	Clock clock.Clock

	// BestHeight returns the current chain tip height.
	BestHeight func() uint32

	// ChannelExpiryDelta is the minimum cltv delta required between
	// incoming and outgoing expiries.
	ChannelExpiryDelta uint32

	// Fees is the trampoline fee schedule this hop enforces.
	Fees FeeSchedule

	// MaxPaymentAttempts bounds the outbound executor's attempts.
	MaxPaymentAttempts int

	// AdvertisesAsyncPayments indicates this node advertises the
	// async-payment feature; without it, is_async_payment instructions
	// are relayed immediately.
	AdvertisesAsyncPayments bool

	// AsyncHoldBlocks is the maximum number of blocks an async payment is
	// held from the current height.
	AsyncHoldBlocks uint32

	// AsyncCancelSafetyDelta is the number of blocks before the upstream
	// expiry at which a held async payment is canceled.
	AsyncCancelSafetyDelta uint32

	// NewHoldTicker, if set, supplies a wall-clock backstop ticker for
	// the async-payment wait. The block-height deadline is enforced by
	// the triggerer; this bounds the wait in real time as well.
	NewHoldTicker func() ticker.Ticker

	// OnComplete is invoked exactly once when the instance enters its
	// terminal state, before it starts draining stragglers.
	OnComplete func(id Id, hash PaymentHash, secret PaymentSecret)

	// OnCrash, if set, is invoked with the recovered value when the
	// instance's goroutine panics on a programming invariant violation.
	OnCrash func(r interface{})
}

// Instance is a single per-payment relay state machine. All of its state is
// owned by the run goroutine; external callers interact with it only through
// Relay and Stop, which enqueue messages on its mailbox.
type Instance struct {
	cfg Config

	mailbox chan relayMsg

	// state is only touched by the run goroutine.
	state relayState

	// completed is only touched by the run goroutine.
	completed bool

	start sync.Once
	quit  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewInstance creates a relay instance in the Receiving state. Start must be
// called before any message is delivered.
func NewInstance(cfg Config) *Instance {
	return &Instance{
		cfg:     cfg,
		mailbox: make(chan relayMsg, mailboxSize),
		state:   &stateReceiving{},
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the instance's run goroutine and begins consuming
// aggregator events.
func (i *Instance) Start() {
	i.start.Do(func() {
		pump(i, i.cfg.Aggregator.Events(), func(e AggregatorEvent) relayMsg {
			return msgAggregator{event: e}
		})

		i.wg.Add(1)
		go i.run()
	})
}

// Relay hands a decrypted node-relay packet to the instance. It never
// blocks past instance shutdown.
func (i *Instance) Relay(packet Packet) {
	i.deliver(msgRelay{packet: packet})
}

// Stop requests termination. The parent sends this after it has processed
// the instance's completion notification; it may also be sent early to
// forcibly stop a relay, in which case in-flight downstream HTLCs are left
// to the channel-level resolution layer.
func (i *Instance) Stop() {
	i.deliver(msgStop{})
}

// Done is closed once the run goroutine has exited.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

func (i *Instance) deliver(msg relayMsg) {
	select {
	case i.mailbox <- msg:
	case <-i.quit:
	}
}

// pump forwards events from a collaborator channel into the mailbox,
// wrapping them into internal message variants at the seam.
func pump[T any](i *Instance, events <-chan T, wrap func(T) relayMsg) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}

				select {
				case i.mailbox <- wrap(event):
				case <-i.quit:
					return
				}

			case <-i.quit:
				return
			}
		}
	}()
}

// run is the instance's single-threaded message loop. Every state transition
// happens here; there is no shared mutable state.
func (i *Instance) run() {
	defer func() {
		if r := recover(); r != nil {
			if i.cfg.OnCrash != nil {
				i.cfg.OnCrash(r)
			} else {
				log.Criticalf("relay %v: aborting on "+
					"invariant violation: %v", i.cfg.ID, r)
			}
		}

		close(i.quit)
		i.wg.Done()

		// Wait for pumps outside the waitgroup count of this
		// goroutine itself.
		go func() {
			i.wg.Wait()
			close(i.done)
		}()
	}()

	for {
		select {
		case msg := <-i.mailbox:
			if i.handle(msg) {
				return
			}

		case <-i.quit:
			return
		}
	}
}

// handle processes one mailbox message. It returns true when the instance
// must terminate.
func (i *Instance) handle(msg relayMsg) bool {
	switch msg := msg.(type) {
	case msgRelay:
		i.handleRelay(msg.packet)

	case msgAggregator:
		i.handleAggregator(msg.event)

	case msgExecutor:
		i.handleExecutor(msg.event)

	case msgAsyncTrigger:
		i.handleAsyncTrigger(msg.event)

	case msgHoldExpired:
		i.handleHoldExpired()

	case msgBlindedResolved:
		i.handleBlindedResolved(msg.event)

	case msgStop:
		i.handleStop()
		return true
	}

	return false
}

// handleRelay processes one inbound packet. In Receiving the HTLC joins the
// set; in every other state it is a stray rejected individually.
func (i *Instance) handleRelay(packet Packet) {
	// A mismatched payment secret means the parent dispatcher routed an
	// HTLC of a different MPP set to this instance, which must never
	// happen.
	if packet.OuterPaymentSecret != i.cfg.PaymentSecret {
		panic(fmt.Sprintf("relay %v: payment secret mismatch for "+
			"htlc %v on channel %v", i.cfg.ID,
			packet.IncomingHtlcID, packet.IncomingChannelID))
	}

	state, ok := i.state.(*stateReceiving)
	if !ok {
		i.rejectExtraHtlc(packet)
		return
	}

	htlc := IncomingHtlcRecord{
		HtlcID:     packet.IncomingHtlcID,
		ChannelID:  packet.IncomingChannelID,
		Amount:     packet.Amount,
		CltvExpiry: packet.CltvExpiry,
		ReceivedAt: i.cfg.Clock.Now(),
	}
	state.htlcs.Add(htlc)

	if state.instructions == nil {
		state.instructions = packet.Instructions
	}

	if err := i.cfg.Aggregator.AddHTLC(htlc); err != nil {
		log.Errorf("relay %v: unable to hand htlc %v to aggregator: "+
			"%v", i.cfg.ID, htlc.HtlcID, err)
	}
}

// handleAggregator reacts to the aggregator's verdict on the inbound set.
func (i *Instance) handleAggregator(event AggregatorEvent) {
	state, ok := i.state.(*stateReceiving)
	if !ok {
		// The aggregator has already delivered its verdict; anything
		// further is noise.
		log.Debugf("relay %v: ignoring aggregator event %T in state "+
			"%T", i.cfg.ID, event, i.state)
		return
	}

	switch event := event.(type) {
	case ExtraPartEvent:
		// More parts expected; keep receiving.

	case AggregatorFailedEvent:
		upstream := i.upstreamFromParts(event.Parts, &state.htlcs)
		i.failUpstream(upstream, event.Reason)
		i.toStopping()

	case AggregatorSucceededEvent:
		upstream := i.upstreamFromParts(event.Parts, &state.htlcs)
		i.relayComplete(upstream, state.instructions)
	}
}

// upstreamFromParts builds the definitive upstream set from the
// aggregator-attributed parts, falling back to the locally accumulated set.
func (i *Instance) upstreamFromParts(parts []IncomingHtlcRecord,
	accumulated *UpstreamSet) *UpstreamSet {

	if len(parts) == 0 {
		return accumulated
	}

	var set UpstreamSet
	for _, part := range parts {
		set.Add(part)
	}

	return &set
}

// relayComplete runs validation on the completed set and moves the instance
// to the state the instructions call for.
func (i *Instance) relayComplete(upstream *UpstreamSet,
	instructions RelayInstructions) {

	params := ValidationParams{
		ChannelExpiryDelta: i.cfg.ChannelExpiryDelta,
		CurrentBlockHeight: i.cfg.BestHeight(),
		Fees:               i.cfg.Fees,
	}
	if failure := validate(upstream, instructions, params); failure != nil {
		i.failUpstream(upstream, failure)
		i.toStopping()
		return
	}

	switch instructions := instructions.(type) {
	case *ToTrampolineInstructions:
		if instructions.IsAsyncPayment &&
			i.cfg.AdvertisesAsyncPayments {

			i.enterWaitingAsync(upstream, instructions)
			return
		}

		i.enterSending(upstream, instructions, nil)

	case *ToBlindedPathInstructions:
		i.enterResolvingBlinded(upstream, instructions)
	}
}

// enterWaitingAsync holds the validated relay until the peer signals
// readiness, the deadline block is reached, or the hold is canceled.
func (i *Instance) enterWaitingAsync(upstream *UpstreamSet,
	instructions *ToTrampolineInstructions) {

	// The hold ends at whichever comes first: the configured hold window
	// from the current height, or the upstream expiry minus the safety
	// delta needed to fail back in time.
	deadline := i.cfg.BestHeight() + i.cfg.AsyncHoldBlocks
	if safe := upstream.ExpiryIn() - i.cfg.AsyncCancelSafetyDelta; safe < deadline {
		deadline = safe
	}

	events, err := i.cfg.Triggerer.Watch(AsyncWatchRequest{
		OutgoingNodeID: instructions.OutgoingNodeID,
		PaymentHash:    i.cfg.PaymentHash,
		DeadlineBlock:  deadline,
	})
	if err != nil {
		log.Errorf("relay %v: unable to watch async trigger: %v",
			i.cfg.ID, err)
		i.failUpstream(upstream, asyncPaymentUnavailableFailure())
		i.toStopping()
		return
	}

	pump(i, events, func(e AsyncTriggerEvent) relayMsg {
		return msgAsyncTrigger{event: e}
	})

	var hold ticker.Ticker
	if i.cfg.NewHoldTicker != nil {
		hold = i.cfg.NewHoldTicker()
		hold.Resume()
		pump(i, hold.Ticks(), func(_ time.Time) relayMsg {
			return msgHoldExpired{}
		})
	}

	i.cfg.Events.Publish(WaitingToRelayPaymentEvent{
		OutgoingNodeID: instructions.OutgoingNodeID,
		PaymentHash:    i.cfg.PaymentHash,
	})

	log.Infof("relay %v: holding payment %v for async trigger from %x, "+
		"deadline height %d", i.cfg.ID, i.cfg.PaymentHash,
		instructions.OutgoingNodeID, deadline)

	i.state = &stateWaitingAsync{
		upstream:     upstream,
		instructions: instructions,
		hold:         hold,
	}
}

// handleAsyncTrigger reacts to the triggerer's verdict on a held payment.
func (i *Instance) handleAsyncTrigger(event AsyncTriggerEvent) {
	state, ok := i.state.(*stateWaitingAsync)
	if !ok {
		log.Debugf("relay %v: ignoring async event %T in state %T",
			i.cfg.ID, event, i.state)
		return
	}

	if state.hold != nil {
		state.hold.Stop()
	}

	switch event.(type) {
	case TriggeredEvent:
		i.enterSending(state.upstream, state.instructions, nil)

	case TimeoutEvent, CanceledEvent:
		i.failUpstream(state.upstream, asyncPaymentUnavailableFailure())
		i.toStopping()
	}
}

// handleHoldExpired cancels a held async payment when the wall-clock
// backstop elapses before the triggerer resolves.
func (i *Instance) handleHoldExpired() {
	state, ok := i.state.(*stateWaitingAsync)
	if !ok {
		return
	}

	if state.hold != nil {
		state.hold.Stop()
	}

	i.failUpstream(state.upstream, asyncPaymentUnavailableFailure())
	i.toStopping()
}

// enterResolvingBlinded asks the resolver to expand the compact blinded
// introduction nodes before dispatch.
func (i *Instance) enterResolvingBlinded(upstream *UpstreamSet,
	instructions *ToBlindedPathInstructions) {

	events, err := i.cfg.Resolver.Resolve(
		instructions.OutgoingBlindedPaths,
	)
	if err != nil {
		log.Errorf("relay %v: unable to resolve blinded paths: %v",
			i.cfg.ID, err)
		i.failUpstream(upstream, UnknownNextPeer())
		i.toStopping()
		return
	}

	pump(i, events, func(e BlindedResolutionEvent) relayMsg {
		return msgBlindedResolved{event: e}
	})

	i.state = &stateResolvingBlinded{
		upstream:     upstream,
		instructions: instructions,
	}
}

// handleBlindedResolved dispatches to the resolved paths, or fails the relay
// when none of the introduction nodes could be resolved.
func (i *Instance) handleBlindedResolved(event BlindedResolutionEvent) {
	state, ok := i.state.(*stateResolvingBlinded)
	if !ok {
		log.Debugf("relay %v: ignoring blinded resolution in state "+
			"%T", i.cfg.ID, i.state)
		return
	}

	if len(event.Paths) == 0 {
		i.failUpstream(state.upstream, UnknownNextPeer())
		i.toStopping()
		return
	}

	i.enterSending(state.upstream, state.instructions, event.Paths)
}

// enterSending builds the outbound dispatch and spawns the executor.
func (i *Instance) enterSending(upstream *UpstreamSet,
	instructions RelayInstructions, resolved []ResolvedBlindedPath) {

	plan, err := i.buildDispatch(upstream, instructions, resolved)
	if err != nil {
		log.Errorf("relay %v: unable to build dispatch: %v",
			i.cfg.ID, err)
		i.failUpstream(upstream, TemporaryNodeFailure())
		i.toStopping()
		return
	}

	executor, err := i.cfg.Executors.Spawn(plan.send)
	if err != nil {
		log.Errorf("relay %v: unable to spawn executor: %v",
			i.cfg.ID, err)
		i.failUpstream(upstream, TemporaryNodeFailure())
		i.toStopping()
		return
	}

	pump(i, executor.Events(), func(e ExecutorEvent) relayMsg {
		return msgExecutor{event: e}
	})

	log.Infof("relay %v: relaying %v of payment %v onward to %x",
		i.cfg.ID, plan.send.TotalAmount, i.cfg.PaymentHash,
		plan.send.DisplayNodeID)

	i.state = &stateSending{
		upstream:           upstream,
		instructions:       instructions,
		executor:           executor,
		startedAt:          i.cfg.Clock.Now(),
		offeredFee:         plan.offeredFee,
		minFee:             plan.minFee,
		outgoingNode:       plan.outgoingNode,
		allowRemoteFailure: plan.allowRemoteFailure,
	}
}

// handleExecutor reacts to downstream payment lifecycle events.
func (i *Instance) handleExecutor(event ExecutorEvent) {
	state, ok := i.state.(*stateSending)
	if !ok {
		log.Debugf("relay %v: ignoring executor event %T in state "+
			"%T", i.cfg.ID, event, i.state)
		return
	}

	switch event := event.(type) {
	case PreimageReceivedEvent:
		i.fulfillOnce(state, event.Preimage)

	case PaymentSentEvent:
		i.fulfillOnce(state, event.Preimage)

		i.cfg.Events.Publish(TrampolinePaymentRelayedEvent{
			PaymentHash:     i.cfg.PaymentHash,
			IncomingParts:   partAmounts(state.upstream),
			OutgoingParts:   event.Parts,
			RecipientNodeID: event.RecipientNodeID,
			RecipientAmount: event.RecipientAmount,
		})

		i.observeDuration(state, true)
		i.toStopping()

	case PaymentFailedEvent:
		// Once the upstream set has been fulfilled, no downstream
		// outcome may surface an error upstream; the relay just ends.
		if !state.fulfilledUpstream {
			failure := translateFailure(
				event.Failures, state.offeredFee,
				state.minFee, state.outgoingNode,
				state.allowRemoteFailure,
			)
			i.failUpstream(state.upstream, failure)
		} else {
			log.Warnf("relay %v: downstream failed after "+
				"upstream fulfill, dropping failure",
				i.cfg.ID)
		}

		i.observeDuration(state, state.fulfilledUpstream)
		i.toStopping()
	}
}

// fulfillOnce fulfills the upstream set with the downstream preimage exactly
// once, no matter how many times the preimage is reported.
func (i *Instance) fulfillOnce(state *stateSending,
	preimage lntypes.Preimage) {

	if state.fulfilledUpstream {
		return
	}

	// The preimage must match our payment hash before we settle anything
	// with it.
	if preimage.Hash() != i.cfg.PaymentHash {
		log.Errorf("relay %v: downstream preimage %v does not match "+
			"payment hash %v", i.cfg.ID, preimage,
			i.cfg.PaymentHash)
		return
	}

	i.fulfillUpstream(state.upstream, preimage)
	state.fulfilledUpstream = true
}

// observeDuration records the Sending-entry-to-Stopping duration.
func (i *Instance) observeDuration(state *stateSending, success bool) {
	i.cfg.Metrics.ObserveRelayDuration(
		i.cfg.Clock.Now().Sub(state.startedAt), success,
	)
}

// toStopping notifies the parent exactly once and moves to the terminal
// state, where only stragglers are drained.
func (i *Instance) toStopping() {
	if !i.completed {
		i.completed = true
		i.cfg.OnComplete(i.cfg.ID, i.cfg.PaymentHash, i.cfg.PaymentSecret)
	}

	i.state = &stateStopping{}
}

// handleStop tears the instance down. A still-running executor is stopped;
// its in-flight HTLCs are left to the channel-level resolution layer.
func (i *Instance) handleStop() {
	switch state := i.state.(type) {
	case *stateSending:
		state.executor.Stop()

	case *stateWaitingAsync:
		if state.hold != nil {
			state.hold.Stop()
		}
	}

	i.state = &stateStopping{}
}

// partAmounts lists the amounts of the upstream set in arrival order.
func partAmounts(set *UpstreamSet) []lnwire.MilliSatoshi {
	htlcs := set.HTLCs()
	amounts := make([]lnwire.MilliSatoshi, 0, len(htlcs))
	for _, htlc := range htlcs {
		amounts = append(amounts, htlc.Amount)
	}

	return amounts
}

package relay

import (
	"time"

	"github.com/lightningnetwork/lnd/fn"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnd/ticker"
)

// relayState is the closed sum type of states a relay instance moves
// through. Each state carries its own payload, so states are expressed as
// distinct struct types behind a marker interface rather than an iota enum.
type relayState interface {
	isRelayState()
}

// stateReceiving accumulates inbound HTLCs until the aggregator reports the
// set complete or failed. This is the initial state.
type stateReceiving struct {
	// htlcs are the HTLCs attributed to this relay so far, in arrival
	// order.
	htlcs UpstreamSet

	// instructions is the decrypted inner payload, taken from the first
	// packet that carried one.
	instructions RelayInstructions
}

func (*stateReceiving) isRelayState() {}

// stateWaitingAsync holds a validated trampoline relay pending the
// async-payment trigger.
type stateWaitingAsync struct {
	upstream     *UpstreamSet
	instructions *ToTrampolineInstructions

	// hold is the wall-clock backstop on the async wait; the block-height
	// deadline itself is enforced by the triggerer.
	hold ticker.Ticker
}

func (*stateWaitingAsync) isRelayState() {}

// stateResolvingBlinded awaits resolution of the compact blinded
// introduction nodes before dispatch.
type stateResolvingBlinded struct {
	upstream     *UpstreamSet
	instructions *ToBlindedPathInstructions
}

func (*stateResolvingBlinded) isRelayState() {}

// stateSending tracks the running downstream executor alongside everything
// failure translation needs if it fails.
type stateSending struct {
	upstream     *UpstreamSet
	instructions RelayInstructions
	executor     Executor
	startedAt    time.Time

	// fulfilledUpstream records that the upstream set has been fulfilled
	// with the downstream preimage. Once set, no downstream outcome may
	// fail the upstream set.
	fulfilledUpstream bool

	// offeredFee and minFee feed the BalanceTooLow fee-ratio heuristic in
	// failure translation.
	offeredFee lnwire.MilliSatoshi
	minFee     lnwire.MilliSatoshi

	// outgoingNode is the declared next trampoline node, when relaying to
	// one; failure translation prefers remote failures originating there.
	outgoingNode fn.Option[route.Vertex]

	// allowRemoteFailure is false for blinded relays: their remote
	// failures must never be surfaced upstream.
	allowRemoteFailure bool
}

func (*stateSending) isRelayState() {}

// stateStopping is terminal: the parent has been notified and the instance
// only drains stragglers until the parent's Stop arrives.
type stateStopping struct{}

func (*stateStopping) isRelayState() {}

// relayMsg is the closed sum type of messages a relay instance consumes from
// its mailbox. External collaborator events are wrapped into these at the
// seam, so internal variants never cross it.
type relayMsg interface {
	isRelayMsg()
}

// msgRelay carries one inbound node-relay packet.
type msgRelay struct {
	packet Packet
}

func (msgRelay) isRelayMsg() {}

// msgStop is the parent's termination request.
type msgStop struct{}

func (msgStop) isRelayMsg() {}

// msgAggregator wraps an event from the incoming MPP aggregator.
type msgAggregator struct {
	event AggregatorEvent
}

func (msgAggregator) isRelayMsg() {}

// msgExecutor wraps an event from the outbound payment executor.
type msgExecutor struct {
	event ExecutorEvent
}

func (msgExecutor) isRelayMsg() {}

// msgAsyncTrigger wraps an event from the async-payment triggerer.
type msgAsyncTrigger struct {
	event AsyncTriggerEvent
}

func (msgAsyncTrigger) isRelayMsg() {}

// msgHoldExpired signals the wall-clock backstop on the async wait fired.
type msgHoldExpired struct{}

func (msgHoldExpired) isRelayMsg() {}

// msgBlindedResolved wraps the blinded-path resolver's answer.
type msgBlindedResolved struct {
	event BlindedResolutionEvent
}

func (msgBlindedResolved) isRelayMsg() {}

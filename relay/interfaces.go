package relay

import (
	"time"

	"github.com/lightningnetwork/lnd/fn"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
)

// Aggregator is the incoming MPP aggregation contract. Its implementation
// (the multi-part receive FSM) is out of scope for this module; the relay
// only ever consumes it through this narrow seam.
type Aggregator interface {
	// Events returns the channel on which the aggregator reports its
	// outcome (ExtraPartEvent, AggregatorFailedEvent,
	// AggregatorSucceededEvent).
	Events() <-chan AggregatorEvent

	// AddHTLC hands a newly arrived HTLC to the aggregator.
	AddHTLC(htlc IncomingHtlcRecord) error
}

// AggregatorEvent is the sum type of events an Aggregator may emit.
type AggregatorEvent interface {
	isAggregatorEvent()
}

// ExtraPartEvent signals that an additional HTLC is still expected.
type ExtraPartEvent struct{}

func (ExtraPartEvent) isAggregatorEvent() {}

// AggregatorFailedEvent signals the inbound set failed to complete (timeout,
// over-payment, or pay-to-open disallowed).
type AggregatorFailedEvent struct {
	// Reason is the failure to apply to every accumulated HTLC. If nil,
	// the default IncorrectOrUnknownPaymentDetails reason is used.
	Reason FailureMessage

	// Parts are the HTLCs the aggregator attributed to the failed set.
	Parts []IncomingHtlcRecord
}

func (AggregatorFailedEvent) isAggregatorEvent() {}

// AggregatorSucceededEvent signals the inbound set is complete: the parts sum
// to the sender's declared total amount.
type AggregatorSucceededEvent struct {
	// Parts are the HTLCs forming the complete set, in arrival order.
	Parts []IncomingHtlcRecord
}

func (AggregatorSucceededEvent) isAggregatorEvent() {}

// Executor is the outbound payment lifecycle contract. Its implementation
// (the router / payment-lifecycle state machine) is out of scope; the relay
// only drives it through this seam.
type Executor interface {
	// Events returns the channel on which the executor reports results.
	Events() <-chan ExecutorEvent

	// Stop requests the executor halt; in-flight HTLCs are left to the
	// channel-level resolution layer.
	Stop()
}

// ExecutorEvent is the sum type of events an Executor may emit.
type ExecutorEvent interface {
	isExecutorEvent()
}

// PreimageReceivedEvent signals the preimage for the downstream payment is
// known, ahead of final settlement.
type PreimageReceivedEvent struct {
	Preimage lntypes.Preimage
}

func (PreimageReceivedEvent) isExecutorEvent() {}

// PaymentSentEvent signals the downstream payment fully succeeded.
type PaymentSentEvent struct {
	Preimage        lntypes.Preimage
	Parts           []lnwire.MilliSatoshi
	RecipientNodeID route.Vertex
	RecipientAmount lnwire.MilliSatoshi
}

func (PaymentSentEvent) isExecutorEvent() {}

// LocalFailureReason enumerates downstream failures detected locally by the
// sending node, without any remote failure message to decrypt.
type LocalFailureReason int

const (
	// LocalFailureBalanceTooLow indicates a direct channel exists but
	// lacked sufficient outgoing liquidity.
	LocalFailureBalanceTooLow LocalFailureReason = iota

	// LocalFailureRouteNotFound indicates path-finding could not locate
	// any route honoring the computed route parameters.
	LocalFailureRouteNotFound

	// LocalFailureOther covers every other local failure reason; it is
	// never specifically matched by failure translation.
	LocalFailureOther
)

// DownstreamFailure describes a single failed downstream HTLC attempt.
type DownstreamFailure struct {
	// Local is set when the failure was detected locally (e.g. no
	// liquidity / no route), without a remote failure message.
	Local fn.Option[LocalFailureReason]

	// Remote, if present, is a decrypted remote failure message and the
	// vertex of the node that produced it.
	Remote fn.Option[RemoteFailure]
}

// RemoteFailure is a decrypted failure message originating at a specific
// node along the downstream route.
type RemoteFailure struct {
	SourceNode route.Vertex
	Message    FailureMessage
}

// PaymentFailedEvent signals the downstream payment failed.
type PaymentFailedEvent struct {
	Failures []DownstreamFailure
}

func (PaymentFailedEvent) isExecutorEvent() {}

// ExecutorFactory spawns the outbound payment executor, choosing between a
// single-part and a multi-part implementation.
type ExecutorFactory interface {
	Spawn(cfg SendPaymentConfig) (Executor, error)
}

// Register is the channel register / HTLC resolution contract.
type Register interface {
	FulfillHtlc(cmd FulfillHtlcCmd) error
	FailHtlc(cmd FailHtlcCmd) error
}

// Triggerer is the async-payment hold contract.
type Triggerer interface {
	// Watch requests a watch for the async-payment trigger, returning a
	// channel on which the outcome is reported exactly once.
	Watch(req AsyncWatchRequest) (<-chan AsyncTriggerEvent, error)
}

// AsyncWatchRequest describes an async-payment hold to watch.
type AsyncWatchRequest struct {
	OutgoingNodeID route.Vertex
	PaymentHash    PaymentHash
	DeadlineBlock  uint32
}

// AsyncTriggerEvent is the sum type of events a Triggerer may emit.
type AsyncTriggerEvent interface {
	isAsyncTriggerEvent()
}

// TriggeredEvent signals the peer is ready to receive the held payment.
type TriggeredEvent struct{}

func (TriggeredEvent) isAsyncTriggerEvent() {}

// TimeoutEvent signals the hold timed out before being triggered.
type TimeoutEvent struct{}

func (TimeoutEvent) isAsyncTriggerEvent() {}

// CanceledEvent signals the hold was explicitly canceled.
type CanceledEvent struct{}

func (CanceledEvent) isAsyncTriggerEvent() {}

// BlindedPathResolver resolves compact blinded introduction nodes into full
// blinded paths.
type BlindedPathResolver interface {
	Resolve(paths []CompactBlindedPath) (<-chan BlindedResolutionEvent, error)
}

// BlindedResolutionEvent carries the resolved blinded paths, possibly empty.
type BlindedResolutionEvent struct {
	Paths []ResolvedBlindedPath
}

// EventBus is the write-only telemetry sink.
type EventBus interface {
	Publish(event Event)
}

// Event is the sum type of events this module publishes to the EventBus.
type Event interface {
	isEvent()
}

// TrampolinePaymentRelayedEvent is published on successful relay.
type TrampolinePaymentRelayedEvent struct {
	PaymentHash     PaymentHash
	IncomingParts   []lnwire.MilliSatoshi
	OutgoingParts   []lnwire.MilliSatoshi
	RecipientNodeID route.Vertex
	RecipientAmount lnwire.MilliSatoshi
}

func (TrampolinePaymentRelayedEvent) isEvent() {}

// WaitingToRelayPaymentEvent is published on entering WaitingForAsyncTrigger.
type WaitingToRelayPaymentEvent struct {
	OutgoingNodeID route.Vertex
	PaymentHash    PaymentHash
}

func (WaitingToRelayPaymentEvent) isEvent() {}

// MetricsSink records relay duration/failure telemetry.
type MetricsSink interface {
	ObserveRelayDuration(d time.Duration, success bool)
	IncRelayFailure(reason string)
}

// PendingCommandStore persists upstream settlement commands before they are
// handed to the Register, deduplicating retries by (channel id, htlc id).
type PendingCommandStore interface {
	// SafeSendFulfill persists cmd, then hands it to reg. The command is
	// safe to retry: a crash between persistence and acknowledgement
	// leads to eventual re-delivery by the caller of this store, not
	// silent loss.
	SafeSendFulfill(reg Register, cmd FulfillHtlcCmd) error

	// SafeSendFail persists cmd, then hands it to reg.
	SafeSendFail(reg Register, cmd FailHtlcCmd) error
}

// FulfillHtlcCmd instructs the register to fulfill a single upstream HTLC.
type FulfillHtlcCmd struct {
	ChannelID lnwire.ShortChannelID
	HtlcID    uint64
	Preimage  lntypes.Preimage
	Commit    bool
}

// FailHtlcCmd instructs the register to fail a single upstream HTLC.
type FailHtlcCmd struct {
	ChannelID lnwire.ShortChannelID
	HtlcID    uint64
	Reason    FailureMessage
	Commit    bool
}

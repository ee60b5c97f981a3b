package relay

import (
	"fmt"

	"github.com/lightningnetwork/lnd/fn"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
)

// FailureMessage is the upstream-visible BOLT-4 failure surfaced as an
// HTLC's fail reason. lnd's lnwire package predates trampoline forwarding
// and so does not define TrampolineFeeInsufficient/TrampolineExpiryTooSoon;
// this module extends lnwire.FailCode with the BOLT-04 trampoline addenda
// codes named in the relay's own wire contract, while reusing
// lnwire.FailCode for every code that already exists upstream.
type FailureMessage interface {
	// Code returns the BOLT-4 failure code to encode on the wire.
	Code() lnwire.FailCode

	// Error renders a human-readable description, for logging only.
	Error() string
}

const (
	// codeTrampolineFeeInsufficient and codeTrampolineExpiryTooSoon are
	// the BOLT-04 trampoline-forwarding addenda failure codes. They are
	// provisional until the addenda finalise; this is the single place
	// that choice is centralised so a future BOLT finalisation is a
	// one-line change.
	codeTrampolineFeeInsufficient lnwire.FailCode = lnwire.FailCode(
		0x2000 | 51,
	)
	codeTrampolineExpiryTooSoon lnwire.FailCode = lnwire.FailCode(
		0x2000 | 52,
	)
)

// simpleFailure is a FailureMessage with no payload beyond its code.
type simpleFailure struct {
	code lnwire.FailCode
	msg  string
}

func (f simpleFailure) Code() lnwire.FailCode { return f.code }
func (f simpleFailure) Error() string         { return f.msg }

// TemporaryNodeFailure signals a transient failure at this node.
func TemporaryNodeFailure() FailureMessage {
	return simpleFailure{
		code: lnwire.CodeTemporaryNodeFailure,
		msg:  "temporary_node_failure",
	}
}

// UnknownNextPeer signals the relay could not resolve the next hop.
func UnknownNextPeer() FailureMessage {
	return simpleFailure{
		code: lnwire.CodeUnknownNextPeer,
		msg:  "unknown_next_peer",
	}
}

// TrampolineFeeInsufficient signals the sender's offered relay fee did not
// meet this hop's requirement.
func TrampolineFeeInsufficient() FailureMessage {
	return simpleFailure{
		code: codeTrampolineFeeInsufficient,
		msg:  "trampoline_fee_insufficient",
	}
}

// TrampolineExpiryTooSoon signals the sender's offered cltv delta did not
// meet this hop's requirement, or the outgoing expiry has already passed.
func TrampolineExpiryTooSoon() FailureMessage {
	return simpleFailure{
		code: codeTrampolineExpiryTooSoon,
		msg:  "trampoline_expiry_too_soon",
	}
}

// InvalidOnionPayload signals a structurally invalid relay instruction field
// at the given TLV tag/offset.
func InvalidOnionPayload(tag uint64, offset uint16) FailureMessage {
	return simpleFailure{
		code: lnwire.CodeInvalidOnionPayload,
		msg: fmt.Sprintf(
			"invalid_onion_payload: tag=%d offset=%d", tag, offset,
		),
	}
}

// IncorrectOrUnknownPaymentDetails signals the amount or cltv height did not
// match what was expected for the payment hash.
func IncorrectOrUnknownPaymentDetails(amount lnwire.MilliSatoshi,
	height uint32) FailureMessage {

	return simpleFailure{
		code: lnwire.CodeIncorrectOrUnknownPaymentDetails,
		msg: fmt.Sprintf(
			"incorrect_or_unknown_payment_details: amount=%v "+
				"height=%d", amount, height,
		),
	}
}

// asyncPaymentUnavailableFailure is the failure returned upstream when an
// async-payment hold times out or is canceled. The BOLT async-payment
// addendum has not finalised a dedicated code, so this is the single place
// the provisional choice lives.
func asyncPaymentUnavailableFailure() FailureMessage {
	return TemporaryNodeFailure()
}

// FailureClass returns a stable, low-cardinality name for a failure message,
// suitable as a metrics label.
func FailureClass(msg FailureMessage) string {
	switch msg.Code() {
	case lnwire.CodeTemporaryNodeFailure:
		return "temporary_node_failure"

	case lnwire.CodeUnknownNextPeer:
		return "unknown_next_peer"

	case codeTrampolineFeeInsufficient:
		return "trampoline_fee_insufficient"

	case codeTrampolineExpiryTooSoon:
		return "trampoline_expiry_too_soon"

	case lnwire.CodeInvalidOnionPayload:
		return "invalid_onion_payload"

	case lnwire.CodeIncorrectOrUnknownPaymentDetails:
		return "incorrect_or_unknown_payment_details"

	default:
		return fmt.Sprintf("code_%d", uint16(msg.Code()))
	}
}

// minTrampolineFeeRatio is the ratio (offered fee / minimum fee) at or above
// which a BalanceTooLow local failure is treated as a liquidity problem
// rather than a fee problem.
const minTrampolineFeeRatio = 5

// translateFailure synthesises the BOLT-4 message to return upstream for a
// downstream PaymentFailed outcome. offeredFee is the fee the sender
// offered us (amount in minus amount to forward); minFee is this hop's
// required minimum fee for the forwarded amount. allowRemote must be false
// for ToBlindedPaths relays: a blinded-path relay must never return the
// final node's remote failure, for privacy.
func translateFailure(failures []DownstreamFailure, offeredFee,
	minFee lnwire.MilliSatoshi, outgoingNode fn.Option[route.Vertex],
	allowRemote bool) FailureMessage {

	// Empty failure list should not occur; treat defensively.
	if len(failures) == 0 {
		return TemporaryNodeFailure()
	}

	// Single LocalFailure(BalanceTooLow) is special-cased on the fee
	// ratio the sender offered us.
	if len(failures) == 1 && failures[0].Local.IsSome() {
		local := failures[0].Local.UnwrapOr(LocalFailureOther)
		if local == LocalFailureBalanceTooLow {
			if minFee > 0 && uint64(offeredFee) >=
				minTrampolineFeeRatio*uint64(minFee) {

				return TemporaryNodeFailure()
			}

			return TrampolineFeeInsufficient()
		}
	}

	// Any LocalFailure(RouteNotFound) present anywhere in the list means
	// a wider fee budget may find an indirect route.
	for _, f := range failures {
		if f.Local.IsSome() &&
			f.Local.UnwrapOr(LocalFailureOther) ==
				LocalFailureRouteNotFound {

			return TrampolineFeeInsufficient()
		}
	}

	// Prefer a decrypted remote failure that originated at the declared
	// outgoing node, but only for ToTrampoline relays: blinded-path
	// relays must never surface the final node's failure.
	if allowRemote && outgoingNode.IsSome() {
		node := outgoingNode.UnwrapOr(route.Vertex{})
		for _, f := range failures {
			if !f.Remote.IsSome() {
				continue
			}

			remote := f.Remote.UnwrapOr(RemoteFailure{})
			if remote.SourceNode == node {
				return remote.Message
			}
		}
	}

	// Otherwise, any decrypted remote failure at all (still withheld for
	// blinded relays).
	if allowRemote {
		for _, f := range failures {
			if f.Remote.IsSome() {
				return f.Remote.UnwrapOr(RemoteFailure{}).Message
			}
		}
	}

	return TemporaryNodeFailure()
}

package relay

import "github.com/lightningnetwork/lnd/lnwire"

// FeeSchedule computes the minimum trampoline fee this hop requires to
// forward amountToForward, mirroring the base-fee-plus-proportional-rate
// formula used by lnd's routing graph edges.
type FeeSchedule struct {
	// BaseFee is charged regardless of amount.
	BaseFee lnwire.MilliSatoshi

	// ProportionalMillionths is the fee rate charged per forwarded
	// amount, expressed in millionths (parts-per-million).
	ProportionalMillionths uint32
}

// MinFee returns the minimum fee required to forward amountToForward.
func (s FeeSchedule) MinFee(amountToForward lnwire.MilliSatoshi) lnwire.MilliSatoshi {
	proportional := uint64(amountToForward) *
		uint64(s.ProportionalMillionths) / 1_000_000

	return s.BaseFee + lnwire.MilliSatoshi(proportional)
}

// ValidationParams bundles the node configuration values the relay
// checks depend on.
type ValidationParams struct {
	// ChannelExpiryDelta is the minimum cltv delta this hop requires
	// between the incoming and outgoing expiry.
	ChannelExpiryDelta uint32

	// CurrentBlockHeight is the chain tip height as known to this node.
	CurrentBlockHeight uint32

	// Fees computes the minimum required trampoline fee.
	Fees FeeSchedule
}

// validate runs the relay admission checks against the upstream set and
// relay instructions. Order matters: the first failing check determines
// the returned message. It returns nil if every check passes.
func validate(upstream *UpstreamSet, instructions RelayInstructions,
	params ValidationParams) FailureMessage {

	amountIn := upstream.AmountIn()
	expiryIn := upstream.ExpiryIn()

	var (
		amountToForward lnwire.MilliSatoshi
		outgoingCltv    uint32
	)

	switch instr := instructions.(type) {
	case *ToTrampolineInstructions:
		amountToForward = instr.AmountToForward
		outgoingCltv = instr.OutgoingCltv

	case *ToBlindedPathInstructions:
		amountToForward = instr.AmountToForward
		outgoingCltv = instr.OutgoingCltv

	default:
		return TemporaryNodeFailure()
	}

	// 1. Fee sufficiency.
	if amountIn < amountToForward {
		return TrampolineFeeInsufficient()
	}

	offeredFee := amountIn - amountToForward
	minFee := params.Fees.MinFee(amountToForward)
	if offeredFee < minFee {
		return TrampolineFeeInsufficient()
	}

	// 2. Expiry delta sufficiency.
	if expiryIn < outgoingCltv ||
		expiryIn-outgoingCltv < params.ChannelExpiryDelta {

		return TrampolineExpiryTooSoon()
	}

	// 3. Outgoing CLTV not in the past.
	if outgoingCltv <= params.CurrentBlockHeight {
		return TrampolineExpiryTooSoon()
	}

	// 4. Positive forward amount.
	if amountToForward == 0 {
		return InvalidOnionPayload(2, 0)
	}

	// 5. Payment-secret presence for non-trampoline forwarding. Only
	// applies to ToTrampoline instructions with invoice features set
	// (i.e. relaying to a non-trampoline recipient).
	if instr, ok := instructions.(*ToTrampolineInstructions); ok {
		if instr.InvoiceFeatures.IsSome() &&
			instr.PaymentSecret.IsNone() {

			return InvalidOnionPayload(8, 0)
		}
	}

	return nil
}

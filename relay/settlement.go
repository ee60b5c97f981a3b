package relay

import (
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// fulfillUpstream settles every HTLC of the upstream set with the given
// preimage. Commands are persisted before they reach the register, so a
// crash between the two still leads to eventual delivery.
func (i *Instance) fulfillUpstream(set *UpstreamSet,
	preimage lntypes.Preimage) {

	for _, htlc := range set.HTLCs() {
		cmd := FulfillHtlcCmd{
			ChannelID: htlc.ChannelID,
			HtlcID:    htlc.HtlcID,
			Preimage:  preimage,
			Commit:    true,
		}

		err := i.cfg.PendingCommands.SafeSendFulfill(
			i.cfg.Register, cmd,
		)
		if err != nil {
			log.Errorf("relay %v: unable to fulfill htlc %v on "+
				"channel %v: %v", i.cfg.ID, htlc.HtlcID,
				htlc.ChannelID, err)
		}
	}

	log.Infof("relay %v: fulfilled %d upstream htlc(s) for payment %v",
		i.cfg.ID, len(set.HTLCs()), i.cfg.PaymentHash)
}

// failUpstream fails every HTLC of the upstream set with the given reason,
// counting the rejection. A nil reason falls back to the default
// IncorrectOrUnknownPaymentDetails, as used for MPP timeouts.
func (i *Instance) failUpstream(set *UpstreamSet, reason FailureMessage) {
	if reason == nil {
		reason = IncorrectOrUnknownPaymentDetails(
			set.AmountIn(), i.cfg.BestHeight(),
		)
	}

	i.cfg.Metrics.IncRelayFailure(FailureClass(reason))

	for _, htlc := range set.HTLCs() {
		i.failHtlc(htlc.ChannelID, htlc.HtlcID, reason)
	}

	log.Infof("relay %v: failed %d upstream htlc(s) for payment %v: %v",
		i.cfg.ID, len(set.HTLCs()), i.cfg.PaymentHash, reason)
}

// rejectExtraHtlc fails a single late HTLC that arrived after the set was
// already closed, leaving the rest of the relay untouched.
func (i *Instance) rejectExtraHtlc(packet Packet) {
	reason := IncorrectOrUnknownPaymentDetails(
		packet.Amount, i.cfg.BestHeight(),
	)

	i.cfg.Metrics.IncRelayFailure(FailureClass(reason))
	i.failHtlc(packet.IncomingChannelID, packet.IncomingHtlcID, reason)

	log.Debugf("relay %v: rejected extra htlc %v on channel %v",
		i.cfg.ID, packet.IncomingHtlcID, packet.IncomingChannelID)
}

// failHtlc persist-then-sends a single FailHtlc command.
func (i *Instance) failHtlc(channelID lnwire.ShortChannelID, htlcID uint64,
	reason FailureMessage) {

	cmd := FailHtlcCmd{
		ChannelID: channelID,
		HtlcID:    htlcID,
		Reason:    reason,
		Commit:    true,
	}

	if err := i.cfg.PendingCommands.SafeSendFail(i.cfg.Register, cmd); err != nil {
		log.Errorf("relay %v: unable to fail htlc %v on channel %v: "+
			"%v", i.cfg.ID, htlcID, channelID, err)
	}
}

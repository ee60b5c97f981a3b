// Package store persists upstream settlement commands before they are
// handed to the channel register. This is the node's only durable state for
// the relay subsystem: the relay instances themselves are ephemeral, but a
// fulfill or fail that has been decided must survive a restart until the
// register acknowledges it.
//
// Two backends are provided: an embedded kvdb (bbolt) store and a SQL store
// for postgres or sqlite deployments. Both deduplicate by
// (channel id, htlc id), so retrying a command is always safe.
package store

import (
	"fmt"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/lightninglabs/trampolinerelay/relay"
)

// commandKind discriminates persisted settlement commands.
type commandKind byte

const (
	// kindFulfill marks a persisted FulfillHtlc command.
	kindFulfill commandKind = 1

	// kindFail marks a persisted FailHtlc command.
	kindFail commandKind = 2
)

// PendingCommand is one persisted settlement command, as surfaced by a
// store's Pending listing and replayed on restart.
type PendingCommand struct {
	// ChannelID is the short channel id of the upstream link.
	ChannelID lnwire.ShortChannelID

	// HtlcID is the per-channel HTLC id.
	HtlcID uint64

	kind     commandKind
	preimage lntypes.Preimage
	failure  relay.FailureMessage
}

// send replays the command against the register.
func (c *PendingCommand) send(reg relay.Register) error {
	switch c.kind {
	case kindFulfill:
		return reg.FulfillHtlc(relay.FulfillHtlcCmd{
			ChannelID: c.ChannelID,
			HtlcID:    c.HtlcID,
			Preimage:  c.preimage,
			Commit:    true,
		})

	case kindFail:
		return reg.FailHtlc(relay.FailHtlcCmd{
			ChannelID: c.ChannelID,
			HtlcID:    c.HtlcID,
			Reason:    c.failure,
			Commit:    true,
		})

	default:
		return fmt.Errorf("unknown persisted command kind %d", c.kind)
	}
}

// storedFailure is a failure message reconstructed from persistence. Only
// the wire code and the log description survive the round trip; that is
// all the register needs to encode the upstream failure.
type storedFailure struct {
	code lnwire.FailCode
	desc string
}

// Code returns the BOLT-4 failure code.
func (f *storedFailure) Code() lnwire.FailCode {
	return f.code
}

// Error renders the persisted description.
func (f *storedFailure) Error() string {
	return f.desc
}

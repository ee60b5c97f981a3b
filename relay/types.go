// Package relay implements the trampoline node-relay core: the per-payment
// state machine that receives an inbound multi-part HTLC set addressed to
// this node as a trampoline hop, validates the embedded relay instructions,
// and dispatches an outbound payment that carries the funds one hop further
// along the trampoline chain (or to a non-trampoline recipient, clear or
// blinded).
package relay

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/record"
	"github.com/lightningnetwork/lnd/routing/route"

	sphinx "github.com/lightningnetwork/lightning-onion"
)

// Id is an opaque unique identifier for a relay instance. It is reused as
// the outgoing payment identifier handed to the outbound executor.
type Id [16]byte

// NewId generates a fresh, uniformly random relay identifier.
func NewId() (Id, error) {
	var id Id
	if _, err := rand.Read(id[:]); err != nil {
		return Id{}, fmt.Errorf("unable to generate relay id: %w", err)
	}

	return id, nil
}

// String returns the hex encoding of the relay id.
func (id Id) String() string {
	return hex.EncodeToString(id[:])
}

// PaymentHash identifies the payment this relay instance belongs to. It is
// the primary key under which the parent dispatcher finds the relay.
type PaymentHash = lntypes.Hash

// PaymentSecret is the value carried in the outer onion of every inbound
// HTLC belonging to this MPP set. Every inbound HTLC routed to a given relay
// instance must carry the identical payment secret; a mismatch is a fatal
// programming error in the parent dispatcher and aborts the instance.
type PaymentSecret [32]byte

// IncomingHtlcRecord describes a single inbound HTLC that has been
// attributed to this relay's upstream set.
type IncomingHtlcRecord struct {
	// HtlcID is the per-channel identifier of this HTLC.
	HtlcID uint64

	// ChannelID is the short channel id of the incoming link.
	ChannelID lnwire.ShortChannelID

	// Amount is the amount carried by this HTLC.
	Amount lnwire.MilliSatoshi

	// CltvExpiry is the absolute block height at which this HTLC times
	// out.
	CltvExpiry uint32

	// ReceivedAt is the local time this HTLC was attributed to the set.
	ReceivedAt time.Time
}

// UpstreamSet is the ordered set of inbound HTLCs accumulated for a relay
// instance's MPP set, in arrival order.
type UpstreamSet struct {
	htlcs []IncomingHtlcRecord
}

// Add appends an HTLC to the set.
func (s *UpstreamSet) Add(htlc IncomingHtlcRecord) {
	s.htlcs = append(s.htlcs, htlc)
}

// HTLCs returns the accumulated HTLCs in arrival order.
func (s *UpstreamSet) HTLCs() []IncomingHtlcRecord {
	return s.htlcs
}

// AmountIn returns the sum of all accumulated HTLC amounts.
func (s *UpstreamSet) AmountIn() lnwire.MilliSatoshi {
	var total lnwire.MilliSatoshi
	for _, htlc := range s.htlcs {
		total += htlc.Amount
	}

	return total
}

// ExpiryIn returns the minimum cltv expiry across all accumulated HTLCs. It
// returns zero if the set is empty.
func (s *UpstreamSet) ExpiryIn() uint32 {
	if len(s.htlcs) == 0 {
		return 0
	}

	min := s.htlcs[0].CltvExpiry
	for _, htlc := range s.htlcs[1:] {
		if htlc.CltvExpiry < min {
			min = htlc.CltvExpiry
		}
	}

	return min
}

// Packet is a single decrypted node-relay packet handed in by the
// (out-of-scope) onion layer: the outer payload fields this relay cares
// about, the raw HTLC, and the decrypted inner relay instructions.
type Packet struct {
	// PaymentHash identifies the payment this HTLC belongs to.
	PaymentHash PaymentHash

	// OuterPaymentSecret is the payment secret carried in the outer
	// onion payload of this HTLC.
	OuterPaymentSecret PaymentSecret

	// TotalAmount is the sender-declared total amount of the MPP set,
	// from the outer payload.
	TotalAmount lnwire.MilliSatoshi

	// IncomingChannelID is the short channel id of the incoming link.
	IncomingChannelID lnwire.ShortChannelID

	// IncomingHtlcID is the per-channel id of the incoming HTLC.
	IncomingHtlcID uint64

	// Amount is the amount carried by this HTLC.
	Amount lnwire.MilliSatoshi

	// CltvExpiry is the absolute expiry height of this HTLC.
	CltvExpiry uint32

	// Instructions is the decrypted inner relay payload.
	Instructions RelayInstructions
}

// RelayInstructions is the decrypted inner relay payload handed to this
// instance by the (out-of-scope) onion layer. It is one of two variants:
// ToTrampoline or ToBlindedPaths.
type RelayInstructions interface {
	// isRelayInstructions is an unexported marker method that closes the
	// RelayInstructions sum type to this package's two variants.
	isRelayInstructions()
}

// ToTrampolineInstructions instructs the relay to forward to another
// trampoline node, or to a non-trampoline recipient if NextPacket is absent
// and InvoiceFeatures is present.
type ToTrampolineInstructions struct {
	// OutgoingNodeID is the node this payment should be forwarded to.
	OutgoingNodeID route.Vertex

	// AmountToForward is the amount to send onward.
	AmountToForward lnwire.MilliSatoshi

	// OutgoingCltv is the absolute cltv expiry to use for the outgoing
	// HTLC(s).
	OutgoingCltv uint32

	// InvoiceFeatures, if present, indicates this is the final,
	// non-trampoline hop and carries the recipient's advertised feature
	// vector.
	InvoiceFeatures fn.Option[*lnwire.FeatureVector]

	// InvoiceRoutingInfo carries extra routing hints for the final
	// recipient (BOLT 11 routing hints re-exposed through the
	// trampoline onion).
	InvoiceRoutingInfo fn.Option[[]route.Vertex]

	// PaymentSecret is the sender-chosen payment secret to use for the
	// final, non-trampoline hop.
	PaymentSecret fn.Option[[32]byte]

	// PaymentMetadata is opaque data to be forwarded to the final
	// recipient unmodified.
	PaymentMetadata fn.Option[record.CustomSet]

	// NextPacket is the onion packet to relay onward to OutgoingNodeID
	// for pure trampoline-to-trampoline forwarding. Its absence alongside
	// a present InvoiceFeatures indicates relaying to a non-trampoline
	// recipient.
	NextPacket fn.Option[[]byte]

	// IsAsyncPayment indicates the sender has requested an
	// asynchronous-payment hold before this hop forwards.
	IsAsyncPayment bool
}

func (*ToTrampolineInstructions) isRelayInstructions() {}

// ToBlindedPathInstructions instructs the relay to forward along one of a
// set of compact, as-yet-unresolved blinded introduction points.
type ToBlindedPathInstructions struct {
	// AmountToForward is the amount to send onward.
	AmountToForward lnwire.MilliSatoshi

	// OutgoingCltv is the absolute cltv expiry to use for the outgoing
	// HTLC(s).
	OutgoingCltv uint32

	// InvoiceFeatures is the recipient's advertised feature vector.
	InvoiceFeatures *lnwire.FeatureVector

	// OutgoingBlindedPaths are the compact blinded paths that must be
	// resolved (via BlindedPathResolver) before dispatch.
	OutgoingBlindedPaths []CompactBlindedPath
}

func (*ToBlindedPathInstructions) isRelayInstructions() {}

// CompactBlindedPath is an unresolved, compact representation of a blinded
// route as carried in the onion; BlindedPathResolver expands it into a
// sphinx.BlindedPath.
type CompactBlindedPath struct {
	// IntroductionScid is the short channel id used to look up the
	// introduction node when it is expressed relative to the node
	// rather than as a raw node id.
	IntroductionScid fn.Option[lnwire.ShortChannelID]

	// IntroductionNodeID is the node id of the introduction node, if
	// known directly.
	IntroductionNodeID fn.Option[route.Vertex]
}

// ResolvedBlindedPath is a fully resolved blinded path, ready to be handed
// to the outbound executor.
type ResolvedBlindedPath struct {
	Path *sphinx.BlindedPath
}

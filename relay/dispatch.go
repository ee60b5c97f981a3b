package relay

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/fn"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/record"
	"github.com/lightningnetwork/lnd/routing/route"
)

// ErrNoNextHop is returned when trampoline instructions carry neither a next
// onion packet nor invoice features, leaving no way to construct a
// recipient.
var ErrNoNextHop = errors.New("instructions carry neither next onion " +
	"packet nor invoice features")

// RouteParams bounds the downstream route search. Remaining path-finding
// knobs are drawn from the router's own randomised experiment
// configuration; only the limits this relay derives from the upstream set
// are carried here.
type RouteParams struct {
	// MaxFlatFee is the absolute fee budget: everything the sender paid
	// us beyond the forwarded amount.
	MaxFlatFee lnwire.MilliSatoshi

	// MaxProportionalMillionths is always zero: the fee budget is purely
	// the flat amount this relay wishes to earn.
	MaxProportionalMillionths uint32

	// MaxCltvDelta is the total cltv budget for the downstream route.
	MaxCltvDelta uint32

	// IncludeLocalChannelCost counts our own channel's fee policy against
	// the budget.
	IncludeLocalChannelCost bool
}

// Recipient is the closed sum type of downstream recipients: clear (a node
// id reachable over the public graph, with optional hints) or blinded.
type Recipient interface {
	isRecipient()
}

// ClearRecipient sends to a node identified by its real node id.
type ClearRecipient struct {
	// NodeID is the destination node.
	NodeID route.Vertex

	// Amount is the amount the recipient should receive.
	Amount lnwire.MilliSatoshi

	// FinalCltv is the absolute expiry of the final hop.
	FinalCltv uint32

	// PaymentSecret is the secret carried in the final payload.
	PaymentSecret [32]byte

	// PaymentMetadata is opaque sender data for the final payload.
	PaymentMetadata fn.Option[record.CustomSet]

	// TrampolineOnion, when set, is the next trampoline onion to embed
	// for the recipient to unwrap.
	TrampolineOnion fn.Option[[]byte]

	// ExtraEdges are routing hints toward the recipient.
	ExtraEdges []route.Vertex

	// Features is the recipient's advertised feature vector, when known.
	Features *lnwire.FeatureVector
}

func (*ClearRecipient) isRecipient() {}

// BlindedRecipient sends along one of a set of resolved blinded paths.
type BlindedRecipient struct {
	// Paths are the resolved blinded paths to try.
	Paths []ResolvedBlindedPath

	// NodeID is the recipient's blinded identity: the last blinded node
	// id of the first path.
	NodeID route.Vertex

	// Amount is the amount the recipient should receive.
	Amount lnwire.MilliSatoshi

	// FinalCltv is the absolute expiry of the final hop.
	FinalCltv uint32

	// Features is the recipient's advertised feature vector.
	Features *lnwire.FeatureVector
}

func (*BlindedRecipient) isRecipient() {}

// SendPaymentConfig is everything the outbound executor factory needs to
// drive the downstream payment.
type SendPaymentConfig struct {
	// PaymentID is the outgoing payment identifier, reusing the relay id.
	PaymentID Id

	// PaymentHash is the hash the downstream HTLCs lock to.
	PaymentHash PaymentHash

	// Recipient describes the downstream destination.
	Recipient Recipient

	// TotalAmount is the amount to deliver to the recipient.
	TotalAmount lnwire.MilliSatoshi

	// RouteParams bounds the route search.
	RouteParams RouteParams

	// MultiPart selects the multi-part executor implementation.
	MultiPart bool

	// StoreInDB is false: relayed payments are not recorded as our own
	// outgoing payments.
	StoreInDB bool

	// PublishEvent is false: the relay publishes its own relayed event
	// instead of the sender-side payment events.
	PublishEvent bool

	// RecordPathFindingMetrics keeps path-finding telemetry for relayed
	// attempts.
	RecordPathFindingMetrics bool

	// DisplayNodeID is the node id to surface in logs and payment
	// listings. For blinded dispatch this is a freshly generated random
	// key: the true next hop must not leak.
	DisplayNodeID route.Vertex

	// MaxPaymentAttempts bounds the executor's retries.
	MaxPaymentAttempts int
}

// dispatchPlan is the outcome of buildDispatch: the executor config plus the
// context failure translation needs if the downstream attempt fails.
type dispatchPlan struct {
	send SendPaymentConfig

	outgoingNode       fn.Option[route.Vertex]
	allowRemoteFailure bool
	offeredFee         lnwire.MilliSatoshi
	minFee             lnwire.MilliSatoshi
}

// buildDispatch derives the downstream recipient, multi-part choice and
// route parameters from the validated instructions. resolved is only set
// for blinded dispatch.
func (i *Instance) buildDispatch(upstream *UpstreamSet,
	instructions RelayInstructions,
	resolved []ResolvedBlindedPath) (*dispatchPlan, error) {

	var (
		amountIn = upstream.AmountIn()
		expiryIn = upstream.ExpiryIn()
	)

	plan := &dispatchPlan{
		send: SendPaymentConfig{
			PaymentID:                i.cfg.ID,
			PaymentHash:              i.cfg.PaymentHash,
			StoreInDB:                false,
			PublishEvent:             false,
			RecordPathFindingMetrics: true,
			MaxPaymentAttempts:       i.cfg.MaxPaymentAttempts,
		},
	}

	switch instructions := instructions.(type) {
	case *ToTrampolineInstructions:
		plan.send.TotalAmount = instructions.AmountToForward
		plan.send.RouteParams = RouteParams{
			MaxFlatFee:              amountIn - instructions.AmountToForward,
			MaxCltvDelta:            expiryIn - instructions.OutgoingCltv,
			IncludeLocalChannelCost: true,
		}
		plan.send.DisplayNodeID = instructions.OutgoingNodeID
		plan.outgoingNode = fn.Some(instructions.OutgoingNodeID)
		plan.allowRemoteFailure = true
		plan.offeredFee = amountIn - instructions.AmountToForward
		plan.minFee = i.cfg.Fees.MinFee(instructions.AmountToForward)

		features, haveFeatures := unwrapOption(
			instructions.InvoiceFeatures,
		)

		switch {
		// Pure trampoline-to-trampoline: forward the next onion and
		// protect against probing with a fresh random secret.
		case instructions.NextPacket.IsSome() && !haveFeatures:
			secret, err := newPaymentSecret()
			if err != nil {
				return nil, err
			}

			plan.send.Recipient = &ClearRecipient{
				NodeID:          instructions.OutgoingNodeID,
				Amount:          instructions.AmountToForward,
				FinalCltv:       instructions.OutgoingCltv,
				PaymentSecret:   secret,
				TrampolineOnion: instructions.NextPacket,
			}
			plan.send.MultiPart = true

		// Final, non-trampoline recipient: pass through the
		// sender-provided secret and metadata, with any routing hints
		// as extra edges.
		case haveFeatures:
			secret, ok := unwrapOption(instructions.PaymentSecret)
			if !ok {
				// Validation guarantees presence; reaching
				// here is a bug in the caller.
				return nil, fmt.Errorf("missing payment " +
					"secret for non-trampoline recipient")
			}

			extraEdges, _ := unwrapOption(
				instructions.InvoiceRoutingInfo,
			)

			plan.send.Recipient = &ClearRecipient{
				NodeID:          instructions.OutgoingNodeID,
				Amount:          instructions.AmountToForward,
				FinalCltv:       instructions.OutgoingCltv,
				PaymentSecret:   secret,
				PaymentMetadata: instructions.PaymentMetadata,
				ExtraEdges:      extraEdges,
				Features:        features,
			}
			plan.send.MultiPart = features.HasFeature(
				lnwire.MPPOptional,
			)

		default:
			return nil, ErrNoNextHop
		}

	case *ToBlindedPathInstructions:
		if len(resolved) == 0 {
			return nil, fmt.Errorf("no resolved blinded paths")
		}

		plan.send.TotalAmount = instructions.AmountToForward
		plan.send.RouteParams = RouteParams{
			MaxFlatFee:              amountIn - instructions.AmountToForward,
			MaxCltvDelta:            expiryIn - instructions.OutgoingCltv,
			IncludeLocalChannelCost: true,
		}
		plan.offeredFee = amountIn - instructions.AmountToForward
		plan.minFee = i.cfg.Fees.MinFee(instructions.AmountToForward)

		// Remote failures from beyond the introduction node must
		// never reach the upstream sender.
		plan.allowRemoteFailure = false

		recipientID, err := blindedRecipientID(resolved[0])
		if err != nil {
			return nil, err
		}

		plan.send.Recipient = &BlindedRecipient{
			Paths:     resolved,
			NodeID:    recipientID,
			Amount:    instructions.AmountToForward,
			FinalCltv: instructions.OutgoingCltv,
			Features:  instructions.InvoiceFeatures,
		}
		plan.send.MultiPart = instructions.InvoiceFeatures != nil &&
			instructions.InvoiceFeatures.HasFeature(
				lnwire.MPPOptional,
			)

		// The true next hop must not leak through payment listings,
		// so a throwaway key is displayed instead.
		displayID, err := randomVertex()
		if err != nil {
			return nil, err
		}
		plan.send.DisplayNodeID = displayID
	}

	return plan, nil
}

// blindedRecipientID is the recipient's blinded identity: the last blinded
// node id of the given path.
func blindedRecipientID(path ResolvedBlindedPath) (route.Vertex, error) {
	hops := path.Path.BlindedHops
	if len(hops) == 0 {
		return route.Vertex{}, fmt.Errorf("resolved blinded path " +
			"has no hops")
	}

	return route.NewVertex(hops[len(hops)-1].BlindedNodePub), nil
}

// newPaymentSecret draws a uniformly random payment secret for the onward
// trampoline hop, so the incoming secret never propagates downstream.
func newPaymentSecret() ([32]byte, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return secret, fmt.Errorf("unable to generate payment "+
			"secret: %w", err)
	}

	return secret, nil
}

// randomVertex generates a fresh throwaway public key to display in place of
// a blinded recipient.
func randomVertex() (route.Vertex, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return route.Vertex{}, fmt.Errorf("unable to generate "+
			"display key: %w", err)
	}

	return route.NewVertex(priv.PubKey()), nil
}

// unwrapOption extracts an option's value and presence flag.
func unwrapOption[T any](opt fn.Option[T]) (T, bool) {
	var zero T
	return opt.UnwrapOr(zero), opt.IsSome()
}

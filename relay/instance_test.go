package relay_test

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	sphinx "github.com/lightningnetwork/lightning-onion"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/lightninglabs/trampolinerelay/relay"
	"github.com/lightninglabs/trampolinerelay/relay/relaytest"
)

const (
	// testHeight is the chain tip height every test runs at.
	testHeight uint32 = 800_000

	// testExpiryDelta mirrors the channel expiry delta of the node under
	// test.
	testExpiryDelta uint32 = 40

	// testTimeout bounds every blocking receive in these tests.
	testTimeout = 5 * time.Second
)

var (
	testPreimage = lntypes.Preimage{0x01}
	testHash     = testPreimage.Hash()

	// testSecret is the outer payment secret shared by the inbound set.
	testSecret = relay.PaymentSecret{
		0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA,
		0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA,
		0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA,
		0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA,
	}

	// testNextNode is the declared outgoing trampoline node.
	testNextNode = route.Vertex{0x02, 0x03}

	// testOnion stands in for the next trampoline onion packet.
	testOnion = []byte{0xde, 0xad, 0xbe, 0xef}
)

// receive reads one value off ch or fails the test.
func receive[T any](t *testing.T, ch <-chan T, desc string) T {
	t.Helper()

	select {
	case value := <-ch:
		return value

	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for %v", desc)
		var zero T
		return zero
	}
}

type harnessCfg struct {
	advertisesAsync bool
	holdTicker      func() ticker.Ticker
}

// harness wires a relay instance to a full set of test doubles.
type harness struct {
	t *testing.T

	agg      *relaytest.Aggregator
	factory  *relaytest.ExecutorFactory
	register *relaytest.Register
	store    *relaytest.PassthroughStore
	trigger  *relaytest.Triggerer
	resolver *relaytest.Resolver
	events   *relaytest.EventBus
	metrics  *relaytest.Metrics
	clock    *clock.TestClock

	completions chan relay.PaymentHash
	crashes     chan interface{}

	instance *relay.Instance
}

func newHarness(t *testing.T, cfg harnessCfg) *harness {
	t.Helper()

	id, err := relay.NewId()
	require.NoError(t, err)

	h := &harness{
		t:           t,
		agg:         relaytest.NewAggregator(),
		factory:     relaytest.NewExecutorFactory(),
		register:    relaytest.NewRegister(),
		store:       relaytest.NewPassthroughStore(),
		trigger:     relaytest.NewTriggerer(),
		resolver:    relaytest.NewResolver(),
		events:      relaytest.NewEventBus(),
		metrics:     relaytest.NewMetrics(),
		clock:       clock.NewTestClock(time.Unix(1_000, 0)),
		completions: make(chan relay.PaymentHash, 1),
		crashes:     make(chan interface{}, 1),
	}

	h.instance = relay.NewInstance(relay.Config{
		ID:              id,
		PaymentHash:     testHash,
		PaymentSecret:   testSecret,
		Aggregator:      h.agg,
		Executors:       h.factory,
		Register:        h.register,
		PendingCommands: h.store,
		Triggerer:       h.trigger,
		Resolver:        h.resolver,
		Events:          h.events,
		Metrics:         h.metrics,
		Clock:           h.clock,
		BestHeight: func() uint32 {
			return testHeight
		},
		ChannelExpiryDelta: testExpiryDelta,
		Fees: relay.FeeSchedule{
			BaseFee: 1_000,
		},
		MaxPaymentAttempts:      3,
		AdvertisesAsyncPayments: cfg.advertisesAsync,
		AsyncHoldBlocks:         144,
		AsyncCancelSafetyDelta:  36,
		NewHoldTicker:           cfg.holdTicker,
		OnComplete: func(_ relay.Id, hash relay.PaymentHash,
			_ relay.PaymentSecret) {

			h.completions <- hash
		},
		OnCrash: func(r interface{}) {
			h.crashes <- r
		},
	})
	h.instance.Start()

	t.Cleanup(func() {
		h.instance.Stop()
		<-h.instance.Done()
	})

	return h
}

// packet builds an inbound packet carrying the shared payment secret.
func (h *harness) packet(htlcID uint64, amount lnwire.MilliSatoshi,
	expiry uint32, instructions relay.RelayInstructions) relay.Packet {

	return relay.Packet{
		PaymentHash:        testHash,
		OuterPaymentSecret: testSecret,
		TotalAmount:        1_000_000,
		IncomingChannelID:  lnwire.NewShortChanIDFromInt(123),
		IncomingHtlcID:     htlcID,
		Amount:             amount,
		CltvExpiry:         expiry,
		Instructions:       instructions,
	}
}

// relayStandardSet delivers the canonical two-part set (600k + 400k msat,
// both expiring at testHeight+144) and waits until the aggregator has seen
// both parts.
func (h *harness) relayStandardSet(instructions relay.RelayInstructions) {
	h.t.Helper()

	h.instance.Relay(h.packet(
		0, 600_000, testHeight+144, instructions,
	))
	h.instance.Relay(h.packet(
		1, 400_000, testHeight+144, instructions,
	))

	require.Eventually(h.t, func() bool {
		return len(h.agg.Added()) == 2
	}, testTimeout, time.Millisecond)
}

// expectFails waits for count upstream fail commands, asserts they all carry
// the expected failure class, and returns them.
func (h *harness) expectFails(count int, class string) []relay.FailHtlcCmd {
	h.t.Helper()

	cmds := make([]relay.FailHtlcCmd, 0, count)
	for len(cmds) < count {
		cmd := receive(h.t, h.register.FailSignal, "upstream fail")
		require.Equal(h.t, class, relay.FailureClass(cmd.Reason))
		require.True(h.t, cmd.Commit)
		cmds = append(cmds, cmd)
	}

	return cmds
}

// expectFulfills waits for count upstream fulfill commands carrying the
// expected preimage.
func (h *harness) expectFulfills(count int,
	preimage lntypes.Preimage) []relay.FulfillHtlcCmd {

	h.t.Helper()

	cmds := make([]relay.FulfillHtlcCmd, 0, count)
	for len(cmds) < count {
		cmd := receive(
			h.t, h.register.FulfillSignal, "upstream fulfill",
		)
		require.Equal(h.t, preimage, cmd.Preimage)
		require.True(h.t, cmd.Commit)
		cmds = append(cmds, cmd)
	}

	return cmds
}

// expectComplete waits for the terminal parent notification.
func (h *harness) expectComplete() {
	h.t.Helper()

	hash := receive(h.t, h.completions, "relay completion")
	require.Equal(h.t, testHash, hash)
}

// trampolineInstructions is the canonical trampoline-to-trampoline payload:
// forward 990_000 msat at testHeight+80 with the next onion attached.
func trampolineInstructions() *relay.ToTrampolineInstructions {
	return &relay.ToTrampolineInstructions{
		OutgoingNodeID:  testNextNode,
		AmountToForward: 990_000,
		OutgoingCltv:    testHeight + 80,
		NextPacket:      fn.Some(testOnion),
	}
}

// TestRelaySuccess is the happy trampoline-to-trampoline path: two parts in,
// preimage then payment-sent downstream, both HTLCs fulfilled upstream.
func TestRelaySuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessCfg{})
	h.relayStandardSet(trampolineInstructions())
	h.agg.Succeed()

	executor := receive(t, h.factory.Spawned, "executor spawn")

	// The dispatch must carry the derived route parameters and a fresh
	// random payment secret for probing protection.
	cfgs := h.factory.Configs()
	require.Len(t, cfgs, 1)
	cfg := cfgs[0]

	require.Equal(t, testHash, cfg.PaymentHash)
	require.True(t, cfg.MultiPart)
	require.False(t, cfg.StoreInDB)
	require.False(t, cfg.PublishEvent)
	require.True(t, cfg.RecordPathFindingMetrics)
	require.Equal(t, testNextNode, cfg.DisplayNodeID)
	require.Equal(t, 3, cfg.MaxPaymentAttempts)
	require.Equal(t, relay.RouteParams{
		MaxFlatFee:              10_000,
		MaxCltvDelta:            64,
		IncludeLocalChannelCost: true,
	}, cfg.RouteParams)

	recipient, ok := cfg.Recipient.(*relay.ClearRecipient)
	require.True(t, ok)
	require.Equal(t, testNextNode, recipient.NodeID)
	require.Equal(t, lnwire.MilliSatoshi(990_000), recipient.Amount)
	require.Equal(t, testOnion, recipient.TrampolineOnion.UnwrapOr(nil))
	require.NotEqual(t, [32]byte(testSecret), recipient.PaymentSecret)

	// The preimage arrives ahead of settlement and fulfills upstream
	// immediately.
	executor.Send(relay.PreimageReceivedEvent{Preimage: testPreimage})
	fulfills := h.expectFulfills(2, testPreimage)
	require.Equal(t, uint64(0), fulfills[0].HtlcID)
	require.Equal(t, uint64(1), fulfills[1].HtlcID)

	executor.Send(relay.PaymentSentEvent{
		Preimage:        testPreimage,
		Parts:           []lnwire.MilliSatoshi{990_000},
		RecipientNodeID: testNextNode,
		RecipientAmount: 990_000,
	})

	event := receive(t, h.events.Published, "relayed event")
	relayed, ok := event.(relay.TrampolinePaymentRelayedEvent)
	require.True(t, ok)
	require.Equal(t, testHash, relayed.PaymentHash)
	require.Equal(t, []lnwire.MilliSatoshi{600_000, 400_000},
		relayed.IncomingParts)
	require.Equal(t, []lnwire.MilliSatoshi{990_000},
		relayed.OutgoingParts)
	require.Equal(t, testNextNode, relayed.RecipientNodeID)
	require.Equal(t, lnwire.MilliSatoshi(990_000),
		relayed.RecipientAmount)

	observed := receive(t, h.metrics.Observed, "duration metric")
	require.True(t, observed.Success)

	h.expectComplete()

	// No HTLC may ever see both a fulfill and a fail.
	require.Empty(t, h.register.Fails())
	require.Len(t, h.register.Fulfills(), 2)
	require.Equal(t, 2, h.store.Persisted())
}

// TestRelayFeeInsufficient covers an inner amount leaving less than the
// minimum trampoline fee: the whole set fails upstream and no executor is
// ever spawned.
func TestRelayFeeInsufficient(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessCfg{})

	instructions := trampolineInstructions()
	instructions.AmountToForward = 999_990

	h.relayStandardSet(instructions)
	h.agg.Succeed()

	h.expectFails(2, "trampoline_fee_insufficient")
	h.expectComplete()

	require.Empty(t, h.factory.Configs())
	require.Empty(t, h.register.Fulfills())
	require.Equal(t, []string{"trampoline_fee_insufficient"},
		h.metrics.Failures())
}

// TestRelayExpiryTooSoon covers an incoming/outgoing cltv delta below the
// channel expiry delta.
func TestRelayExpiryTooSoon(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessCfg{})

	instructions := trampolineInstructions()
	instructions.OutgoingCltv = testHeight + 40

	h.instance.Relay(h.packet(0, 600_000, testHeight+50, instructions))
	h.instance.Relay(h.packet(1, 400_000, testHeight+50, instructions))
	require.Eventually(t, func() bool {
		return len(h.agg.Added()) == 2
	}, testTimeout, time.Millisecond)

	h.agg.Succeed()

	h.expectFails(2, "trampoline_expiry_too_soon")
	h.expectComplete()
	require.Empty(t, h.factory.Configs())
}

// TestRelayAggregatorFailure covers an aggregator-reported failure (e.g.
// MPP timeout): every accumulated HTLC fails with the default reason.
func TestRelayAggregatorFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessCfg{})
	h.relayStandardSet(trampolineInstructions())
	h.agg.Fail(nil)

	h.expectFails(2, "incorrect_or_unknown_payment_details")
	h.expectComplete()
	require.Empty(t, h.factory.Configs())
}

// TestRelayBalanceTooLow covers downstream BalanceTooLow translation: with a
// generous fee budget the sender is told the failure is not fee-related.
func TestRelayBalanceTooLow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		forward lnwire.MilliSatoshi
		class   string
	}{
		{
			// 10_000 msat offered vs 1_000 minimum: raising fees
			// further is futile.
			name:    "high fee budget",
			forward: 990_000,
			class:   "temporary_node_failure",
		},
		{
			// 1_500 msat offered: a higher budget may find
			// indirect routes.
			name:    "low fee budget",
			forward: 998_500,
			class:   "trampoline_fee_insufficient",
		},
	}

	for _, testCase := range tests {
		testCase := testCase

		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, harnessCfg{})

			instructions := trampolineInstructions()
			instructions.AmountToForward = testCase.forward

			h.relayStandardSet(instructions)
			h.agg.Succeed()

			executor := receive(
				t, h.factory.Spawned, "executor spawn",
			)
			executor.Send(relay.PaymentFailedEvent{
				Failures: []relay.DownstreamFailure{{
					Local: fn.Some(
						relay.LocalFailureBalanceTooLow,
					),
				}},
			})

			h.expectFails(2, testCase.class)

			observed := receive(
				t, h.metrics.Observed, "duration metric",
			)
			require.False(t, observed.Success)

			h.expectComplete()
		})
	}
}

// TestRelayAsyncCanceled holds an async payment and cancels it before the
// trigger: the set fails upstream and no executor is spawned.
func TestRelayAsyncCanceled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessCfg{advertisesAsync: true})

	instructions := trampolineInstructions()
	instructions.IsAsyncPayment = true

	h.relayStandardSet(instructions)
	h.agg.Succeed()

	watch := receive(t, h.trigger.Watched, "async watch")
	require.Equal(t, testNextNode, watch.OutgoingNodeID)
	require.Equal(t, testHash, watch.PaymentHash)

	// Deadline is the tighter of hold-blocks-from-now and upstream
	// expiry minus the cancel safety delta.
	require.Equal(t, testHeight+144-36, watch.DeadlineBlock)

	event := receive(t, h.events.Published, "waiting event")
	waiting, ok := event.(relay.WaitingToRelayPaymentEvent)
	require.True(t, ok)
	require.Equal(t, testNextNode, waiting.OutgoingNodeID)

	h.trigger.Send(relay.CanceledEvent{})

	h.expectFails(2, "temporary_node_failure")
	h.expectComplete()
	require.Empty(t, h.factory.Configs())
}

// TestRelayAsyncTriggered holds an async payment until the peer signals
// readiness, then dispatches normally.
func TestRelayAsyncTriggered(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessCfg{advertisesAsync: true})

	instructions := trampolineInstructions()
	instructions.IsAsyncPayment = true

	h.relayStandardSet(instructions)
	h.agg.Succeed()

	receive(t, h.trigger.Watched, "async watch")
	h.trigger.Send(relay.TriggeredEvent{})

	executor := receive(t, h.factory.Spawned, "executor spawn")
	executor.Send(relay.PaymentSentEvent{
		Preimage:        testPreimage,
		Parts:           []lnwire.MilliSatoshi{990_000},
		RecipientNodeID: testNextNode,
		RecipientAmount: 990_000,
	})

	h.expectFulfills(2, testPreimage)
	h.expectComplete()
}

// TestRelayAsyncHoldBackstop expires the wall-clock backstop before the
// triggerer resolves: the hold is canceled.
func TestRelayAsyncHoldBackstop(t *testing.T) {
	t.Parallel()

	hold := ticker.NewForce(time.Hour)
	h := newHarness(t, harnessCfg{
		advertisesAsync: true,
		holdTicker: func() ticker.Ticker {
			return hold
		},
	})

	instructions := trampolineInstructions()
	instructions.IsAsyncPayment = true

	h.relayStandardSet(instructions)
	h.agg.Succeed()

	receive(t, h.trigger.Watched, "async watch")
	hold.Force <- time.Now()

	h.expectFails(2, "temporary_node_failure")
	h.expectComplete()
	require.Empty(t, h.factory.Configs())
}

// TestRelayAsyncNotAdvertised relays an is_async_payment instruction
// immediately when the node does not advertise the feature.
func TestRelayAsyncNotAdvertised(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessCfg{})

	instructions := trampolineInstructions()
	instructions.IsAsyncPayment = true

	h.relayStandardSet(instructions)
	h.agg.Succeed()

	receive(t, h.factory.Spawned, "executor spawn")
	require.Empty(t, h.trigger.Requests())
}

// blindedTestPath builds a two-hop resolved blinded path from deterministic
// keys and returns it with the recipient's blinded identity.
func blindedTestPath(t *testing.T) (relay.ResolvedBlindedPath, route.Vertex) {
	t.Helper()

	intro, _ := btcec.PrivKeyFromBytes([]byte{0x11})
	hop1, _ := btcec.PrivKeyFromBytes([]byte{0x12})
	last, _ := btcec.PrivKeyFromBytes([]byte{0x13})

	path := relay.ResolvedBlindedPath{
		Path: &sphinx.BlindedPath{
			IntroductionPoint: intro.PubKey(),
			BlindedHops: []*sphinx.BlindedHopInfo{
				{BlindedNodePub: hop1.PubKey()},
				{BlindedNodePub: last.PubKey()},
			},
		},
	}

	return path, route.NewVertex(last.PubKey())
}

// blindedInstructions is the canonical to-blinded-paths payload.
func blindedInstructions() *relay.ToBlindedPathInstructions {
	features := lnwire.NewFeatureVector(
		lnwire.NewRawFeatureVector(lnwire.MPPOptional),
		lnwire.Features,
	)

	return &relay.ToBlindedPathInstructions{
		AmountToForward: 990_000,
		OutgoingCltv:    testHeight + 80,
		InvoiceFeatures: features,
		OutgoingBlindedPaths: []relay.CompactBlindedPath{{
			IntroductionScid: fn.Some(
				lnwire.NewShortChanIDFromInt(456),
			),
		}},
	}
}

// TestRelayBlindedEmptyResolution fails the relay with unknown_next_peer
// when none of the compact introduction nodes resolve.
func TestRelayBlindedEmptyResolution(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessCfg{})
	h.relayStandardSet(blindedInstructions())
	h.agg.Succeed()

	receive(t, h.resolver.Resolving, "blinded resolution request")
	h.resolver.Send(relay.BlindedResolutionEvent{})

	h.expectFails(2, "unknown_next_peer")
	h.expectComplete()
	require.Empty(t, h.factory.Configs())
}

// TestRelayBlindedSuccess dispatches to resolved blinded paths with a random
// display node id so the true next hop cannot leak.
func TestRelayBlindedSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessCfg{})
	h.relayStandardSet(blindedInstructions())
	h.agg.Succeed()

	receive(t, h.resolver.Resolving, "blinded resolution request")

	path, recipientID := blindedTestPath(t)
	h.resolver.Send(relay.BlindedResolutionEvent{
		Paths: []relay.ResolvedBlindedPath{path},
	})

	executor := receive(t, h.factory.Spawned, "executor spawn")

	cfgs := h.factory.Configs()
	require.Len(t, cfgs, 1)
	cfg := cfgs[0]

	recipient, ok := cfg.Recipient.(*relay.BlindedRecipient)
	require.True(t, ok)
	require.Len(t, recipient.Paths, 1)
	require.Equal(t, recipientID, recipient.NodeID)
	require.True(t, cfg.MultiPart)

	// The display id is a throwaway key, not any node on the path.
	require.NotEqual(t, recipientID, cfg.DisplayNodeID)
	require.NotEqual(t,
		route.NewVertex(path.Path.IntroductionPoint),
		cfg.DisplayNodeID,
	)

	executor.Send(relay.PaymentSentEvent{
		Preimage:        testPreimage,
		Parts:           []lnwire.MilliSatoshi{990_000},
		RecipientNodeID: recipientID,
		RecipientAmount: 990_000,
	})

	h.expectFulfills(2, testPreimage)
	h.expectComplete()
}

// TestRelayBlindedFailurePrivacy ensures a blinded relay never surfaces the
// final node's decrypted failure upstream.
func TestRelayBlindedFailurePrivacy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessCfg{})
	h.relayStandardSet(blindedInstructions())
	h.agg.Succeed()

	receive(t, h.resolver.Resolving, "blinded resolution request")

	path, recipientID := blindedTestPath(t)
	h.resolver.Send(relay.BlindedResolutionEvent{
		Paths: []relay.ResolvedBlindedPath{path},
	})

	executor := receive(t, h.factory.Spawned, "executor spawn")
	executor.Send(relay.PaymentFailedEvent{
		Failures: []relay.DownstreamFailure{{
			Remote: fn.Some(relay.RemoteFailure{
				SourceNode: recipientID,
				Message: relay.IncorrectOrUnknownPaymentDetails(
					990_000, testHeight,
				),
			}),
		}},
	})

	h.expectFails(2, "temporary_node_failure")
	h.expectComplete()
}

// TestRelayStrayHtlc rejects a late HTLC individually after the set closed,
// without disturbing the in-flight downstream payment.
func TestRelayStrayHtlc(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessCfg{})
	h.relayStandardSet(trampolineInstructions())
	h.agg.Succeed()

	executor := receive(t, h.factory.Spawned, "executor spawn")

	// A straggler arrives while Sending.
	h.instance.Relay(h.packet(
		7, 50_000, testHeight+144, trampolineInstructions(),
	))

	stray := h.expectFails(1, "incorrect_or_unknown_payment_details")
	require.Equal(t, uint64(7), stray[0].HtlcID)

	// The relay continues to its downstream resolution untouched.
	executor.Send(relay.PreimageReceivedEvent{Preimage: testPreimage})
	executor.Send(relay.PaymentSentEvent{
		Preimage:        testPreimage,
		Parts:           []lnwire.MilliSatoshi{990_000},
		RecipientNodeID: testNextNode,
		RecipientAmount: 990_000,
	})

	fulfills := h.expectFulfills(2, testPreimage)
	require.Equal(t, uint64(0), fulfills[0].HtlcID)
	require.Equal(t, uint64(1), fulfills[1].HtlcID)

	h.expectComplete()
	require.Len(t, h.register.Fails(), 1)
}

// TestRelayIdempotentFulfill delivers the preimage repeatedly: the upstream
// set is fulfilled exactly once.
func TestRelayIdempotentFulfill(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessCfg{})
	h.relayStandardSet(trampolineInstructions())
	h.agg.Succeed()

	executor := receive(t, h.factory.Spawned, "executor spawn")
	executor.Send(relay.PreimageReceivedEvent{Preimage: testPreimage})
	executor.Send(relay.PreimageReceivedEvent{Preimage: testPreimage})
	executor.Send(relay.PaymentSentEvent{
		Preimage:        testPreimage,
		Parts:           []lnwire.MilliSatoshi{990_000},
		RecipientNodeID: testNextNode,
		RecipientAmount: 990_000,
	})

	h.expectFulfills(2, testPreimage)
	h.expectComplete()

	require.Len(t, h.register.Fulfills(), 2)
}

// TestRelayNeverFailAfterFulfill delivers a downstream failure after the
// preimage: the upstream set must stay fulfilled.
func TestRelayNeverFailAfterFulfill(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessCfg{})
	h.relayStandardSet(trampolineInstructions())
	h.agg.Succeed()

	executor := receive(t, h.factory.Spawned, "executor spawn")
	executor.Send(relay.PreimageReceivedEvent{Preimage: testPreimage})
	h.expectFulfills(2, testPreimage)

	executor.Send(relay.PaymentFailedEvent{
		Failures: []relay.DownstreamFailure{{
			Local: fn.Some(relay.LocalFailureRouteNotFound),
		}},
	})

	// The relay ends as a success from the upstream perspective.
	observed := receive(t, h.metrics.Observed, "duration metric")
	require.True(t, observed.Success)

	h.expectComplete()
	require.Empty(t, h.register.Fails())
}

// TestRelayMismatchedPreimage ignores a downstream preimage that does not
// match the payment hash.
func TestRelayMismatchedPreimage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessCfg{})
	h.relayStandardSet(trampolineInstructions())
	h.agg.Succeed()

	executor := receive(t, h.factory.Spawned, "executor spawn")
	executor.Send(relay.PreimageReceivedEvent{
		Preimage: lntypes.Preimage{0x99},
	})
	executor.Send(relay.PreimageReceivedEvent{Preimage: testPreimage})

	fulfills := h.expectFulfills(2, testPreimage)
	require.Len(t, fulfills, 2)
}

// TestRelayPaymentSecretMismatch aborts the instance when the parent routes
// an HTLC of a different MPP set to it.
func TestRelayPaymentSecretMismatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessCfg{})

	packet := h.packet(0, 600_000, testHeight+144,
		trampolineInstructions())
	packet.OuterPaymentSecret = relay.PaymentSecret{0xBB}
	h.instance.Relay(packet)

	receive(t, h.crashes, "invariant crash")
	require.Empty(t, h.register.Fulfills())
	require.Empty(t, h.register.Fails())
}

// TestRelayProbingProtection checks that onward payment secrets for
// trampoline-to-trampoline forwarding are fresh per relay and never the
// incoming secret.
func TestRelayProbingProtection(t *testing.T) {
	t.Parallel()

	secrets := make(map[[32]byte]struct{})
	for i := 0; i < 2; i++ {
		h := newHarness(t, harnessCfg{})
		h.relayStandardSet(trampolineInstructions())
		h.agg.Succeed()

		receive(t, h.factory.Spawned, "executor spawn")

		cfgs := h.factory.Configs()
		require.Len(t, cfgs, 1)

		recipient, ok := cfgs[0].Recipient.(*relay.ClearRecipient)
		require.True(t, ok)
		require.NotEqual(t, [32]byte(testSecret),
			recipient.PaymentSecret)

		secrets[recipient.PaymentSecret] = struct{}{}
	}

	require.Len(t, secrets, 2)
}

// TestRelayFinalRecipient forwards to a non-trampoline recipient: the
// sender-provided secret and metadata pass through, and multi-part is only
// used when the invoice advertises it.
func TestRelayFinalRecipient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		features  []lnwire.FeatureBit
		multiPart bool
	}{
		{
			name:      "basic mpp",
			features:  []lnwire.FeatureBit{lnwire.MPPOptional},
			multiPart: true,
		},
		{
			name:      "no mpp",
			features:  nil,
			multiPart: false,
		},
	}

	for _, testCase := range tests {
		testCase := testCase

		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, harnessCfg{})

			senderSecret := [32]byte{0xCC}
			features := lnwire.NewFeatureVector(
				lnwire.NewRawFeatureVector(
					testCase.features...,
				),
				lnwire.Features,
			)

			instructions := trampolineInstructions()
			instructions.NextPacket = fn.None[[]byte]()
			instructions.InvoiceFeatures = fn.Some(features)
			instructions.PaymentSecret = fn.Some(senderSecret)
			instructions.InvoiceRoutingInfo = fn.Some(
				[]route.Vertex{{0x05}},
			)

			h.relayStandardSet(instructions)
			h.agg.Succeed()

			receive(t, h.factory.Spawned, "executor spawn")

			cfgs := h.factory.Configs()
			require.Len(t, cfgs, 1)
			require.Equal(t, testCase.multiPart,
				cfgs[0].MultiPart)

			recipient, ok := cfgs[0].Recipient.(*relay.ClearRecipient)
			require.True(t, ok)
			require.Equal(t, senderSecret,
				recipient.PaymentSecret)
			require.Equal(t, []route.Vertex{{0x05}},
				recipient.ExtraEdges)
			require.True(t, recipient.TrampolineOnion.IsNone())
		})
	}
}

// TestRelayMissingPaymentSecret rejects non-trampoline forwarding without a
// sender-provided payment secret.
func TestRelayMissingPaymentSecret(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessCfg{})

	instructions := trampolineInstructions()
	instructions.NextPacket = fn.None[[]byte]()
	instructions.InvoiceFeatures = fn.Some(lnwire.NewFeatureVector(
		lnwire.NewRawFeatureVector(lnwire.MPPOptional),
		lnwire.Features,
	))

	h.relayStandardSet(instructions)
	h.agg.Succeed()

	h.expectFails(2, "invalid_onion_payload")
	h.expectComplete()
	require.Empty(t, h.factory.Configs())
}

// TestRelayForcedStop stops a relay mid-Sending: the executor is stopped and
// nothing is settled upstream.
func TestRelayForcedStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessCfg{})
	h.relayStandardSet(trampolineInstructions())
	h.agg.Succeed()

	executor := receive(t, h.factory.Spawned, "executor spawn")

	h.instance.Stop()
	receive(t, executor.Stopped(), "executor stop")
	<-h.instance.Done()

	require.Empty(t, h.register.Fulfills())
	require.Empty(t, h.register.Fails())
}

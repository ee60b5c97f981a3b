// Package relaytest provides deterministic in-memory implementations of the
// relay package's collaborator interfaces for unit tests. The doubles are
// hand-rolled rather than generated: each exposes channels so tests can
// both drive events into the relay and observe its outbound effects without
// sleeping.
package relaytest

import (
	"sync"
	"time"

	"github.com/lightninglabs/trampolinerelay/relay"
)

// chanSize is large enough that no test double ever blocks the relay.
const chanSize = 32

// Aggregator is a scriptable relay.Aggregator.
type Aggregator struct {
	events chan relay.AggregatorEvent

	mu    sync.Mutex
	added []relay.IncomingHtlcRecord

	// AddErr, when set, is returned from every AddHTLC call.
	AddErr error
}

// NewAggregator creates an idle aggregator double.
func NewAggregator() *Aggregator {
	return &Aggregator{
		events: make(chan relay.AggregatorEvent, chanSize),
	}
}

// Events returns the event channel consumed by the relay.
func (a *Aggregator) Events() <-chan relay.AggregatorEvent {
	return a.events
}

// AddHTLC records the HTLC handed over by the relay.
func (a *Aggregator) AddHTLC(htlc relay.IncomingHtlcRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.AddErr != nil {
		return a.AddErr
	}

	a.added = append(a.added, htlc)

	return nil
}

// Added returns the HTLCs handed over so far.
func (a *Aggregator) Added() []relay.IncomingHtlcRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]relay.IncomingHtlcRecord(nil), a.added...)
}

// Succeed reports the set complete with the HTLCs added so far.
func (a *Aggregator) Succeed() {
	a.events <- relay.AggregatorSucceededEvent{Parts: a.Added()}
}

// Fail reports the set failed with the given reason.
func (a *Aggregator) Fail(reason relay.FailureMessage) {
	a.events <- relay.AggregatorFailedEvent{
		Reason: reason,
		Parts:  a.Added(),
	}
}

// ExtraPart signals more parts are expected.
func (a *Aggregator) ExtraPart() {
	a.events <- relay.ExtraPartEvent{}
}

// Executor is a scriptable relay.Executor.
type Executor struct {
	events  chan relay.ExecutorEvent
	stopped chan struct{}
	once    sync.Once
}

// NewExecutor creates an idle executor double.
func NewExecutor() *Executor {
	return &Executor{
		events:  make(chan relay.ExecutorEvent, chanSize),
		stopped: make(chan struct{}),
	}
}

// Events returns the event channel consumed by the relay.
func (e *Executor) Events() <-chan relay.ExecutorEvent {
	return e.events
}

// Stop marks the executor stopped.
func (e *Executor) Stop() {
	e.once.Do(func() {
		close(e.stopped)
	})
}

// Stopped is closed once the relay has stopped this executor.
func (e *Executor) Stopped() <-chan struct{} {
	return e.stopped
}

// Send delivers a downstream event to the relay.
func (e *Executor) Send(event relay.ExecutorEvent) {
	e.events <- event
}

// ExecutorFactory records spawn requests and hands out pre-created
// executors.
type ExecutorFactory struct {
	mu      sync.Mutex
	configs []relay.SendPaymentConfig

	// Spawned receives each executor as it is handed to the relay.
	Spawned chan *Executor

	// SpawnErr, when set, fails every Spawn call.
	SpawnErr error
}

// NewExecutorFactory creates a factory double.
func NewExecutorFactory() *ExecutorFactory {
	return &ExecutorFactory{
		Spawned: make(chan *Executor, chanSize),
	}
}

// Spawn records the config and returns a fresh executor double.
func (f *ExecutorFactory) Spawn(
	cfg relay.SendPaymentConfig) (relay.Executor, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SpawnErr != nil {
		return nil, f.SpawnErr
	}

	f.configs = append(f.configs, cfg)

	executor := NewExecutor()
	f.Spawned <- executor

	return executor, nil
}

// Configs returns the spawn configs seen so far.
func (f *ExecutorFactory) Configs() []relay.SendPaymentConfig {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]relay.SendPaymentConfig(nil), f.configs...)
}

// Register records settlement commands, signalling each on a channel.
type Register struct {
	mu       sync.Mutex
	fulfills []relay.FulfillHtlcCmd
	fails    []relay.FailHtlcCmd

	// FulfillSignal and FailSignal receive one element per command.
	FulfillSignal chan relay.FulfillHtlcCmd
	FailSignal    chan relay.FailHtlcCmd

	// FulfillErr and FailErr, when set, fail the respective calls.
	FulfillErr error
	FailErr    error
}

// NewRegister creates a register double.
func NewRegister() *Register {
	return &Register{
		FulfillSignal: make(chan relay.FulfillHtlcCmd, chanSize),
		FailSignal:    make(chan relay.FailHtlcCmd, chanSize),
	}
}

// FulfillHtlc records a fulfill command.
func (r *Register) FulfillHtlc(cmd relay.FulfillHtlcCmd) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FulfillErr != nil {
		return r.FulfillErr
	}

	r.fulfills = append(r.fulfills, cmd)
	r.FulfillSignal <- cmd

	return nil
}

// FailHtlc records a fail command.
func (r *Register) FailHtlc(cmd relay.FailHtlcCmd) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailErr != nil {
		return r.FailErr
	}

	r.fails = append(r.fails, cmd)
	r.FailSignal <- cmd

	return nil
}

// Fulfills returns the fulfill commands seen so far.
func (r *Register) Fulfills() []relay.FulfillHtlcCmd {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]relay.FulfillHtlcCmd(nil), r.fulfills...)
}

// Fails returns the fail commands seen so far.
func (r *Register) Fails() []relay.FailHtlcCmd {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]relay.FailHtlcCmd(nil), r.fails...)
}

// PassthroughStore satisfies relay.PendingCommandStore by forwarding
// directly to the register, counting persisted commands.
type PassthroughStore struct {
	mu        sync.Mutex
	persisted int
}

// NewPassthroughStore creates a store double.
func NewPassthroughStore() *PassthroughStore {
	return &PassthroughStore{}
}

// SafeSendFulfill counts and forwards.
func (s *PassthroughStore) SafeSendFulfill(reg relay.Register,
	cmd relay.FulfillHtlcCmd) error {

	s.mu.Lock()
	s.persisted++
	s.mu.Unlock()

	return reg.FulfillHtlc(cmd)
}

// SafeSendFail counts and forwards.
func (s *PassthroughStore) SafeSendFail(reg relay.Register,
	cmd relay.FailHtlcCmd) error {

	s.mu.Lock()
	s.persisted++
	s.mu.Unlock()

	return reg.FailHtlc(cmd)
}

// Persisted returns the number of commands persisted so far.
func (s *PassthroughStore) Persisted() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.persisted
}

// Triggerer is a scriptable relay.Triggerer.
type Triggerer struct {
	mu       sync.Mutex
	requests []relay.AsyncWatchRequest

	events chan relay.AsyncTriggerEvent

	// WatchErr, when set, fails every Watch call.
	WatchErr error

	// Watched receives one element per Watch call.
	Watched chan relay.AsyncWatchRequest
}

// NewTriggerer creates a triggerer double.
func NewTriggerer() *Triggerer {
	return &Triggerer{
		events:  make(chan relay.AsyncTriggerEvent, chanSize),
		Watched: make(chan relay.AsyncWatchRequest, chanSize),
	}
}

// Watch records the request and returns the shared event channel.
func (t *Triggerer) Watch(
	req relay.AsyncWatchRequest) (<-chan relay.AsyncTriggerEvent, error) {

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.WatchErr != nil {
		return nil, t.WatchErr
	}

	t.requests = append(t.requests, req)
	t.Watched <- req

	return t.events, nil
}

// Send delivers a trigger event to the relay.
func (t *Triggerer) Send(event relay.AsyncTriggerEvent) {
	t.events <- event
}

// Requests returns the watch requests seen so far.
func (t *Triggerer) Requests() []relay.AsyncWatchRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]relay.AsyncWatchRequest(nil), t.requests...)
}

// Resolver is a scriptable relay.BlindedPathResolver.
type Resolver struct {
	mu       sync.Mutex
	requests [][]relay.CompactBlindedPath

	events chan relay.BlindedResolutionEvent

	// ResolveErr, when set, fails every Resolve call.
	ResolveErr error

	// Resolving receives one element per Resolve call.
	Resolving chan []relay.CompactBlindedPath
}

// NewResolver creates a resolver double.
func NewResolver() *Resolver {
	return &Resolver{
		events:    make(chan relay.BlindedResolutionEvent, chanSize),
		Resolving: make(chan []relay.CompactBlindedPath, chanSize),
	}
}

// Resolve records the request and returns the shared event channel.
func (r *Resolver) Resolve(
	paths []relay.CompactBlindedPath) (<-chan relay.BlindedResolutionEvent,
	error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ResolveErr != nil {
		return nil, r.ResolveErr
	}

	r.requests = append(r.requests, paths)
	r.Resolving <- paths

	return r.events, nil
}

// Send delivers a resolution to the relay.
func (r *Resolver) Send(event relay.BlindedResolutionEvent) {
	r.events <- event
}

// EventBus records published events.
type EventBus struct {
	mu     sync.Mutex
	events []relay.Event

	// Published receives one element per Publish call.
	Published chan relay.Event
}

// NewEventBus creates an event bus double.
func NewEventBus() *EventBus {
	return &EventBus{
		Published: make(chan relay.Event, chanSize),
	}
}

// Publish records the event.
func (b *EventBus) Publish(event relay.Event) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()

	b.Published <- event
}

// Events returns the events published so far.
func (b *EventBus) Events() []relay.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]relay.Event(nil), b.events...)
}

// DurationObservation is one recorded relay duration.
type DurationObservation struct {
	Duration time.Duration
	Success  bool
}

// Metrics records telemetry calls.
type Metrics struct {
	mu        sync.Mutex
	durations []DurationObservation
	failures  []string

	// Observed receives one element per ObserveRelayDuration call.
	Observed chan DurationObservation
}

// NewMetrics creates a metrics double.
func NewMetrics() *Metrics {
	return &Metrics{
		Observed: make(chan DurationObservation, chanSize),
	}
}

// ObserveRelayDuration records a duration observation.
func (m *Metrics) ObserveRelayDuration(d time.Duration, success bool) {
	obs := DurationObservation{Duration: d, Success: success}

	m.mu.Lock()
	m.durations = append(m.durations, obs)
	m.mu.Unlock()

	m.Observed <- obs
}

// IncRelayFailure records a failure count.
func (m *Metrics) IncRelayFailure(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures = append(m.failures, reason)
}

// Durations returns the duration observations so far.
func (m *Metrics) Durations() []DurationObservation {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]DurationObservation(nil), m.durations...)
}

// Failures returns the failure reasons counted so far.
func (m *Metrics) Failures() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.failures...)
}

// Package versionedlog implements VersionedLog (§4.3): the serialization
// point that owns the monotonic version counter and couples StateModel and
// PersistentStore into a single atomic commit.
package versionedlog

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/patleeman/pi-deck/internal/common/logger"
	"github.com/patleeman/pi-deck/internal/events/bus"
	"github.com/patleeman/pi-deck/internal/hub/model"
	"github.com/patleeman/pi-deck/internal/hub/store"
)

// CommitSubject is the event-bus subject VersionedLog publishes committed
// deltas on; SyncHub subscribes here for live fan-out (§9: "event-emitter
// patterns... map cleanly to a single fan-out channel").
const CommitSubject = "hub.committed"

// Options configures snapshotting and durability-warning thresholds (§4.3, §5).
type Options struct {
	SnapshotEveryDeltas int
	SnapshotEvery       time.Duration
	PruneSafetyMargin   uint64
	DurabilityWarnAfter time.Duration

	// DegradedRetryAfter bounds how often the circuit breaker (§7) lets a
	// half-open probe commit through while degraded, instead of rejecting
	// every command outright.
	DegradedRetryAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.SnapshotEveryDeltas <= 0 {
		o.SnapshotEveryDeltas = 1000
	}
	if o.SnapshotEvery <= 0 {
		o.SnapshotEvery = 60 * time.Second
	}
	if o.PruneSafetyMargin == 0 {
		o.PruneSafetyMargin = 1024
	}
	if o.DurabilityWarnAfter == 0 {
		o.DurabilityWarnAfter = 100 * time.Millisecond
	}
	if o.DegradedRetryAfter <= 0 {
		o.DegradedRetryAfter = 2 * time.Second
	}
	return o
}

// Log is the commit worker: the single logical owner of the mutation ->
// StateModel -> PersistentStore pipeline (§5). All commits are serialized
// by mu, which plays the role of "the commit lock" from §4.3's protocol.
type Log struct {
	mu      sync.Mutex
	model   *model.StateModel
	persist *store.Store
	bus     bus.EventBus
	log     *logger.Logger
	opts    Options

	sinceSnapshot   int
	lastSnapshotAt  time.Time
	degraded        bool
	degradedSince   time.Time
	consecutiveFail int

	subsMu       sync.Mutex
	nextSubID    int
	deltaSubs    map[int]func(string, model.Delta)
	degradedSubs map[int]func(bool)
}

// New constructs a VersionedLog. Callers should call Recover before serving
// traffic to restore in-memory state from durable storage (§4.1 failure model).
func New(m *model.StateModel, p *store.Store, b bus.EventBus, log *logger.Logger, opts Options) *Log {
	return &Log{
		model:          m,
		persist:        p,
		bus:            b,
		log:            log.WithFields(zap.String("component", "versioned_log")),
		opts:           opts.withDefaults(),
		lastSnapshotAt: time.Now(),
		deltaSubs:      make(map[int]func(string, model.Delta)),
		degradedSubs:   make(map[int]func(bool)),
	}
}

// Recover loads the latest durable snapshot and replays subsequent deltas
// into StateModel, per §4.1's crash-restart contract: "a crashed process on
// restart is expected to call loadLatest() and resume from the highest
// durable version."
func (l *Log) Recover(ctx context.Context) error {
	snapshot, deltas, err := l.persist.LoadLatest(ctx)
	if err != nil {
		return err
	}
	base := snapshot
	if base == nil {
		base = &model.Snapshot{Version: 0, State: model.NewGlobalState()}
	}
	if err := l.model.Load(base.State, deltas); err != nil {
		// A gap between snapshot and latest is a fatal error (§4.1, §7): the
		// in-memory state cannot be reconstructed, so the process must abort
		// rather than serve an inconsistent view.
		return err
	}
	l.log.Info("recovered state",
		zap.Uint64("version", l.model.CurrentVersion()),
		zap.Int("replayed_deltas", len(deltas)),
	)
	return nil
}

// CurrentVersion returns the last committed version.
func (l *Log) CurrentVersion() uint64 {
	return l.model.CurrentVersion()
}

// Commit is the atomic commit protocol of §4.3, steps 1-7:
//  1. acquire the commit lock
//  2. reject outright if the durability circuit breaker (§7) is open
//  3. StateModel.apply (rejects are returned without advancing version)
//  4. compute the next version
//  5. PersistentStore.append — on failure, the shadow is discarded and the
//     in-memory state never changes (rollback by never-publishing)
//  6. publish the shadow as authoritative
//  7. dispatch (v, m') to subscribers, in commit order, before releasing the
//     lock — this is what gives SyncHub's clients a strictly increasing,
//     gap-free version stream with no interleaving (§5, §6, §8)
func (l *Log) Commit(ctx context.Context, workspaceID string, mutation model.Mutation) (model.Delta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.degraded && time.Since(l.degradedSince) < l.opts.DegradedRetryAfter {
		return model.Delta{}, &DegradedError{}
	}

	shadow, canonical, err := l.model.Stage(mutation)
	if err != nil {
		return model.Delta{}, err
	}

	version := l.model.CurrentVersion() + 1

	start := time.Now()
	if err := l.persist.Append(ctx, version, workspaceID, canonical); err != nil {
		l.consecutiveFail++
		wasDegraded := l.degraded
		if l.consecutiveFail >= 3 {
			l.degraded = true
			l.degradedSince = time.Now()
			if !wasDegraded {
				l.log.Error("persistence degraded after repeated append failures", zap.Int("consecutive_failures", l.consecutiveFail))
				l.notifyDegraded(true)
			}
		}
		return model.Delta{}, &DurabilityError{Version: version, Cause: err}
	}
	if l.degraded {
		l.degraded = false
		l.log.Info("persistence append succeeded, closing circuit breaker")
		l.notifyDegraded(false)
	}
	l.consecutiveFail = 0

	if latency := time.Since(start); latency > l.opts.DurabilityWarnAfter {
		l.log.Warn("commit append latency exceeded ceiling",
			zap.Duration("latency", latency),
			zap.Duration("ceiling", l.opts.DurabilityWarnAfter),
		)
	}

	l.model.Commit(version, shadow)

	delta := model.Delta{Version: version, Mutation: canonical}
	l.maybeSnapshot(ctx, shadow)
	l.dispatchDelta(ctx, workspaceID, delta)

	return delta, nil
}

// Degraded reports whether the circuit breaker described in §7 has tripped:
// repeated durability failures stop commits from advancing until storage
// health recovers.
func (l *Log) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// dispatchDelta delivers a committed delta to every local subscriber
// synchronously, in commit order, before Commit releases l.mu. Commit calls
// are already fully serialized on l.mu, so this guarantees every subscriber
// (SyncHub, in practice) observes delta N fully before delta N+1 begins
// committing — no two deltas are ever in flight to subscribers at once.
//
// The event bus publish is a secondary, best-effort broadcast for
// out-of-process listeners (e.g. a NATS-backed consumer in a multi-process
// deployment); publishAsync runs each publish on its own goroutine and
// NATSEventBus dispatches handlers on its own goroutines, so that path
// carries no ordering guarantee of its own and must never be the mechanism
// SyncHub relies on for ordering.
func (l *Log) dispatchDelta(ctx context.Context, workspaceID string, delta model.Delta) {
	l.subsMu.Lock()
	handlers := make([]func(string, model.Delta), 0, len(l.deltaSubs))
	for _, h := range l.deltaSubs {
		handlers = append(handlers, h)
	}
	l.subsMu.Unlock()

	for _, h := range handlers {
		h(workspaceID, delta)
	}

	l.publishAsync(ctx, workspaceID, delta)
}

// notifyDegraded delivers a circuit-breaker transition to every degraded
// subscriber synchronously; called from within Commit's locked section, so
// transitions are observed in the order they occur.
func (l *Log) notifyDegraded(degraded bool) {
	l.subsMu.Lock()
	handlers := make([]func(bool), 0, len(l.degradedSubs))
	for _, h := range l.degradedSubs {
		handlers = append(handlers, h)
	}
	l.subsMu.Unlock()

	for _, h := range handlers {
		h(degraded)
	}
}

func (l *Log) publishAsync(ctx context.Context, workspaceID string, delta model.Delta) {
	go func() {
		// Deltas are carried through the bus as JSON rather than as a raw Go
		// value: the in-memory bus would pass the value through unchanged,
		// but the NATS bus round-trips every event through json.Marshal, so
		// encoding up front keeps both paths identical (§7's codec
		// forward-compatibility concern applies here too).
		payload, err := json.Marshal(delta)
		if err != nil {
			l.log.Error("failed to marshal delta for publish", zap.Error(err))
			return
		}
		evt := bus.NewEvent("delta", "versioned_log", map[string]interface{}{
			"workspaceId": workspaceID,
			"delta":       string(payload),
		})
		if err := l.bus.Publish(ctx, CommitSubject, evt); err != nil {
			l.log.Warn("failed to publish committed delta", zap.Error(err), zap.Uint64("version", delta.Version))
		}
	}()
}

// maybeSnapshot takes a snapshot off the hot path every N deltas or T
// seconds of activity (§4.3). A deep copy of shadow is taken while the
// commit lock is still held; the durable write and the prune that follows
// it run on a separate goroutine, so Commit does not wait for them.
func (l *Log) maybeSnapshot(ctx context.Context, shadow *model.GlobalState) {
	l.sinceSnapshot++
	due := l.sinceSnapshot >= l.opts.SnapshotEveryDeltas || time.Since(l.lastSnapshotAt) >= l.opts.SnapshotEvery
	if !due {
		return
	}
	l.sinceSnapshot = 0
	l.lastSnapshotAt = time.Now()

	snapshotState := shadow.Clone()
	go func() {
		if err := l.persist.WriteSnapshot(ctx, snapshotState.Version, snapshotState); err != nil {
			l.log.Error("failed to write snapshot", zap.Error(err), zap.Uint64("version", snapshotState.Version))
			return
		}
		l.prune(ctx, snapshotState.Version)
	}()
}

func (l *Log) prune(ctx context.Context, snapshotVersion uint64) {
	boundary := snapshotVersion
	if minAck, ok, err := l.persist.MinAckVersion(ctx); err == nil && ok {
		if minAck < boundary+l.opts.PruneSafetyMargin {
			if minAck < l.opts.PruneSafetyMargin {
				boundary = 0
			} else {
				boundary = minAck - l.opts.PruneSafetyMargin
			}
		}
	}
	if boundary == 0 {
		return
	}
	if err := l.persist.PruneDeltasBefore(ctx, boundary); err != nil {
		l.log.Warn("failed to prune deltas", zap.Error(err), zap.Uint64("boundary", boundary))
	}
}

// Subscribe registers a handler for every committed delta, used by SyncHub
// to enter live broadcast mode after catch-up (§4.6 step 2). Handlers are
// invoked synchronously from within Commit, in strict version order; see
// dispatchDelta.
func (l *Log) Subscribe(handler func(workspaceID string, delta model.Delta)) (bus.Subscription, error) {
	l.subsMu.Lock()
	id := l.nextSubID
	l.nextSubID++
	l.deltaSubs[id] = handler
	l.subsMu.Unlock()

	return newLocalSubscription(func() {
		l.subsMu.Lock()
		delete(l.deltaSubs, id)
		l.subsMu.Unlock()
	}), nil
}

// SubscribeDegraded registers a handler invoked whenever the durability
// circuit breaker (§7) trips or clears, used by SyncHub to broadcast
// error{code:"persistence_degraded"} to every connected client.
func (l *Log) SubscribeDegraded(handler func(degraded bool)) (bus.Subscription, error) {
	l.subsMu.Lock()
	id := l.nextSubID
	l.nextSubID++
	l.degradedSubs[id] = handler
	l.subsMu.Unlock()

	return newLocalSubscription(func() {
		l.subsMu.Lock()
		delete(l.degradedSubs, id)
		l.subsMu.Unlock()
	}), nil
}

// localSubscription implements bus.Subscription for in-process, ordered
// delta/degraded dispatch; it never touches the event bus.
type localSubscription struct {
	unsubscribe func()
	valid       int32
}

func newLocalSubscription(unsubscribe func()) *localSubscription {
	return &localSubscription{unsubscribe: unsubscribe, valid: 1}
}

func (s *localSubscription) Unsubscribe() error {
	if atomic.CompareAndSwapInt32(&s.valid, 1, 0) {
		s.unsubscribe()
	}
	return nil
}

func (s *localSubscription) IsValid() bool {
	return atomic.LoadInt32(&s.valid) == 1
}

// DurabilityError wraps a PersistentStore.Append failure (§7).
type DurabilityError struct {
	Version uint64
	Cause   error
}

func (e *DurabilityError) Error() string {
	return "durability error committing version " + itoa(e.Version) + ": " + e.Cause.Error()
}

func (e *DurabilityError) Unwrap() error { return e.Cause }

// DegradedError is returned by Commit when the durability circuit breaker
// (§7) is open: repeated persistence failures mean commands are rejected
// outright rather than attempted, until the retry window elapses.
type DegradedError struct{}

func (e *DegradedError) Error() string {
	return "persistence degraded: commit rejected while the circuit breaker is open"
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

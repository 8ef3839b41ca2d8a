// Package buffer implements the agent's buffering engine: two bounded
// in-memory queues with optional overflow to a durable store,
// timed/high-water flush signalling, and recovery-on-start. Grounded
// in the original guard_agent/buffer.py, using a batching-and-drain
// idiom.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fastapi-guard/guard-agent-go/internal/store"
	"github.com/fastapi-guard/guard-agent-go/internal/telemetry"
	"github.com/fastapi-guard/guard-agent-go/internal/util"
)

const (
	overflowTTL       = 7 * 24 * time.Hour
	highWaterFraction = 0.8
	eventsPrefix      = "overflow:events:"
	metricsPrefix     = "overflow:metrics:"
)

// Stats is a point-in-time snapshot of the buffer's internal counters.
type Stats struct {
	EventsSize       int
	MetricsSize      int
	Capacity         int
	DroppedEvents    uint64
	DroppedMetrics   uint64
	DroppedEncrypted uint64
	StoreErrors      uint64
	RecoverErrors    uint64
	OverflowEntries  int64
	LastFlushTS      float64
}

// Buffer holds the two bounded queues and optional durable overflow
// store. All mutations are serialised by a single mutex, kept
// deliberately simple rather than sharded per queue.
type Buffer struct {
	capacity  int
	sensitive map[string]struct{}

	mu      sync.Mutex
	events  []telemetry.SecurityEvent
	metrics []telemetry.SecurityMetric

	store   store.Store
	storeMu sync.RWMutex

	seq atomic.Uint64

	droppedEvents    atomic.Uint64
	droppedMetrics   atomic.Uint64
	droppedEncrypted atomic.Uint64
	storeErrors      atomic.Uint64
	recoverErrors    atomic.Uint64
	overflowEntries  atomic.Int64
	lastFlushTS      atomic.Uint64 // bits of a float64

	flushSignal chan struct{}
	logger      *zap.Logger
}

// New constructs a Buffer with the given per-queue capacity. sensitive
// holds the (lower-cased) header/metadata keys to redact before
// enqueueing.
func New(capacity int, sensitive map[string]struct{}, logger *zap.Logger) *Buffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{
		capacity:    capacity,
		sensitive:   sensitive,
		flushSignal: make(chan struct{}, 1),
		logger:      logger.Named("buffer"),
	}
}

// AttachStore wires (or detaches, if s is nil) the durable overflow
// store. Safe to call concurrently with Add*/Flush.
func (b *Buffer) AttachStore(s store.Store) {
	b.storeMu.Lock()
	b.store = s
	b.storeMu.Unlock()
}

func (b *Buffer) currentStore() store.Store {
	b.storeMu.RLock()
	defer b.storeMu.RUnlock()
	return b.store
}

// FlushSignal is signalled (coalescing, single-shot) whenever an Add*
// call leaves a queue at or above the high-water fraction, so the
// handler's flush loop can wake early instead of waiting the full
// flush interval.
func (b *Buffer) FlushSignal() <-chan struct{} { return b.flushSignal }

func (b *Buffer) notifyHighWater() {
	select {
	case b.flushSignal <- struct{}{}:
	default:
	}
}

// AddEvent enqueues a redacted copy of e. If the queue is at capacity it
// spills to the durable store (if attached) or drops the oldest event
// and increments dropped_events.
func (b *Buffer) AddEvent(ctx context.Context, e telemetry.SecurityEvent) error {
	e.Metadata = util.RedactMetadata(e.Metadata, b.sensitive)

	b.mu.Lock()
	if len(b.events) < b.capacity {
		b.events = append(b.events, e)
		full := float64(len(b.events)) >= float64(b.capacity)*highWaterFraction
		b.mu.Unlock()
		if full {
			b.notifyHighWater()
		}
		return nil
	}
	b.mu.Unlock()

	return b.spillOrDropEvent(ctx, e)
}

func (b *Buffer) spillOrDropEvent(ctx context.Context, e telemetry.SecurityEvent) error {
	s := b.currentStore()
	if s == nil {
		b.mu.Lock()
		if len(b.events) > 0 {
			b.events = append(b.events[1:], e)
		} else {
			b.events = append(b.events, e)
		}
		b.mu.Unlock()
		b.droppedEvents.Add(1)
		return nil
	}

	seq := b.seq.Add(1)
	payload, err := json.Marshal(e)
	if err != nil {
		b.droppedEvents.Add(1)
		return fmt.Errorf("guard-agent: buffer: marshal event for overflow: %w", err)
	}

	key := eventsPrefix + strconv.FormatUint(seq, 10)
	if err := s.Set(ctx, key, string(payload), overflowTTL); err != nil {
		b.logger.Warn("overflow spill failed, dropping oldest event", zap.Error(err))
		b.storeErrors.Add(1)
		b.mu.Lock()
		if len(b.events) > 0 {
			b.events = append(b.events[1:], e)
		} else {
			b.events = append(b.events, e)
		}
		b.mu.Unlock()
		b.droppedEvents.Add(1)
		return err
	}
	b.overflowEntries.Add(1)
	return nil
}

// AddMetric is AddEvent's counterpart for metrics.
func (b *Buffer) AddMetric(ctx context.Context, m telemetry.SecurityMetric) error {
	b.mu.Lock()
	if len(b.metrics) < b.capacity {
		b.metrics = append(b.metrics, m)
		full := float64(len(b.metrics)) >= float64(b.capacity)*highWaterFraction
		b.mu.Unlock()
		if full {
			b.notifyHighWater()
		}
		return nil
	}
	b.mu.Unlock()

	return b.spillOrDropMetric(ctx, m)
}

func (b *Buffer) spillOrDropMetric(ctx context.Context, m telemetry.SecurityMetric) error {
	s := b.currentStore()
	if s == nil {
		b.mu.Lock()
		if len(b.metrics) > 0 {
			b.metrics = append(b.metrics[1:], m)
		} else {
			b.metrics = append(b.metrics, m)
		}
		b.mu.Unlock()
		b.droppedMetrics.Add(1)
		return nil
	}

	seq := b.seq.Add(1)
	payload, err := json.Marshal(m)
	if err != nil {
		b.droppedMetrics.Add(1)
		return fmt.Errorf("guard-agent: buffer: marshal metric for overflow: %w", err)
	}

	key := metricsPrefix + strconv.FormatUint(seq, 10)
	if err := s.Set(ctx, key, string(payload), overflowTTL); err != nil {
		b.logger.Warn("overflow spill failed, dropping oldest metric", zap.Error(err))
		b.storeErrors.Add(1)
		b.mu.Lock()
		if len(b.metrics) > 0 {
			b.metrics = append(b.metrics[1:], m)
		} else {
			b.metrics = append(b.metrics, m)
		}
		b.mu.Unlock()
		b.droppedMetrics.Add(1)
		return err
	}
	b.overflowEntries.Add(1)
	return nil
}

// Flush atomically swaps both queues with empty ones and returns their
// prior contents. It never blocks on transport or store I/O.
func (b *Buffer) Flush() ([]telemetry.SecurityEvent, []telemetry.SecurityMetric) {
	b.mu.Lock()
	events := b.events
	metrics := b.metrics
	b.events = nil
	b.metrics = nil
	b.mu.Unlock()

	b.lastFlushTS.Store(math.Float64bits(util.CurrentTimestamp()))
	return events, metrics
}

// RequeueEvents re-prepends events that failed delivery, up to
// capacity, spilling (or dropping, if no store is attached) whatever
// does not fit. Relative order of the requeued items is preserved.
func (b *Buffer) RequeueEvents(ctx context.Context, events []telemetry.SecurityEvent) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	room := b.capacity - len(b.events)
	if room < 0 {
		room = 0
	}
	var keep, spill []telemetry.SecurityEvent
	if room >= len(events) {
		keep = events
	} else {
		keep = events[:room:room]
		spill = events[room:]
	}
	b.events = append(keep, b.events...)
	b.mu.Unlock()

	for _, e := range spill {
		_ = b.spillOrDropEvent(ctx, e)
	}
}

// RequeueMetrics is RequeueEvents' counterpart for metrics.
func (b *Buffer) RequeueMetrics(ctx context.Context, metrics []telemetry.SecurityMetric) {
	if len(metrics) == 0 {
		return
	}
	b.mu.Lock()
	room := b.capacity - len(b.metrics)
	if room < 0 {
		room = 0
	}
	var keep, spill []telemetry.SecurityMetric
	if room >= len(metrics) {
		keep = metrics
	} else {
		keep = metrics[:room:room]
		spill = metrics[room:]
	}
	b.metrics = append(keep, b.metrics...)
	b.mu.Unlock()

	for _, m := range spill {
		_ = b.spillOrDropMetric(ctx, m)
	}
}

// DropEncrypted counts items a failed encryption step dropped
// permanently (they are not re-buffered).
func (b *Buffer) DropEncrypted(n int) {
	b.droppedEncrypted.Add(uint64(n))
}

// Recover migrates overflow entries from the durable store back into
// memory, up to capacity per queue, in strictly ascending sequence
// order. Malformed entries are skipped and counted rather than aborting
// the whole recovery. Safe to call with no store attached (no-op).
func (b *Buffer) Recover(ctx context.Context) error {
	s := b.currentStore()
	if s == nil {
		return nil
	}

	if err := b.recoverQueue(ctx, s, eventsPrefix, func(raw string) error {
		var e telemetry.SecurityEvent
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return err
		}
		b.mu.Lock()
		full := len(b.events) >= b.capacity
		if !full {
			b.events = append(b.events, e)
		}
		b.mu.Unlock()
		if full {
			return errQueueFull
		}
		return nil
	}); err != nil && err != errQueueFull {
		return err
	}

	if err := b.recoverQueue(ctx, s, metricsPrefix, func(raw string) error {
		var m telemetry.SecurityMetric
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return err
		}
		b.mu.Lock()
		full := len(b.metrics) >= b.capacity
		if !full {
			b.metrics = append(b.metrics, m)
		}
		b.mu.Unlock()
		if full {
			return errQueueFull
		}
		return nil
	}); err != nil && err != errQueueFull {
		return err
	}

	return nil
}

var errQueueFull = fmt.Errorf("guard-agent: buffer: queue at capacity")

// recoverQueue lists every key under prefix, sorts them by their
// numeric sequence suffix (store backends are not required to return
// keys in order), and applies insert for each in ascending order until
// insert reports the queue is full or entries run out; it then deletes
// whatever it actually recovered.
func (b *Buffer) recoverQueue(ctx context.Context, s store.Store, prefix string, insert func(raw string) error) error {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	type seqKey struct {
		seq uint64
		key string
	}
	ordered := make([]seqKey, 0, len(keys))
	for _, k := range keys {
		suffix := strings.TrimPrefix(k, prefix)
		n, err := strconv.ParseUint(suffix, 10, 64)
		if err != nil {
			b.recoverErrors.Add(1)
			continue
		}
		ordered = append(ordered, seqKey{seq: n, key: k})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	for _, ok := range ordered {
		raw, found, err := s.Get(ctx, ok.key)
		if err != nil {
			b.recoverErrors.Add(1)
			continue
		}
		if !found {
			continue
		}

		insertErr := insert(raw)
		if insertErr == errQueueFull {
			break
		}
		if insertErr != nil {
			b.recoverErrors.Add(1)
			continue
		}

		if err := s.Delete(ctx, ok.key); err != nil {
			b.logger.Warn("failed to delete recovered overflow entry", zap.String("key", ok.key), zap.Error(err))
		} else {
			b.overflowEntries.Add(-1)
		}
	}
	return nil
}

// Stats returns a snapshot of the buffer's sizes and counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	ev, mt := len(b.events), len(b.metrics)
	b.mu.Unlock()

	return Stats{
		EventsSize:       ev,
		MetricsSize:      mt,
		Capacity:         b.capacity,
		DroppedEvents:    b.droppedEvents.Load(),
		DroppedMetrics:   b.droppedMetrics.Load(),
		DroppedEncrypted: b.droppedEncrypted.Load(),
		StoreErrors:      b.storeErrors.Load(),
		RecoverErrors:    b.recoverErrors.Load(),
		OverflowEntries:  b.overflowEntries.Load(),
		LastFlushTS:      math.Float64frombits(b.lastFlushTS.Load()),
	}
}

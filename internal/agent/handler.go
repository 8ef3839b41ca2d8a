// Package agent implements the handler/orchestrator: the singleton
// per-identity object that owns the buffer and transport, runs the
// background flush/heartbeat/rule-poll tasks, and is the only surface
// a host middleware talks to. Grounded in the original
// guard_agent/client.py's GuardAgentHandler, using a start/stop/worker
// goroutine idiom.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/fastapi-guard/guard-agent-go/internal/buffer"
	"github.com/fastapi-guard/guard-agent-go/internal/crypto"
	"github.com/fastapi-guard/guard-agent-go/internal/metrics"
	"github.com/fastapi-guard/guard-agent-go/internal/resilience"
	"github.com/fastapi-guard/guard-agent-go/internal/sink"
	"github.com/fastapi-guard/guard-agent-go/internal/store"
	"github.com/fastapi-guard/guard-agent-go/internal/telemetry"
	"github.com/fastapi-guard/guard-agent-go/internal/transport"
	"github.com/fastapi-guard/guard-agent-go/internal/util"
)

const highWaterFraction = 0.8

// lifecycleState is the handler's own state machine, kept distinct from
// telemetry.AgentStatusState (which additionally reports "error" as a
// health classification, not a lifecycle phase).
type lifecycleState int32

const (
	lifecycleStopped lifecycleState = iota
	lifecycleStarting
	lifecycleRunning
	lifecycleStopping
)

// RuleSubscriber is invoked whenever the rule poller caches a new
// DynamicRules document with a changed version.
type RuleSubscriber func(*telemetry.DynamicRules)

// Handler is the singleton orchestrator for one agent identity. Obtain
// one via Agent, never construct directly.
type Handler struct {
	cfg     telemetry.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	sink    *sink.Recorder

	buffer    *buffer.Buffer
	transport *transport.Transport
	encryptor *crypto.Encryptor

	state     atomic.Int32
	startedAt atomic.Uint64 // math.Float64bits of a unix-seconds timestamp

	eventsReceived atomic.Uint64
	eventsSent     atomic.Uint64
	metricsSent    atomic.Uint64
	errorCount     atomic.Uint64
	consecFailures atomic.Uint64

	errMu     sync.Mutex
	lastError string

	storeMu sync.Mutex
	dstore  store.Store

	rulesMu     sync.RWMutex
	rules       *telemetry.DynamicRules
	rulesETag   string
	subscribers []RuleSubscriber

	listenCtx     context.Context
	listenCancel  context.CancelFunc
	listenStarted atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newHandler(cfg telemetry.Config, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	recorder := sink.NewRecorder(opts.Sink, logger)

	return &Handler{
		cfg:     cfg,
		logger:  logger.Named("agent").With(zap.String("project_id", cfg.ProjectID)),
		metrics: m,
		sink:    recorder,
		buffer:  buffer.New(cfg.BufferSize, cfg.SensitiveHeaders, logger),
	}
}

// Start is idempotent: calling it on an already-running handler
// succeeds without effect. It verifies the encryption round-trip,
// attaches any store configured via InitializeStore, recovers overflow
// entries, and launches the background tasks.
func (h *Handler) Start(ctx context.Context) error {
	if !h.state.CompareAndSwap(int32(lifecycleStopped), int32(lifecycleStarting)) {
		if lifecycleState(h.state.Load()) == lifecycleRunning {
			return nil
		}
		return fmt.Errorf("guard-agent: start called while handler is in transition")
	}

	encryptor, err := crypto.NewEncryptor(h.cfg.APIKey, h.cfg.ProjectID)
	if err != nil {
		h.state.Store(int32(lifecycleStopped))
		return err
	}
	if err := encryptor.VerifyRoundTrip(); err != nil {
		h.state.Store(int32(lifecycleStopped))
		return err
	}
	h.encryptor = encryptor
	h.transport = transport.New(h.cfg, encryptor, h.logger)

	if err := h.buffer.Recover(ctx); err != nil {
		h.logger.Warn("overflow recovery incomplete", zap.Error(err))
	}

	h.stopCh = make(chan struct{})
	h.startedAt.Store(math.Float64bits(util.CurrentTimestamp()))
	h.sink.Start()

	listenCtx, listenCancel := context.WithCancel(context.Background())
	h.listenCtx = listenCtx
	h.listenCancel = listenCancel

	h.wg.Add(3)
	go h.runFlusher()
	go h.runHeartbeat()
	go h.runRulePoller()
	h.maybeStartRulesListener(listenCtx)

	h.state.Store(int32(lifecycleRunning))
	h.logger.Info("agent started")
	return nil
}

// Stop is idempotent and best-effort: it cancels the background tasks,
// attempts one final bounded flush, and closes the transport. Stop
// always runs to completion once entered — it does not use ctx at all;
// the final flush runs under its own deadline of max(flush_interval,
// 5s), derived from context.Background().
func (h *Handler) Stop(ctx context.Context) error {
	if !h.state.CompareAndSwap(int32(lifecycleRunning), int32(lifecycleStopping)) {
		if lifecycleState(h.state.Load()) == lifecycleStopped {
			return nil
		}
		return fmt.Errorf("guard-agent: stop called while handler is in transition")
	}

	close(h.stopCh)
	if h.listenCancel != nil {
		h.listenCancel()
	}
	h.listenStarted.Store(false)
	h.wg.Wait()

	deadline := h.cfg.FlushInterval
	if deadline < 5*time.Second {
		deadline = 5 * time.Second
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	h.flushOnce(flushCtx)

	if h.transport != nil {
		_ = h.transport.Close()
	}
	h.sink.Stop()

	h.state.Store(int32(lifecycleStopped))
	h.logger.Info("agent stopped")
	return nil
}

// State reports the handler's current lifecycle phase as an
// AgentStatusState (stopping collapses into "stopped" for reporting
// purposes since no producer-visible distinction exists between them).
func (h *Handler) State() telemetry.AgentStatusState {
	switch lifecycleState(h.state.Load()) {
	case lifecycleRunning:
		return telemetry.StatusHealthy
	default:
		return telemetry.StatusStopped
	}
}

// SendEvent enqueues e through the buffer. It never blocks on
// transport and never returns an error to the caller once Start has
// succeeded — a disabled event pipeline silently drops the call.
func (h *Handler) SendEvent(ctx context.Context, e telemetry.SecurityEvent) {
	if !h.cfg.EnableEvents {
		return
	}
	if e.Timestamp == 0 {
		e.Timestamp = util.CurrentTimestamp()
	}
	e.Reason = util.ClampPayload(e.Reason, h.cfg.MaxPayloadSize)
	e.ActionTaken = util.ClampPayload(e.ActionTaken, h.cfg.MaxPayloadSize)

	h.eventsReceived.Add(1)
	if err := h.buffer.AddEvent(ctx, e); err != nil {
		h.logger.Debug("event enqueue degraded", zap.Error(err))
	}
}

// SendMetric is SendEvent's counterpart for metrics.
func (h *Handler) SendMetric(ctx context.Context, m telemetry.SecurityMetric) {
	if !h.cfg.EnableMetrics {
		return
	}
	if m.Timestamp == 0 {
		m.Timestamp = util.CurrentTimestamp()
	}
	if err := h.buffer.AddMetric(ctx, m); err != nil {
		h.logger.Debug("metric enqueue degraded", zap.Error(err))
	}
}

// Status composes an AgentStatus snapshot from the handler's counters
// and the buffer's stats.
func (h *Handler) Status() telemetry.AgentStatus {
	bs := h.buffer.Stats()

	h.errMu.Lock()
	lastErr := h.lastError
	h.errMu.Unlock()

	var lastErrPtr *string
	if lastErr != "" {
		lastErrPtr = &lastErr
	}

	uptime := 0.0
	if lifecycleState(h.state.Load()) == lifecycleRunning {
		uptime = util.CurrentTimestamp() - math.Float64frombits(h.startedAt.Load())
	}

	return telemetry.AgentStatus{
		Status:        h.healthState(),
		UptimeSeconds: uptime,
		EventsSent:    h.eventsSent.Load(),
		MetricsSent:   h.metricsSent.Load(),
		Errors:        h.errorCount.Load(),
		BufferSize:    bs.EventsSize + bs.MetricsSize,
		LastFlushTS:   bs.LastFlushTS,
		LastError:     lastErrPtr,
		Version:       h.cfg.AgentVersion,
	}
}

// healthState classifies the handler's health: an open breaker means
// error, at least one consecutive transport failure means degraded,
// otherwise healthy — unless the handler isn't running.
func (h *Handler) healthState() telemetry.AgentStatusState {
	if lifecycleState(h.state.Load()) != lifecycleRunning {
		return telemetry.StatusStopped
	}
	if h.transport != nil && h.transport.BreakerState() == resilience.StateOpen {
		return telemetry.StatusError
	}
	if h.consecFailures.Load() > 0 {
		return telemetry.StatusDegraded
	}
	return telemetry.StatusHealthy
}

// Stats returns a debug aggregate of every subsystem's counters.
func (h *Handler) Stats() map[string]any {
	out := map[string]any{
		"buffer":          h.buffer.Stats(),
		"events_received": h.eventsReceived.Load(),
		"events_sent":     h.eventsSent.Load(),
		"metrics_sent":    h.metricsSent.Load(),
		"errors":          h.errorCount.Load(),
	}
	if h.transport != nil {
		out["transport"] = h.transport.Stats()
		out["breaker_state"] = string(h.transport.BreakerState())
	}
	return out
}

// DynamicRules returns the last cached rules document, or nil if none
// has been fetched yet.
func (h *Handler) DynamicRules() *telemetry.DynamicRules {
	h.rulesMu.RLock()
	defer h.rulesMu.RUnlock()
	if h.rules == nil {
		return nil
	}
	cp := *h.rules
	return &cp
}

// Subscribe registers fn to be called whenever the rule poller caches a
// new DynamicRules version. The returned func removes the subscription.
func (h *Handler) Subscribe(fn RuleSubscriber) (unsubscribe func()) {
	h.rulesMu.Lock()
	defer h.rulesMu.Unlock()
	h.subscribers = append(h.subscribers, fn)
	idx := len(h.subscribers) - 1

	return func() {
		h.rulesMu.Lock()
		defer h.rulesMu.Unlock()
		if idx < len(h.subscribers) {
			h.subscribers[idx] = nil
		}
	}
}

// InitializeStore attaches (or detaches, if s is nil) the durable
// overflow store. Attaching while running against a previously
// memory-only buffer triggers an immediate recovery.
func (h *Handler) InitializeStore(ctx context.Context, s store.Store) {
	h.storeMu.Lock()
	hadStore := h.dstore != nil
	h.dstore = s
	h.storeMu.Unlock()

	h.buffer.AttachStore(s)

	if s != nil && !hadStore && lifecycleState(h.state.Load()) == lifecycleRunning {
		go func() {
			if err := h.buffer.Recover(ctx); err != nil {
				h.logger.Warn("recovery after late store attach failed", zap.Error(err))
			}
		}()
		h.maybeStartRulesListener(h.listenCtx)
	}
}

// Healthy is a simple health-check surface (grounded in the original
// client.py's health_check): true while running with a closed or
// half-open breaker.
func (h *Handler) Healthy() bool {
	return h.healthState() == telemetry.StatusHealthy || h.healthState() == telemetry.StatusDegraded
}

func (h *Handler) recordFailure(err error) {
	h.errorCount.Add(1)
	h.consecFailures.Add(1)
	h.errMu.Lock()
	h.lastError = err.Error()
	h.errMu.Unlock()
}

func (h *Handler) recordSuccess() {
	h.consecFailures.Store(0)
}

// deliverEvents sends events to transport. On HTTP 413 (payload too
// large) it splits the batch in half and delivers each half the same
// way, so a half that is still too large is split again, down to
// single items. Any other failure is returned unsplit so the caller can
// requeue the whole batch; if one half fails after the other was
// delivered, the caller still requeues the whole batch.
func (h *Handler) deliverEvents(ctx context.Context, events []telemetry.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}
	ok, err := h.transport.SendEvents(ctx, h.cfg.ProjectID, events)
	if ok {
		return nil
	}

	var perm *transport.PermanentError
	if errors.As(err, &perm) && perm.StatusCode == 413 && len(events) > 1 {
		mid := len(events) / 2
		err1 := h.deliverEvents(ctx, events[:mid])
		err2 := h.deliverEvents(ctx, events[mid:])
		if err1 != nil {
			return err1
		}
		return err2
	}
	return err
}

// deliverMetrics is deliverEvents' counterpart for metrics.
func (h *Handler) deliverMetrics(ctx context.Context, ms []telemetry.SecurityMetric) error {
	if len(ms) == 0 {
		return nil
	}
	ok, err := h.transport.SendMetrics(ctx, h.cfg.ProjectID, ms)
	if ok {
		return nil
	}

	var perm *transport.PermanentError
	if errors.As(err, &perm) && perm.StatusCode == 413 && len(ms) > 1 {
		mid := len(ms) / 2
		err1 := h.deliverMetrics(ctx, ms[:mid])
		err2 := h.deliverMetrics(ctx, ms[mid:])
		if err1 != nil {
			return err1
		}
		return err2
	}
	return err
}

// flushOnce performs a single flush-and-deliver cycle: swap the
// buffer's queues, ship each non-empty queue, and requeue on failure
// (or drop-and-count on a permanent encryption failure, which is never
// re-buffered — retrying it would only fail the same way again).
func (h *Handler) flushOnce(ctx context.Context) {
	events, ms := h.buffer.Flush()
	if len(events) == 0 && len(ms) == 0 {
		return
	}

	start := time.Now()
	var wg sync.WaitGroup

	if len(events) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.deliverEvents(ctx, events); err != nil {
				h.onEventDeliveryFailure(ctx, events, err)
			} else {
				h.eventsSent.Add(uint64(len(events)))
				h.recordSuccess()
				h.metrics.EventsSentTotal.Add(float64(len(events)))
				h.sink.Record(sink.Record{
					BatchID:     uuid.NewString(),
					ProjectID:   h.cfg.ProjectID,
					Queue:       "events",
					ItemCount:   len(events),
					DeliveredAt: time.Now(),
				})
			}
		}()
	}

	if len(ms) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.deliverMetrics(ctx, ms); err != nil {
				h.onMetricDeliveryFailure(ctx, ms, err)
			} else {
				h.metricsSent.Add(uint64(len(ms)))
				h.recordSuccess()
				h.metrics.MetricsSentTotal.Add(float64(len(ms)))
				h.sink.Record(sink.Record{
					BatchID:     uuid.NewString(),
					ProjectID:   h.cfg.ProjectID,
					Queue:       "metrics",
					ItemCount:   len(ms),
					DeliveredAt: time.Now(),
				})
			}
		}()
	}

	wg.Wait()
	h.metrics.FlushDuration.WithLabelValues("combined").Observe(time.Since(start).Seconds())
}

func (h *Handler) onEventDeliveryFailure(ctx context.Context, events []telemetry.SecurityEvent, err error) {
	h.recordFailure(err)
	var encErr *crypto.EncryptionRuntimeError
	if errors.As(err, &encErr) {
		h.buffer.DropEncrypted(len(events))
		h.metrics.DroppedTotal.WithLabelValues("encrypted").Add(float64(len(events)))
		return
	}
	h.buffer.RequeueEvents(context.WithoutCancel(ctx), events)
}

func (h *Handler) onMetricDeliveryFailure(ctx context.Context, ms []telemetry.SecurityMetric, err error) {
	h.recordFailure(err)
	var encErr *crypto.EncryptionRuntimeError
	if errors.As(err, &encErr) {
		h.buffer.DropEncrypted(len(ms))
		h.metrics.DroppedTotal.WithLabelValues("encrypted").Add(float64(len(ms)))
		return
	}
	h.buffer.RequeueMetrics(context.WithoutCancel(ctx), ms)
}

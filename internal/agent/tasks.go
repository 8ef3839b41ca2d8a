package agent

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/fastapi-guard/guard-agent-go/internal/metrics"
	"github.com/fastapi-guard/guard-agent-go/internal/telemetry"
)

// runFlusher wakes on whichever comes first, the flush-interval timer
// or the buffer's high-water signal, flushes, and delivers. Uses a
// select-over-ticker-and-channel idiom.
func (h *Handler) runFlusher() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.flushOnce(context.Background())
		case <-h.buffer.FlushSignal():
			h.flushOnce(context.Background())
			ticker.Reset(h.cfg.FlushInterval)
		}
	}
}

// runHeartbeat is background task 2: push an AgentStatus snapshot every
// flush_interval*2 seconds. Errors are logged, never surfaced.
func (h *Handler) runHeartbeat() {
	defer h.wg.Done()

	interval := h.cfg.FlushInterval * 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Timeout)
			ok, err := h.transport.SendStatus(ctx, h.Status())
			cancel()
			if !ok {
				h.logger.Debug("heartbeat send failed", zap.Error(err))
			}
			if h.transport != nil {
				h.metrics.CircuitBreakerState.WithLabelValues(h.cfg.Endpoint).
					Set(metrics.BreakerStateValue(string(h.transport.BreakerState())))
			}
		}
	}
}

// runRulePoller is background task 3: pull the dynamic rules document
// every rule_interval seconds; a changed version is cached and fanned
// out to subscribers. Errors are counted, never surfaced, matching the
// original client.py's TTL-cache-on-failure behaviour (the previously
// cached rules simply remain in place).
func (h *Handler) runRulePoller() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.RuleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.pollRulesOnce()
		}
	}
}

func (h *Handler) pollRulesOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Timeout)
	defer cancel()

	h.rulesMu.RLock()
	etag := h.rulesETag
	h.rulesMu.RUnlock()

	rules := h.transport.FetchDynamicRules(ctx, h.cfg.ProjectID, etag)
	if rules == nil {
		h.metrics.RulesFetchTotal.WithLabelValues("unchanged").Inc()
		return
	}

	h.rulesMu.Lock()
	changed := h.rules == nil || h.rules.Version != rules.Version
	if changed {
		h.rules = rules
		h.rulesETag = rules.ETag
	}
	subs := append([]RuleSubscriber(nil), h.subscribers...)
	h.rulesMu.Unlock()

	h.persistRulesCache(ctx, rules, changed)

	if !changed {
		h.metrics.RulesFetchTotal.WithLabelValues("unchanged").Inc()
		return
	}
	h.metrics.RulesFetchTotal.WithLabelValues("updated").Inc()

	for _, fn := range subs {
		if fn != nil {
			fn(rules)
		}
	}
}

// rulesSubscriber is the optional capability a durable store backend may
// offer on top of store.Store: a live fan-out of changed rules documents
// from sibling agent processes, so this process's in-memory cache updates
// without waiting for its own poll interval. Only RedisStore implements
// it today.
type rulesSubscriber interface {
	SubscribeRulesUpdated(ctx context.Context) <-chan string
}

// maybeStartRulesListener launches runRulesListener once per Start/Stop
// cycle if the attached store is a rulesSubscriber. It is safe to call
// from both Start and a late InitializeStore attach; listenStarted
// guards against launching twice for the same cycle.
func (h *Handler) maybeStartRulesListener(ctx context.Context) {
	h.storeMu.Lock()
	s := h.dstore
	h.storeMu.Unlock()

	subscriber, ok := s.(rulesSubscriber)
	if !ok {
		return
	}
	if !h.listenStarted.CompareAndSwap(false, true) {
		return
	}

	h.wg.Add(1)
	go h.runRulesListener(ctx, subscriber)
}

// runRulesListener consumes rules documents published by sibling agent
// processes and applies them the same way pollRulesOnce applies a freshly
// fetched document, without re-fetching from the management service.
func (h *Handler) runRulesListener(ctx context.Context, subscriber rulesSubscriber) {
	defer h.wg.Done()

	updates := subscriber.SubscribeRulesUpdated(ctx)
	for {
		select {
		case <-h.stopCh:
			return
		case payload, ok := <-updates:
			if !ok {
				return
			}
			h.applyPublishedRules(payload)
		}
	}
}

// applyPublishedRules decodes a rules document received over pub/sub and,
// if its version differs from the cached one, installs it and notifies
// subscribers exactly as pollRulesOnce does for a polled update.
func (h *Handler) applyPublishedRules(payload string) {
	var rules telemetry.DynamicRules
	if err := json.Unmarshal([]byte(payload), &rules); err != nil {
		h.logger.Debug("rules update payload decode failed", zap.Error(err))
		return
	}

	h.rulesMu.Lock()
	changed := h.rules == nil || h.rules.Version != rules.Version
	if changed {
		h.rules = &rules
		h.rulesETag = rules.ETag
	}
	subs := append([]RuleSubscriber(nil), h.subscribers...)
	h.rulesMu.Unlock()

	if !changed {
		return
	}
	h.metrics.RulesFetchTotal.WithLabelValues("updated").Inc()

	for _, fn := range subs {
		if fn != nil {
			fn(&rules)
		}
	}
}

// rulesPublisher is the optional capability a durable store backend may
// offer on top of store.Store: fanning a changed rules document out to
// sibling agent processes sharing the same backend. Only RedisStore
// implements it today; a type assertion against the plain store.Store
// interface keeps persistRulesCache working unchanged against
// PostgresStore or a nil store.
type rulesPublisher interface {
	PublishRulesUpdated(ctx context.Context, rulesJSON string) error
}

// persistRulesCache writes the freshly fetched rules to the durable
// store's "rules:cache" key (no TTL), so a sibling process recovering
// from a restart has a seed value before its own first successful
// fetch. When changed is true and the attached store is a
// rulesPublisher, it also publishes the new document so sibling
// processes can react without waiting for their own poll interval. A
// nil or failing store is non-fatal — the in-memory cache on h.rules
// remains authoritative.
func (h *Handler) persistRulesCache(ctx context.Context, rules *telemetry.DynamicRules, changed bool) {
	h.storeMu.Lock()
	s := h.dstore
	h.storeMu.Unlock()
	if s == nil {
		return
	}

	payload, err := json.Marshal(rules)
	if err != nil {
		return
	}
	if err := s.Set(ctx, "rules:cache", string(payload), 0); err != nil {
		h.logger.Debug("rules cache persist failed", zap.Error(err))
	}

	if !changed {
		return
	}
	if publisher, ok := s.(rulesPublisher); ok {
		if err := publisher.PublishRulesUpdated(ctx, string(payload)); err != nil {
			h.logger.Debug("rules update publish failed", zap.Error(err))
		}
	}
}

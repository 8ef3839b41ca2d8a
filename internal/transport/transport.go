// Package transport implements the agent's resilient HTTP client: it
// wraps the rate limiter, circuit breaker, and payload encryptor
// around a plain net/http.Client and exposes the four remote
// operations the handler needs. Grounded in a reliability-wrapper
// composition idiom, layering retry, breaker, and rate limiting
// around a single HTTP call.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/fastapi-guard/guard-agent-go/internal/crypto"
	"github.com/fastapi-guard/guard-agent-go/internal/resilience"
	"github.com/fastapi-guard/guard-agent-go/internal/telemetry"
	"github.com/fastapi-guard/guard-agent-go/internal/util"
)

// Stats is a point-in-time snapshot of the transport's counters,
// updated after every completed request.
type Stats struct {
	RequestsSent   uint64
	RequestsFailed uint64
	BytesSent      uint64
	LastSuccessTS  float64
	LastError      string
}

// Transport is the sole owner of the HTTP client, breaker, and rate
// limiter for one agent identity. It is safe for concurrent use.
type Transport struct {
	cfg       telemetry.Config
	client    *http.Client
	limiter   *resilience.RateLimiter
	breaker   *resilience.Breaker
	encryptor *crypto.Encryptor
	logger    *zap.Logger

	requestsSent   atomic.Uint64
	requestsFailed atomic.Uint64
	bytesSent      atomic.Uint64
	lastSuccessTS  atomic.Uint64 // math.Float64bits

	mu        sync.Mutex
	lastError string
}

// New constructs a Transport for one agent identity. encryptor must
// already have passed VerifyRoundTrip; New does not call it again.
func New(cfg telemetry.Config, encryptor *crypto.Encryptor, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		limiter:   resilience.NewRateLimiter(100, 60*time.Second),
		breaker:   resilience.NewBreaker(resilience.BreakerConfig{Name: cfg.Endpoint}),
		encryptor: encryptor,
		logger:    logger.Named("transport"),
	}
}

// Close releases the transport's idle HTTP connections.
func (t *Transport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

type attemptResult struct {
	statusCode int
	body       []byte
	etag       string
}

// SendEvents POSTs an encrypted events batch. It returns true only on a
// 2xx response; any other outcome (retries exhausted, breaker open,
// permanent rejection) returns false along with the terminal error so
// the handler can special-case a 413 (payload too large) response.
func (t *Transport) SendEvents(ctx context.Context, projectID string, events []telemetry.SecurityEvent) (bool, error) {
	return t.sendEncrypted(ctx, "/api/v1/events/encrypted", projectID, map[string]any{"events": events})
}

// SendMetrics is SendEvents' counterpart for metrics.
func (t *Transport) SendMetrics(ctx context.Context, projectID string, metrics []telemetry.SecurityMetric) (bool, error) {
	return t.sendEncrypted(ctx, "/api/v1/metrics/encrypted", projectID, map[string]any{"metrics": metrics})
}

func (t *Transport) sendEncrypted(ctx context.Context, path, projectID string, plaintext any) (bool, error) {
	payload, err := t.encryptor.Encrypt(plaintext, []byte(projectID))
	if err != nil {
		return false, err
	}

	body, err := json.Marshal(map[string]any{
		"project_id": projectID,
		"encrypted":  true,
		"payload":    payload,
	})
	if err != nil {
		return false, &crypto.SerializationError{Cause: err}
	}

	_, err = t.doWithRetry(ctx, http.MethodPost, path, body, nil)
	if err != nil {
		return false, err
	}
	return true, nil
}

// SendStatus POSTs an unencrypted AgentStatus heartbeat.
func (t *Transport) SendStatus(ctx context.Context, status telemetry.AgentStatus) (bool, error) {
	body, err := json.Marshal(status)
	if err != nil {
		return false, err
	}
	_, err = t.doWithRetry(ctx, http.MethodPost, "/api/v1/agents/status", body, nil)
	if err != nil {
		return false, err
	}
	return true, nil
}

// FetchDynamicRules GETs the project's rule document. A 304 (etag
// unchanged) or any error returns nil — callers that need to
// distinguish "no change" from "fetch failed" have no way to from the
// return value alone; soft failures are logged here instead of
// surfaced, since rule polling never propagates errors to its caller.
func (t *Transport) FetchDynamicRules(ctx context.Context, projectID, etag string) *telemetry.DynamicRules {
	headers := map[string]string{}
	if etag != "" {
		headers["If-None-Match"] = etag
	}

	res, err := t.doWithRetry(ctx, http.MethodGet, "/api/v1/projects/"+projectID+"/rules", nil, headers)
	if err != nil {
		t.logger.Debug("dynamic rules fetch failed", zap.Error(err))
		return nil
	}
	if res.statusCode == http.StatusNotModified {
		return nil
	}

	var rules telemetry.DynamicRules
	if err := json.Unmarshal(res.body, &rules); err != nil {
		t.logger.Warn("dynamic rules payload malformed", zap.Error(err))
		return nil
	}
	if rules.ETag == "" {
		rules.ETag = res.etag
	}
	return &rules
}

// TestConnection performs a lightweight GET against /api/v1/health to
// confirm reachability and credentials, without going through the
// retry/breaker machinery (a single best-effort probe).
func (t *Transport) TestConnection(ctx context.Context) bool {
	req, err := t.newRequest(ctx, http.MethodGet, "/api/v1/health", nil, nil)
	if err != nil {
		return false
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// doWithRetry composes rate limiting, the circuit breaker, and
// retry-go's backoff loop: each attempt re-enters the rate limiter and
// the breaker, so the breaker observes attempt-level outcomes rather
// than only the final one.
func (t *Transport) doWithRetry(ctx context.Context, method, path string, body []byte, headers map[string]string) (attemptResult, error) {
	result, err := retry.NewWithData[attemptResult](
		retry.Attempts(uint(t.cfg.RetryAttempts)+1),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetriable),
		retry.DelayType(t.backoffDelay),
	).Do(func() (attemptResult, error) {
		if err := t.limiter.Acquire(ctx); err != nil {
			return attemptResult{}, retry.Unrecoverable(err)
		}

		var res attemptResult
		callErr := t.breaker.Call(ctx, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
			defer cancel()

			r, err := t.attempt(attemptCtx, method, path, body, headers)
			if err != nil {
				return err
			}
			res = r
			return classify(r.statusCode)
		})
		return res, callErr
	})

	if err != nil {
		t.requestsFailed.Add(1)
		t.recordError(err)
		return attemptResult{}, err
	}

	t.requestsSent.Add(1)
	t.bytesSent.Add(uint64(len(body)))
	t.lastSuccessTS.Store(math.Float64bits(util.CurrentTimestamp()))
	return result, nil
}

// isRetriable tells retry-go whether to attempt again. Permanent
// rejections (4xx other than 408/429) stop the loop immediately;
// everything else — including a breaker short-circuit, which looks
// identical to a transient failure from the caller's viewpoint — keeps
// retrying until attempts are exhausted.
func isRetriable(err error) bool {
	var permanent *PermanentError
	if asPermanent(err, &permanent) {
		return false
	}
	return true
}

func asPermanent(err error, target **PermanentError) bool {
	for err != nil {
		if p, ok := err.(*PermanentError); ok {
			*target = p
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// backoffDelay computes a jittered capped exponential backoff:
// min(backoff_factor * 2^(k-1) * (1 + U[0,0.3]), 30s), where retry-go's
// n is zero-indexed (n==0 is the delay before the second attempt, i.e.
// k==1).
func (t *Transport) backoffDelay(n uint, _ error, _ retry.DelayContext) time.Duration {
	base := t.cfg.BackoffFactor * math.Pow(2, float64(n))
	jittered := base * (1 + rand.Float64()*0.3)
	capped := math.Min(jittered, 30)
	return time.Duration(capped * float64(time.Second))
}

func (t *Transport) attempt(ctx context.Context, method, path string, body []byte, headers map[string]string) (attemptResult, error) {
	req, err := t.newRequest(ctx, method, path, body, headers)
	if err != nil {
		return attemptResult{}, &RetriableError{Cause: err}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return attemptResult{}, &RetriableError{Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return attemptResult{}, &RetriableError{Cause: err}
	}

	return attemptResult{
		statusCode: resp.StatusCode,
		body:       respBody,
		etag:       resp.Header.Get("ETag"),
	}, nil
}

func (t *Transport) newRequest(ctx context.Context, method, path string, body []byte, headers map[string]string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.cfg.Endpoint+path, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	req.Header.Set("X-Project-Id", t.cfg.ProjectID)
	req.Header.Set("X-Agent-Version", t.cfg.AgentVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("fastapi-guard-agent/%s", t.cfg.AgentVersion))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (t *Transport) recordError(err error) {
	t.mu.Lock()
	t.lastError = err.Error()
	t.mu.Unlock()
}

// Stats snapshots the transport's counters.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	lastErr := t.lastError
	t.mu.Unlock()

	return Stats{
		RequestsSent:   t.requestsSent.Load(),
		RequestsFailed: t.requestsFailed.Load(),
		BytesSent:      t.bytesSent.Load(),
		LastSuccessTS:  math.Float64frombits(t.lastSuccessTS.Load()),
		LastError:      lastErr,
	}
}

// BreakerState exposes the underlying breaker's state for status
// reporting.
func (t *Transport) BreakerState() resilience.State { return t.breaker.State() }

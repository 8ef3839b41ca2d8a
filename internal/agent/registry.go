package agent

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fastapi-guard/guard-agent-go/internal/metrics"
	"github.com/fastapi-guard/guard-agent-go/internal/sink"
	"github.com/fastapi-guard/guard-agent-go/internal/telemetry"
)

// ConfigConflictError is returned when a second call to Agent uses the
// same (api_key, project_id, endpoint) identity as an existing handler
// but with different runtime settings. This implementation raises
// rather than silently returning the existing instance: silently
// ignoring a conflicting config would hide a caller bug (two different
// buffer sizes racing for the same identity).
type ConfigConflictError struct {
	Identity telemetry.Identity
}

func (e *ConfigConflictError) Error() string {
	return fmt.Sprintf("guard-agent: config conflict for existing handler %s/%s", e.Identity.ProjectID, e.Identity.Endpoint)
}

var (
	registryMu sync.Mutex
	registry   = map[telemetry.Identity]*Handler{}
)

// Options carries the optional collaborators a caller may wire in
// alongside the required Config. Logger and Metrics default to no-ops
// when omitted.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Sink, if non-nil, receives a compliance record of every batch the
	// handler successfully delivers (see internal/sink). Optional; nil
	// disables compliance recording entirely.
	Sink sink.Writer
}

// Agent is the singleton factory: a second call with the same identity
// and an identical config returns the existing Handler; a second call
// with a different config for the same identity fails with
// ConfigConflictError. Avoid hidden global state beyond this registry —
// tests should call ResetRegistry between cases.
func Agent(cfg telemetry.Config, opts Options) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := cfg.Identity()

	registryMu.Lock()
	defer registryMu.Unlock()

	if h, ok := registry[id]; ok {
		if !h.cfg.Equal(cfg) {
			return nil, &ConfigConflictError{Identity: id}
		}
		return h, nil
	}

	h := newHandler(cfg, opts)
	registry[id] = h
	return h, nil
}

// ResetRegistry clears every registered handler without stopping them.
// It exists purely as a test hook; callers are responsible for calling
// Stop on any handler they no longer intend to use.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = map[telemetry.Identity]*Handler{}
}

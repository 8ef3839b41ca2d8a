// Package telemetry defines the wire-level data model shared by every
// subsystem of the agent: the events and metrics producers emit, the
// batches the transport ships, the dynamic rules pulled from the
// management service, and the agent's own status snapshot.
package telemetry

// EventType enumerates the security events a host middleware can report.
type EventType string

const (
	EventIPBanned            EventType = "ip_banned"
	EventRateLimited         EventType = "rate_limited"
	EventSuspiciousRequest   EventType = "suspicious_request"
	EventCloudBlocked        EventType = "cloud_blocked"
	EventCountryBlocked      EventType = "country_blocked"
	EventPenetrationAttempt  EventType = "penetration_attempt"
	EventBehavioralViolation EventType = "behavioral_violation"
	EventUserAgentBlocked    EventType = "user_agent_blocked"
	EventCustomRuleTriggered EventType = "custom_rule_triggered"
	EventPathExcluded        EventType = "path_excluded"
	EventDynamicRuleUpdated  EventType = "dynamic_rule_updated"
	EventErrorResponse       EventType = "error_response"
	EventLoginAttempt        EventType = "login_attempt"
	EventSuspiciousActivity  EventType = "suspicious_activity"
)

// MetricType enumerates the performance/usage metrics the agent ships.
type MetricType string

const (
	MetricRequestCount MetricType = "request_count"
	MetricResponseTime MetricType = "response_time"
	MetricErrorRate    MetricType = "error_rate"
	MetricBandwidth    MetricType = "bandwidth_usage"
	MetricThreatLevel  MetricType = "threat_level"
	MetricBlockRate    MetricType = "block_rate"
	MetricCacheHitRate MetricType = "cache_hit_rate"
)

// SecurityEvent is a single security-relevant occurrence at request time.
type SecurityEvent struct {
	Timestamp    float64        `json:"timestamp"`
	EventType    EventType      `json:"event_type"`
	IPAddress    string         `json:"ip_address"`
	Country      *string        `json:"country,omitempty"`
	UserAgent    *string        `json:"user_agent,omitempty"`
	ActionTaken  string         `json:"action_taken"`
	Reason       string         `json:"reason"`
	Endpoint     *string        `json:"endpoint,omitempty"`
	Method       *string        `json:"method,omitempty"`
	StatusCode   *int           `json:"status_code,omitempty"`
	ResponseTime *float64       `json:"response_time,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SecurityMetric is a single performance/usage sample.
type SecurityMetric struct {
	Timestamp  float64           `json:"timestamp"`
	MetricType MetricType        `json:"metric_type"`
	Value      float64           `json:"value"`
	Endpoint   *string           `json:"endpoint,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// EventBatch describes a snapshot of whatever the buffer held at the
// moment of flush, plus framing metadata. The transport does not send
// this type: it posts events and metrics in separate requests, as
// {"events": [...]} and {"metrics": [...]}.
type EventBatch struct {
	ProjectID      string           `json:"project_id"`
	Events         []SecurityEvent  `json:"events,omitempty"`
	Metrics        []SecurityMetric `json:"metrics,omitempty"`
	BatchID        string           `json:"batch_id"`
	BatchTimestamp float64          `json:"batch_timestamp"`
}

// EndpointRateLimit describes a per-endpoint quota inside DynamicRules.
type EndpointRateLimit struct {
	Requests int `json:"requests"`
	Window   int `json:"window"`
}

// DynamicRules is the security-policy document pulled from the
// management service so the host middleware can react without a
// restart.
type DynamicRules struct {
	IPBlacklist   []string                     `json:"ip_blacklist"`
	IPWhitelist   []string                     `json:"ip_whitelist"`
	CountryRules  map[string]string            `json:"country_rules"`
	EndpointRules map[string]EndpointRateLimit `json:"endpoint_rules"`
	GlobalRate    int                          `json:"global_rate_limit"`
	FeatureFlags  map[string]bool              `json:"feature_flags"`
	Version       string                       `json:"version"`
	ETag          string                       `json:"etag"`
	TTL           int                          `json:"ttl"`
}

// AgentStatusState is the coarse health classification surfaced to the
// host middleware and to the management service's heartbeat endpoint.
type AgentStatusState string

const (
	StatusHealthy  AgentStatusState = "healthy"
	StatusDegraded AgentStatusState = "degraded"
	StatusError    AgentStatusState = "error"
	StatusStopped  AgentStatusState = "stopped"
)

// AgentStatus is a point-in-time health snapshot of the agent.
type AgentStatus struct {
	Status        AgentStatusState `json:"status"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	EventsSent    uint64           `json:"events_sent"`
	MetricsSent   uint64           `json:"metrics_sent"`
	Errors        uint64           `json:"errors"`
	BufferSize    int              `json:"buffer_size"`
	LastFlushTS   float64          `json:"last_flush_ts"`
	LastError     *string          `json:"last_error"`
	Version       string           `json:"version"`
}

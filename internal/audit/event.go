package audit

import "time"

// EventType classifies a security event.
type EventType string

const (
	EventAuthentication EventType = "authentication"
	EventAuthorization  EventType = "authorization"
	EventSession        EventType = "session"
	EventEncryption     EventType = "encryption"
	EventDecryption     EventType = "decryption"
	EventKeyRotation    EventType = "key_rotation"
	EventThreat         EventType = "threat"
	EventCompliance     EventType = "compliance"
	EventConfiguration  EventType = "configuration"
)

// Result is the outcome of the audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultBlocked Result = "blocked"
)

// Severity grades the operational impact of an event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Metadata carries request context captured alongside an event.
type Metadata struct {
	IP            string `json:"ip,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Event is one immutable entry of the append-only security log.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	Source    string            `json:"source"`
	Target    string            `json:"target,omitempty"`
	Action    string            `json:"action"`
	Result    Result            `json:"result"`
	Details   map[string]string `json:"details,omitempty"`
	Metadata  Metadata          `json:"metadata"`
}

// Day returns the UTC date-partition key for the event.
func (e Event) Day() string {
	return e.Timestamp.UTC().Format("2006-01-02")
}

// Package events publishes lifecycle events of the reply engine to NATS
// JetStream. When no NATS URL is configured a no-op publisher is used, so
// callers never check whether events are enabled.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event types.
const (
	TypeOpportunityDiscovered = "opportunity.discovered"
	TypeDiscoveryFailed       = "discovery.failed"
	TypeResponseGenerated     = "response.generated"
	TypeResponsePosted        = "response.posted"
	TypeCleanupCompleted      = "cleanup.completed"
)

// SubjectPrefix is prepended to every event subject.
const SubjectPrefix = "semreply."

// Envelope wraps an event payload with routing metadata.
type Envelope struct {
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an envelope.
func NewEnvelope(eventType, source string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Envelope{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}, nil
}

// Subject returns the NATS subject for an event type and key, e.g.
// "semreply.opportunity.discovered.acct-1".
func Subject(eventType, key string) string {
	if key == "" {
		return SubjectPrefix + eventType
	}
	return SubjectPrefix + eventType + "." + key
}

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, eventType, key string, payload any) error
}

// Noop discards events.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, string, string, any) error { return nil }

// OpportunityDiscovered is published once per inserted opportunity.
type OpportunityDiscovered struct {
	OpportunityID string `json:"opportunity_id"`
	AccountID     string `json:"account_id"`
	Platform      string `json:"platform"`
	PostID        string `json:"post_id"`
	DiscoveryType string `json:"discovery_type"`
	Total         int    `json:"total"`
}

// DiscoveryFailed is published when a discovery run fails.
type DiscoveryFailed struct {
	AccountID     string `json:"account_id"`
	DiscoveryType string `json:"discovery_type"`
	Error         string `json:"error"`
}

// ResponseGenerated is published when a draft is stored.
type ResponseGenerated struct {
	ResponseID    string `json:"response_id"`
	OpportunityID string `json:"opportunity_id"`
	Version       int    `json:"version"`
	Model         string `json:"model"`
	TimingMs      int64  `json:"timing_ms"`
}

// ResponsePosted is published when a draft is posted to the platform.
type ResponsePosted struct {
	ResponseID     string    `json:"response_id"`
	OpportunityID  string    `json:"opportunity_id"`
	PlatformPostID string    `json:"platform_post_id"`
	PostURL        string    `json:"post_url"`
	PostedAt       time.Time `json:"posted_at"`
}

// CleanupCompleted is published after each reaper pass that changed rows.
type CleanupCompleted struct {
	ExpiredMarked    int64 `json:"expired_marked"`
	ExpiredDeleted   int64 `json:"expired_deleted"`
	DismissedDeleted int64 `json:"dismissed_deleted"`
	ResponsesDeleted int64 `json:"responses_deleted"`
}

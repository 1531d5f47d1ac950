package opportunity

import (
	"time"

	"github.com/c360studio/semreply/constraint"
	"github.com/google/uuid"
)

// ResponseStatus is the state of a generated draft.
type ResponseStatus string

const (
	ResponseDraft     ResponseStatus = "draft"
	ResponsePosted    ResponseStatus = "posted"
	ResponseDismissed ResponseStatus = "dismissed"
)

// GenerationMetadata records how a draft was produced.
type GenerationMetadata struct {
	Keywords    []string               `json:"keywords"`
	Topic       string                 `json:"topic,omitempty"`
	ChunkCount  int                    `json:"chunk_count"`
	Constraints constraint.Constraints `json:"constraints"`
	Model       string                 `json:"model"`
	TimingMs    int64                  `json:"timing_ms"`
	EditedFrom  string                 `json:"edited_from,omitempty"`
}

// Response is one version of a reply drafted for an opportunity. Versions are
// never overwritten; regenerating or editing creates a new one.
type Response struct {
	ID              string             `json:"id"`
	OpportunityID   string             `json:"opportunity_id"`
	AccountID       string             `json:"account_id"`
	Text            string             `json:"text"`
	Status          ResponseStatus     `json:"status"`
	Version         int                `json:"version"`
	Metadata        GenerationMetadata `json:"metadata"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	PostedAt        *time.Time         `json:"posted_at,omitempty"`
	PlatformPostID  string             `json:"platform_post_id,omitempty"`
	PlatformPostURL string             `json:"platform_post_url,omitempty"`
}

// NewResponse creates a draft. The version is assigned by the store.
func NewResponse(opp *Opportunity, text string, meta GenerationMetadata, now time.Time) *Response {
	return &Response{
		ID:            uuid.New().String(),
		OpportunityID: opp.ID,
		AccountID:     opp.AccountID,
		Text:          text,
		Status:        ResponseDraft,
		Metadata:      meta,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

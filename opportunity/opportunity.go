// Package opportunity defines the domain model of the reply engine: discovered
// posts (opportunities), their authors, the accounts they were discovered for,
// and the draft responses generated for them.
package opportunity

import (
	"time"

	"github.com/google/uuid"
)

// DiscoveryType is the method used to find opportunities.
type DiscoveryType string

const (
	// DiscoveryReplies finds replies to the account's own posts.
	DiscoveryReplies DiscoveryType = "replies"

	// DiscoverySearch finds posts matching the account's keywords.
	DiscoverySearch DiscoveryType = "search"
)

// IsValid reports whether t is a known discovery type.
func (t DiscoveryType) IsValid() bool {
	switch t {
	case DiscoveryReplies, DiscoverySearch:
		return true
	}
	return false
}

// ParseDiscoveryType converts a string to a DiscoveryType, returning empty for invalid values.
func ParseDiscoveryType(s string) DiscoveryType {
	t := DiscoveryType(s)
	if t.IsValid() {
		return t
	}
	return ""
}

// Engagement holds the platform counters captured at discovery time.
type Engagement struct {
	Likes   int `json:"likes"`
	Reposts int `json:"reposts"`
	Replies int `json:"replies"`
}

// Opportunity is one discovered post for one account.
// (AccountID, PostID) is the dedup key.
type Opportunity struct {
	ID            string        `json:"id"`
	AccountID     string        `json:"account_id"`
	Platform      string        `json:"platform"`
	PostID        string        `json:"post_id"`
	Text          string        `json:"text"`
	CreatedAt     time.Time     `json:"created_at"`
	AuthorID      string        `json:"author_id"`
	Engagement    Engagement    `json:"engagement"`
	Scoring       Scoring       `json:"scoring"`
	DiscoveryType DiscoveryType `json:"discovery_type"`
	Status        Status        `json:"status"`
	DiscoveredAt  time.Time     `json:"discovered_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// New creates a pending opportunity discovered at now. ExpiresAt is fixed here
// and never recomputed.
func New(accountID, platform, postID string, dtype DiscoveryType, now time.Time, ttl time.Duration) *Opportunity {
	return &Opportunity{
		ID:            uuid.New().String(),
		AccountID:     accountID,
		Platform:      platform,
		PostID:        postID,
		DiscoveryType: dtype,
		Status:        StatusPending,
		DiscoveredAt:  now,
		ExpiresAt:     ExpiresAt(now, ttl),
		UpdatedAt:     now,
	}
}

// IsExpired reports whether the opportunity is past its deadline at now.
func (o *Opportunity) IsExpired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// Author identifies a platform account that wrote an opportunity.
// (Platform, PlatformUserID) is unique.
type Author struct {
	ID             string    `json:"id"`
	Platform       string    `json:"platform"`
	PlatformUserID string    `json:"platform_user_id"`
	Handle         string    `json:"handle"`
	DisplayName    string    `json:"display_name"`
	Bio            string    `json:"bio"`
	FollowerCount  int       `json:"follower_count"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
}

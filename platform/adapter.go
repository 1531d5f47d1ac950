// Package platform defines the contract between the engine and a social
// platform. Each platform ships one Adapter; the engine resolves adapters by
// name and never branches on platform identity itself.
package platform

import (
	"context"
	"time"

	"github.com/c360studio/semreply/opportunity"
)

// RawAuthor is the author of a post as reported by the platform.
type RawAuthor struct {
	PlatformUserID string
	Handle         string
	DisplayName    string
	Bio            string
	FollowerCount  int
}

// RawPost is a post as reported by the platform, before scoring.
type RawPost struct {
	PostID    string
	Text      string
	CreatedAt time.Time
	Author    RawAuthor
	Likes     int
	Reposts   int
	Replies   int
}

// PostResult identifies a reply created on the platform.
type PostResult struct {
	PostID   string
	PostURL  string
	PostedAt time.Time
}

// Adapter is the capability interface implemented per platform.
type Adapter interface {
	// Platform returns the platform identifier (e.g., "bluesky").
	Platform() string

	// FetchReplies returns replies to the account's own posts created since.
	FetchReplies(ctx context.Context, account *opportunity.Account, since time.Time) ([]RawPost, error)

	// SearchByKeywords returns posts matching any keyword created since,
	// deduplicated by post id.
	SearchByKeywords(ctx context.Context, account *opportunity.Account, keywords []string, since time.Time) ([]RawPost, error)

	// PostReply publishes text as a reply to parentPostID.
	PostReply(ctx context.Context, account *opportunity.Account, parentPostID, text string) (*PostResult, error)
}

// DedupByPostID drops later posts whose id was already seen, keeping order.
func DedupByPostID(posts []RawPost) []RawPost {
	seen := make(map[string]bool, len(posts))
	out := posts[:0:0]
	for _, p := range posts {
		if seen[p.PostID] {
			continue
		}
		seen[p.PostID] = true
		out = append(out, p)
	}
	return out
}

// FilterSince drops posts created before since.
func FilterSince(posts []RawPost, since time.Time) []RawPost {
	out := posts[:0:0]
	for _, p := range posts {
		if p.CreatedAt.Before(since) {
			continue
		}
		out = append(out, p)
	}
	return out
}

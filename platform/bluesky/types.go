package bluesky

import (
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
)

// datetimeLayouts covers the loosely conforming timestamps clients write.
var datetimeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z0700"}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// feedPost returns the decoded post record of a view, or nil when the record
// is missing or of another type.
func feedPost(v *bsky.FeedDefs_PostView) *bsky.FeedPost {
	if v == nil || v.Record == nil {
		return nil
	}
	p, _ := v.Record.Val.(*bsky.FeedPost)
	return p
}

// createdAt returns the record timestamp, falling back to the index time.
func createdAt(v *bsky.FeedDefs_PostView) time.Time {
	if p := feedPost(v); p != nil {
		if t, ok := parseTime(p.CreatedAt); ok {
			return t
		}
	}
	t, _ := parseTime(v.IndexedAt)
	return t
}

func authorDID(v *bsky.FeedDefs_PostView) string {
	if v.Author == nil {
		return ""
	}
	return v.Author.Did
}

func count(n *int64) int {
	if n == nil {
		return 0
	}
	return int(*n)
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package bluesky

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/xrpc"

	"github.com/c360studio/semreply/platform"
)

const userAgent = "semreply"

// XRPC method ids, used to label errors.
const (
	nsidCreateSession     = "com.atproto.server.createSession"
	nsidCreateRecord      = "com.atproto.repo.createRecord"
	nsidListNotifications = "app.bsky.notification.listNotifications"
	nsidSearchPosts       = "app.bsky.feed.searchPosts"
	nsidGetPosts          = "app.bsky.feed.getPosts"
	nsidGetProfiles       = "app.bsky.actor.getProfiles"
)

const (
	collectionPost = "app.bsky.feed.post"
	reasonReply    = "reply"
)

// newClient returns an XRPC client for the configured service. auth is nil
// before a session exists.
func (a *Adapter) newClient(auth *xrpc.AuthInfo) *xrpc.Client {
	ua := userAgent
	return &xrpc.Client{
		Client:    a.httpClient,
		Host:      strings.TrimRight(a.config.Service, "/"),
		Auth:      auth,
		UserAgent: &ua,
	}
}

// wrap labels an XRPC failure with its method and maps it to an adapter
// error class.
func (a *Adapter) wrap(ctx context.Context, nsid string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%s: %w", nsid, classify(err, a.now()))
}

// classify maps an indigo XRPC error to an adapter error class. Expired and
// invalid tokens come back as 400 and are treated as authentication failures
// so the session is renewed. Errors that never reached the PDS are transient.
func classify(err error, now time.Time) error {
	var xe *xrpc.Error
	if !errors.As(err, &xe) {
		return platform.NewTransientError(err)
	}

	var body *xrpc.XRPCError
	if xe.Wrapped != nil && errors.As(xe.Wrapped, &body) {
		switch body.ErrStr {
		case "ExpiredToken", "InvalidToken", "AuthenticationRequired":
			return platform.NewAuthenticationError(err)
		case "NotFound", "RecordNotFound":
			return platform.NewNotFoundError(err)
		}
	}

	detail := http.StatusText(xe.StatusCode)
	if xe.Wrapped != nil {
		detail = xe.Wrapped.Error()
	}
	return platform.ClassifyHTTPStatus(xe.StatusCode, []byte(detail), resetDelay(xe, now))
}

// resetDelay reads the ratelimit-reset hint indigo parses from the response.
func resetDelay(xe *xrpc.Error, now time.Time) time.Duration {
	if xe.Ratelimit == nil || xe.Ratelimit.Reset.IsZero() {
		return 0
	}
	if d := xe.Ratelimit.Reset.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Package platform defines the boundary between the gateway's core and
// the chat platform it delivers results to. Rendering menus, keyboards,
// and the rest of the bot UI live outside this module; the core only
// needs somewhere to push a finished result.
package platform

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimited is returned by a Sender method when the platform has
// throttled this chat/bot. RetryAfter is how long the caller should
// wait before trying again.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return "platform: rate limited, retry after " + e.RetryAfter.String()
}

// AsRateLimited reports whether err is (or wraps) an ErrRateLimited and
// returns it.
func AsRateLimited(err error) (*ErrRateLimited, bool) {
	var rl *ErrRateLimited
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// Sender is the outbound surface the Delivery Coordinator depends on.
// When bytes is nil the platform is expected to fetch url itself; when
// bytes is set the caller has already downloaded the content and wants
// it re-uploaded directly (the delivery coordinator's bytes-fallback
// level for images).
type Sender interface {
	SendPhoto(ctx context.Context, chatID, url string, bytes []byte, filename, caption string) error
	SendVideo(ctx context.Context, chatID, url string, bytes []byte, filename, caption string) error
	SendAudio(ctx context.Context, chatID, url string, bytes []byte, filename, caption string) error
	SendDocument(ctx context.Context, chatID, url string, bytes []byte, filename, caption string) error
}

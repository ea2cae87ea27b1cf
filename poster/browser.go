// Package poster drives one publishing attempt through an external browser:
// paced composition, a single publish click, UI-state classification and
// independent verification of the platform-assigned thread ID.
package poster

import (
	"context"
	"time"

	"github.com/teranos/postpulse/errors"
)

// Browser is the capability offered by the external driver. Implementations
// own their per-call timeouts and report them as errors. target is a
// concrete selector.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, target string) error
	Type(ctx context.Context, target, text string) error
	ReadText(ctx context.Context, target string) (string, error)
	WaitFor(ctx context.Context, target string, timeout time.Duration) error
	CurrentURL(ctx context.Context) (string, error)
}

// Pointer is implemented by drivers that can scroll and move the pointer.
type Pointer interface {
	Scroll(ctx context.Context, target string) error
	Hover(ctx context.Context, target string, dx, dy int) error
}

// HTMLSource is implemented by drivers that can return the rendered page.
type HTMLSource interface {
	PageHTML(ctx context.Context) (string, error)
}

// Sessions hands out the browser bound to an account's automation profile.
// Login and profile lifecycle belong to the profile manager behind it.
type Sessions interface {
	Browser(ctx context.Context, accountID string) (Browser, error)
}

// SessionsFunc adapts a function to Sessions
type SessionsFunc func(ctx context.Context, accountID string) (Browser, error)

// Browser calls f
func (f SessionsFunc) Browser(ctx context.Context, accountID string) (Browser, error) {
	return f(ctx, accountID)
}

// Errors a driver reports; anything else is treated as a transient UI error.
// The wrapped sentinels keep each one distinct under errors.Is.
var (
	ErrElementNotFound    = errors.New("element not found")
	ErrDriverTimeout      = errors.Wrap(errors.ErrTimeout, "driver call")
	ErrSessionUnavailable = errors.Wrap(errors.ErrServiceUnavailable, "browser session")
)

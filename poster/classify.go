package poster

import (
	"context"
	"strings"
	"time"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/poster/selectors"
)

// UIState is what the page shows after the publish click.
type UIState string

const (
	UILoading  UIState = "loading"
	UIDisabled UIState = "disabled"
	UISuccess  UIState = "success"
	UIError    UIState = "error"
	// UIIdle means none of the indicators are visible: the dialog closed
	// without a toast, which is only an apparent success until verified.
	UIIdle UIState = "idle"
)

// Decisive reports whether polling can stop on this state
func (s UIState) Decisive() bool {
	return s == UISuccess || s == UIError || s == UIIdle
}

// Observation is one classification of the page
type Observation struct {
	State    UIState
	Selector string // the candidate that matched
	Text     string // toast text for UIError and UISuccess
}

// locate returns the first candidate for target present within timeout.
// A session loss aborts the lookup; anything else counts as absent.
func locate(ctx context.Context, b Browser, src selectors.Source, target string, timeout time.Duration) (string, bool, error) {
	for _, sel := range src.Candidates(target) {
		err := b.WaitFor(ctx, sel, timeout)
		if err == nil {
			return sel, true, nil
		}
		if errors.Is(err, ErrSessionUnavailable) || ctx.Err() != nil {
			return "", false, err
		}
	}
	return "", false, nil
}

// resolve returns the first candidate for target that appears within timeout.
func resolve(ctx context.Context, b Browser, src selectors.Source, target string, timeout time.Duration) (string, error) {
	candidates := src.Candidates(target)
	if len(candidates) == 0 {
		return "", errors.Wrapf(ErrElementNotFound, "no selectors configured for %s (set %s)", target, src.Version())
	}
	sel, ok, err := locate(ctx, b, src, target, timeout)
	if err != nil {
		return "", errors.Wrapf(err, "resolving %s", target)
	}
	if !ok {
		return "", errors.Wrapf(ErrElementNotFound, "%s: none of %d selectors matched (set %s)", target, len(candidates), src.Version())
	}
	return sel, nil
}

// Classify reads the page once. Error indicators win over success ones so
// a toast that reads "posted" next to an alert is not taken as success.
func Classify(ctx context.Context, b Browser, src selectors.Source, lookupTimeout time.Duration) (Observation, error) {
	order := []struct {
		target string
		state  UIState
	}{
		{selectors.ErrorToast, UIError},
		{selectors.SuccessToast, UISuccess},
		{selectors.Loading, UILoading},
		{selectors.PublishDisabled, UIDisabled},
	}
	for _, o := range order {
		sel, ok, err := locate(ctx, b, src, o.target, lookupTimeout)
		if err != nil {
			return Observation{}, err
		}
		if !ok {
			continue
		}
		obs := Observation{State: o.state, Selector: sel}
		if o.state == UIError || o.state == UISuccess {
			if text, err := b.ReadText(ctx, sel); err == nil {
				obs.Text = strings.TrimSpace(text)
			}
		}
		return obs, nil
	}
	return Observation{State: UIIdle}, nil
}

// isUnambiguous reports whether a platform error names a condition retrying cannot fix.
func isUnambiguous(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

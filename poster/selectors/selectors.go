// Package selectors maps logical UI targets ("compose box", "publish button")
// to ordered lists of concrete element selectors. Sets are versioned and can
// be swapped at runtime when the platform changes its markup.
package selectors

import (
	"sync/atomic"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/postpulse/errors"
)

// Logical UI targets the post state machine asks for.
const (
	ComposeTrigger  = "compose_trigger"
	ComposeBox      = "compose_box"
	PublishButton   = "publish_button"
	PublishDisabled = "publish_disabled"
	Loading         = "loading"
	ErrorToast      = "error_toast"
	SuccessToast    = "success_toast"
	PostLink        = "post_link"
	ProfilePost     = "profile_post"
	LoginWall       = "login_wall"
)

// Source resolves a target to candidate selectors, tried in order.
type Source interface {
	Candidates(target string) []string
	Version() string
}

// Set is one version of the selector mapping.
type Set struct {
	Version string              `toml:"version" yaml:"version"`
	Targets map[string][]string `toml:"targets" yaml:"targets"`
}

// Candidates returns the selectors for target, nil when unknown
func (s *Set) Candidates(target string) []string {
	if s == nil {
		return nil
	}
	return s.Targets[target]
}

// Validate checks the version is semver and every target has at least one selector.
func (s *Set) Validate() error {
	if _, err := semver.NewVersion(s.Version); err != nil {
		return errors.Wrapf(err, "invalid selector set version %q", s.Version)
	}
	if len(s.Targets) == 0 {
		return errors.New("selector set has no targets")
	}
	for target, candidates := range s.Targets {
		if len(candidates) == 0 {
			return errors.Newf("target %q has no selectors", target)
		}
	}
	return nil
}

// Satisfies reports whether the set's version meets constraint (e.g. "^2.1").
// An empty constraint accepts any version.
func (s *Set) Satisfies(constraint string) error {
	if constraint == "" {
		return nil
	}
	v, err := semver.NewVersion(s.Version)
	if err != nil {
		return errors.Wrapf(err, "invalid selector set version %s", s.Version)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return errors.Wrapf(err, "invalid version constraint %s", constraint)
	}
	if !c.Check(v) {
		return errors.Newf("selector set %s does not satisfy %s", s.Version, constraint)
	}
	return nil
}

// Merge returns a copy of s with other's targets layered on top
func (s *Set) Merge(other *Set) *Set {
	out := &Set{Version: s.Version, Targets: make(map[string][]string, len(s.Targets))}
	for k, v := range s.Targets {
		out.Targets[k] = v
	}
	if other == nil {
		return out
	}
	if other.Version != "" {
		out.Version = other.Version
	}
	for k, v := range other.Targets {
		out.Targets[k] = v
	}
	return out
}

// Static is a Source that can be swapped atomically
type Static struct {
	set atomic.Pointer[Set]
}

// NewStatic wraps set
func NewStatic(set *Set) *Static {
	s := &Static{}
	s.set.Store(set)
	return s
}

// Candidates implements Source
func (s *Static) Candidates(target string) []string {
	return s.set.Load().Candidates(target)
}

// Version implements Source
func (s *Static) Version() string {
	if set := s.set.Load(); set != nil {
		return set.Version
	}
	return ""
}

// Swap replaces the active set
func (s *Static) Swap(set *Set) {
	s.set.Store(set)
}

// Default returns the built-in selector set used when no file is configured.
func Default() *Set {
	return &Set{
		Version: "1.0.0",
		Targets: map[string][]string{
			ComposeTrigger: {
				`[aria-label="Create"]`,
				`div[role="button"]:has(svg[aria-label="Create"])`,
				`a[href="/compose"]`,
			},
			ComposeBox: {
				`div[contenteditable="true"][role="textbox"]`,
				`div[aria-label*="Start a thread"][contenteditable="true"]`,
				`textarea[name="text"]`,
			},
			PublishButton: {
				`div[role="dialog"] div[role="button"]:has-text("Post")`,
				`button[type="submit"]:has-text("Post")`,
				`[data-testid="post-button"]`,
			},
			PublishDisabled: {
				`div[role="dialog"] div[role="button"][aria-disabled="true"]:has-text("Post")`,
				`button[type="submit"][disabled]`,
			},
			Loading: {
				`div[role="dialog"] [role="progressbar"]`,
				`[aria-label="Loading..."]`,
				`[data-visualcompletion="loading-state"]`,
			},
			ErrorToast: {
				`[role="alert"]`,
				`div[data-testid="toast-error"]`,
			},
			SuccessToast: {
				`[role="status"]:has-text("Posted")`,
				`div[data-testid="toast-success"]`,
			},
			PostLink: {
				`[role="status"] a[href*="/post/"]`,
				`div[data-testid="toast-success"] a[href*="/post/"]`,
			},
			ProfilePost: {
				`div[data-pressable-container="true"]`,
				`article`,
			},
			LoginWall: {
				`form[action*="login"]`,
				`input[name="password"]`,
			},
		},
	}
}

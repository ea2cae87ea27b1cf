package poster

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/poster/selectors"
	"github.com/teranos/postpulse/pulse/jobs"
)

const (
	composeURL = "https://example.test/"
	profileURL = "https://example.test/@{account}"
)

func testSelectors() *selectors.Static {
	return selectors.NewStatic(&selectors.Set{
		Version: "2.1.0",
		Targets: map[string][]string{
			selectors.ComposeTrigger:  {"#compose"},
			selectors.ComposeBox:      {"#box-old", "#box"},
			selectors.PublishButton:   {"#publish"},
			selectors.PublishDisabled: {"#publish[disabled]"},
			selectors.Loading:         {"#spinner"},
			selectors.ErrorToast:      {"#alert"},
			selectors.SuccessToast:    {"#posted"},
			selectors.PostLink:        {"#posted a"},
			selectors.ProfilePost:     {"article"},
			selectors.LoginWall:       {"#login"},
		},
	})
}

// fakeBrowser is a scriptable page: a set of present selectors, their
// texts, a URL and hooks that mutate the page after clicks and navigations.
type fakeBrowser struct {
	mu         sync.Mutex
	present    map[string]bool
	texts      map[string]string
	url        string
	html       string
	failWait   map[string]int
	sessionErr error

	navigations []string
	clicks      []string
	hovers      []string
	typed       strings.Builder
	typeCalls   int

	onClick    func(f *fakeBrowser, target string)
	onNavigate func(f *fakeBrowser, url string)
	onWait     func(target string)
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		present:  map[string]bool{"#compose": true, "#box": true, "#publish": true},
		texts:    map[string]string{},
		failWait: map[string]int{},
	}
}

func (f *fakeBrowser) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	f.navigations = append(f.navigations, url)
	f.url = url
	if url == composeURL {
		f.typed.Reset()
	}
	hook := f.onNavigate
	f.mu.Unlock()
	if hook != nil {
		hook(f, url)
	}
	return nil
}

func (f *fakeBrowser) Click(_ context.Context, target string) error {
	f.mu.Lock()
	if !f.present[target] {
		f.mu.Unlock()
		return ErrElementNotFound
	}
	f.clicks = append(f.clicks, target)
	hook := f.onClick
	f.mu.Unlock()
	if hook != nil {
		hook(f, target)
	}
	return nil
}

func (f *fakeBrowser) Type(_ context.Context, target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.present[target] {
		return ErrElementNotFound
	}
	f.typeCalls++
	f.typed.WriteString(text)
	return nil
}

func (f *fakeBrowser) ReadText(_ context.Context, target string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.present[target] {
		return "", ErrElementNotFound
	}
	return f.texts[target], nil
}

func (f *fakeBrowser) WaitFor(_ context.Context, target string, _ time.Duration) error {
	if f.onWait != nil {
		f.onWait(target)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionErr != nil {
		return f.sessionErr
	}
	if f.failWait[target] > 0 {
		f.failWait[target]--
		return ErrDriverTimeout
	}
	if !f.present[target] {
		return ErrElementNotFound
	}
	return nil
}

func (f *fakeBrowser) CurrentURL(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

func (f *fakeBrowser) Scroll(context.Context, string) error { return nil }

func (f *fakeBrowser) Hover(_ context.Context, target string, _, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hovers = append(f.hovers, target)
	return nil
}

func (f *fakeBrowser) set(target string, present bool, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present[target] = present
	if text != "" {
		f.texts[target] = text
	}
}

func (f *fakeBrowser) setHTML(html string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.html = html
}

func (f *fakeBrowser) setURL(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
}

func (f *fakeBrowser) publishClicks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.clicks {
		if c == "#publish" {
			n++
		}
	}
	return n
}

// htmlBrowser adds HTMLSource to the fake
type htmlBrowser struct {
	*fakeBrowser
}

func (h htmlBrowser) PageHTML(context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.html, nil
}

// sleepRecorder records sleeps instead of waiting and drives a fake clock
// that only moves when something sleeps or advances it.
type sleepRecorder struct {
	mu      sync.Mutex
	sleeps  []time.Duration
	elapsed time.Duration
}

var clockStart = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.elapsed += d
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) advance(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elapsed += d
}

func (r *sleepRecorder) now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clockStart.Add(r.elapsed)
}

func (r *sleepRecorder) count(d time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sleeps {
		if s == d {
			n++
		}
	}
	return n
}

func testPacing() PacingConfig {
	return PacingConfig{
		MinDelay:         10 * time.Millisecond,
		MaxDelay:         10 * time.Millisecond,
		MinChunk:         2,
		MaxChunk:         5,
		MinChunkDelay:    time.Millisecond,
		MaxChunkDelay:    time.Millisecond,
		MaxPointerOffset: 4,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ComposeURL = composeURL
	cfg.ProfileURLTemplate = profileURL
	cfg.SettleTimeout = 500 * time.Millisecond
	cfg.PollInterval = 100 * time.Millisecond
	cfg.Pacing = testPacing()
	return cfg
}

func newTestMachine(t *testing.T, b Browser) (*Machine, *sleepRecorder) {
	t.Helper()
	return newTestMachineWithSelectors(t, b, testSelectors())
}

func newTestMachineWithSelectors(t *testing.T, b Browser, src selectors.Source) (*Machine, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	pacer := NewPacerWithRand(testPacing(), rand.New(rand.NewSource(1)), rec.sleep)
	sessions := SessionsFunc(func(context.Context, string) (Browser, error) { return b, nil })
	m, err := NewMachine(testConfig(), sessions, src, pacer, zap.NewNop().Sugar())
	require.NoError(t, err)
	m.timeNow = rec.now
	return m, rec
}

func testJob(content string) jobs.Job {
	return jobs.Job{
		ID:            "5f1c2b7e-0000-4000-8000-000000000001",
		AccountID:     "acct-1",
		Content:       content,
		ScheduledTime: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		Priority:      jobs.PriorityNormal,
		Status:        jobs.StatusRunning,
		MaxRetries:    3,
	}
}

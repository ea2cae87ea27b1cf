package wsdriver

import (
	"context"
	"time"

	"github.com/teranos/postpulse/poster"
)

var (
	_ poster.Sessions   = (*Client)(nil)
	_ poster.Browser    = (*Session)(nil)
	_ poster.Pointer    = (*Session)(nil)
	_ poster.HTMLSource = (*Session)(nil)
)

// Session is one account's browser profile on the driver. It implements
// poster.Browser, poster.Pointer and poster.HTMLSource.
type Session struct {
	client *Client
	id     string
}

// ID returns the driver's session identifier
func (s *Session) ID() string { return s.id }

type selectorParams struct {
	Session  string `json:"session"`
	Selector string `json:"selector,omitempty"`
}

func (s *Session) target(selector string) selectorParams {
	return selectorParams{Session: s.id, Selector: selector}
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	params := struct {
		Session string `json:"session"`
		URL     string `json:"url"`
	}{s.id, url}
	return s.client.call(ctx, "page.navigate", params, nil, s.client.callTimeout)
}

func (s *Session) Click(ctx context.Context, target string) error {
	return s.client.call(ctx, "element.click", s.target(target), nil, s.client.callTimeout)
}

func (s *Session) Type(ctx context.Context, target, text string) error {
	params := struct {
		selectorParams
		Text string `json:"text"`
	}{s.target(target), text}
	return s.client.call(ctx, "element.type", params, nil, s.client.callTimeout)
}

func (s *Session) ReadText(ctx context.Context, target string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	err := s.client.call(ctx, "element.text", s.target(target), &out, s.client.callTimeout)
	return out.Text, err
}

// WaitFor asks the driver to wait up to timeout; the client allows the
// driver its own call budget on top.
func (s *Session) WaitFor(ctx context.Context, target string, timeout time.Duration) error {
	params := struct {
		selectorParams
		TimeoutMS int64 `json:"timeout_ms"`
	}{s.target(target), timeout.Milliseconds()}
	return s.client.call(ctx, "element.wait", params, nil, s.client.callTimeout+timeout)
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := s.client.call(ctx, "page.url", s.target(""), &out, s.client.callTimeout)
	return out.URL, err
}

func (s *Session) Scroll(ctx context.Context, target string) error {
	return s.client.call(ctx, "element.scroll", s.target(target), nil, s.client.callTimeout)
}

func (s *Session) Hover(ctx context.Context, target string, dx, dy int) error {
	params := struct {
		selectorParams
		DX int `json:"dx"`
		DY int `json:"dy"`
	}{s.target(target), dx, dy}
	return s.client.call(ctx, "pointer.hover", params, nil, s.client.callTimeout)
}

func (s *Session) PageHTML(ctx context.Context) (string, error) {
	var out struct {
		HTML string `json:"html"`
	}
	err := s.client.call(ctx, "page.html", s.target(""), &out, s.client.callTimeout)
	return out.HTML, err
}

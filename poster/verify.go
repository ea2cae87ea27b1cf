package poster

import (
	"context"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/poster/selectors"
)

// Verification sources, in the order they are tried
const (
	VerifiedByDOM     = "dom"
	VerifiedByURL     = "url"
	VerifiedByProfile = "profile"
)

// verifier extracts a platform-assigned thread ID after an apparent success.
type verifier struct {
	src          selectors.Source
	pattern      *regexp.Regexp
	profileURL   string
	snippetRunes int
	locate       func(ctx context.Context, b Browser, target string) (string, bool, error)
}

// matchID returns the first capture of pattern in s, or the whole match when
// the pattern has no group.
func (v *verifier) matchID(s string) string {
	m := v.pattern.FindStringSubmatch(s)
	switch {
	case m == nil:
		return ""
	case len(m) > 1:
		return m[1]
	default:
		return m[0]
	}
}

// baseline holds the permalink IDs visible before the publish click. None
// of them can belong to the post being published.
type baseline struct {
	ids map[string]bool
	// profile is set once the account listing was read before composing;
	// without it a listing entry cannot be told apart from an older post.
	profile bool
}

func newBaseline() *baseline {
	return &baseline{ids: map[string]bool{}}
}

func (s *baseline) add(ids ...string) {
	for _, id := range ids {
		if id != "" {
			s.ids[id] = true
		}
	}
}

// fresh returns the first id not already seen
func (s *baseline) fresh(ids ...string) string {
	for _, id := range ids {
		if id != "" && !s.ids[id] {
			return id
		}
	}
	return ""
}

// captureProfile records every permalink on the account's listing. It needs
// HTMLSource; failures leave profile verification disabled for the attempt.
func (v *verifier) captureProfile(ctx context.Context, b Browser, accountID string, seen *baseline) error {
	hs, ok := b.(HTMLSource)
	if !ok || v.profileURL == "" {
		return nil
	}
	if err := b.Navigate(ctx, v.profileLink(accountID)); err != nil {
		return errors.Wrap(err, "opening profile listing")
	}
	html, err := hs.PageHTML(ctx)
	if err != nil {
		return errors.Wrap(err, "reading profile listing")
	}
	seen.add(v.idsIn(html, "a[href]")...)
	seen.profile = true
	return nil
}

// capturePage records the permalinks on the composer page, the post link
// indicator and the current URL.
func (v *verifier) capturePage(ctx context.Context, b Browser, seen *baseline) {
	if hs, ok := b.(HTMLSource); ok {
		if html, err := hs.PageHTML(ctx); err == nil {
			seen.add(v.idsIn(html, "a[href]")...)
		}
	}
	seen.add(v.fromLinkText(ctx, b))
	if url, err := b.CurrentURL(ctx); err == nil {
		seen.add(v.matchID(url))
	}
}

// verify tries the page DOM, then the current URL, then the account's own
// listing. IDs present before the click are never accepted. It returns ""
// when no source yields a new ID.
func (v *verifier) verify(ctx context.Context, b Browser, accountID, content string, seen *baseline) (id, source string) {
	if id := v.fromDOM(ctx, b, seen); id != "" {
		return id, VerifiedByDOM
	}
	if id := v.fromURL(ctx, b, seen); id != "" {
		return id, VerifiedByURL
	}
	if id := v.fromProfile(ctx, b, accountID, content, seen); id != "" {
		return id, VerifiedByProfile
	}
	return "", ""
}

func (v *verifier) fromDOM(ctx context.Context, b Browser, seen *baseline) string {
	if hs, ok := b.(HTMLSource); ok {
		if html, err := hs.PageHTML(ctx); err == nil {
			if id := seen.fresh(v.idsIn(html, v.src.Candidates(selectors.PostLink)...)...); id != "" {
				return id
			}
		}
	}
	return seen.fresh(v.fromLinkText(ctx, b))
}

func (v *verifier) fromLinkText(ctx context.Context, b Browser) string {
	sel, ok, err := v.locate(ctx, b, selectors.PostLink)
	if err != nil || !ok {
		return ""
	}
	text, err := b.ReadText(ctx, sel)
	if err != nil {
		return ""
	}
	return v.matchID(text)
}

func (v *verifier) fromURL(ctx context.Context, b Browser, seen *baseline) string {
	url, err := b.CurrentURL(ctx)
	if err != nil {
		return ""
	}
	return seen.fresh(v.matchID(url))
}

func (v *verifier) profileLink(accountID string) string {
	return strings.ReplaceAll(v.profileURL, "{account}", accountID)
}

// fromProfile opens the account's listing and takes the newest entry that
// carries the start of the content and a permalink missing from the
// listing read before composing.
func (v *verifier) fromProfile(ctx context.Context, b Browser, accountID, content string, seen *baseline) string {
	if v.profileURL == "" || !seen.profile {
		return ""
	}
	snippet := Snippet(content, v.snippetRunes)
	if snippet == "" {
		return ""
	}
	hs, ok := b.(HTMLSource)
	if !ok {
		return ""
	}
	if err := b.Navigate(ctx, v.profileLink(accountID)); err != nil {
		return ""
	}
	html, err := hs.PageHTML(ctx)
	if err != nil {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	for _, sel := range v.src.Candidates(selectors.ProfilePost) {
		var id string
		doc.Find(sel).EachWithBreak(func(_ int, entry *goquery.Selection) bool {
			if !strings.Contains(normalizeSpace(entry.Text()), snippet) {
				return true
			}
			entry.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
				href, _ := a.Attr("href")
				id = seen.fresh(v.matchID(href))
				return id == ""
			})
			return id == ""
		})
		if id != "" {
			return id
		}
	}
	return ""
}

// idsIn collects permalink IDs in document order from elements matching any
// of the selectors: the element's own href or the first link inside it.
func (v *verifier) idsIn(html string, sels ...string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	var ids []string
	for _, sel := range sels {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			href, ok := s.Attr("href")
			if !ok {
				href, _ = s.Find("a[href]").First().Attr("href")
			}
			if id := v.matchID(href); id != "" {
				ids = append(ids, id)
			}
		})
	}
	return ids
}

// Snippet returns the first n runes of content with whitespace collapsed
func Snippet(content string, n int) string {
	s := normalizeSpace(content)
	r := []rune(s)
	if n > 0 && len(r) > n {
		r = r[:n]
	}
	return strings.TrimSpace(string(r))
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

package poster

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		present map[string]string
		want    UIState
	}{
		{"nothing visible", nil, UIIdle},
		{"spinner", map[string]string{"#spinner": ""}, UILoading},
		{"disabled button", map[string]string{"#publish[disabled]": ""}, UIDisabled},
		{"success toast", map[string]string{"#posted": "Posted"}, UISuccess},
		{"error wins over success", map[string]string{"#posted": "Posted", "#alert": "Failed"}, UIError},
		{"error wins over loading", map[string]string{"#spinner": "", "#alert": "Failed"}, UIError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeBrowser()
			for sel, text := range tt.present {
				f.set(sel, true, text)
			}
			obs, err := Classify(context.Background(), f, testSelectors(), time.Millisecond)
			require.NoError(t, err)
			assert.Equal(t, tt.want, obs.State)
			if tt.want == UIError {
				assert.Equal(t, "Failed", obs.Text)
			}
		})
	}
}

func TestClassifyStopsOnSessionLoss(t *testing.T) {
	f := newFakeBrowser()
	f.sessionErr = ErrSessionUnavailable
	_, err := Classify(context.Background(), f, testSelectors(), time.Millisecond)
	assert.ErrorIs(t, err, ErrSessionUnavailable)
}

func TestResolveFallsBackThroughCandidates(t *testing.T) {
	f := newFakeBrowser()
	sel, err := resolve(context.Background(), f, testSelectors(), "compose_box", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "#box", sel)

	_, err = resolve(context.Background(), f, testSelectors(), "no_such_target", time.Millisecond)
	assert.ErrorIs(t, err, ErrElementNotFound)
}

func TestIsUnambiguous(t *testing.T) {
	phrases := DefaultConfig().NonRetryablePhrases
	assert.True(t, isUnambiguous("Your account has been SUSPENDED", phrases))
	assert.False(t, isUnambiguous("Something went wrong", phrases))
	assert.False(t, isUnambiguous("", phrases))
}

func TestMatchID(t *testing.T) {
	v := &verifier{pattern: regexp.MustCompile(DefaultThreadIDPattern)}
	assert.Equal(t, "C4x9_a-B", v.matchID("https://example.test/@me/post/C4x9_a-B?x=1"))
	assert.Equal(t, "", v.matchID("https://example.test/@me"))

	v = &verifier{pattern: regexp.MustCompile(`\d{6,}`)}
	assert.Equal(t, "1234567", v.matchID("thread 1234567"))
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "Hello world", Snippet("  Hello\n\tworld  ", 0))
	assert.Equal(t, "Hello", Snippet("Hello world", 6))
	assert.Equal(t, "✎✎", Snippet("✎✎✎", 2))
}

package commands

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/postpulse/errors"
)

func TestParseWhen(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"relative", "+90m", now.Add(90 * time.Minute)},
		{"rfc3339", "2026-03-14T09:00:00Z", time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)},
		{"local minutes", "2026-03-14 09:00", time.Date(2026, 3, 14, 9, 0, 0, 0, loc)},
		{"local T separator", "2026-03-14T09:30", time.Date(2026, 3, 14, 9, 30, 0, 0, loc)},
		{"local seconds", " 2026-03-14 09:00:15 ", time.Date(2026, 3, 14, 9, 0, 15, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseWhen(tt.in, now, loc)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s got %s", tt.want, got)
		})
	}
}

func TestParseWhenRejectsGarbage(t *testing.T) {
	for _, in := range []string{"tomorrow", "+soon", "14/03/2026"} {
		_, err := parseWhen(in, time.Now(), time.UTC)
		require.Error(t, err, in)
		assert.True(t, errors.IsInvalidRequestError(err), in)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "héllo w…", truncate("héllo world", 8))
}

// Package sym holds the glyphs postpulse uses to tag log lines and CLI output.
package sym

// System infrastructure symbols.
const (
	Pulse      = "꩜" // scheduler loop, retries, pacing
	PulseOpen  = "✿" // startup, crash recovery
	PulseClose = "❀" // shutdown, final persist
	DB         = "⊔" // job store and telemetry database
	Post       = "✎" // post-action state machine
	Selector   = "⌖" // selector sets and reloads
)

// ForStatus returns the glyph shown next to a job status in CLI listings.
func ForStatus(status string) string {
	switch status {
	case "completed":
		return "✔"
	case "failed":
		return "✘"
	case "running":
		return Pulse
	case "expired":
		return "⌛"
	case "cancelled":
		return "⊘"
	default:
		return "·"
	}
}

// Package sym defines the glyphs onair attaches to log lines and CLI output.
// They are stable across the CLI, the websocket feed and the logs so that a
// line can be filtered by subsystem with a single character.
package sym

// Subsystem glyphs.
const (
	AM     = "≡" // am: configuration and system settings
	Pulse  = "꩜" // scheduling loop, dispatch, retry and pacing
	Record = "◉" // capture pipeline
	DB     = "⊔" // database/storage layer
	Mirror = "⇪" // object-store mirroring
)

// Lifecycle glyphs.
const (
	PulseOpen  = "✿" // startup with interrupted job recovery
	PulseClose = "❀" // graceful shutdown
)

// StateGlyph maps persisted job and recording states to the glyph shown in
// tables and notifications.
var StateGlyph = map[string]string{
	"pending":    "○",
	"queued":     "◌",
	"preparing":  "◔",
	"recording":  Record,
	"finalizing": "◕",
	"completed":  "●",
	"failed":     "✕",
	"cancelled":  "⊘",
	"aborted":    "⊘",
}

// ForState returns the glyph for a state, or "?" when the state is unknown.
func ForState(state string) string {
	if g, ok := StateGlyph[state]; ok {
		return g
	}
	return "?"
}

package sym

import (
	"testing"
	"unicode/utf8"
)

func TestStateGlyphsAreSingleRunes(t *testing.T) {
	for state, glyph := range StateGlyph {
		if utf8.RuneCountInString(glyph) != 1 {
			t.Errorf("StateGlyph[%q] = %q is not a single rune", state, glyph)
		}
	}
}

func TestForStateUnknown(t *testing.T) {
	if got := ForState("exploded"); got != "?" {
		t.Errorf("ForState(unknown) = %q, want ?", got)
	}
	if got := ForState("recording"); got != Record {
		t.Errorf("ForState(recording) = %q, want %q", got, Record)
	}
}

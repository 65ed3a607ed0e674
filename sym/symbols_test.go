package sym

import (
	"testing"
	"unicode/utf8"
)

func TestSymbolsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, s := range All() {
		if seen[s] {
			t.Errorf("duplicate symbol %q", s)
		}
		seen[s] = true
	}
}

func TestSymbolsAreSingleRune(t *testing.T) {
	for _, s := range All() {
		if n := utf8.RuneCountInString(s); n != 1 {
			t.Errorf("symbol %q has %d runes, want 1", s, n)
		}
	}
}

package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Mi Mundo Épico!", "mi-mundo-epico"},
		{"castle", "castle"},
		{"  Survival__World  2 ", "survival-world-2"},
		{"Ñandú-Ártico", "nandu-artico"},
		{"日本", SlugFallback},
		{"", SlugFallback},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slug(tt.in), "Slug(%q)", tt.in)
	}
}

func TestRandomToken(t *testing.T) {
	a := RandomToken(10)
	b := RandomToken(10)

	assert.Len(t, a, 10)
	assert.Len(t, b, 10)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "0")
	assert.NotContains(t, a, "l")
}

func TestPtr(t *testing.T) {
	p := Ptr(1.5)
	assert.Equal(t, 1.5, *p)
}

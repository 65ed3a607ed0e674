package util

import (
	"crypto/rand"
	"strings"
	"unicode"

	"github.com/mr-tron/base58"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// SlugFallback is returned by Slug when nothing usable remains.
const SlugFallback = "mundo"

// Slug lowercases s, strips diacritics and collapses every run of
// characters outside [a-z0-9] into a single hyphen.
//
//	Slug("Mi Mundo Épico!") == "mi-mundo-epico"
func Slug(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}

	if b.Len() == 0 {
		return SlugFallback
	}
	return b.String()
}

// RandomToken returns n characters of base58 drawn from crypto/rand.
func RandomToken(n int) string {
	var out strings.Builder
	buf := make([]byte, n)
	for out.Len() < n {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand unavailable: " + err.Error())
		}
		enc := base58.Encode(buf)
		out.WriteString(enc[:min(len(enc), n-out.Len())])
	}
	return out.String()
}

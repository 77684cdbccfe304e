package textutil

import (
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// QueryDisplayName derives a readable title from a query file path, so
// `security/UnsafeDeserialization.ql` becomes "Unsafe Deserialization".
func QueryDisplayName(queryPath string) string {
	base := filepath.Base(strings.TrimSpace(queryPath))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "Untitled Query"
	}

	var b strings.Builder
	prev := rune(0)
	for _, r := range base {
		switch {
		case unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)):
			b.WriteRune(' ')
			b.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.' || unicode.IsSpace(r):
			if prev != ' ' {
				b.WriteRune(' ')
			}
			r = ' '
		}
		prev = r
	}
	title := strings.Join(strings.Fields(b.String()), " ")
	if title == "" {
		return "Untitled Query"
	}
	return cases.Title(language.Und, cases.NoLower).String(title)
}

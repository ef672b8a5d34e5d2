package plots

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Slugify converts a plot name into a filesystem-safe slug used for
// output directories and preview filenames.
// Example: "Field 7 (Süd/West)" → "field-7-sued-west"
func Slugify(name string) string {
	if name == "" {
		return "plot"
	}

	s := strings.ToLower(name)

	// German umlauts expand before folding so "Süd" keeps its
	// conventional "sued" spelling instead of collapsing to "sud".
	replacer := strings.NewReplacer(
		"ä", "ae",
		"ö", "oe",
		"ü", "ue",
		"ß", "ss",
	)
	s = replacer.Replace(s)

	// NFD decomposition plus mark stripping folds the remaining
	// accented letters to ASCII.
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(fold, s); err == nil {
		s = folded
	}

	var result strings.Builder
	lastWasDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			result.WriteRune(r)
			lastWasDash = false
		default:
			if !lastWasDash {
				result.WriteRune('-')
				lastWasDash = true
			}
		}
	}

	slug := strings.Trim(result.String(), "-")

	if len(slug) > 50 {
		slug = slug[:50]
		slug = strings.TrimRight(slug, "-")
	}

	if slug == "" {
		return "plot"
	}
	return slug
}

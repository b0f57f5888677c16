// Package dedup finds, groups, and merges duplicate catalog books.
package dedup

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var foldTransformer = transform.Chain(
	norm.NFKD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// foldDiacritics strips combining marks: "Café" folds to "Cafe".
func foldDiacritics(s string) string {
	var out, _, err = transform.String(foldTransformer, s)
	if err != nil {
		return s
	}
	return out
}

var (
	nonAlnum       = regexp.MustCompile(`[^a-z0-9\s]+`)
	multiSpace     = regexp.MustCompile(`\s+`)
	editionMarkers = regexp.MustCompile(`\b(\d+(st|nd|rd|th)|first|second|third|revised|updated|special|anniversary|annotated|illustrated|expanded|international|collectors?)\s+(edition|ed)\b|\bedition\b|\bunabridged\b|\babridged\b`)
	yearPattern    = regexp.MustCompile(`\d{4}`)
	isbnCleaner    = regexp.MustCompile(`[^0-9Xx]`)
	asinCleaner    = regexp.MustCompile(`[^0-9A-Za-z]`)
)

var leadingArticles = []string{"the ", "a ", "an ", "le ", "la ", "les ", "un ", "une "}

// NormalizeTitle reduces a title to a comparison key: lowercased, diacritics
// folded, punctuation removed, edition markers stripped, and leading
// articles dropped. Normalizing an already-normalized title is a no-op.
func NormalizeTitle(title string) string {
	var t = strings.ToLower(foldDiacritics(title))
	t = nonAlnum.ReplaceAllString(t, " ")
	t = editionMarkers.ReplaceAllString(t, " ")
	t = multiSpace.ReplaceAllString(strings.TrimSpace(t), " ")

	// Articles can stack ("The Le Morte d'Arthur"); strip until none lead.
	for stripped := true; stripped; {
		stripped = false
		for _, article := range leadingArticles {
			if strings.HasPrefix(t, article) {
				t = t[len(article):]
				stripped = true
				break
			}
		}
	}
	return strings.TrimSpace(t)
}

// NormalizeAuthor reduces an author name to a comparison key. "Last, First"
// is rewritten to "first last" so both orderings compare equal.
func NormalizeAuthor(name string) string {
	var a = strings.TrimSpace(name)
	if comma := strings.Index(a, ","); comma >= 0 {
		a = strings.TrimSpace(a[comma+1:]) + " " + strings.TrimSpace(a[:comma])
	}
	a = strings.ToLower(foldDiacritics(a))
	a = nonAlnum.ReplaceAllString(a, " ")
	return multiSpace.ReplaceAllString(strings.TrimSpace(a), " ")
}

// NormalizeISBN strips separators and upgrades ISBN-10 to ISBN-13. Invalid
// lengths normalize to the empty string, which never matches anything.
func NormalizeISBN(isbn string) string {
	var digits = isbnCleaner.ReplaceAllString(isbn, "")
	digits = strings.ToUpper(digits)

	switch len(digits) {
	case 13:
		return digits
	case 10:
		return isbn10To13(digits)
	default:
		return ""
	}
}

// isbn10To13 prefixes 978, drops the old check digit, and recomputes the
// EAN-13 check digit.
func isbn10To13(isbn10 string) string {
	var core = "978" + isbn10[:9]
	var sum int
	for i, r := range core {
		var d = int(r - '0')
		if d < 0 || d > 9 {
			return ""
		}
		if i%2 == 0 {
			sum += d
		} else {
			sum += d * 3
		}
	}
	var check = (10 - sum%10) % 10
	return core + string(rune('0'+check))
}

// NormalizeASIN strips separators and uppercases an Amazon identifier.
// Anything other than the ten-character form normalizes to the empty
// string, which never matches anything.
func NormalizeASIN(asin string) string {
	var s = strings.ToUpper(asinCleaner.ReplaceAllString(asin, ""))
	if len(s) != 10 {
		return ""
	}
	return s
}

// NormalizeDate extracts the publication year, the only date component
// that compares reliably across sources.
func NormalizeDate(date string) string {
	return yearPattern.FindString(date)
}

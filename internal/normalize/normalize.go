// Package normalize holds the comparison-key helpers shared by ingestion
// and reconciliation. Every dedup decision in the pipeline goes through
// one of these functions so that two subsystems never disagree on whether
// a pair of values is "the same".
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	nonDigits  = regexp.MustCompile(`\D`)
	multiSpace = regexp.MustCompile(`\s{2,}`)

	// Corporate suffixes that carry no identity. Brazilian registries are
	// inconsistent about them, so they are stripped before name matching.
	entitySuffixes = regexp.MustCompile(
		`(?i)\s*,?\s*(LTDA\.?|LIMITADA|S\.?/?A\.?|EIRELI|MEI?|EPP|ME|` +
			`SOCIEDADE ANONIMA|S\.?S\.?|SLU|LLC|INC\.?|CORP\.?|LTD\.?)\s*\.?\s*$`)

	accentStripper = transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	)
)

// Digits strips everything but ASCII digits. Used for CNPJ and phone keys.
func Digits(s string) string {
	return nonDigits.ReplaceAllString(s, "")
}

// CNPJ normalizes a tax-registry id to its 14-digit form. Returns "" when
// the input does not contain exactly 14 digits.
func CNPJ(s string) string {
	d := Digits(s)
	if len(d) != 14 {
		return ""
	}
	return d
}

// Phone returns the digits-only comparison key for a phone number.
// Free-text provider values like "+55 (11) 98765-4321" collapse to the
// same key as "11987654321" after the country code is dropped.
func Phone(s string) string {
	d := Digits(s)
	if strings.HasPrefix(d, "55") && len(d) >= 12 {
		d = d[2:]
	}
	return d
}

// Email lowercases and trims an email address.
func Email(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Domain reduces a website or domain value to a bare registrable host:
// scheme, www prefix, path and port are dropped.
func Domain(s string) string {
	d := strings.ToLower(strings.TrimSpace(s))
	for _, prefix := range []string{"https://", "http://"} {
		d = strings.TrimPrefix(d, prefix)
	}
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#:"); i >= 0 {
		d = d[:i]
	}
	return d
}

// Name produces the accent-folded, suffix-stripped, upper-cased key used
// for person and company name dedup.
func Name(s string) string {
	n := strings.ToUpper(strings.TrimSpace(s))
	if folded, _, err := transform.String(accentStripper, n); err == nil {
		n = folded
	}
	n = entitySuffixes.ReplaceAllString(n, "")
	n = multiSpace.ReplaceAllString(n, " ")
	return strings.TrimSpace(n)
}

// Technology lowercases and trims a detected technology label.
func Technology(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// CNAECode strips punctuation from an industry classification code
// ("62.01-5-01" and "6201501" share a key).
func CNAECode(s string) string {
	return Digits(s)
}

// State upper-cases a two-letter state code, tolerating whitespace.
func State(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

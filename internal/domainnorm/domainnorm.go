// Package domainnorm implements the root-domain normalization rule
// from spec §4.6.3, used to key Company Profile rows.
package domainnorm

import "strings"

// compoundSecondLevel lists second-level labels that, combined with a
// trailing two-letter country code, make up a three-label root domain
// (e.g. "example.co.uk" rather than just "co.uk").
var compoundSecondLevel = map[string]bool{
	"co":  true,
	"com": true,
	"org": true,
	"net": true,
	"gov": true,
	"edu": true,
	"ac":  true,
}

// Normalize applies spec §4.6.3's rule: lowercase, strip a leading
// "www.", then retain the last two labels, or the last three when the
// next-to-last label is one of the compound list and the last label
// is a two-letter country code. Normalize is idempotent:
// Normalize(Normalize(d)) == Normalize(d).
func Normalize(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimPrefix(d, "www.")

	labels := strings.Split(d, ".")
	if len(labels) <= 2 {
		return d
	}

	last := labels[len(labels)-1]
	nextToLast := labels[len(labels)-2]

	if len(last) == 2 && compoundSecondLevel[nextToLast] && len(labels) >= 3 {
		return strings.Join(labels[len(labels)-3:], ".")
	}

	return strings.Join(labels[len(labels)-2:], ".")
}

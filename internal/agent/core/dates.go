package core

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	isoDateRe     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	inDaysRe      = regexp.MustCompile(`^(?:in|em|daqui a)\s+(\d{1,3})\s+(?:days?|dias?)$`)
	placeholderRe = regexp.MustCompile(`^(?i)y{2,4}-?m{2}-?d{2}$`)
)

// NormalizeDueDate resolves a relative date expression against now and
// returns it as an ISO date. ok=false means the value is a placeholder
// or unintelligible and the slot should be dropped rather than stored.
// Already-ISO dates pass through unchanged. English and Portuguese
// expressions are recognized.
func NormalizeDueDate(raw string, now time.Time) (string, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return "", false
	}
	if isoDateRe.MatchString(v) {
		return v, true
	}
	if placeholderRe.MatchString(v) {
		// The model echoed the format placeholder instead of a date.
		return "", false
	}

	folded := stripDiacritics(v)
	switch folded {
	case "today", "hoje":
		return now.Format("2006-01-02"), true
	case "tomorrow", "amanha":
		return now.AddDate(0, 0, 1).Format("2006-01-02"), true
	case "day after tomorrow", "depois de amanha":
		return now.AddDate(0, 0, 2).Format("2006-01-02"), true
	case "next week", "semana que vem", "proxima semana":
		return now.AddDate(0, 0, 7).Format("2006-01-02"), true
	}
	if m := inDaysRe.FindStringSubmatch(folded); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return now.AddDate(0, 0, n).Format("2006-01-02"), true
		}
	}

	// Common explicit formats models emit
	for _, layout := range []string{"02/01/2006", "2006/01/02", "Jan 2, 2006", "2 Jan 2006"} {
		if t, err := time.Parse(layout, strings.TrimSpace(raw)); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

var diacriticsStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func stripDiacritics(s string) string {
	out, _, err := transform.String(diacriticsStripper, s)
	if err != nil {
		return s
	}
	return out
}

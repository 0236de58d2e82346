// Package contact normalizes donor contact fields for matching.
//
// Phone numbers are compared digits-only with the Nepal country code
// stripped, so "+977-984-1234567", "9779841234567" and "9841234567" all
// normalize to the same number. Emails are compared case-insensitively.
package contact

import "strings"

// Nepali subscriber numbers are 10 digits. A 977 country code (with or
// without the 00 international dialing prefix) in front of one is dropped.
const localPhoneDigits = 10

// NormalizePhone strips every non-digit character from a phone number and
// drops a leading Nepal country code. Returns "" if the input contains no
// digits. The SQL function normalize_phone mirrors this for index lookups.
func NormalizePhone(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	switch {
	case len(d) == localPhoneDigits+5 && strings.HasPrefix(d, "00977"):
		return d[5:]
	case len(d) == localPhoneDigits+3 && strings.HasPrefix(d, "977"):
		return d[3:]
	}
	return d
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// GuestKey builds a stable pseudo-identifier for an anonymous donor:
// normalized phone if present, else normalized email, else "unknown".
func GuestKey(phone, email string) string {
	if p := NormalizePhone(phone); p != "" {
		return p
	}
	if e := NormalizeEmail(email); e != "" {
		return e
	}
	return "unknown"
}

package telephony

import (
	"regexp"
	"strings"
	"unicode"
)

// InvalidPhoneNumberMessage is reported when a number fails validation.
const InvalidPhoneNumberMessage = "Invalid phone number format. Please include country code (e.g., +1234567890)"

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// NormalizePhoneNumber strips whitespace, hyphens and parentheses.
func NormalizePhoneNumber(raw string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' || r == '(' || r == ')' {
			return -1
		}
		return r
	}, raw)
}

// ValidatePhoneNumber reports whether raw is a plausible E.164 number once
// formatting characters are removed.
func ValidatePhoneNumber(raw string) bool {
	return e164Pattern.MatchString(NormalizePhoneNumber(raw))
}

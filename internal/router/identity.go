package router

import (
	"strings"
	"unicode"
)

// NormalizeIdentifier canonicalises a sender or contact identifier so
// formatting differences compare equal: "@Alice" and "alice" for chat
// handles, "(555) 123-4567" and "+1 555 123 4567" for phones, and
// case-insensitive emails. Only identifiers made of digits and phone
// punctuation are treated as phone numbers; "bob42" stays a handle.
func NormalizeIdentifier(id string) string {
	id = strings.TrimSpace(id)
	if strings.Contains(id, "@") && !strings.HasPrefix(id, "@") {
		return strings.ToLower(id)
	}
	if isPhone(id) {
		return normalizePhone(id)
	}
	return strings.ToLower(strings.TrimPrefix(id, "@"))
}

func isPhone(id string) bool {
	digits := 0
	for _, r := range id {
		switch {
		case unicode.IsDigit(r):
			digits++
		case strings.ContainsRune("+-(). ", r):
		default:
			return false
		}
	}
	return digits > 0
}

func normalizePhone(id string) string {
	var b strings.Builder
	for _, r := range id {
		if unicode.IsDigit(r) || r == '+' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 10 && !strings.HasPrefix(digits, "+") {
		digits = "+1" + digits
	}
	return strings.TrimPrefix(digits, "+1")
}

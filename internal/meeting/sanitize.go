package meeting

import "strings"

// SanitizeID maps an external meeting id to a session id. Every rune outside
// [A-Za-z0-9_-] becomes '_'. The result is empty only for empty input.
func SanitizeID(meetingID string) string {
	var b strings.Builder
	b.Grow(len(meetingID))
	for _, r := range meetingID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

package oauth

import (
	"strings"
	"unicode"
)

// handlePaths lists where a provider payload may carry the account handle,
// in priority order.
var handlePaths = [][]string{
	{"OAuthProfile", "data", "username"},
	{"profile", "data", "username"},
	{"data", "username"},
	{"user", "username"},
}

// namePaths are consulted only when no handle is present. The display
// name is lower-cased with whitespace removed.
var namePaths = [][]string{
	{"user", "name"},
	{"data", "name"},
}

// ExtractHandle returns the account handle from a loosely structured
// profile payload.
func ExtractHandle(payload map[string]any) (string, bool) {
	for _, path := range handlePaths {
		if s, ok := lookupString(payload, path); ok {
			return strings.TrimPrefix(s, "@"), true
		}
	}
	for _, path := range namePaths {
		if s, ok := lookupString(payload, path); ok {
			return strings.Map(func(r rune) rune {
				if unicode.IsSpace(r) {
					return -1
				}
				return unicode.ToLower(r)
			}, s), true
		}
	}
	return "", false
}

func lookupString(m map[string]any, path []string) (string, bool) {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = obj[key]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

package chat

import "strings"

// DefaultSessionKey is used when no authenticated identity is available.
const DefaultSessionKey = "default"

// ResolveSessionKey derives the key identifying a conversation's history from
// an optional authenticated user id. It always succeeds: an absent identity
// falls back to DefaultSessionKey. Callers re-resolve whenever the identity
// becomes available, which is expected to trigger a history reload for the
// new key.
func ResolveSessionKey(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return DefaultSessionKey
	}
	return userID
}

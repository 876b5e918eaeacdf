package utils

import "strings"

// ShareURL builds the link a match creator sends to their opponent.
func ShareURL(baseURL, kind, matchID string) string {
	return strings.TrimRight(baseURL, "/") + "/" + kind + "/" + matchID
}

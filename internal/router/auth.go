package router

import (
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// ExtractAccessToken reads the access_token query parameter first,
// falling back to the Authorization header with a leading "Bearer "
// prefix stripped if present. An empty result means "absent". A header
// that isn't actually Bearer-prefixed is returned verbatim rather than
// treated as absent - only the exact "Bearer " prefix is removed, never
// a character-set trim that would also eat leading B/e/a/r characters
// from the token itself.
func ExtractAccessToken(r *http.Request) string {
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return tok
	}

	header := r.Header.Get("Authorization")
	return strings.TrimPrefix(header, bearerPrefix)
}

package instagram

import (
	"net/url"
	"strings"
)

const (
	// LoginEndpoint exchanges credentials for session settings
	LoginEndpoint = "/login"

	// ProbeEndpoint runs a cheap authenticated call with the given settings
	ProbeEndpoint = "/probe"

	// LogoutEndpoint invalidates the session held by the given settings
	LogoutEndpoint = "/logout"

	// UsersEndpoint is the prefix for profile lookups
	UsersEndpoint = "/users/"
)

// Error types reported by the bridge in the error_type field
const (
	bridgeBadPassword       = "bad_password"
	bridgeChallengeRequired = "challenge_required"
	bridgeLoginRequired     = "login_required"
)

// GetHighlightsPath returns the bridge path for a highlight listing
func GetHighlightsPath(username string) string {
	return UsersEndpoint + url.PathEscape(username) + "/highlights"
}

// GetProfilePath returns the bridge path for a profile lookup
func GetProfilePath(username string) string {
	return UsersEndpoint + url.PathEscape(username)
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

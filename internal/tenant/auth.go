package tenant

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/dhawalhost/scimgate/internal/config"
	"github.com/dhawalhost/scimgate/internal/scimerr"
)

// Authenticate checks the Authorization header against the tenant's (or a
// custom endpoint's) auth settings. All secret comparisons are constant
// time. On failure the returned challenge names the expected scheme for the
// WWW-Authenticate response header.
func Authenticate(auth *config.Auth, authorization string) (challenge string, err error) {
	switch auth.Type {
	case "unauthenticated":
		return "", nil
	case "bearer":
		token, ok := cutScheme(authorization, "Bearer")
		if !ok || !equalSecret(token, auth.Token) {
			return "Bearer", scimerr.Unauthorized("invalid bearer token")
		}
		return "", nil
	case "token":
		// Raw shared secret in the Authorization header, no scheme prefix.
		if !equalSecret(authorization, auth.Token) {
			return "Token", scimerr.Unauthorized("invalid token")
		}
		return "", nil
	case "basic":
		payload, ok := cutScheme(authorization, "Basic")
		if !ok {
			return "Basic", scimerr.Unauthorized("basic credentials required")
		}
		decoded, derr := base64.StdEncoding.DecodeString(payload)
		if derr != nil {
			return "Basic", scimerr.Unauthorized("malformed basic credentials")
		}
		user, pass, found := strings.Cut(string(decoded), ":")
		if !found || auth.Basic == nil {
			return "Basic", scimerr.Unauthorized("malformed basic credentials")
		}
		// Evaluate both comparisons so timing does not reveal which field
		// mismatched.
		userOK := equalSecret(user, auth.Basic.Username)
		passOK := equalSecret(pass, auth.Basic.Password)
		if !userOK || !passOK {
			return "Basic", scimerr.Unauthorized("invalid basic credentials")
		}
		return "", nil
	}
	return "", scimerr.Unauthorized("unsupported authentication type")
}

// cutScheme strips "<scheme> " from an Authorization value. The scheme token
// compares case-insensitively per RFC 7235 §2.1.
func cutScheme(authorization, scheme string) (string, bool) {
	n := len(scheme) + 1
	if len(authorization) <= n || !strings.EqualFold(authorization[:len(scheme)], scheme) || authorization[len(scheme)] != ' ' {
		return "", false
	}
	return authorization[n:], true
}

func equalSecret(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

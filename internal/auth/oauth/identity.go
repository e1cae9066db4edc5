package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/byokey/byokey/internal/auth"
)

// deriveIdentity produces a stable account id and label for a freshly minted
// credential. The id-token sub claim is preferred; the token is decoded
// without signature verification because it is only used for identification,
// never as a bearer. Without an id-token the refresh-token prefix is hashed;
// with neither, a random id is generated.
func deriveIdentity(cred *auth.Credential) (accountID, label string) {
	if cred.IDToken != "" {
		if claims := decodeJWTClaims(cred.IDToken); claims != nil {
			if sub, _ := claims["sub"].(string); sub != "" {
				if email, _ := claims["email"].(string); email != "" {
					return sub, email
				}
				return sub, sub
			}
		}
	}
	if cred.RefreshToken != "" {
		prefix := cred.RefreshToken
		if len(prefix) > 16 {
			prefix = prefix[:16]
		}
		sum := sha256.Sum256([]byte(prefix))
		id := hex.EncodeToString(sum[:8])
		return id, "Account " + id[:8]
	}
	short := strings.Split(uuid.NewString(), "-")[0]
	return uuid.NewString(), fmt.Sprintf("Account %s", short)
}

// decodeJWTClaims parses the payload segment of a JWT without verifying the
// signature. Returns nil on any malformation.
func decodeJWTClaims(token string) map[string]any {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		// Some issuers pad the segment.
		payload, err = base64.URLEncoding.DecodeString(parts[1])
		if err != nil {
			return nil
		}
	}
	var claims map[string]any
	if err = json.Unmarshal(payload, &claims); err != nil {
		return nil
	}
	return claims
}

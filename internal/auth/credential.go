// Package auth manages upstream credentials for the gateway: the persisted
// credential model, the token store contract and its sqlite/in-memory
// implementations, and the manager that serves valid credentials on demand
// with refresh coordination.
package auth

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Provider ids form a closed set; the registry and executors key on these.
const (
	ProviderClaude      = "claude"
	ProviderCodex       = "codex"
	ProviderCopilot     = "copilot"
	ProviderGemini      = "gemini"
	ProviderKiro        = "kiro"
	ProviderAntigravity = "antigravity"
	ProviderQwen        = "qwen"
	ProviderKimi        = "kimi"
	ProviderIFlow       = "iflow"
)

// Providers lists every known provider id in stable order.
var Providers = []string{
	ProviderClaude,
	ProviderCodex,
	ProviderCopilot,
	ProviderGemini,
	ProviderKiro,
	ProviderAntigravity,
	ProviderQwen,
	ProviderKimi,
	ProviderIFlow,
}

// ValidProvider reports whether id names a known provider.
func ValidProvider(id string) bool {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, p := range Providers {
		if p == id {
			return true
		}
	}
	return false
}

// CredentialState describes the usability of a credential at an instant.
type CredentialState int

const (
	// StateValid means the credential can be used as-is.
	StateValid CredentialState = iota
	// StateExpired means the token is past expiry but holds a refresh token.
	StateExpired
	// StateNotAuthenticated means there is no path back to a usable token
	// without a new login.
	StateNotAuthenticated
)

func (s CredentialState) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateExpired:
		return "expired"
	default:
		return "not_authenticated"
	}
}

// Credential is the persisted access artifact for one provider account.
// A config-declared API key is represented with APIKey set and is virtual:
// the manager never writes it to the store and never mutates it.
type Credential struct {
	// AccessToken is the opaque bearer string for OAuth credentials.
	AccessToken string `json:"access_token,omitempty"`
	// RefreshToken, when present, allows renewing an expired AccessToken.
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiresAt is the absolute expiry instant in unix seconds. Zero means
	// the token does not expire.
	ExpiresAt int64 `json:"expires_at,omitempty"`
	// IDToken is kept only for account identification, never sent upstream.
	IDToken string `json:"id_token,omitempty"`
	// APIKey marks a config-supplied key credential.
	APIKey string `json:"api_key,omitempty"`
	// Extras carries provider-specific fields: Copilot endpoint hint, Kiro
	// session region and profile ARN.
	Extras map[string]string `json:"extras,omitempty"`

	// raw preserves the stored JSON blob so fields written by newer gateway
	// versions survive a load/store round-trip.
	raw []byte
}

// IsAPIKey reports whether the credential is a config-declared API key.
func (c *Credential) IsAPIKey() bool { return c != nil && c.APIKey != "" }

// Extra returns the named provider-specific field, empty when unset.
func (c *Credential) Extra(key string) string {
	if c == nil || c.Extras == nil {
		return ""
	}
	return c.Extras[key]
}

// SetExtra stores a provider-specific field.
func (c *Credential) SetExtra(key, value string) {
	if c.Extras == nil {
		c.Extras = map[string]string{}
	}
	c.Extras[key] = value
}

// State classifies the credential at the given instant. API keys never
// expire. An expired token without a refresh token is terminal.
func (c *Credential) State(now time.Time) CredentialState {
	if c == nil || (c.AccessToken == "" && c.APIKey == "") {
		return StateNotAuthenticated
	}
	if c.IsAPIKey() {
		return StateValid
	}
	if c.ExpiresAt > 0 && now.Unix() >= c.ExpiresAt {
		if c.RefreshToken == "" {
			return StateNotAuthenticated
		}
		return StateExpired
	}
	return StateValid
}

// Clone returns a deep copy.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	dup := *c
	if c.Extras != nil {
		dup.Extras = make(map[string]string, len(c.Extras))
		for k, v := range c.Extras {
			dup.Extras[k] = v
		}
	}
	if c.raw != nil {
		dup.raw = append([]byte(nil), c.raw...)
	}
	return &dup
}

// DecodeCredential parses a stored credential blob, retaining the raw bytes
// so unknown fields are preserved when the credential is re-encoded.
func DecodeCredential(blob []byte) (*Credential, error) {
	cred := &Credential{}
	if err := json.Unmarshal(blob, cred); err != nil {
		return nil, err
	}
	cred.raw = append([]byte(nil), blob...)
	return cred, nil
}

// Encode serializes the credential. When the credential was decoded from a
// stored blob, known fields are written over the original bytes so unknown
// fields round-trip unchanged.
func (c *Credential) Encode() ([]byte, error) {
	if c.raw == nil {
		return json.Marshal(c)
	}
	known, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), c.raw...)
	var walkErr error
	gjson.ParseBytes(known).ForEach(func(key, value gjson.Result) bool {
		out, walkErr = sjson.SetRawBytes(out, key.Str, []byte(value.Raw))
		return walkErr == nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	// Fields cleared since decode must not survive from the raw blob.
	for _, field := range []string{"access_token", "refresh_token", "id_token"} {
		if !gjson.GetBytes(known, field).Exists() && gjson.GetBytes(out, field).Exists() {
			out, _ = sjson.DeleteBytes(out, field)
		}
	}
	return out, nil
}

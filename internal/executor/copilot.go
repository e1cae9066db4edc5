package executor

import (
	"net/http"
	"strings"

	"github.com/byokey/byokey/internal/auth"
	"github.com/byokey/byokey/internal/auth/oauth"
	"github.com/byokey/byokey/internal/config"
)

// copilotDefaultEndpoint serves accounts whose token exchange did not return
// an endpoint hint.
const copilotDefaultEndpoint = "https://api.githubcopilot.com"

// NewCopilotExecutor returns the executor for GitHub Copilot. The chat URL
// comes from the credential's endpoint hint; the editor headers are required
// by the API.
func NewCopilotExecutor(cfg *config.Config) *OpenAICompatExecutor {
	return &OpenAICompatExecutor{
		cfg:      cfg,
		provider: auth.ProviderCopilot,
		endpoint: func(rec *auth.Record) string {
			base := copilotDefaultEndpoint
			if rec != nil && rec.Credential != nil {
				if hint := rec.Credential.Extra(oauth.ExtraCopilotEndpoint); hint != "" {
					base = strings.TrimSuffix(hint, "/")
				}
			}
			return base + "/chat/completions"
		},
		headers: func(h http.Header, _ *auth.Record) {
			h.Set("Editor-Version", "vscode/1.95.0")
			h.Set("Editor-Plugin-Version", "copilot-chat/0.22.0")
			h.Set("Copilot-Integration-Id", "vscode-chat")
			h.Set("User-Agent", "GitHubCopilotChat/0.22.0")
		},
	}
}

package session

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"

	"github.com/drydock-run/drydock/internal/engine"
)

// AuthMode identifies which credential family a session is created with.
type AuthMode string

const (
	// AuthOAuthToken authenticates the agent with a long-lived OAuth token.
	AuthOAuthToken AuthMode = "oauth-token"
	// AuthAPIKey authenticates the agent with a direct API key.
	AuthAPIKey AuthMode = "api-key"
	// AuthBedrock routes the agent through AWS Bedrock using the host's
	// credential store.
	AuthBedrock AuthMode = "bedrock"
)

// Environment variable names projected into the session. Exactly one
// credential variable is ever set — this is a security boundary, not just a
// validation rule.
const (
	envOAuthToken    = "CLAUDE_CODE_OAUTH_TOKEN"
	envAPIKey        = "ANTHROPIC_API_KEY"
	envUseBedrock    = "CLAUDE_CODE_USE_BEDROCK"
	envBedrockRegion = "AWS_REGION"
)

// Credentials holds the caller-supplied authentication material. Exactly one
// field group must be populated.
type Credentials struct {
	OAuthToken    string
	APIKey        string
	BedrockRegion string
}

// ResolvedAuth is the engine-ready projection of one validated auth mode.
type ResolvedAuth struct {
	Mode   AuthMode
	Env    map[string]string
	Mounts []engine.Mount
}

// Resolve validates auth exclusivity and projects the chosen mode into the
// environment variables and mounts the session creation request needs.
//
// Zero or multiple supplied modes fail with ErrInvalidInput before any engine
// call. Bedrock additionally requires a readable ~/.aws credential store on
// the host and fails with ErrPreconditionFailed when it is missing.
func (c Credentials) Resolve() (ResolvedAuth, error) {
	return c.resolve(os.Stat, homedir.Expand)
}

func (c Credentials) resolve(
	stat func(name string) (os.FileInfo, error),
	expand func(path string) (string, error),
) (ResolvedAuth, error) {
	supplied := make([]AuthMode, 0, 3)
	if strings.TrimSpace(c.OAuthToken) != "" {
		supplied = append(supplied, AuthOAuthToken)
	}
	if strings.TrimSpace(c.APIKey) != "" {
		supplied = append(supplied, AuthAPIKey)
	}
	if strings.TrimSpace(c.BedrockRegion) != "" {
		supplied = append(supplied, AuthBedrock)
	}

	switch len(supplied) {
	case 0:
		return ResolvedAuth{}, fmt.Errorf("%w: no authentication mode supplied", ErrInvalidInput)
	case 1:
	default:
		return ResolvedAuth{}, fmt.Errorf(
			"%w: multiple authentication modes supplied (%s)",
			ErrInvalidInput, joinModes(supplied),
		)
	}

	switch supplied[0] {
	case AuthOAuthToken:
		return ResolvedAuth{
			Mode: AuthOAuthToken,
			Env:  map[string]string{envOAuthToken: strings.TrimSpace(c.OAuthToken)},
		}, nil
	case AuthAPIKey:
		return ResolvedAuth{
			Mode: AuthAPIKey,
			Env:  map[string]string{envAPIKey: strings.TrimSpace(c.APIKey)},
		}, nil
	default:
		storePath, err := expand("~/.aws")
		if err != nil {
			return ResolvedAuth{}, fmt.Errorf("%w: resolve AWS credential store: %v", ErrPreconditionFailed, err)
		}
		info, err := stat(storePath)
		if err != nil || !info.IsDir() {
			return ResolvedAuth{}, fmt.Errorf(
				"%w: AWS credential store not found at %s (required for bedrock auth)",
				ErrPreconditionFailed, storePath,
			)
		}
		return ResolvedAuth{
			Mode: AuthBedrock,
			Env: map[string]string{
				envUseBedrock:    "1",
				envBedrockRegion: strings.TrimSpace(c.BedrockRegion),
			},
			Mounts: []engine.Mount{{Source: storePath, Target: "/root/.aws", ReadOnly: true}},
		}, nil
	}
}

func joinModes(modes []AuthMode) string {
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

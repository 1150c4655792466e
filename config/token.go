package config

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
)

const globalAPIKeyLength = 37

// Env carries the environment overrides recognized by every command.
// TUINNEL_API_TOKEN wins over CLOUDFLARE_API_TOKEN, which wins over the
// config file.
type Env struct {
	TuinnelAPIToken    string `env:"TUINNEL_API_TOKEN,default="`
	CloudflareAPIToken string `env:"CLOUDFLARE_API_TOKEN,default="`
}

func LoadEnv(ctx context.Context) (Env, error) {
	var env Env
	err := envconfig.Process(ctx, &env)
	return env, err
}

// ResolveToken picks the API token from the environment or the config file
// and rejects tokens that look like a Global API Key instead of a scoped
// API token.
func ResolveToken(ctx context.Context, config GlobalConfig) (string, error) {
	env, err := LoadEnv(ctx)
	if err != nil {
		return "", errors.Wrap(err, "cannot read token environment variables")
	}

	token := env.TuinnelAPIToken
	if token == "" {
		token = env.CloudflareAPIToken
	}
	if token == "" {
		token = config.APIToken
	}
	if token == "" {
		return "", errors.New("no API token configured. Set CLOUDFLARE_API_TOKEN or add apiToken to the config file. Create a token with Zone:DNS:Edit and Account:Cloudflare Tunnel:Edit at https://dash.cloudflare.com/profile/api-tokens")
	}
	if err := CheckToken(token); err != nil {
		return "", err
	}
	return token, nil
}

// CheckToken rejects credentials of the wrong type.
func CheckToken(token string) error {
	if looksLikeGlobalAPIKey(token) {
		return errors.New("the configured credential looks like a Global API Key, which this tool does not accept. Create a scoped API token at https://dash.cloudflare.com/profile/api-tokens")
	}
	return nil
}

// looksLikeGlobalAPIKey reports whether token matches the 37 hex character
// shape of a legacy Global API Key.
func looksLikeGlobalAPIKey(token string) bool {
	if len(token) != globalAPIKeyLength {
		return false
	}
	for _, r := range token {
		isHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
		if !isHex {
			return false
		}
	}
	return true
}

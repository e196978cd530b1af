package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// GetAPIToken returns the bearer token protecting the management API.
// The BRIEFS_API_TOKEN environment variable wins; otherwise the token is
// read from the platform secret store, generated and persisted on first use.
func GetAPIToken() (string, error) {
	if t := os.Getenv("BRIEFS_API_TOKEN"); t != "" {
		return t, nil
	}

	if out, err := keychainGet(keychainService, "api_token"); err == nil {
		if t := strings.TrimSpace(string(out)); t != "" {
			return t, nil
		}
	}

	token := uuid.New().String()
	if err := keychainSet(keychainService, "api_token", token); err != nil {
		return "", fmt.Errorf("persisting api token: %w", err)
	}
	return token, nil
}

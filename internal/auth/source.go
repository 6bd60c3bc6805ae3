// ABOUTME: Bearer token lookup from local credential storage (env var, then token file)
// ABOUTME: Read on every connect and every start/send so rotated tokens are picked up

package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoToken is returned when no credential is configured.
var ErrNoToken = errors.New("no token configured")

// DefaultTokenEnv is the environment variable consulted before the token file.
const DefaultTokenEnv = "COUNCIL_TOKEN"

// TokenSource yields the current bearer token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, mostly for tests.
type StaticToken string

// Token returns the static value, or ErrNoToken when empty.
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// FileTokenSource reads the token from an environment variable, falling back
// to a file. Nothing is cached.
type FileTokenSource struct {
	EnvVar string
	Path   string
}

// NewFileTokenSource builds a source for path, using DefaultTokenEnv and
// DefaultTokenPath when the arguments are empty.
func NewFileTokenSource(path string) *FileTokenSource {
	if path == "" {
		path = DefaultTokenPath()
	}
	return &FileTokenSource{EnvVar: DefaultTokenEnv, Path: path}
}

// Token returns the env var value if set, else the trimmed file contents.
func (s *FileTokenSource) Token(context.Context) (string, error) {
	if s.EnvVar != "" {
		if token := strings.TrimSpace(os.Getenv(s.EnvVar)); token != "" {
			return token, nil
		}
	}

	if s.Path == "" {
		return "", ErrNoToken
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("reading token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// DefaultTokenPath returns $XDG_CONFIG_HOME/coven/council-token, falling back
// to ~/.config/coven/council-token.
func DefaultTokenPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "council-token")
}

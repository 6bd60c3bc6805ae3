// ABOUTME: Tests for bearer token lookup from env var and token file
// ABOUTME: Verifies precedence, trimming, and missing-credential errors

package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTokenSource_EnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0600))
	t.Setenv(DefaultTokenEnv, "from-env")

	token, err := NewFileTokenSource(path).Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "from-env", token)
}

func TestFileTokenSource_FileFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("  from-file \n"), 0600))
	t.Setenv(DefaultTokenEnv, "")

	token, err := NewFileTokenSource(path).Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "from-file", token)
}

func TestFileTokenSource_ReadsEveryTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	t.Setenv(DefaultTokenEnv, "")
	src := NewFileTokenSource(path)

	require.NoError(t, os.WriteFile(path, []byte("first"), 0600))
	first, err := src.Token(t.Context())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0600))
	second, err := src.Token(t.Context())
	require.NoError(t, err)

	assert.Equal(t, "first", first)
	assert.Equal(t, "second", second)
}

func TestFileTokenSource_Missing(t *testing.T) {
	t.Setenv(DefaultTokenEnv, "")
	_, err := NewFileTokenSource(filepath.Join(t.TempDir(), "absent")).Token(t.Context())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestFileTokenSource_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("   \n"), 0600))
	t.Setenv(DefaultTokenEnv, "")

	_, err := NewFileTokenSource(path).Token(t.Context())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestStaticToken(t *testing.T) {
	token, err := StaticToken("abc").Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	_, err = StaticToken("").Token(t.Context())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestDefaultTokenPath_UsesXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, "/tmp/xdg/coven/council-token", DefaultTokenPath())
}

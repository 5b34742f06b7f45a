package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProviderPrefersPrefixedForm(t *testing.T) {
	t.Setenv("MY_TOKEN", "bare")
	t.Setenv("SUPERAGENT_SECRET_MY_TOKEN", "prefixed")

	v, ok := EnvProvider{}.Get("MY_TOKEN")
	require.True(t, ok)
	assert.Equal(t, "prefixed", v)
}

func TestEnvProviderFallsBackToBareName(t *testing.T) {
	t.Setenv("OTHER_TOKEN", "bare")

	v, ok := EnvProvider{}.Get("OTHER_TOKEN")
	require.True(t, ok)
	assert.Equal(t, "bare", v)

	_, ok = EnvProvider{}.Get("DEFINITELY_NOT_SET_ANYWHERE")
	assert.False(t, ok)
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	content := "# comment line\n\nAPI_KEY=abc123\n  SPACED = padded value \nBROKEN LINE\nEMPTY=\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	p := &FileProvider{Path: path}

	v, ok := p.Get("API_KEY")
	require.True(t, ok)
	assert.Equal(t, "abc123", v)

	v, ok = p.Get("SPACED")
	require.True(t, ok)
	assert.Equal(t, "padded value", v)

	v, ok = p.Get("EMPTY")
	require.True(t, ok)
	assert.Equal(t, "", v)

	_, ok = p.Get("BROKEN")
	assert.False(t, ok)
}

func TestFileProviderMissingFile(t *testing.T) {
	p := &FileProvider{Path: filepath.Join(t.TempDir(), "nope.env")}
	_, ok := p.Get("ANYTHING")
	assert.False(t, ok)
}

func TestChainOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	require.NoError(t, os.WriteFile(path, []byte("SHARED=from-file\nFILE_ONLY=file\n"), 0o600))

	t.Setenv("SHARED", "from-env")
	t.Setenv("ENV_ONLY", "env")

	chain := Chain{EnvProvider{}, &FileProvider{Path: path}}

	v, ok := chain.Get("SHARED")
	require.True(t, ok)
	assert.Equal(t, "from-env", v, "earlier providers win")

	v, ok = chain.Get("FILE_ONLY")
	require.True(t, ok)
	assert.Equal(t, "file", v)

	_, ok = chain.Get("NOWHERE")
	assert.False(t, ok)

	env := chain.Resolve([]string{"ENV_ONLY", "FILE_ONLY", "NOWHERE"})
	assert.Equal(t, []string{"ENV_ONLY=env", "FILE_ONLY=file"}, env)
}

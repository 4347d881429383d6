package secret_test

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"designer/internal/secret"
)

func TestEnvName(t *testing.T) {
	assert.Equal(t, "DESIGNER_SECRET_REMOTE_TOKEN", secret.EnvName("remote-token"))
	assert.Equal(t, "DESIGNER_SECRET_DB_PASS_1", secret.EnvName("db.pass 1"))
}

func TestEnvStore(t *testing.T) {
	t.Setenv("DESIGNER_SECRET_REMOTE_TOKEN", "abc")
	s := secret.NewEnvStore()

	v, err := s.Get("remote-token")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(v))

	v, err = s.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.Set("remote-token", []byte("xyz")))
	v, _ = s.Get("remote-token")
	assert.Equal(t, "xyz", string(v))

	require.NoError(t, s.Delete("remote-token"))
	v, _ = s.Get("remote-token")
	assert.Nil(t, v)
}

func TestNew(t *testing.T) {
	s, err := secret.New("")
	require.NoError(t, err)
	assert.IsType(t, &secret.EnvStore{}, s)

	if runtime.GOOS == "darwin" {
		s, err = secret.New("keychain")
		require.NoError(t, err)
		assert.IsType(t, &secret.KeychainStore{}, s)
	}

	_, err = secret.New("vault")
	assert.Error(t, err)
}

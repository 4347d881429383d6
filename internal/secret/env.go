package secret

import (
	"os"
	"strings"
)

const envPrefix = "DESIGNER_SECRET_"

// EnvStore reads secrets from DESIGNER_SECRET_<KEY> environment variables.
// Keys are upper-cased and every character outside [A-Z0-9] becomes '_', so
// "remote-token" is read from DESIGNER_SECRET_REMOTE_TOKEN.
type EnvStore struct{}

func NewEnvStore() *EnvStore {
	return &EnvStore{}
}

// EnvName returns the variable a key maps to.
func EnvName(key string) string {
	var b strings.Builder
	b.WriteString(envPrefix)
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (EnvStore) Set(key string, value []byte) error {
	return os.Setenv(EnvName(key), string(value))
}

func (EnvStore) Get(key string) ([]byte, error) {
	v, ok := os.LookupEnv(EnvName(key))
	if !ok {
		return nil, nil
	}
	return []byte(v), nil
}

func (EnvStore) Delete(key string) error {
	return os.Unsetenv(EnvName(key))
}

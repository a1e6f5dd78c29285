package secrets

import (
	"github.com/Strob0t/DeskRelay/internal/config"
)

// ConfigLoader returns a Loader that re-reads the YAML file at path and the
// environment, the same layers the server configuration is built from.
func ConfigLoader(path string) Loader {
	return func() (map[string]string, error) {
		cfg, err := config.LoadFrom(path)
		if err != nil {
			return nil, err
		}
		return map[string]string{
			JWTSecret: cfg.Auth.JWTSecret,
		}, nil
	}
}

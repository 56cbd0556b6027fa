package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/cloudpipe/internal/platform/env"
)

// Config addresses an S3-compatible endpoint. For Cloud Storage this is the
// interoperability API with HMAC keys.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// EnvConfig reads the GCS_* variables without requiring credentials.
func EnvConfig() (Config, error) {
	useSSL, err := env.Bool("GCS_USE_SSL", true)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Endpoint:  env.String("GCS_ENDPOINT", "storage.googleapis.com"),
		AccessKey: env.String("GCS_HMAC_ACCESS_KEY", ""),
		SecretKey: env.String("GCS_HMAC_SECRET", ""),
		Region:    env.String("GCS_REGION", "auto"),
		UseSSL:    useSSL,
	}, nil
}

func ConfigFromEnv() (Config, error) {
	cfg, err := EnvConfig()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

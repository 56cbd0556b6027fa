package metrics

import (
	"fmt"
	"strings"

	"github.com/animus-labs/cloudpipe/internal/platform/env"
)

const (
	BackendNone       = "none"
	BackendPrometheus = "prometheus"
	BackendDatadog    = "datadog"
)

type Config struct {
	Backend        string
	PushgatewayURL string
	Job            string
	DogStatsDAddr  string
	Namespace      string
	Tags           []string
}

func ConfigFromEnv() Config {
	return Config{
		Backend:        strings.ToLower(strings.TrimSpace(env.String("PIPELINE_METRICS_BACKEND", BackendNone))),
		PushgatewayURL: strings.TrimSpace(env.String("PIPELINE_PUSHGATEWAY_URL", "")),
		Job:            strings.TrimSpace(env.String("PIPELINE_METRICS_JOB", defaultJobLabel)),
		DogStatsDAddr:  strings.TrimSpace(env.String("DD_DOGSTATSD_ADDR", "127.0.0.1:8125")),
		Namespace:      strings.TrimSpace(env.String("PIPELINE_METRICS_NAMESPACE", "cloudpipe.")),
		Tags:           env.List("PIPELINE_METRICS_TAGS", nil),
	}
}

func (c Config) Validate() error {
	switch c.Backend {
	case "", BackendNone:
		return nil
	case BackendPrometheus:
		if c.PushgatewayURL == "" {
			return fmt.Errorf("PIPELINE_PUSHGATEWAY_URL is required for the prometheus backend")
		}
		return nil
	case BackendDatadog:
		if c.DogStatsDAddr == "" {
			return fmt.Errorf("DD_DOGSTATSD_ADDR is required for the datadog backend")
		}
		return nil
	default:
		return fmt.Errorf("PIPELINE_METRICS_BACKEND must be none, prometheus or datadog, got %q", c.Backend)
	}
}

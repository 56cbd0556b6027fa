// Package provider binds connector types to their per-cloud implementations.
// Bindings carry static capabilities, so resolving a pipeline never needs
// credentials; connectors are opened at execution time.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/cloudpipe/internal/connector"
	"github.com/animus-labs/cloudpipe/internal/connector/objectstore"
	"github.com/animus-labs/cloudpipe/internal/connector/stream"
	"github.com/animus-labs/cloudpipe/internal/connector/warehouse"
	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
	"github.com/animus-labs/cloudpipe/internal/platform/env"
	platformstore "github.com/animus-labs/cloudpipe/internal/platform/objectstore"
	"github.com/animus-labs/cloudpipe/internal/platform/postgres"
)

// Blob and ADLS authentication modes.
const (
	AuthAccountKey = "account_key"
	AuthSASToken   = "sas_token"
)

type AzureConfig struct {
	StorageAuth               string
	StorageConnectionString   string
	StorageSASURL             string
	SynapseDSN                string
	EventHubsNamespace        string
	EventHubsConnectionString string
}

type GCPConfig struct {
	Project     string
	Storage     platformstore.Config
	CloudSQLDSN string
}

type Config struct {
	Azure AzureConfig
	GCP   GCPConfig
	// ReadyBucket, when set, is probed by the serve readiness check.
	ReadyBucket string
	// SQLiteDSN backs the "sqlite" development warehouse on every provider.
	SQLiteDSN string
}

// ConfigFromEnv reads connector credentials. Missing credentials are not an
// error here; the affected connector fails when a run opens it.
func ConfigFromEnv() (Config, error) {
	storage, err := platformstore.EnvConfig()
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Azure: AzureConfig{
			StorageAuth:               env.String("AZURE_STORAGE_AUTH", AuthAccountKey),
			StorageConnectionString:   env.String("AZURE_STORAGE_CONNECTION_STRING", ""),
			StorageSASURL:             env.String("AZURE_STORAGE_SAS_URL", ""),
			SynapseDSN:                env.String("AZURE_SYNAPSE_DSN", ""),
			EventHubsNamespace:        env.String("AZURE_EVENTHUBS_NAMESPACE", ""),
			EventHubsConnectionString: env.String("AZURE_EVENTHUBS_CONNECTION_STRING", ""),
		},
		GCP: GCPConfig{
			Project:     env.String("GCP_PROJECT", ""),
			Storage:     storage,
			CloudSQLDSN: env.String("CLOUDSQL_DSN", ""),
		},
		ReadyBucket: env.String("GCS_READY_BUCKET", ""),
		SQLiteDSN:   env.String("PIPELINE_SQLITE_DSN", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Azure.StorageAuth {
	case AuthAccountKey, AuthSASToken:
	default:
		return fmt.Errorf("AZURE_STORAGE_AUTH must be %s or %s", AuthAccountKey, AuthSASToken)
	}
	return nil
}

// Register installs every cloud binding into reg.
func Register(reg *connector.Registry, cfg Config) error {
	bindings := []connector.Binding{
		{Provider: domain.ProviderAzure, Type: "blob", Capabilities: objectstore.Capabilities, Formats: connector.FileFormats, Open: cfg.Azure.openBlob},
		{Provider: domain.ProviderAzure, Type: "adls", Capabilities: objectstore.Capabilities, Formats: connector.FileFormats, Open: cfg.Azure.openBlob},
		{Provider: domain.ProviderAzure, Type: "synapse", Capabilities: warehouse.Capabilities, Formats: warehouse.Formats, Open: cfg.Azure.openSynapse},
		{Provider: domain.ProviderAzure, Type: "eventhubs", Capabilities: stream.EventHubsCapabilities, Formats: []string{connector.FormatJSON}, Open: cfg.Azure.openEventHubs},

		{Provider: domain.ProviderGCP, Type: "gcs", Capabilities: objectstore.Capabilities, Formats: connector.FileFormats, Open: cfg.GCP.openGCS},
		{Provider: domain.ProviderGCP, Type: "cloudsql", Capabilities: warehouse.Capabilities, Formats: warehouse.Formats, Open: cfg.GCP.openCloudSQL},
		{Provider: domain.ProviderGCP, Type: "pubsub", Capabilities: stream.PubSubCapabilities, Formats: []string{connector.FormatJSON}, Open: cfg.GCP.openPubSub},
	}
	for _, p := range []domain.Provider{domain.ProviderAzure, domain.ProviderGCP} {
		bindings = append(bindings, connector.Binding{
			Provider: p, Type: "sqlite", Capabilities: warehouse.Capabilities, Formats: warehouse.Formats, Open: openSQLite(cfg.SQLiteDSN),
		})
	}
	for _, b := range bindings {
		if err := reg.Register(b); err != nil {
			return err
		}
	}
	return nil
}

func (c AzureConfig) openBlob(context.Context) (connector.Connector, error) {
	var (
		store *objectstore.AzureStore
		err   error
	)
	switch c.StorageAuth {
	case AuthSASToken:
		if strings.TrimSpace(c.StorageSASURL) == "" {
			return nil, errors.New("AZURE_STORAGE_SAS_URL is required for sas_token auth")
		}
		store, err = objectstore.NewAzureStoreWithSAS(c.StorageSASURL)
	default:
		if strings.TrimSpace(c.StorageConnectionString) == "" {
			return nil, errors.New("AZURE_STORAGE_CONNECTION_STRING is required")
		}
		store, err = objectstore.NewAzureStoreFromConnectionString(c.StorageConnectionString)
	}
	if err != nil {
		return nil, err
	}
	return objectstore.New(store)
}

func (c AzureConfig) openSynapse(ctx context.Context) (connector.Connector, error) {
	if strings.TrimSpace(c.SynapseDSN) == "" {
		return nil, errors.New("AZURE_SYNAPSE_DSN is required")
	}
	db, err := warehouse.OpenSQLServer(ctx, c.SynapseDSN)
	if err != nil {
		return nil, pipelineUnavailable("synapse", err)
	}
	return warehouse.NewSQLServer(db)
}

func (c AzureConfig) openEventHubs(context.Context) (connector.Connector, error) {
	return stream.NewEventHubs(stream.EventHubsConfig{
		Namespace:        c.EventHubsNamespace,
		ConnectionString: c.EventHubsConnectionString,
	})
}

func (c GCPConfig) openGCS(context.Context) (connector.Connector, error) {
	store, err := objectstore.NewMinioStore(c.Storage)
	if err != nil {
		return nil, fmt.Errorf("gcs: %w", err)
	}
	return objectstore.New(store)
}

func (c GCPConfig) openCloudSQL(ctx context.Context) (connector.Connector, error) {
	if strings.TrimSpace(c.CloudSQLDSN) == "" {
		return nil, errors.New("CLOUDSQL_DSN is required")
	}
	db, err := postgres.Open(ctx, postgres.DefaultConfig(c.CloudSQLDSN))
	if err != nil {
		return nil, pipelineUnavailable("cloudsql", err)
	}
	return warehouse.NewPostgres(db)
}

func (c GCPConfig) openPubSub(ctx context.Context) (connector.Connector, error) {
	return stream.NewPubSub(ctx, c.Project)
}

func openSQLite(dsn string) connector.OpenFunc {
	return func(ctx context.Context) (connector.Connector, error) {
		db, err := warehouse.OpenSQLite(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return warehouse.NewSQLite(db)
	}
}

func pipelineUnavailable(service string, err error) error {
	return pipelineerr.Wrap(pipelineerr.SourceUnavailable, "", err, "connect %s", service)
}

// Command pipelinectl validates and executes pipeline definitions and serves
// the run status API.
//
//	pipelinectl validate -f pipeline.yaml
//	pipelinectl run -f pipeline.yaml [-retries N] [-backoff 2s]
//	pipelinectl serve
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/cloudpipe/internal/api"
	"github.com/animus-labs/cloudpipe/internal/definition"
	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/engine"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
	"github.com/animus-labs/cloudpipe/internal/platform/auditlog"
	"github.com/animus-labs/cloudpipe/internal/platform/auth"
	"github.com/animus-labs/cloudpipe/internal/platform/httpserver"
	platformstore "github.com/animus-labs/cloudpipe/internal/platform/objectstore"
	"github.com/animus-labs/cloudpipe/internal/runs"
)

const service = "pipelinectl"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, logger)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) int {
	if len(args) == 0 {
		usage(stdout)
		return runs.ExitValidation
	}
	switch args[0] {
	case "validate":
		return cmdValidate(ctx, args[1:], stdout, logger)
	case "run":
		return cmdRun(ctx, args[1:], stdout, logger)
	case "serve":
		return cmdServe(ctx, args[1:], logger)
	case "help", "-h", "--help":
		usage(stdout)
		return runs.ExitSuccess
	default:
		fmt.Fprintf(stdout, "unknown command %q\n", args[0])
		usage(stdout)
		return runs.ExitValidation
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: pipelinectl <validate|run|serve> [flags]")
	fmt.Fprintln(w, "  validate -f FILE                 resolve a definition without running it")
	fmt.Fprintln(w, "  run -f FILE [-retries N -backoff D -concurrency N -run-id ID]")
	fmt.Fprintln(w, "  serve                            serve POST /runs, GET /runs/{id}, POST /runs/{id}/cancel")
}

type validateOutput struct {
	Valid       bool       `json:"valid"`
	Pipeline    string     `json:"pipeline,omitempty"`
	Fingerprint string     `json:"definition_fingerprint,omitempty"`
	Order       []string   `json:"order,omitempty"`
	Levels      [][]string `json:"levels,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func cmdValidate(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stdout)
	file := fs.String("f", "", "definition file (YAML or JSON)")
	if err := fs.Parse(args); err != nil {
		return runs.ExitValidation
	}
	def, err := loadDefinition(*file)
	if err != nil {
		writeJSON(stdout, validateOutput{Error: err.Error()})
		return runs.ExitCode(nil, err)
	}
	a, err := newApp(ctx, logger, appOptions{})
	if err != nil {
		logger.Error("startup failed", "error", err)
		return runs.ExitRuntime
	}
	defer a.close()

	plan, err := a.runs.Validate(def)
	if err != nil {
		writeJSON(stdout, validateOutput{Pipeline: def.Name, Error: err.Error()})
		return runs.ExitCode(nil, err)
	}
	writeJSON(stdout, validateOutput{
		Valid:       true,
		Pipeline:    plan.Graph.Pipeline,
		Fingerprint: plan.Fingerprint,
		Order:       plan.Graph.Order,
		Levels:      plan.Graph.Levels,
	})
	return runs.ExitSuccess
}

func cmdRun(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stdout)
	file := fs.String("f", "", "definition file (YAML or JSON)")
	retries := fs.Int("retries", 0, "max attempts for sources and sinks (0 keeps PIPELINE_RETRY_MAX_ATTEMPTS)")
	backoff := fs.Duration("backoff", 0, "initial retry backoff (0 keeps PIPELINE_RETRY_INITIAL)")
	concurrency := fs.Int("concurrency", 0, "parallel stages per level (0 keeps PIPELINE_CONCURRENCY)")
	runID := fs.String("run-id", "", "run id (generated when empty)")
	if err := fs.Parse(args); err != nil {
		return runs.ExitValidation
	}
	def, err := loadDefinition(*file)
	if err != nil {
		logger.Error("load definition", "error", err)
		return runs.ExitCode(nil, err)
	}
	a, err := newApp(ctx, logger, appOptions{persist: true})
	if err != nil {
		logger.Error("startup failed", "error", err)
		return runs.ExitRuntime
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	opts := runs.Options{RunID: *runID, Concurrency: *concurrency}
	if *retries > 0 || *backoff > 0 {
		policy, err := retryOverride(*retries, *backoff)
		if err != nil {
			logger.Error("invalid retry flags", "error", err)
			return runs.ExitValidation
		}
		opts.Retry = &policy
	}

	rec, err := a.runs.Run(ctx, def, opts)
	if err != nil {
		logger.Error("run rejected", "pipeline", def.Name, "error", err)
		return runs.ExitCode(nil, err)
	}
	writeJSON(stdout, rec)
	return runs.ExitCode(&rec, nil)
}

// retryOverride layers CLI flags over the environment's retry policy.
func retryOverride(retries int, backoff time.Duration) (engine.RetryPolicy, error) {
	cfg, err := engine.ConfigFromEnv()
	if err != nil {
		return engine.RetryPolicy{}, err
	}
	policy := cfg.Retry
	if retries > 0 {
		policy.MaxAttempts = retries
	}
	if backoff > 0 {
		policy.Backoff.Initial = backoff
		if policy.Backoff.Max > 0 && policy.Backoff.Max < backoff {
			policy.Backoff.Max = backoff
		}
	}
	return policy, policy.Validate()
}

func cmdServe(ctx context.Context, args []string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return runs.ExitValidation
	}
	cfg, err := httpserver.ConfigFromEnv(service)
	if err != nil {
		logger.Error("invalid env", "error", err)
		return runs.ExitValidation
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		return runs.ExitValidation
	}
	var authn auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeGateway:
		gw, err := auth.NewGatewayHeadersAuthenticator(authCfg.Secret, authCfg.MaxSkew)
		if err != nil {
			logger.Error("invalid auth config", "error", err)
			return runs.ExitValidation
		}
		authn = gw
	case auth.ModeOIDC:
		oidcAuthn, err := auth.NewOIDCAuthenticator(ctx, authCfg)
		if err != nil {
			logger.Error("oidc discovery failed", "issuer", authCfg.OIDCIssuerURL, "error", err)
			return runs.ExitRuntime
		}
		authn = oidcAuthn
	}
	a, err := newApp(ctx, logger, appOptions{persist: true})
	if err != nil {
		logger.Error("startup failed", "error", err)
		return runs.ExitRuntime
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	var checks []httpserver.ReadinessCheck
	if a.db != nil {
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return a.db.PingContext(checkCtx)
			},
		})
	}

	if bucket := a.cfg.ReadyBucket; bucket != "" {
		client, err := platformstore.NewMinIOClient(a.cfg.GCP.Storage)
		if err != nil {
			logger.Error("invalid GCS config", "error", err)
			return runs.ExitValidation
		}
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "gcs",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				return platformstore.CheckBucket(checkCtx, client, bucket)
			},
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(service))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(service, checks...))
	api.New(logger, a.runs).WithAudit(a.audit).Register(mux)

	handler := auth.Middleware(authn, auth.Options{
		Logger: logger,
		Public: []string{"/healthz", "/readyz"},
		OnDeny: func(ctx context.Context, event auth.DenyEvent) {
			if err := auditlog.RecordAuthDeny(ctx, a.audit, service, event); err != nil {
				logger.Warn("audit event not recorded", "action", "auth."+event.Reason, "error", err)
			}
		},
	}, mux)
	err = httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, service, handler))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if serr := a.runs.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("runs still active at shutdown", "error", serr)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server exited", "error", err)
		return runs.ExitRuntime
	}
	return runs.ExitSuccess
}

func loadDefinition(path string) (domain.PipelineDefinition, error) {
	if path == "" {
		return domain.PipelineDefinition{}, pipelineerr.New(pipelineerr.InvalidDefinition, "", "-f is required")
	}
	return definition.ParseFile(path)
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/animus-labs/cloudpipe/internal/connector"
	"github.com/animus-labs/cloudpipe/internal/definition"
	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/engine"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
	"github.com/animus-labs/cloudpipe/internal/platform/requestid"
	"github.com/animus-labs/cloudpipe/internal/report"
	"github.com/animus-labs/cloudpipe/internal/resolver"
)

var (
	ErrNotRunning   = errors.New("run is not running")
	ErrShuttingDown = errors.New("service is shutting down")
)

// Options tune one run. Zero values fall back to the adapter defaults.
type Options struct {
	RunID        string
	Retry        *engine.RetryPolicy
	Concurrency  int
	StageTimeout domain.Duration
}

type Service struct {
	resolver *resolver.Resolver
	adapter  *engine.Adapter
	reporter *report.Reporter
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]*engine.CancelToken
	closed  bool
	wg      sync.WaitGroup
}

func New(reg *connector.Registry, adapter *engine.Adapter, reporter *report.Reporter, logger *slog.Logger) *Service {
	if reg == nil || adapter == nil || reporter == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		resolver: resolver.New(reg),
		adapter:  adapter,
		reporter: reporter,
		logger:   logger,
		running:  map[string]*engine.CancelToken{},
	}
}

// Plan is a validated definition ready to execute.
type Plan struct {
	Definition  domain.PipelineDefinition
	Graph       *resolver.Graph
	Fingerprint string
}

// Validate resolves def against the registry without executing it.
func (s *Service) Validate(def domain.PipelineDefinition) (Plan, error) {
	def = def.Clone()
	fp, err := definition.Fingerprint(def)
	if err != nil {
		return Plan{}, err
	}
	g, err := s.resolver.Resolve(def)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Definition: def, Graph: g, Fingerprint: fp}, nil
}

// Submit validates def and starts executing it in the background.
func (s *Service) Submit(ctx context.Context, def domain.PipelineDefinition, opts Options) (string, error) {
	p, runID, token, err := s.start(ctx, def, opts)
	if err != nil {
		return "", err
	}
	go func() {
		defer s.wg.Done()
		if _, err := s.execute(context.WithoutCancel(ctx), p, runID, token, opts); err != nil {
			s.logger.Error("finalize run", "run_id", runID, "error", err)
		}
	}()
	return runID, nil
}

// Run validates and executes def in the caller's goroutine and returns the
// terminal record. Cancelling ctx cancels the run.
func (s *Service) Run(ctx context.Context, def domain.PipelineDefinition, opts Options) (domain.RunRecord, error) {
	p, runID, token, err := s.start(ctx, def, opts)
	if err != nil {
		return domain.RunRecord{}, err
	}
	defer s.wg.Done()
	return s.execute(ctx, p, runID, token, opts)
}

func (s *Service) start(ctx context.Context, def domain.PipelineDefinition, opts Options) (Plan, string, *engine.CancelToken, error) {
	p, err := s.Validate(def)
	if err != nil {
		s.logger.Warn("definition rejected", "pipeline", def.Name, "error", err)
		return Plan{}, "", nil, err
	}
	runID := strings.TrimSpace(opts.RunID)
	if runID == "" {
		if runID, err = requestid.New(); err != nil {
			return Plan{}, "", nil, fmt.Errorf("generate run id: %w", err)
		}
	}

	token := engine.NewCancelToken()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Plan{}, "", nil, ErrShuttingDown
	}
	if _, dup := s.running[runID]; dup {
		s.mu.Unlock()
		return Plan{}, "", nil, fmt.Errorf("run %s is already running", runID)
	}
	s.running[runID] = token
	s.wg.Add(1)
	s.mu.Unlock()

	if err := s.reporter.Start(ctx, domain.RunRecord{
		RunID:       runID,
		Pipeline:    p.Graph.Pipeline,
		Provider:    p.Graph.Provider,
		Fingerprint: p.Fingerprint,
		Lineage:     p.Graph.Lineage(),
	}); err != nil {
		s.forget(runID)
		s.wg.Done()
		return Plan{}, "", nil, err
	}
	log := s.logger.With("run_id", runID, "pipeline", p.Graph.Pipeline, "fingerprint", p.Fingerprint)
	if rid, ok := requestid.FromContext(ctx); ok {
		log = log.With("request_id", rid)
	}
	log.Info("run submitted", "provider", string(p.Graph.Provider), "stages", len(p.Graph.Order))
	return p, runID, token, nil
}

func (s *Service) execute(ctx context.Context, p Plan, runID string, token *engine.CancelToken, opts Options) (domain.RunRecord, error) {
	res := s.adapter.Execute(ctx, p.Graph, engine.RunOptions{
		RunID:        runID,
		Retry:        opts.Retry,
		Concurrency:  opts.Concurrency,
		StageTimeout: opts.StageTimeout.Std(),
		Cancel:       token,
		Observer:     s.reporter,
	})
	s.forget(runID)
	return s.reporter.Finish(context.WithoutCancel(ctx), res)
}

func (s *Service) forget(runID string) {
	s.mu.Lock()
	delete(s.running, runID)
	s.mu.Unlock()
}

// Get returns the record of runID, live while the run executes.
func (s *Service) Get(ctx context.Context, runID string) (domain.RunRecord, error) {
	return s.reporter.GetRunRecord(ctx, runID)
}

// Cancel asks a running run to stop dispatching stages.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	token, ok := s.running[runID]
	s.mu.Unlock()
	if ok {
		token.Cancel()
		s.logger.Info("run cancellation requested", "run_id", runID)
		return nil
	}
	if _, err := s.reporter.GetRunRecord(ctx, runID); err != nil {
		return err
	}
	return ErrNotRunning
}

// Shutdown stops accepting runs, cancels the running ones and waits for them
// to finish or ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, token := range s.running {
		token.Cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exit codes of pipelinectl.
const (
	ExitSuccess    = 0
	ExitValidation = 1
	ExitRuntime    = 2
	ExitCancelled  = 3
)

// ExitCode maps a run outcome to a process exit code. err is the error
// returned alongside rec, if any.
func ExitCode(rec *domain.RunRecord, err error) int {
	if err != nil {
		if pipelineerr.ClassOf(err) == pipelineerr.ClassDefinition {
			return ExitValidation
		}
		var defErr *pipelineerr.DefinitionError
		if errors.As(err, &defErr) {
			return ExitValidation
		}
		if rec == nil || !rec.Status.Terminal() {
			return ExitRuntime
		}
	}
	if rec == nil {
		return ExitRuntime
	}
	switch rec.Status {
	case domain.RunStatusSucceeded:
		return ExitSuccess
	case domain.RunStatusPartial:
		return ExitCancelled
	default:
		if rec.Error != nil && rec.Error.Class == string(pipelineerr.ClassDefinition) {
			return ExitValidation
		}
		return ExitRuntime
	}
}

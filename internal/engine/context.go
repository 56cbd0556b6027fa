package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/animus-labs/cloudpipe/internal/connector"
	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
)

// ExecutionContext is the per-run state. frames and rows are written only by
// the driving goroutine between levels; connectors may be opened from
// concurrent stages.
type ExecutionContext struct {
	RunID    string
	Provider domain.Provider

	frames  map[string]frame.Frame
	rows    map[string]int64
	reports []domain.QualityReport

	opens      singleflight.Group
	mu         sync.Mutex
	connectors map[string]connector.Connector
	openOrder  []string
}

func newExecutionContext(runID string, provider domain.Provider) *ExecutionContext {
	return &ExecutionContext{
		RunID:      runID,
		Provider:   provider,
		frames:     map[string]frame.Frame{},
		rows:       map[string]int64{},
		connectors: map[string]connector.Connector{},
	}
}

// Frame returns the output of a completed stage.
func (ec *ExecutionContext) Frame(id string) (frame.Frame, bool) {
	f, ok := ec.frames[id]
	return f, ok
}

// connector opens a binding once per run. Concurrent stages asking for the
// same binding share one Open; different bindings open in parallel.
func (ec *ExecutionContext) connector(ctx context.Context, b *connector.Binding) (connector.Connector, error) {
	key := string(b.Provider) + "/" + b.Type
	if c, ok := ec.opened(key); ok {
		return c, nil
	}
	v, err, _ := ec.opens.Do(key, func() (any, error) {
		if c, ok := ec.opened(key); ok {
			return c, nil
		}
		c, err := b.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", key, err)
		}
		ec.mu.Lock()
		ec.connectors[key] = c
		ec.openOrder = append(ec.openOrder, key)
		ec.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(connector.Connector), nil
}

func (ec *ExecutionContext) opened(key string) (connector.Connector, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	c, ok := ec.connectors[key]
	return c, ok
}

// close releases opened connectors in reverse open order.
func (ec *ExecutionContext) close() error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	var errs []error
	for i := len(ec.openOrder) - 1; i >= 0; i-- {
		if c, ok := ec.connectors[ec.openOrder[i]].(connector.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", ec.openOrder[i], err))
			}
		}
	}
	ec.connectors = map[string]connector.Connector{}
	ec.openOrder = nil
	ec.frames = map[string]frame.Frame{}
	return errors.Join(errs...)
}

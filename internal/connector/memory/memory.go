// Package memory is an in-process connector. It backs local development runs
// and tests, and can replay a scripted sequence of failures per location.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/animus-labs/cloudpipe/internal/connector"
	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
)

// Store holds datasets keyed by location.
type Store struct {
	mu          sync.Mutex
	tables      map[string][]frame.Row
	readFaults  map[string][]error
	writeFaults map[string][]error
	latency     map[string]time.Duration
	reads       map[string]int
	writes      map[string]int
	closes      int
}

func NewStore() *Store {
	return &Store{
		tables:      map[string][]frame.Row{},
		readFaults:  map[string][]error{},
		writeFaults: map[string][]error{},
		latency:     map[string]time.Duration{},
		reads:       map[string]int{},
		writes:      map[string]int{},
	}
}

// Put replaces the dataset at location.
func (s *Store) Put(location string, rows []frame.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[location] = cloneRows(rows)
}

// Get returns a copy of the dataset at location.
func (s *Store) Get(location string) ([]frame.Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.tables[location]
	return cloneRows(rows), ok
}

// FailReads queues errors returned by the next reads of location, in order.
func (s *Store) FailReads(location string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readFaults[location] = append(s.readFaults[location], errs...)
}

// FailWrites queues errors returned by the next writes to location, in order.
func (s *Store) FailWrites(location string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeFaults[location] = append(s.writeFaults[location], errs...)
}

// SetLatency delays every read and write of location by d, honouring ctx.
func (s *Store) SetLatency(location string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency[location] = d
}

// Reads is the number of read attempts against location.
func (s *Store) Reads(location string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[location]
}

// Writes is the number of write attempts against location.
func (s *Store) Writes(location string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[location]
}

// Closes is the number of connectors over s that were closed.
func (s *Store) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Connector returns a connector over s advertising caps.
func (s *Store) Connector(caps connector.Capability) *Connector {
	return &Connector{store: s, caps: caps}
}

// Open adapts Connector to connector.OpenFunc.
func (s *Store) Open(caps connector.Capability) connector.OpenFunc {
	return func(context.Context) (connector.Connector, error) {
		return s.Connector(caps), nil
	}
}

type Connector struct {
	store *Store
	caps  connector.Capability
}

func (c *Connector) Capabilities() connector.Capability { return c.caps }

// Close counts releases so tests can check connector lifetimes.
func (c *Connector) Close() error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.closes++
	return nil
}

func (c *Connector) Read(ctx context.Context, desc domain.ConnectorDescriptor, eng frame.Engine) (frame.Frame, error) {
	s := c.store
	s.mu.Lock()
	s.reads[desc.Location]++
	fault := pop(s.readFaults, desc.Location)
	delay := s.latency[desc.Location]
	rows, ok := s.tables[desc.Location]
	rows = cloneRows(rows)
	s.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	if fault != nil {
		return nil, fault
	}
	if !ok {
		return nil, pipelineerr.New(pipelineerr.SourceUnavailable, "", "location %q not found", desc.Location)
	}
	return eng.FromRows(nil, rows), nil
}

func (c *Connector) Write(ctx context.Context, desc domain.SinkDescriptor, in frame.Frame) (connector.WriteResult, error) {
	s := c.store
	s.mu.Lock()
	s.writes[desc.Location]++
	fault := pop(s.writeFaults, desc.Location)
	delay := s.latency[desc.Location]
	s.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return connector.WriteResult{}, err
	}
	if fault != nil {
		return connector.WriteResult{}, fault
	}
	rows, err := in.Rows(ctx)
	if err != nil {
		return connector.WriteResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	merged, err := connector.Apply(desc.Name, desc.EffectiveMode(), desc.Keys, s.tables[desc.Location], cloneRows(rows))
	if err != nil {
		return connector.WriteResult{}, err
	}
	s.tables[desc.Location] = merged
	return connector.WriteResult{RowsWritten: int64(len(rows)), Location: desc.Location, Mode: desc.EffectiveMode()}, nil
}

func pop(faults map[string][]error, location string) error {
	q := faults[location]
	if len(q) == 0 {
		return nil
	}
	faults[location] = q[1:]
	return q[0]
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func cloneRows(rows []frame.Row) []frame.Row {
	if rows == nil {
		return nil
	}
	out := make([]frame.Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

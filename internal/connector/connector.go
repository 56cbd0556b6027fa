// Package connector defines the uniform read/write contract over provider
// storage, warehouse and streaming services.
package connector

import (
	"context"
	"strings"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
)

// Capability is a bit set of what a connector can do.
type Capability uint8

const (
	BatchRead Capability = 1 << iota
	BatchWrite
	StreamRead
	StreamWrite
)

// Has reports whether every bit of want is set.
func (c Capability) Has(want Capability) bool { return c&want == want }

// Any reports whether at least one bit of want is set.
func (c Capability) Any(want Capability) bool { return c&want != 0 }

func (c Capability) String() string {
	var parts []string
	if c.Has(BatchRead) {
		parts = append(parts, "batch-read")
	}
	if c.Has(BatchWrite) {
		parts = append(parts, "batch-write")
	}
	if c.Has(StreamRead) {
		parts = append(parts, "stream-read")
	}
	if c.Has(StreamWrite) {
		parts = append(parts, "stream-write")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Readable and Writable are the capability sets sources and sinks need.
const (
	Readable = BatchRead | StreamRead
	Writable = BatchWrite | StreamWrite
)

// WriteResult describes a completed write.
type WriteResult struct {
	RowsWritten int64
	Location    string
	Mode        domain.WriteMode
}

// Connector reads and writes one kind of provider service.
//
// Read returns a frame built with eng; the connector may fetch eagerly but must
// not coerce to a declared schema, the caller does that. Write materializes in.
// Transient failures are reported as pipelineerr SourceUnavailable or
// WriteConflict so the caller can retry them.
type Connector interface {
	Capabilities() Capability
	Read(ctx context.Context, desc domain.ConnectorDescriptor, eng frame.Engine) (frame.Frame, error)
	Write(ctx context.Context, desc domain.SinkDescriptor, in frame.Frame) (WriteResult, error)
}

// Closer is implemented by connectors holding network resources.
type Closer interface {
	Close() error
}

// SplitLocation splits "container/path/to/object" into its container and key.
func SplitLocation(location string) (container, key string, ok bool) {
	location = strings.Trim(strings.TrimSpace(location), "/")
	container, key, found := strings.Cut(location, "/")
	if !found || container == "" || key == "" {
		return "", "", false
	}
	return container, key, true
}

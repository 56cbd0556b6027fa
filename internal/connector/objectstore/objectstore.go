// Package objectstore is the object-storage connector. Locations are
// "container/path/to/object"; the object holds one dataset in csv, json or
// ndjson.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/animus-labs/cloudpipe/internal/connector"
	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
)

const Capabilities = connector.BatchRead | connector.BatchWrite

type Connector struct {
	store Store
}

func New(store Store) (*Connector, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	return &Connector{store: store}, nil
}

func (c *Connector) Capabilities() connector.Capability { return Capabilities }

func (c *Connector) Read(ctx context.Context, desc domain.ConnectorDescriptor, eng frame.Engine) (frame.Frame, error) {
	rows, _, err := c.load(ctx, desc)
	if err != nil {
		return nil, err
	}
	return eng.FromRows(nil, rows), nil
}

func (c *Connector) load(ctx context.Context, desc domain.ConnectorDescriptor) ([]frame.Row, ObjectInfo, error) {
	bucket, key, ok := connector.SplitLocation(desc.Location)
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("location %q must be container/path", desc.Location)
	}
	body, info, err := c.store.Get(ctx, bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, classify(err, "read %s", desc.Location)
	}
	defer body.Close()

	rows, err := connector.Decode(connector.NormalizeFormat(desc.Format, connector.FormatCSV), body)
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("read %s: %w", desc.Location, err)
	}
	return rows, info, nil
}

func (c *Connector) Write(ctx context.Context, desc domain.SinkDescriptor, in frame.Frame) (connector.WriteResult, error) {
	bucket, key, ok := connector.SplitLocation(desc.Location)
	if !ok {
		return connector.WriteResult{}, fmt.Errorf("location %q must be container/path", desc.Location)
	}
	rows, err := in.Rows(ctx)
	if err != nil {
		return connector.WriteResult{}, err
	}
	mode := desc.EffectiveMode()
	if mode == domain.WriteModeMerge {
		if err := connector.CheckMergeKeys(desc.Name, desc.Keys, rows); err != nil {
			return connector.WriteResult{}, err
		}
	}

	var (
		existing []frame.Row
		etag     string
	)
	if mode != domain.WriteModeOverwrite {
		prior, info, err := c.load(ctx, desc.ConnectorDescriptor)
		switch {
		case err == nil:
			existing, etag = prior, info.ETag
		case errors.Is(err, ErrNotFound):
		default:
			return connector.WriteResult{}, err
		}
	}
	out, err := connector.Apply(desc.Name, mode, desc.Keys, existing, rows)
	if err != nil {
		return connector.WriteResult{}, err
	}

	format := connector.NormalizeFormat(desc.Format, connector.FormatCSV)
	var buf bytes.Buffer
	if err := connector.Encode(format, &buf, in.Schema(), out); err != nil {
		return connector.WriteResult{}, fmt.Errorf("encode %s: %w", desc.Location, err)
	}
	err = c.store.Put(ctx, bucket, key, &buf, int64(buf.Len()), PutOptions{
		ContentType: contentType(format),
		IfMatch:     etag,
	})
	if err != nil {
		return connector.WriteResult{}, classify(err, "write %s", desc.Location)
	}
	return connector.WriteResult{RowsWritten: int64(len(rows)), Location: desc.Location, Mode: mode}, nil
}

func contentType(format string) string {
	switch format {
	case connector.FormatCSV:
		return "text/csv"
	case connector.FormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

func classify(err error, format string, args ...any) error {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrNotFound):
		return pipelineerr.Wrap(pipelineerr.SourceUnavailable, "", err, format, args...)
	case errors.Is(err, ErrConflict):
		return pipelineerr.Wrap(pipelineerr.WriteConflict, "", err, format, args...)
	case errors.As(err, &netErr):
		return pipelineerr.Wrap(pipelineerr.SourceUnavailable, "", err, format, args...)
	default:
		return fmt.Errorf(format+": %w", append(args, err)...)
	}
}

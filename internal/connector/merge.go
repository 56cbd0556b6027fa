package connector

import (
	"fmt"

	"github.com/zeebo/xxh3"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
)

// KeyHash hashes the rendered key columns of row, so a key read back from a
// text format matches its typed original. ok is false when a key is null or
// missing.
func KeyHash(row frame.Row, keys []string) (uint64, bool) {
	h := xxh3.New()
	for _, k := range keys {
		v, present := row[k]
		if !present || v == nil {
			return 0, false
		}
		_, _ = h.WriteString(render(v))
		_, _ = h.Write([]byte{0x1e})
	}
	return h.Sum64(), true
}

// CheckMergeKeys validates merge keys against the incoming rows.
func CheckMergeKeys(stage string, keys []string, rows []frame.Row) error {
	if len(keys) == 0 {
		return pipelineerr.New(pipelineerr.MergeKeyMissing, stage, "merge mode requires keys")
	}
	for i, row := range rows {
		if _, ok := KeyHash(row, keys); !ok {
			return pipelineerr.New(pipelineerr.MergeKeyMissing, stage, "row %d has a null or missing merge key %v", i, keys)
		}
	}
	return nil
}

// Apply combines existing and incoming rows under mode. Merge replaces existing
// rows whose key matches an incoming row; among incoming duplicates the last
// row wins.
func Apply(stage string, mode domain.WriteMode, keys []string, existing, incoming []frame.Row) ([]frame.Row, error) {
	switch mode {
	case domain.WriteModeOverwrite, "":
		return append([]frame.Row(nil), incoming...), nil
	case domain.WriteModeAppend:
		out := make([]frame.Row, 0, len(existing)+len(incoming))
		out = append(out, existing...)
		return append(out, incoming...), nil
	case domain.WriteModeMerge:
		if err := CheckMergeKeys(stage, keys, incoming); err != nil {
			return nil, err
		}
		latest := make(map[uint64]int, len(incoming))
		for i, row := range incoming {
			h, _ := KeyHash(row, keys)
			latest[h] = i
		}
		out := make([]frame.Row, 0, len(existing)+len(incoming))
		for _, row := range existing {
			if h, ok := KeyHash(row, keys); ok {
				if _, replaced := latest[h]; replaced {
					continue
				}
			}
			out = append(out, row)
		}
		for i, row := range incoming {
			h, _ := KeyHash(row, keys)
			if latest[h] == i {
				out = append(out, row)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported write mode %q", mode)
	}
}

package connector

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/animus-labs/cloudpipe/internal/frame"
)

// File formats understood by object-storage and stream connectors.
const (
	FormatCSV    = "csv"
	FormatJSON   = "json"
	FormatNDJSON = "ndjson"
)

// FileFormats is the format list for bindings that move files.
var FileFormats = []string{FormatCSV, FormatJSON, FormatNDJSON}

// NormalizeFormat lower-cases format and applies def when empty.
func NormalizeFormat(format, def string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		return def
	}
	return format
}

// Decode reads rows in format from r. CSV values stay strings and are typed by
// the declared schema later; JSON numbers become int64 when integral.
func Decode(format string, r io.Reader) ([]frame.Row, error) {
	switch format {
	case FormatCSV:
		return decodeCSV(r)
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.UseNumber()
		var raw []map[string]any
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, fmt.Errorf("decode json: %w", err)
		}
		out := make([]frame.Row, len(raw))
		for i, m := range raw {
			out[i] = normalizeJSON(m)
		}
		return out, nil
	case FormatNDJSON:
		var out []frame.Row
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		line := 0
		for sc.Scan() {
			line++
			text := bytes.TrimSpace(sc.Bytes())
			if len(text) == 0 {
				continue
			}
			row, err := DecodeRecord(text)
			if err != nil {
				return nil, fmt.Errorf("decode ndjson line %d: %w", line, err)
			}
			out = append(out, row)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("scan ndjson: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// DecodeRecord decodes one JSON object, as found in a stream message.
func DecodeRecord(data []byte) (frame.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return normalizeJSON(m), nil
}

func decodeCSV(r io.Reader) ([]frame.Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	var out []frame.Row
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		row := make(frame.Row, len(header))
		for i, name := range header {
			if i < len(rec) {
				row[name] = rec[i]
			} else {
				row[name] = nil
			}
		}
		out = append(out, row)
	}
}

func normalizeJSON(m map[string]any) frame.Row {
	row := make(frame.Row, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case json.Number:
			if i, err := t.Int64(); err == nil {
				row[k] = i
			} else if f, err := t.Float64(); err == nil {
				row[k] = f
			} else {
				row[k] = t.String()
			}
		case map[string]any, []any:
			blob, _ := json.Marshal(t)
			row[k] = string(blob)
		default:
			row[k] = v
		}
	}
	return row
}

// Encode writes rows in format to w. Column order follows schema, then any
// columns only present in the rows.
func Encode(format string, w io.Writer, schema frame.Schema, rows []frame.Row) error {
	switch format {
	case FormatCSV:
		cols := Columns(schema, rows)
		cw := csv.NewWriter(w)
		if err := cw.Write(cols); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		rec := make([]string, len(cols))
		for _, row := range rows {
			for i, col := range cols {
				rec[i] = render(row[col])
			}
			if err := cw.Write(rec); err != nil {
				return fmt.Errorf("write csv: %w", err)
			}
		}
		cw.Flush()
		return cw.Error()
	case FormatJSON:
		if rows == nil {
			rows = []frame.Row{}
		}
		return json.NewEncoder(w).Encode(rows)
	case FormatNDJSON:
		enc := json.NewEncoder(w)
		for i, row := range rows {
			if err := enc.Encode(row); err != nil {
				return fmt.Errorf("encode ndjson row %d: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

// Columns returns schema names followed by any other row columns in first
// appearance order.
func Columns(schema frame.Schema, rows []frame.Row) []string {
	cols := schema.Names()
	seen := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		seen[c] = struct{}{}
	}
	for _, f := range frame.Infer(rows) {
		if _, ok := seen[f.Name]; !ok {
			seen[f.Name] = struct{}{}
			cols = append(cols, f.Name)
		}
	}
	return cols
}

func render(v any) string {
	if v == nil {
		return ""
	}
	s, err := frame.CoerceValue(v, frame.TypeString)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s.(string)
}

// Package definition decodes pipeline definition documents.
//
// Documents are YAML or JSON. Unknown fields are rejected so a typo never
// silently drops part of a pipeline.
package definition

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
)

type Format string

const (
	FormatAuto Format = ""
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// MaxDocumentSize bounds documents read from files and requests.
const MaxDocumentSize = 4 << 20

// Parse decodes one definition. FormatAuto treats input starting with '{' as
// JSON and anything else as YAML. Decode failures are InvalidDefinition.
func Parse(input []byte, format Format) (domain.PipelineDefinition, error) {
	if format == FormatAuto {
		format = sniff(input)
	}
	var (
		def domain.PipelineDefinition
		err error
	)
	switch format {
	case FormatJSON:
		err = decodeJSON(input, &def)
	case FormatYAML:
		err = decodeYAML(input, &def)
	default:
		return domain.PipelineDefinition{}, fmt.Errorf("unsupported definition format %q", format)
	}
	if err != nil {
		return domain.PipelineDefinition{}, pipelineerr.Wrap(pipelineerr.InvalidDefinition, "", err, "decode %s definition", format)
	}
	return def, nil
}

// ParseFile reads path and parses it by extension (.json, .yaml, .yml). A file
// that cannot be read or is too large is an InvalidDefinition.
func ParseFile(path string) (domain.PipelineDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.PipelineDefinition{}, pipelineerr.Wrap(pipelineerr.InvalidDefinition, "", err, "open definition")
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, MaxDocumentSize+1))
	if err != nil {
		return domain.PipelineDefinition{}, pipelineerr.Wrap(pipelineerr.InvalidDefinition, "", err, "read definition")
	}
	if len(raw) > MaxDocumentSize {
		return domain.PipelineDefinition{}, pipelineerr.New(pipelineerr.InvalidDefinition, "", "definition %s exceeds %d bytes", path, MaxDocumentSize)
	}
	return Parse(raw, FormatFromPath(path))
}

func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatAuto
	}
}

func sniff(input []byte) Format {
	if trimmed := bytes.TrimSpace(input); len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}

func decodeJSON(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func decodeYAML(raw []byte, dst any) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty document")
		}
		return err
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return errors.New("multiple YAML documents")
	}
	return nil
}

// Fingerprint is a stable content hash of def: the hex xxh3-128 of its
// canonical JSON encoding. Equal definitions have equal fingerprints whatever
// document format or key order they were written in.
func Fingerprint(def domain.PipelineDefinition) (string, error) {
	blob, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("marshal definition: %w", err)
	}
	sum := xxh3.Hash128(blob).Bytes()
	return hex.EncodeToString(sum[:]), nil
}

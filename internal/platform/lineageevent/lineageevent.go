// Package lineageevent persists stage-to-stage lineage edges of pipeline runs
// as append-only, integrity-hashed rows.
package lineageevent

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/cloudpipe/internal/domain"
)

// PredicateFeeds is the only edge predicate the execution core emits.
const PredicateFeeds = "feeds"

type Event struct {
	OccurredAt time.Time
	RunID      string
	Pipeline   string
	Provider   string
	FromStage  string
	Predicate  string
	ToStage    string
	Metadata   any
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const insertQuery = `INSERT INTO pipeline_lineage_events (
		occurred_at,
		run_id,
		pipeline,
		provider,
		from_stage,
		predicate,
		to_stage,
		metadata,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	RETURNING event_id`

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("RunID is required")
	}
	if strings.TrimSpace(e.Pipeline) == "" {
		return errors.New("Pipeline is required")
	}
	if strings.TrimSpace(e.FromStage) == "" {
		return errors.New("FromStage is required")
	}
	if strings.TrimSpace(e.Predicate) == "" {
		return errors.New("Predicate is required")
	}
	if strings.TrimSpace(e.ToStage) == "" {
		return errors.New("ToStage is required")
	}
	return nil
}

// FromRecord turns the lineage of a terminal run into events, one per edge.
func FromRecord(rec domain.RunRecord) []Event {
	at := rec.StartedAt
	if rec.EndedAt != nil {
		at = *rec.EndedAt
	}
	out := make([]Event, 0, len(rec.Lineage))
	for _, edge := range rec.Lineage {
		out = append(out, Event{
			OccurredAt: at.UTC(),
			RunID:      rec.RunID,
			Pipeline:   rec.Pipeline,
			Provider:   string(rec.Provider),
			FromStage:  edge.From,
			Predicate:  PredicateFeeds,
			ToStage:    edge.To,
			Metadata:   map[string]any{"status": string(rec.Status), "definition_fingerprint": rec.Fingerprint},
		})
	}
	return out
}

func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}

	integrity, err := ComputeIntegritySHA256(event, metadataJSON)
	if err != nil {
		return 0, err
	}

	var provider sql.NullString
	if strings.TrimSpace(event.Provider) != "" {
		provider = sql.NullString{String: strings.TrimSpace(event.Provider), Valid: true}
	}

	var id int64
	err = q.QueryRowContext(
		ctx,
		insertQuery,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.RunID),
		strings.TrimSpace(event.Pipeline),
		provider,
		strings.TrimSpace(event.FromStage),
		strings.TrimSpace(event.Predicate),
		strings.TrimSpace(event.ToStage),
		metadataJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert lineage event: %w", err)
	}
	return id, nil
}

func ComputeIntegritySHA256(event Event, metadataJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt time.Time       `json:"occurred_at"`
		RunID      string          `json:"run_id"`
		Pipeline   string          `json:"pipeline"`
		Provider   string          `json:"provider,omitempty"`
		FromStage  string          `json:"from_stage"`
		Predicate  string          `json:"predicate"`
		ToStage    string          `json:"to_stage"`
		Metadata   json.RawMessage `json:"metadata"`
	}

	in := integrityInput{
		OccurredAt: event.OccurredAt.UTC(),
		RunID:      strings.TrimSpace(event.RunID),
		Pipeline:   strings.TrimSpace(event.Pipeline),
		Provider:   strings.TrimSpace(event.Provider),
		FromStage:  strings.TrimSpace(event.FromStage),
		Predicate:  strings.TrimSpace(event.Predicate),
		ToStage:    strings.TrimSpace(event.ToStage),
		Metadata:   metadataJSON,
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

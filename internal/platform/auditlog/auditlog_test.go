package auditlog

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/cloudpipe/internal/platform/auth"
)

func TestValidate(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := (Event{OccurredAt: now, Actor: "alice", Action: ActionRunSubmit}).Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := (Event{OccurredAt: now, Actor: " ", Action: ActionRunSubmit}).Validate(); err == nil {
		t.Fatalf("expected error for blank actor")
	}
	if err := (Event{Actor: "alice", Action: ActionRunSubmit}).Validate(); err == nil {
		t.Fatalf("expected error for zero time")
	}
}

func TestComputeIntegritySHA256Stable(t *testing.T) {
	event := Event{
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Actor:      "alice",
		Action:     ActionRunCancel,
		RunID:      "r1",
		IP:         net.ParseIP("10.0.0.1"),
	}
	payload, _ := json.Marshal(map[string]any{"pipeline": "orders"})
	a, err := ComputeIntegritySHA256(event, payload)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() error = %v", err)
	}
	event.Actor = " alice "
	b, _ := ComputeIntegritySHA256(event, payload)
	if a != b || len(a) != 64 {
		t.Fatalf("integrity not stable: %q vs %q", a, b)
	}
	event.RunID = "r2"
	if c, _ := ComputeIntegritySHA256(event, payload); c == a {
		t.Fatalf("integrity should cover run_id")
	}
}

func TestInsertRequiresQueryer(t *testing.T) {
	if _, err := Insert(context.Background(), nil, Event{Actor: "a", Action: "b"}); err == nil {
		t.Fatalf("expected error for nil queryer")
	}
	if !strings.Contains(insertQuery, "pipeline_audit_events") {
		t.Fatalf("insert targets wrong table: %s", insertQuery)
	}
}

func TestRemoteIP(t *testing.T) {
	if got := RemoteIP("192.0.2.1:5123"); !got.Equal(net.ParseIP("192.0.2.1")) {
		t.Fatalf("RemoteIP(host:port) = %v", got)
	}
	if got := RemoteIP("192.0.2.1"); !got.Equal(net.ParseIP("192.0.2.1")) {
		t.Fatalf("RemoteIP(host) = %v", got)
	}
	if got := RemoteIP("pipe"); got != nil {
		t.Fatalf("RemoteIP(pipe) = %v, want nil", got)
	}
}

type captured struct{ events []Event }

func (c *captured) Record(_ context.Context, e Event) error {
	c.events = append(c.events, e)
	return nil
}

func TestRecordAuthDeny(t *testing.T) {
	var c captured
	err := RecordAuthDeny(context.Background(), &c, "pipelinectl", auth.DenyEvent{
		Time:       time.Now(),
		Method:     "POST",
		Path:       "/runs",
		Status:     401,
		Reason:     "unauthenticated",
		RemoteAddr: "10.1.2.3:80",
	})
	if err != nil {
		t.Fatalf("RecordAuthDeny() error = %v", err)
	}
	if len(c.events) != 1 {
		t.Fatalf("events = %d, want 1", len(c.events))
	}
	e := c.events[0]
	if e.Actor != "anonymous" || e.Action != "auth.unauthenticated" || !e.IP.Equal(net.ParseIP("10.1.2.3")) {
		t.Fatalf("unexpected event %+v", e)
	}
}

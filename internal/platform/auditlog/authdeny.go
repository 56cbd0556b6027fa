package auditlog

import (
	"context"
	"strings"

	"github.com/animus-labs/cloudpipe/internal/platform/auth"
)

// RecordAuthDeny stores a rejected API request.
func RecordAuthDeny(ctx context.Context, rec Recorder, service string, event auth.DenyEvent) error {
	actor := "anonymous"
	if strings.TrimSpace(event.Subject) != "" {
		actor = strings.TrimSpace(event.Subject)
	}
	return rec.Record(ctx, Event{
		OccurredAt: event.Time,
		Actor:      actor,
		Action:     "auth." + strings.TrimSpace(event.Reason),
		RequestID:  event.RequestID,
		IP:         RemoteIP(event.RemoteAddr),
		UserAgent:  event.UserAgent,
		Payload: map[string]any{
			"service": service,
			"request": event.Method + " " + event.Path,
			"status":  event.Status,
			"reason":  event.Reason,
			"error":   event.Error,
			"roles":   event.Roles,
		},
	})
}

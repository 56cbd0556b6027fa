// Package stream holds the message-stream connectors. A stream read is
// bounded: it collects up to options.max_messages (default 1000) or until
// options.wait (default 5s) passes, whichever comes first. Each message body
// is one JSON object.
package stream

import (
	"strconv"
	"time"

	"github.com/animus-labs/cloudpipe/internal/domain"
)

const (
	defaultMaxMessages = 1000
	defaultWait        = 5 * time.Second
)

// Bounds are the read limits derived from descriptor options.
type Bounds struct {
	MaxMessages int
	Wait        time.Duration
}

func BoundsFrom(desc domain.ConnectorDescriptor) (Bounds, error) {
	b := Bounds{MaxMessages: defaultMaxMessages, Wait: defaultWait}
	if raw := desc.Option("max_messages", ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Bounds{}, &optionError{key: "max_messages", value: raw}
		}
		b.MaxMessages = n
	}
	if raw := desc.Option("wait", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Bounds{}, &optionError{key: "wait", value: raw}
		}
		b.Wait = d
	}
	return b, nil
}

type optionError struct {
	key, value string
}

func (e *optionError) Error() string {
	return "invalid option " + e.key + "=" + strconv.Quote(e.value)
}

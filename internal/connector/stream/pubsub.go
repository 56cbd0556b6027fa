package stream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/animus-labs/cloudpipe/internal/connector"
	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/frame"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
)

const (
	pubsubScope    = "https://www.googleapis.com/auth/pubsub"
	pubsubEndpoint = "https://pubsub.googleapis.com/v1"
)

// PubSubCapabilities: pull subscriptions only, there is no publish path.
const PubSubCapabilities = connector.StreamRead

// PubSub pulls from a subscription over the REST API. The descriptor location
// is a subscription id or a full "projects/p/subscriptions/s" name.
type PubSub struct {
	client   *http.Client
	endpoint string
	project  string
}

// NewPubSub authenticates with application default credentials.
func NewPubSub(ctx context.Context, project string) (*PubSub, error) {
	ts, err := google.DefaultTokenSource(ctx, pubsubScope)
	if err != nil {
		return nil, fmt.Errorf("pubsub credentials: %w", err)
	}
	return NewPubSubWithClient(oauth2.NewClient(ctx, ts), pubsubEndpoint, project)
}

// NewPubSubWithClient uses an already authorized client.
func NewPubSubWithClient(client *http.Client, endpoint, project string) (*PubSub, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if strings.TrimSpace(project) == "" {
		return nil, errors.New("gcp project is required")
	}
	return &PubSub{client: client, endpoint: strings.TrimRight(endpoint, "/"), project: project}, nil
}

func (p *PubSub) Capabilities() connector.Capability { return PubSubCapabilities }

type pullRequest struct {
	MaxMessages int `json:"maxMessages"`
}

type pullResponse struct {
	ReceivedMessages []struct {
		AckID   string `json:"ackId"`
		Message struct {
			Data      string `json:"data"`
			MessageID string `json:"messageId"`
		} `json:"message"`
	} `json:"receivedMessages"`
}

type ackRequest struct {
	AckIDs []string `json:"ackIds"`
}

func (p *PubSub) subscription(location string) string {
	location = strings.Trim(strings.TrimSpace(location), "/")
	if strings.HasPrefix(location, "projects/") {
		return location
	}
	return "projects/" + p.project + "/subscriptions/" + location
}

func (p *PubSub) Read(ctx context.Context, desc domain.ConnectorDescriptor, eng frame.Engine) (frame.Frame, error) {
	bounds, err := BoundsFrom(desc)
	if err != nil {
		return nil, err
	}
	sub := p.subscription(desc.Location)
	ack := desc.Option("ack", "true") != "false"

	pullCtx, cancel := context.WithTimeout(ctx, bounds.Wait)
	defer cancel()

	var rows []frame.Row
	for len(rows) < bounds.MaxMessages {
		var resp pullResponse
		err := p.call(pullCtx, sub+":pull", pullRequest{MaxMessages: bounds.MaxMessages - len(rows)}, &resp)
		if err != nil {
			if pullCtx.Err() != nil && ctx.Err() == nil {
				break
			}
			return nil, err
		}
		if len(resp.ReceivedMessages) == 0 {
			break
		}
		ackIDs := make([]string, 0, len(resp.ReceivedMessages))
		for _, m := range resp.ReceivedMessages {
			data, err := base64.StdEncoding.DecodeString(m.Message.Data)
			if err != nil {
				return nil, fmt.Errorf("message %s: %w", m.Message.MessageID, err)
			}
			row, err := connector.DecodeRecord(data)
			if err != nil {
				return nil, fmt.Errorf("message %s: %w", m.Message.MessageID, err)
			}
			rows = append(rows, row)
			ackIDs = append(ackIDs, m.AckID)
		}
		if ack {
			if err := p.call(ctx, sub+":acknowledge", ackRequest{AckIDs: ackIDs}, nil); err != nil {
				return nil, err
			}
		}
	}
	return eng.FromRows(nil, rows), nil
}

func (p *PubSub) Write(context.Context, domain.SinkDescriptor, frame.Frame) (connector.WriteResult, error) {
	return connector.WriteResult{}, errors.New("pubsub connector does not support writes")
}

func (p *PubSub) call(ctx context.Context, path string, body, out any) error {
	blob, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/"+path, bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return pipelineerr.Wrap(pipelineerr.SourceUnavailable, "", err, "pubsub %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("pubsub %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
		switch {
		case resp.StatusCode == http.StatusNotFound,
			resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode >= 500:
			return pipelineerr.Wrap(pipelineerr.SourceUnavailable, "", err, "pull failed")
		default:
			return err
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode pubsub response: %w", err)
	}
	return nil
}

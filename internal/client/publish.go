package client

import (
	"context"
	"fmt"
	"time"

	"github.com/voluntix/coordinator/internal/message"
	"github.com/voluntix/coordinator/internal/store"
)

// PublishOption customises one publish.
type PublishOption func(*PublishConfig)

// PublishConfig is the resolved per-publish settings after options are
// applied.
type PublishConfig struct {
	RequestID   string
	MessageType string
	Token       string
	SenderType  string
	SenderID    string
}

// WithRequestID reuses an existing request id so the message correlates with
// the request it answers.
func WithRequestID(id string) PublishOption {
	return func(c *PublishConfig) { c.RequestID = id }
}

// WithMessageType overrides the type inferred from the channel name.
func WithMessageType(t string) PublishOption {
	return func(c *PublishConfig) { c.MessageType = t }
}

// WithToken attaches a bearer token, replacing the client's default.
func WithToken(tok string) PublishOption {
	return func(c *PublishConfig) { c.Token = tok }
}

// WithSender overrides the sender identity, used when the coordinator
// relays on behalf of a participant.
func WithSender(senderType, senderID string) PublishOption {
	return func(c *PublishConfig) { c.SenderType, c.SenderID = senderType, senderID }
}

// Publish wraps data in an envelope and publishes it. It returns the request
// id so callers can await the response.
func (c *Client) Publish(ctx context.Context, channelName string, data map[string]any, opts ...PublishOption) (string, error) {
	cfg := PublishConfig{
		MessageType: message.TypeForChannel(channelName),
		Token:       c.token,
		SenderType:  "coordinator",
		SenderID:    c.senderID,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	env := message.New(cfg.SenderType, cfg.SenderID, data)
	env.MessageType = cfg.MessageType
	env.Token = cfg.Token
	if cfg.RequestID != "" {
		env.RequestID = cfg.RequestID
	}

	payload, err := env.Encode()
	if err != nil {
		return "", err
	}
	if err := c.rdb.Publish(ctx, channelName, payload).Err(); err != nil {
		return "", fmt.Errorf("client: publish %s: %w", channelName, err)
	}
	c.published.Add(1)

	if c.recorder != nil {
		entry := &store.MessageLog{
			ID:          env.RequestID + ":" + channelName + ":out",
			Channel:     channelName,
			RequestID:   env.RequestID,
			SenderType:  cfg.SenderType,
			SenderID:    cfg.SenderID,
			MessageType: cfg.MessageType,
			Payload:     string(payload),
			Timestamp:   time.Now().UTC(),
		}
		if err := c.recorder.AppendMessageLog(ctx, entry); err != nil {
			c.log.Warn("message log write failed", "channel", channelName, "error", err)
		}
	}
	return env.RequestID, nil
}

// Respond publishes a response envelope on channelName correlated to req.
func (c *Client) Respond(ctx context.Context, channelName string, req *message.Envelope, status string, data map[string]any) (string, error) {
	merged := map[string]any{"status": status}
	for k, v := range data {
		merged[k] = v
	}
	return c.Publish(ctx, channelName, merged,
		WithRequestID(req.RequestID),
		WithMessageType(message.TypeResponse),
	)
}

// Package ably relays chat messages through the Ably REST API and signs the
// tokens browsers use to connect to Ably directly.
package ably

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"consultchat/internal/config"
	"consultchat/internal/models"

	"github.com/ably/ably-go/ably"
)

const eventName = "message"

// Client wraps the Ably REST client to centralize configuration.
type Client struct {
	rest         *ably.REST
	historyLimit int
	log          *slog.Logger
}

// NewAblyClient creates the REST client from app config. logger may be nil.
func NewAblyClient(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	opts := []ably.ClientOption{ably.WithKey(cfg.Ably.APIKey)}
	if cfg.Ably.RESTHost != "" {
		opts = append(opts, ably.WithRESTHost(cfg.Ably.RESTHost))
	}
	rest, err := ably.NewREST(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ably client: %w", err)
	}
	limit := cfg.Ably.HistoryLimit
	if limit <= 0 {
		limit = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{rest: rest, historyLimit: limit, log: logger}, nil
}

// Publish sends one chat message to its channel. The message id is reused
// as the Ably message id so history entries can be matched with local rows.
func (c *Client) Publish(ctx context.Context, msg models.ChatMessage) error {
	if c == nil || c.rest == nil {
		return errors.New("ably client not initialized")
	}
	channel := c.rest.Channels.Get(msg.ChannelName)
	err := channel.PublishMultiple(ctx, []*ably.Message{{
		ID:   msg.ID,
		Name: eventName,
		Data: encodePayload(msg),
	}})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", msg.ChannelName, err)
	}
	return nil
}

// History returns up to the configured number of messages of a channel,
// newest first. Records that cannot be decoded are skipped.
func (c *Client) History(ctx context.Context, channelName string) ([]models.ChatMessage, error) {
	if c == nil || c.rest == nil {
		return nil, errors.New("ably client not initialized")
	}
	channel := c.rest.Channels.Get(channelName)
	pages, err := channel.History(
		ably.HistoryWithLimit(c.historyLimit),
		ably.HistoryWithDirection(ably.Backwards),
	).Pages(ctx)
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", channelName, err)
	}

	var items []*ably.Message
	for len(items) < c.historyLimit && pages.Next(ctx) {
		items = append(items, pages.Items()...)
	}
	if err := pages.Err(); err != nil {
		return nil, fmt.Errorf("history page of %s: %w", channelName, err)
	}
	if len(items) > c.historyLimit {
		items = items[:c.historyLimit]
	}
	messages := decodeHistory(channelName, items)
	if skipped := len(items) - len(messages); skipped > 0 {
		c.log.Debug("skipped malformed history records", "channel", channelName, "count", skipped)
	}
	return messages, nil
}

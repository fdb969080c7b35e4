package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"consultchat/internal/models"
	"consultchat/internal/redis"
)

const (
	historyKeyPrefix       = "chat:history:"
	defaultHistoryCacheTTL = 30 * time.Second
)

// historyCache keeps the decoded remote history of a channel for a short
// while so paging through a conversation does not hit the provider on every
// request.
type historyCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

func newHistoryCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *historyCache {
	if ttl <= 0 {
		ttl = defaultHistoryCacheTTL
	}
	return &historyCache{client: client, ttl: ttl, log: logger}
}

func historyKey(channelName string) string {
	return historyKeyPrefix + channelName
}

func (h *historyCache) load(ctx context.Context, channelName string) ([]models.ChatMessage, bool) {
	if h == nil || h.client == nil {
		return nil, false
	}
	raw, err := h.client.Get(ctx, historyKey(channelName))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			h.log.Warn("history cache read failed", "channel", channelName, "error", err)
		}
		return nil, false
	}
	var messages []models.ChatMessage
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		h.log.Warn("history cache decode failed", "channel", channelName, "error", err)
		return nil, false
	}
	return messages, true
}

func (h *historyCache) store(ctx context.Context, channelName string, messages []models.ChatMessage) {
	if h == nil || h.client == nil {
		return
	}
	if messages == nil {
		messages = []models.ChatMessage{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		h.log.Warn("history cache encode failed", "channel", channelName, "error", err)
		return
	}
	if err := h.client.Set(ctx, historyKey(channelName), data, h.ttl); err != nil {
		h.log.Warn("history cache write failed", "channel", channelName, "error", err)
	}
}

func (h *historyCache) invalidate(ctx context.Context, channelName string) {
	if h == nil || h.client == nil {
		return
	}
	if err := h.client.Del(ctx, historyKey(channelName)); err != nil {
		h.log.Warn("history cache invalidate failed", "channel", channelName, "error", err)
	}
}

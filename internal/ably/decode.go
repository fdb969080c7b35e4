package ably

import (
	"encoding/json"
	"strings"
	"time"

	"consultchat/internal/models"
	"consultchat/internal/service/channel"

	"github.com/ably/ably-go/ably"
)

// payload is the data object of a published message. Publishers also send
// "to" and "timestamp", but the recipient is derived from the channel and the
// provider timestamp is authoritative.
type payload struct {
	Text string `json:"text"`
	From string `json:"from"`
}

func encodePayload(msg models.ChatMessage) map[string]interface{} {
	return map[string]interface{}{
		"text":      msg.Text,
		"from":      msg.FromUserID,
		"to":        msg.ToUserID,
		"timestamp": msg.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// decodeHistory converts provider records of one channel to chat messages.
// Malformed records are dropped.
func decodeHistory(channelName string, items []*ably.Message) []models.ChatMessage {
	if _, _, err := channel.Parse(channelName); err != nil {
		return nil
	}
	messages := make([]models.ChatMessage, 0, len(items))
	for _, item := range items {
		msg, ok := decodeMessage(channelName, item)
		if !ok {
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}

func decodeMessage(channelName string, item *ably.Message) (models.ChatMessage, bool) {
	if item == nil || strings.TrimSpace(item.ID) == "" {
		return models.ChatMessage{}, false
	}
	p, ok := decodePayload(item.Data)
	if !ok || p.From == "" {
		return models.ChatMessage{}, false
	}
	to, err := channel.Counterpart(p.From, channelName)
	if err != nil {
		return models.ChatMessage{}, false
	}

	ts := time.Now().UTC()
	if item.Timestamp > 0 {
		ts = time.UnixMilli(item.Timestamp).UTC()
	}
	return models.ChatMessage{
		ID:          item.ID,
		ChannelName: channelName,
		Text:        p.Text,
		FromUserID:  p.From,
		ToUserID:    to,
		Timestamp:   ts,
		Source:      models.SourceAbly,
	}, true
}

func decodePayload(data interface{}) (payload, bool) {
	var raw []byte
	switch v := data.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case map[string]interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return payload{}, false
		}
		raw = b
	default:
		return payload{}, false
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return payload{}, false
	}
	return p, true
}

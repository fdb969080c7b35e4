package models

import "time"

// Source tags where a chat message was read from.
type Source string

const (
	SourceLocal Source = "local"
	SourceAbly  Source = "ably"
)

// ChatMessage is one message exchanged on a client/consultant channel.
// Messages are immutable once created.
type ChatMessage struct {
	ID          string    `json:"id"`
	ChannelName string    `json:"channel_name"`
	Text        string    `json:"text"`
	FromUserID  string    `json:"from_user_id"`
	ToUserID    string    `json:"to_user_id"`
	Timestamp   time.Time `json:"timestamp"`
	Source      Source    `json:"source"`
}

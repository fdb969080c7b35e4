package models

import "time"

// Conversation records that a client and a consultant share a channel.
type Conversation struct {
	ID           int64     `json:"id"`
	ClientID     string    `json:"client_id"`
	ConsultantID string    `json:"consultant_id"`
	ChannelName  string    `json:"channel_name"`
	CreatedAt    time.Time `json:"created_at"`
	IsActive     bool      `json:"is_active"`
}

// ConversationSummary is the per-counterpart view returned to a user.
type ConversationSummary struct {
	ChannelName     string        `json:"channel_name"`
	OtherUserID     string        `json:"other_user_id"`
	OtherUserName   string        `json:"other_user_name"`
	LastMessageTime *time.Time    `json:"last_message_time,omitempty"`
	Messages        []ChatMessage `json:"messages"`
	TotalMessages   int           `json:"total_messages"`
	CurrentPage     int           `json:"current_page"`
	PageSize        int           `json:"page_size"`
}

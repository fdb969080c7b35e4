package chat

import (
	"slices"
	"strings"
	"time"

	"consultchat/internal/models"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// CanonicalID normalizes a message id so the same id coming from the
// database and from the provider compares equal.
func CanonicalID(id string) string {
	id = strings.TrimSpace(id)
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed.String()
	}
	return strings.ToLower(id)
}

// Merge combines locally persisted and remotely fetched messages of one
// channel. Each id survives once, local records taking precedence, and the
// result is ordered newest first.
func Merge(local, remote []models.ChatMessage) []models.ChatMessage {
	all := make([]models.ChatMessage, 0, len(local)+len(remote))
	all = append(all, local...)
	all = append(all, remote...)

	all = lo.Filter(all, func(m models.ChatMessage, _ int) bool {
		return CanonicalID(m.ID) != ""
	})
	merged := lo.UniqBy(all, func(m models.ChatMessage) string {
		return CanonicalID(m.ID)
	})

	slices.SortStableFunc(merged, func(a, b models.ChatMessage) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(CanonicalID(a.ID), CanonicalID(b.ID))
	})
	return merged
}

// Page slices a merged history. Pages start at 1.
func Page(messages []models.ChatMessage, page, size int) []models.ChatMessage {
	if page < 1 || size < 1 {
		return []models.ChatMessage{}
	}
	// compare page counts first so (page-1)*size cannot overflow
	pages := len(messages) / size
	if len(messages)%size != 0 {
		pages++
	}
	if page > pages {
		return []models.ChatMessage{}
	}
	start := (page - 1) * size
	end := min(start+size, len(messages))
	return messages[start:end]
}

// sortSummaries orders conversations by last activity, newest first.
func sortSummaries(summaries []models.ConversationSummary) {
	slices.SortStableFunc(summaries, func(a, b models.ConversationSummary) int {
		var ta, tb time.Time
		if a.LastMessageTime != nil {
			ta = *a.LastMessageTime
		}
		if b.LastMessageTime != nil {
			tb = *b.LastMessageTime
		}
		if c := tb.Compare(ta); c != 0 {
			return c
		}
		return strings.Compare(a.ChannelName, b.ChannelName)
	})
}

package chat

import (
	"math"
	"testing"
	"time"

	"consultchat/internal/models"

	"github.com/stretchr/testify/require"
)

func msg(id string, ts time.Time, src models.Source) models.ChatMessage {
	return models.ChatMessage{ID: id, ChannelName: "chat:a:b", Text: id, Timestamp: ts, Source: src}
}

func TestMergeDeduplicatesAndSortsDescending(t *testing.T) {
	base := time.Date(2025, 5, 9, 12, 0, 0, 0, time.UTC)
	m1 := msg("m1", base, models.SourceLocal)
	m1Remote := msg("m1", base.Add(time.Second), models.SourceAbly)
	m2 := msg("m2", base.Add(time.Minute), models.SourceAbly)

	got := Merge([]models.ChatMessage{m1}, []models.ChatMessage{m1Remote, m2})

	require.Len(t, got, 2)
	require.Equal(t, "m2", got[0].ID)
	require.Equal(t, "m1", got[1].ID)
	require.Equal(t, models.SourceLocal, got[1].Source)
}

func TestMergeComparesCanonicalIDs(t *testing.T) {
	base := time.Date(2025, 5, 9, 12, 0, 0, 0, time.UTC)
	local := msg("3F2504E0-4F89-11D3-9A0C-0305E82C3301", base, models.SourceLocal)
	remote := msg("{3f2504e0-4f89-11d3-9a0c-0305e82c3301}", base, models.SourceAbly)
	other := msg("  ABC:0 ", base.Add(-time.Hour), models.SourceAbly)
	otherAgain := msg("abc:0", base.Add(-time.Hour), models.SourceAbly)

	got := Merge([]models.ChatMessage{local}, []models.ChatMessage{remote, other, otherAgain})
	require.Len(t, got, 2)
	require.Equal(t, models.SourceLocal, got[0].Source)
	require.Equal(t, "  ABC:0 ", got[1].ID)
}

func TestMergeDropsEmptyIDsAndHandlesEmptyInput(t *testing.T) {
	require.Empty(t, Merge(nil, nil))

	got := Merge(nil, []models.ChatMessage{msg("", time.Now(), models.SourceAbly), msg("x", time.Now(), models.SourceAbly)})
	require.Len(t, got, 1)
	require.Equal(t, "x", got[0].ID)
}

func TestMergeBreaksTimestampTiesByID(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	got := Merge([]models.ChatMessage{msg("b", ts, models.SourceLocal)}, []models.ChatMessage{msg("a", ts, models.SourceAbly)})
	require.Equal(t, []string{"a", "b"}, []string{got[0].ID, got[1].ID})
}

func TestPage(t *testing.T) {
	ts := time.Now()
	all := []models.ChatMessage{msg("1", ts, models.SourceLocal), msg("2", ts, models.SourceLocal), msg("3", ts, models.SourceLocal)}

	require.Len(t, Page(all, 1, 2), 2)
	require.Equal(t, "3", Page(all, 2, 2)[0].ID)
	require.Empty(t, Page(all, 3, 2))
	require.Empty(t, Page(all, 0, 2))
	require.Equal(t, "3", Page(all, 1, 1<<62)[2].ID)

	require.NotPanics(t, func() {
		require.Empty(t, Page(all, 1<<62, 4))
		require.Empty(t, Page(all, math.MaxInt, math.MaxInt))
	})
}

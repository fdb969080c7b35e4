package chat

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"consultchat/internal/auth"
	"consultchat/internal/config"
	"consultchat/internal/models"
	"consultchat/internal/redis"
	"consultchat/internal/service/channel"
	"consultchat/internal/storage"
	"consultchat/internal/worker"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

type fakeRelay struct {
	mu           sync.Mutex
	published    []models.ChatMessage
	remote       map[string][]models.ChatMessage
	historyCalls int
	publishErr   error
	historyErr   error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{remote: make(map[string][]models.ChatMessage)}
}

func (f *fakeRelay) Publish(_ context.Context, msg models.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeRelay) History(_ context.Context, channelName string) ([]models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]models.ChatMessage(nil), f.remote[channelName]...), nil
}

type fakeIssuer struct {
	clientID   string
	capability channel.Capability
}

func (f *fakeIssuer) Issue(clientID string, capability channel.Capability) (string, time.Time, error) {
	f.clientID = clientID
	f.capability = capability
	return "signed-" + clientID, time.Now().Add(time.Hour), nil
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertUser(t *testing.T, db *sql.DB, id, name string, consultant bool) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO users (id, name, email, password_hash, is_consultant, email_verified_at, created_at)
		VALUES (?, ?, ?, '', ?, ?, ?)`,
		id, name, strings.ToLower(name)+"@example.com", consultant, time.Now().UTC(), time.Now().UTC())
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	client, err := redis.NewRedisClient(&config.Config{Redis: config.RedisConfig{Host: host, Port: port}})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

var (
	client     = auth.Principal{ID: "u-client"}
	consultant = auth.Principal{ID: "c-consult", Consultant: true}
)

func setup(t *testing.T, cache *redis.Client) (*Service, *fakeRelay, *sql.DB) {
	t.Helper()
	db := openTestDB(t)
	insertUser(t, db, client.ID, "Carla", false)
	insertUser(t, db, consultant.ID, "Oscar", true)
	insertUser(t, db, "u-other", "Olga", false)

	relay := newFakeRelay()
	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 8})
	t.Cleanup(dispatcher.Close)
	svc := NewService(db, relay, &fakeIssuer{}, cache, dispatcher, Options{Driver: "sqlite3"})
	return svc, relay, db
}

func TestSendToConsultantPublishesAndStores(t *testing.T) {
	svc, relay, db := setup(t, nil)
	ctx := context.Background()

	msg, err := svc.SendToConsultant(ctx, client, consultant.ID, "  hello there ")
	require.NoError(t, err)
	require.Equal(t, "hello there", msg.Text)
	require.Equal(t, channel.Name(client.ID, consultant.ID), msg.ChannelName)
	require.Equal(t, client.ID, msg.FromUserID)
	require.Equal(t, consultant.ID, msg.ToUserID)
	require.Equal(t, models.SourceLocal, msg.Source)

	require.Len(t, relay.published, 1)
	require.Equal(t, msg.ID, relay.published[0].ID)

	var stored int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM chat_messages WHERE id = ?`, msg.ID).Scan(&stored))
	require.Equal(t, 1, stored)

	var clientID, consultantID string
	require.NoError(t, db.QueryRow(`SELECT client_id, consultant_id FROM conversations WHERE channel_name = ?`,
		msg.ChannelName).Scan(&clientID, &consultantID))
	require.Equal(t, client.ID, clientID)
	require.Equal(t, consultant.ID, consultantID)

	reply, err := svc.RespondToClient(ctx, consultant, client.ID, "hi")
	require.NoError(t, err)
	require.Equal(t, msg.ChannelName, reply.ChannelName)

	var conversations int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&conversations))
	require.Equal(t, 1, conversations)
}

func TestSendEnforcesRoles(t *testing.T) {
	svc, relay, _ := setup(t, nil)
	ctx := context.Background()

	_, err := svc.SendToConsultant(ctx, consultant, consultant.ID, "x")
	require.ErrorIs(t, err, ErrWrongRole)
	_, err = svc.RespondToClient(ctx, client, client.ID, "x")
	require.ErrorIs(t, err, ErrWrongRole)

	// a client cannot message another client through the consultant route
	_, err = svc.SendToConsultant(ctx, client, "u-other", "x")
	require.ErrorIs(t, err, ErrRecipientNotFound)
	_, err = svc.SendToConsultant(ctx, client, "nobody", "x")
	require.ErrorIs(t, err, ErrRecipientNotFound)
	_, err = svc.RespondToClient(ctx, consultant, consultant.ID, "x")
	require.ErrorIs(t, err, ErrRecipientNotFound)

	_, err = svc.SendToConsultant(ctx, client, consultant.ID, "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	_, err = svc.SendToConsultant(ctx, client, consultant.ID, strings.Repeat("a", maxMessageRunes+1))
	require.ErrorIs(t, err, ErrMessageTooLong)

	require.Empty(t, relay.published)
}

func TestSendDoesNotStoreWhenRelayFails(t *testing.T) {
	svc, relay, db := setup(t, nil)
	relay.publishErr = errors.New("ably unreachable")

	_, err := svc.SendToConsultant(context.Background(), client, consultant.ID, "hello")
	require.ErrorIs(t, err, ErrRelayFailed)

	var stored int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM chat_messages`).Scan(&stored))
	require.Zero(t, stored)
}

func TestHistoryMergesLocalAndRemote(t *testing.T) {
	svc, relay, _ := setup(t, nil)
	ctx := context.Background()

	sent, err := svc.SendToConsultant(ctx, client, consultant.ID, "local one")
	require.NoError(t, err)
	name := sent.ChannelName

	echo := *sent
	echo.ID = strings.ToUpper(sent.ID)
	echo.Source = models.SourceAbly
	relay.remote[name] = []models.ChatMessage{
		echo,
		{ID: "remote-2", ChannelName: name, Text: "from elsewhere", FromUserID: consultant.ID,
			ToUserID: client.ID, Timestamp: sent.Timestamp.Add(time.Minute), Source: models.SourceAbly},
	}

	summary, err := svc.History(ctx, client, name, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 2, summary.TotalMessages)
	require.Equal(t, consultant.ID, summary.OtherUserID)
	require.Equal(t, "Oscar", summary.OtherUserName)
	require.Len(t, summary.Messages, 2)
	require.Equal(t, "remote-2", summary.Messages[0].ID)
	require.Equal(t, sent.ID, summary.Messages[1].ID)
	require.Equal(t, models.SourceLocal, summary.Messages[1].Source)
	require.NotNil(t, summary.LastMessageTime)

	page2, err := svc.History(ctx, consultant, name, 2, 1)
	require.NoError(t, err)
	require.Len(t, page2.Messages, 1)
	require.Equal(t, sent.ID, page2.Messages[0].ID)
	require.Equal(t, "Carla", page2.OtherUserName)
}

func TestHistoryChecksChannelAndMembership(t *testing.T) {
	svc, relay, _ := setup(t, nil)
	ctx := context.Background()

	_, err := svc.History(ctx, client, "bad:x", 1, 10)
	require.ErrorIs(t, err, channel.ErrInvalidChannel)

	_, err = svc.History(ctx, auth.Principal{ID: "u-other"}, channel.Name(client.ID, consultant.ID), 1, 10)
	require.ErrorIs(t, err, ErrNotMember)

	relay.historyErr = errors.New("timeout")
	_, err = svc.History(ctx, client, channel.Name(client.ID, consultant.ID), 1, 10)
	require.ErrorIs(t, err, ErrRelayFailed)
}

func TestHistoryUsesCache(t *testing.T) {
	cache, mr := newRedis(t)
	svc, relay, _ := setup(t, cache)
	ctx := context.Background()
	name := channel.Name(client.ID, consultant.ID)

	relay.remote[name] = []models.ChatMessage{{ID: "r1", ChannelName: name, Text: "hey",
		FromUserID: consultant.ID, ToUserID: client.ID, Timestamp: time.Now().UTC(), Source: models.SourceAbly}}

	_, err := svc.History(ctx, client, name, 1, 10)
	require.NoError(t, err)
	_, err = svc.History(ctx, consultant, name, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, relay.historyCalls)
	require.True(t, mr.Exists(historyKey(name)))

	// sending invalidates the cached remote history
	_, err = svc.SendToConsultant(ctx, client, consultant.ID, "new")
	require.NoError(t, err)
	require.False(t, mr.Exists(historyKey(name)))

	summary, err := svc.History(ctx, client, name, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 2, relay.historyCalls)
	require.Equal(t, 2, summary.TotalMessages)

	mr.FastForward(defaultHistoryCacheTTL + time.Second)
	require.False(t, mr.Exists(historyKey(name)))
}

func TestConversations(t *testing.T) {
	svc, _, db := setup(t, nil)
	ctx := context.Background()
	insertUser(t, db, "c-second", "Paula", true)

	_, err := svc.SendToConsultant(ctx, client, consultant.ID, "first")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = svc.SendToConsultant(ctx, client, "c-second", "second")
	require.NoError(t, err)
	_, err = svc.SendToConsultant(ctx, client, "c-second", "again")
	require.NoError(t, err)

	list, err := svc.Conversations(ctx, client)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "c-second", list[0].OtherUserID)
	require.Equal(t, "Paula", list[0].OtherUserName)
	require.Equal(t, 2, list[0].TotalMessages)
	require.Equal(t, consultant.ID, list[1].OtherUserID)
	require.Equal(t, 1, list[1].TotalMessages)

	forConsultant, err := svc.Conversations(ctx, consultant)
	require.NoError(t, err)
	require.Len(t, forConsultant, 1)
	require.Equal(t, client.ID, forConsultant[0].OtherUserID)
	require.Equal(t, "Carla", forConsultant[0].OtherUserName)

	none, err := svc.Conversations(ctx, auth.Principal{ID: "u-other"})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestTokenGrantsOwnChannels(t *testing.T) {
	db := openTestDB(t)
	issuer := &fakeIssuer{}
	svc := NewService(db, newFakeRelay(), issuer, nil, nil, Options{})

	grant, err := svc.Token(consultant)
	require.NoError(t, err)
	require.Equal(t, "signed-"+consultant.ID, grant.Token)
	require.Equal(t, consultant.ID, issuer.clientID)
	require.True(t, grant.Capability.Allows("chat:*:"+consultant.ID, channel.Publish))
	require.True(t, grant.Capability.Allows("chat:*:"+consultant.ID, channel.Subscribe))
	require.Equal(t, channel.Grant(consultant.ID, true), issuer.capability)

	_, err = svc.Token(auth.Principal{})
	require.Error(t, err)
}

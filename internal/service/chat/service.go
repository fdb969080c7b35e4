// Package chat relays messages between clients and consultants, persists
// them and serves the merged conversation history.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"consultchat/internal/auth"
	"consultchat/internal/models"
	"consultchat/internal/redis"
	"consultchat/internal/service/channel"

	"github.com/google/uuid"
)

var (
	ErrNotMember         = errors.New("not a member of this channel")
	ErrWrongRole         = errors.New("operation not allowed for this role")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrEmptyMessage      = errors.New("message text is required")
	ErrMessageTooLong    = errors.New("message text is too long")
	ErrRelayFailed       = errors.New("message relay failed")
)

const (
	maxMessageRunes = 4000

	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Relay is the pub/sub provider messages travel through.
type Relay interface {
	Publish(ctx context.Context, msg models.ChatMessage) error
	History(ctx context.Context, channelName string) ([]models.ChatMessage, error)
}

// TokenIssuer signs provider tokens carrying a capability set.
type TokenIssuer interface {
	Issue(clientID string, capability channel.Capability) (string, time.Time, error)
}

// Submitter runs fn on behalf of userID and returns its result.
type Submitter interface {
	Submit(ctx context.Context, userID, name string, fn func(context.Context) error) error
}

// Options tunes the chat service.
type Options struct {
	Driver          string
	HistoryCacheTTL time.Duration
	Logger          *slog.Logger
}

// Service sends messages and assembles conversation history.
type Service struct {
	db     *sql.DB
	driver string
	relay  Relay
	issuer TokenIssuer
	jobs   Submitter
	cache  *historyCache
	log    *slog.Logger
}

// NewService wires the chat service. cache and jobs may be nil.
func NewService(db *sql.DB, relay Relay, issuer TokenIssuer, cache *redis.Client, jobs Submitter, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	driver := strings.ToLower(opts.Driver)
	if driver == "" {
		driver = "sqlite3"
	}
	return &Service{
		db:     db,
		driver: driver,
		relay:  relay,
		issuer: issuer,
		jobs:   jobs,
		cache:  newHistoryCache(cache, opts.HistoryCacheTTL, logger),
		log:    logger,
	}
}

// TokenGrant is a signed provider token and what it allows.
type TokenGrant struct {
	Token      string             `json:"token"`
	ClientID   string             `json:"client_id"`
	ExpiresAt  time.Time          `json:"expires_at"`
	Capability channel.Capability `json:"capability"`
}

// Token signs a provider token limited to the principal's own channels.
func (s *Service) Token(p auth.Principal) (*TokenGrant, error) {
	if p.ID == "" {
		return nil, errors.New("principal required")
	}
	capability := channel.Grant(p.ID, p.Consultant)
	token, expires, err := s.issuer.Issue(p.ID, capability)
	if err != nil {
		return nil, fmt.Errorf("issue provider token: %w", err)
	}
	return &TokenGrant{Token: token, ClientID: p.ID, ExpiresAt: expires, Capability: capability}, nil
}

// SendToConsultant publishes a message from a client to a consultant.
func (s *Service) SendToConsultant(ctx context.Context, p auth.Principal, consultantID, text string) (*models.ChatMessage, error) {
	if p.Consultant {
		return nil, ErrWrongRole
	}
	return s.send(ctx, p, consultantID, text, true)
}

// RespondToClient publishes a message from a consultant to a client.
func (s *Service) RespondToClient(ctx context.Context, p auth.Principal, clientID, text string) (*models.ChatMessage, error) {
	if !p.Consultant {
		return nil, ErrWrongRole
	}
	return s.send(ctx, p, clientID, text, false)
}

func (s *Service) send(ctx context.Context, p auth.Principal, recipientID, text string, wantConsultant bool) (*models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		return nil, ErrMessageTooLong
	}
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" || recipientID == p.ID {
		return nil, ErrRecipientNotFound
	}
	recipient, err := s.lookupUser(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if recipient.isConsultant != wantConsultant {
		return nil, ErrRecipientNotFound
	}

	clientID, consultantID := p.ID, recipientID
	if p.Consultant {
		clientID, consultantID = recipientID, p.ID
	}
	msg := models.ChatMessage{
		ID:          uuid.NewString(),
		ChannelName: channel.Name(clientID, consultantID),
		Text:        text,
		FromUserID:  p.ID,
		ToUserID:    recipientID,
		Timestamp:   time.Now().UTC(),
		Source:      models.SourceLocal,
	}

	publish := func(ctx context.Context) error {
		return s.relay.Publish(ctx, msg)
	}
	if s.jobs != nil {
		err = s.jobs.Submit(ctx, p.ID, "publish:"+msg.ChannelName, publish)
	} else {
		err = publish(ctx)
	}
	if err != nil {
		s.log.Warn("publish failed", "channel", msg.ChannelName, "from", p.ID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrRelayFailed, err)
	}

	if err := s.persist(ctx, msg, clientID, consultantID); err != nil {
		s.log.Error("message published but not stored", "message_id", msg.ID, "channel", msg.ChannelName, "error", err)
		return nil, err
	}
	s.cache.invalidate(ctx, msg.ChannelName)
	s.log.Debug("message sent", "message_id", msg.ID, "channel", msg.ChannelName)
	return &msg, nil
}

func (s *Service) persist(ctx context.Context, msg models.ChatMessage, clientID, consultantID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (id, channel_name, text, from_user_id, to_user_id, timestamp, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChannelName, msg.Text, msg.FromUserID, msg.ToUserID, msg.Timestamp, string(msg.Source),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	upsert := `INSERT INTO conversations (client_id, consultant_id, channel_name, created_at, is_active)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(channel_name) DO UPDATE SET is_active = excluded.is_active`
	if s.driver == "mysql" {
		upsert = `INSERT INTO conversations (client_id, consultant_id, channel_name, created_at, is_active)
		 VALUES (?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE is_active = VALUES(is_active)`
	}
	if _, err := tx.ExecContext(ctx, upsert, clientID, consultantID, msg.ChannelName, msg.Timestamp, true); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

// History returns one page of the merged local and remote history of a
// channel the principal belongs to.
func (s *Service) History(ctx context.Context, p auth.Principal, channelName string, page, size int) (*models.ConversationSummary, error) {
	if _, _, err := channel.Parse(channelName); err != nil {
		return nil, err
	}
	if !channel.IsMember(p.ID, channelName) {
		return nil, ErrNotMember
	}
	otherID, err := channel.Counterpart(p.ID, channelName)
	if err != nil {
		return nil, ErrNotMember
	}
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	size = min(size, MaxPageSize)

	local, err := s.localHistory(ctx, channelName)
	if err != nil {
		return nil, err
	}
	remote, err := s.remoteHistory(ctx, channelName)
	if err != nil {
		return nil, err
	}
	merged := Merge(local, remote)

	summary := &models.ConversationSummary{
		ChannelName:   channelName,
		OtherUserID:   otherID,
		Messages:      Page(merged, page, size),
		TotalMessages: len(merged),
		CurrentPage:   page,
		PageSize:      size,
	}
	if other, err := s.lookupUser(ctx, otherID); err == nil {
		summary.OtherUserName = other.name
	}
	if len(merged) > 0 {
		last := merged[0].Timestamp
		summary.LastMessageTime = &last
	}
	return summary, nil
}

func (s *Service) remoteHistory(ctx context.Context, channelName string) ([]models.ChatMessage, error) {
	if cached, ok := s.cache.load(ctx, channelName); ok {
		return cached, nil
	}
	remote, err := s.relay.History(ctx, channelName)
	if err != nil {
		s.log.Warn("remote history failed", "channel", channelName, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrRelayFailed, err)
	}
	s.cache.store(ctx, channelName, remote)
	return remote, nil
}

func (s *Service) localHistory(ctx context.Context, channelName string) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_name, text, from_user_id, to_user_id, timestamp, source
		 FROM chat_messages WHERE channel_name = ? ORDER BY timestamp DESC`,
		channelName,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		var (
			m      models.ChatMessage
			source string
		)
		if err := rows.Scan(&m.ID, &m.ChannelName, &m.Text, &m.FromUserID, &m.ToUserID, &m.Timestamp, &source); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Source = models.Source(source)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Conversations lists the principal's conversations, most recently active
// first. Only locally stored messages are counted.
func (s *Service) Conversations(ctx context.Context, p auth.Principal) ([]models.ConversationSummary, error) {
	column := "client_id"
	if p.Consultant {
		column = "consultant_id"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, consultant_id, channel_name, created_at, is_active
		 FROM conversations WHERE `+column+` = ? AND is_active = ?`,
		p.ID, true,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var conversations []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.ClientID, &c.ConsultantID, &c.ChannelName, &c.CreatedAt, &c.IsActive); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	summaries := make([]models.ConversationSummary, 0, len(conversations))
	for _, c := range conversations {
		otherID := c.ConsultantID
		if p.Consultant {
			otherID = c.ClientID
		}
		summary := models.ConversationSummary{
			ChannelName: c.ChannelName,
			OtherUserID: otherID,
			Messages:    []models.ChatMessage{},
		}
		if other, err := s.lookupUser(ctx, otherID); err == nil {
			summary.OtherUserName = other.name
		}
		last, count, err := s.channelActivity(ctx, c.ChannelName)
		if err != nil {
			return nil, err
		}
		summary.TotalMessages = count
		if last != nil {
			summary.LastMessageTime = last
		} else {
			created := c.CreatedAt
			summary.LastMessageTime = &created
		}
		summaries = append(summaries, summary)
	}
	sortSummaries(summaries)
	return summaries, nil
}

func (s *Service) channelActivity(ctx context.Context, channelName string) (*time.Time, int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE channel_name = ?`, channelName,
	).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}
	if count == 0 {
		return nil, 0, nil
	}
	var last time.Time
	if err := s.db.QueryRowContext(ctx,
		`SELECT timestamp FROM chat_messages WHERE channel_name = ? ORDER BY timestamp DESC LIMIT 1`, channelName,
	).Scan(&last); err != nil {
		return nil, 0, fmt.Errorf("last message: %w", err)
	}
	return &last, count, nil
}

type userRef struct {
	id           string
	name         string
	isConsultant bool
}

func (s *Service) lookupUser(ctx context.Context, id string) (*userRef, error) {
	var u userRef
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, is_consultant FROM users WHERE id = ?`, id,
	).Scan(&u.id, &u.name, &u.isConsultant)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecipientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return &u, nil
}

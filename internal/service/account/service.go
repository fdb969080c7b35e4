// Package account handles user registration, email verification, login and
// password resets.
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"consultchat/internal/auth"
	"consultchat/internal/mail"
	"consultchat/internal/models"
	"consultchat/internal/redis"
	"consultchat/internal/storage"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailNotVerified   = errors.New("email not verified")
	ErrInvalidCode        = errors.New("invalid or expired code")
	ErrTooManyAttempts    = errors.New("too many attempts, request a new code")
	ErrUserNotFound       = errors.New("user not found")
	ErrDeliveryFailed     = errors.New("email delivery failed")
)

var validate = validator.New()

// Submitter runs fn on behalf of userID and returns its result.
type Submitter interface {
	Submit(ctx context.Context, userID, name string, fn func(context.Context) error) error
}

// Options tunes the account service.
type Options struct {
	ConsultantEmails []string
	CodeTTL          time.Duration
	Logger           *slog.Logger
}

// Service handles the user lifecycle.
type Service struct {
	db          *sql.DB
	cache       *redis.Client
	sender      mail.Sender
	jobs        Submitter
	consultants map[string]struct{}
	codeTTL     time.Duration
	log         *slog.Logger
}

// NewService builds a new account service. jobs may be nil, in which case
// emails are sent inline.
func NewService(db *sql.DB, cache *redis.Client, sender mail.Sender, jobs Submitter, opts Options) *Service {
	consultants := make(map[string]struct{}, len(opts.ConsultantEmails))
	for _, email := range opts.ConsultantEmails {
		if email = normalizeEmail(email); email != "" {
			consultants[email] = struct{}{}
		}
	}
	ttl := opts.CodeTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:          db,
		cache:       cache,
		sender:      sender,
		jobs:        jobs,
		consultants: consultants,
		codeTTL:     ttl,
		log:         logger,
	}
}

// RegisterRequest carries the fields needed to create an account.
type RegisterRequest struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// Register creates an unverified user and emails a verification code. When
// the user is stored but the email cannot be sent, both the user and an
// ErrDeliveryFailed error are returned.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.User, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = normalizeEmail(req.Email)
	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	exists, err := s.emailExists(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrEmailTaken
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	_, consultant := s.consultants[req.Email]
	user := &models.User{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: hash,
		IsConsultant: consultant,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.insertUser(ctx, user); err != nil {
		return nil, err
	}
	s.log.Info("user registered", "user_id", user.ID, "consultant", user.IsConsultant)

	if err := s.sendCode(ctx, user, purposeVerify); err != nil {
		return user, err
	}
	return user, nil
}

// Login validates credentials and returns the user profile. Unverified
// users are refused.
func (s *Service) Login(ctx context.Context, email, password string) (*models.User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.userByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	ok, err := auth.ComparePassword(password, user.PasswordHash)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}
	if !user.Verified() {
		return nil, ErrEmailNotVerified
	}
	return user, nil
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, ErrUserNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// ListConsultants returns verified consultants ordered by name.
func (s *Service) ListConsultants(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE is_consultant = ? AND email_verified_at IS NOT NULL
		 ORDER BY name, id`, true)
	if err != nil {
		return nil, fmt.Errorf("list consultants: %w", err)
	}
	defer rows.Close()

	consultants := make([]models.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		consultants = append(consultants, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consultants: %w", err)
	}
	return consultants, nil
}

const userColumns = `id, name, email, password_hash, is_consultant, email_verified_at, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*models.User, error) {
	var (
		user     models.User
		verified sql.NullTime
	)
	if err := row.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash,
		&user.IsConsultant, &verified, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	if verified.Valid {
		t := verified.Time
		user.EmailVerifiedAt = &t
	}
	return &user, nil
}

func (s *Service) userByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// insertUser stores a new user. A concurrent registration that wins the race
// on the email column surfaces as ErrEmailTaken.
func (s *Service) insertUser(ctx context.Context, user *models.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password_hash, is_consultant, email_verified_at, created_at)
		 VALUES (?, ?, ?, ?, ?, NULL, ?)`,
		user.ID, user.Name, user.Email, user.PasswordHash, user.IsConsultant, user.CreatedAt,
	)
	if storage.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Service) emailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)`, email,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup email: %w", err)
	}
	return exists, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

package account

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"consultchat/internal/auth"
	"consultchat/internal/mail"
	"consultchat/internal/models"
	"consultchat/internal/redis"
)

type purpose string

const (
	purposeVerify purpose = "verify"
	purposeReset  purpose = "reset"

	codeDigits  = 6
	maxAttempts = 5
)

func codeKey(p purpose, email string) string {
	return "account:code:" + string(p) + ":" + email
}

func attemptsKey(p purpose, email string) string {
	return "account:attempts:" + string(p) + ":" + email
}

// VerifyEmail marks the user's email as verified when code matches.
// Verifying an already verified address is a no-op.
func (s *Service) VerifyEmail(ctx context.Context, email, code string) (*models.User, error) {
	user, err := s.userByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if user.Verified() {
		return user, nil
	}
	if err := s.checkCode(ctx, purposeVerify, user.Email, code); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET email_verified_at = ? WHERE id = ?`, now, user.ID,
	); err != nil {
		return nil, fmt.Errorf("verify email: %w", err)
	}
	user.EmailVerifiedAt = &now
	s.log.Info("email verified", "user_id", user.ID)
	return user, nil
}

// ResendVerification emails a fresh verification code, replacing the old one.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	user, err := s.userByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return err
	}
	if user.Verified() {
		return nil
	}
	return s.sendCode(ctx, user, purposeVerify)
}

// RequestPasswordReset emails a reset code. Unknown addresses are ignored so
// the endpoint does not reveal which emails are registered.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.userByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.sendCode(ctx, user, purposeReset)
}

// ResetRequest carries a reset code and the new password.
type ResetRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Code     string `json:"code" validate:"required,len=6,numeric"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// ConfirmPasswordReset stores the new password when the code matches and
// marks the email verified if it was not already.
func (s *Service) ConfirmPasswordReset(ctx context.Context, req ResetRequest) (*models.User, error) {
	req.Email = normalizeEmail(req.Email)
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	user, err := s.userByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCode
		}
		return nil, err
	}
	if err := s.checkCode(ctx, purposeReset, user.Email, req.Code); err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, email_verified_at = COALESCE(email_verified_at, ?) WHERE id = ?`,
		hash, now, user.ID,
	); err != nil {
		return nil, fmt.Errorf("reset password: %w", err)
	}
	user.PasswordHash = hash
	if user.EmailVerifiedAt == nil {
		user.EmailVerifiedAt = &now
	}
	s.log.Info("password reset", "user_id", user.ID)
	return user, nil
}

func (s *Service) sendCode(ctx context.Context, user *models.User, p purpose) error {
	if s.cache == nil {
		return errors.New("code store not configured")
	}
	code, err := newCode()
	if err != nil {
		return err
	}
	if err := s.cache.Set(ctx, codeKey(p, user.Email), code, s.codeTTL); err != nil {
		return fmt.Errorf("store code: %w", err)
	}
	if err := s.cache.Del(ctx, attemptsKey(p, user.Email)); err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}

	subject, body := mail.VerificationEmail(code)
	if p == purposeReset {
		subject, body = mail.ResetEmail(code)
	}
	send := func(ctx context.Context) error {
		return s.sender.Send(ctx, user.Email, subject, body)
	}
	if s.jobs != nil {
		err = s.jobs.Submit(ctx, user.ID, "mail:"+string(p), send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		s.log.Warn("code delivery failed", "user_id", user.ID, "purpose", p, "error", err)
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}

func (s *Service) checkCode(ctx context.Context, p purpose, email, code string) error {
	if s.cache == nil {
		return errors.New("code store not configured")
	}
	attempts, err := s.cache.Incr(ctx, attemptsKey(p, email), s.codeTTL)
	if err != nil {
		return fmt.Errorf("count attempts: %w", err)
	}
	if attempts > maxAttempts {
		_ = s.cache.Del(ctx, codeKey(p, email))
		return ErrTooManyAttempts
	}
	stored, err := s.cache.Get(ctx, codeKey(p, email))
	if errors.Is(err, redis.ErrCacheMiss) {
		return ErrInvalidCode
	}
	if err != nil {
		return fmt.Errorf("load code: %w", err)
	}
	if len(code) != len(stored) || subtle.ConstantTimeCompare([]byte(code), []byte(stored)) != 1 {
		return ErrInvalidCode
	}
	if err := s.cache.Del(ctx, codeKey(p, email), attemptsKey(p, email)); err != nil {
		return fmt.Errorf("consume code: %w", err)
	}
	return nil
}

func newCode() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/bunbase/bunbase/internal/mail"
	"github.com/bunbase/bunbase/internal/schema"
)

// Verification token lifetimes.
const (
	EmailVerificationLifetime = 24 * time.Hour
	PasswordResetLifetime     = 30 * time.Minute
)

// newOpaqueToken returns a 64-character opaque token and its stored hash.
// Only the hash ever reaches the database.
func newOpaqueToken() (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	token = hex.EncodeToString(buf)
	sum := sha256.Sum256([]byte(token))
	return token, hex.EncodeToString(sum[:]), nil
}

// issueVerificationToken stores a fresh token row and invalidates
// outstanding unused tokens of the same (user, type).
func (s *Service) issueVerificationToken(ctx context.Context, user *User, tokenType string, lifetime time.Duration) (string, error) {
	token, hash, err := newOpaqueToken()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	err = s.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE _verification_tokens SET used = 1 WHERE user_id = ? AND type = ? AND used = 0`,
			user.ID, tokenType); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO _verification_tokens (id, user_id, collection_name, token_hash, type, expires_at, used, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			schema.NewID(), user.ID, user.CollectionName, hash, tokenType,
			now.Add(lifetime).Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to store verification token: %w", err)
	}
	return token, nil
}

// consumeVerificationToken validates and burns a token, returning the owning
// user id.
func (s *Service) consumeVerificationToken(ctx context.Context, collectionName, token, wantType string) (string, error) {
	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])

	var userID string
	err := s.store.WriteTx(ctx, func(tx *sql.Tx) error {
		var tokenType, expiresAt string
		var used int
		err := tx.QueryRowContext(ctx,
			`SELECT user_id, type, expires_at, used FROM _verification_tokens
			 WHERE token_hash = ? AND collection_name = ?`, hash, collectionName).
			Scan(&userID, &tokenType, &expiresAt, &used)
		if err == sql.ErrNoRows {
			return ErrInvalidVerification
		}
		if err != nil {
			return fmt.Errorf("failed to load verification token: %w", err)
		}
		if tokenType != wantType || used != 0 {
			return ErrInvalidVerification
		}
		if exp, err := time.Parse(time.RFC3339Nano, expiresAt); err != nil || time.Now().UTC().After(exp) {
			return ErrInvalidVerification
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE _verification_tokens SET used = 1 WHERE token_hash = ?`, hash)
		return err
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}

// RequestEmailVerification issues a verification token and mails it.
func (s *Service) RequestEmailVerification(ctx context.Context, collectionName, email string) error {
	col, err := s.requireAuthCollection(ctx, collectionName)
	if err != nil {
		return err
	}
	user, _, err := s.findUserByEmail(ctx, col, email)
	if err != nil {
		return err
	}

	token, err := s.issueVerificationToken(ctx, user, VerificationEmail, EmailVerificationLifetime)
	if err != nil {
		return err
	}
	return s.mailer.Send(ctx, mail.Message{
		To:      user.Email,
		Subject: "Verify your email",
		Body:    "Your verification token: " + token,
	})
}

// ConfirmEmailVerification consumes a verification token and marks the user
// verified.
func (s *Service) ConfirmEmailVerification(ctx context.Context, collectionName, token string) error {
	col, err := s.requireAuthCollection(ctx, collectionName)
	if err != nil {
		return err
	}
	userID, err := s.consumeVerificationToken(ctx, collectionName, token, VerificationEmail)
	if err != nil {
		return err
	}
	return s.store.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %q SET verified = 1, updated_at = ? WHERE id = ?`, col.Name),
			schema.NowTimestamp(), userID)
		return err
	})
}

// RequestPasswordReset issues a reset token. Unknown emails return success
// and send nothing, so the endpoint never reveals account existence.
func (s *Service) RequestPasswordReset(ctx context.Context, collectionName, email string) error {
	col, err := s.requireAuthCollection(ctx, collectionName)
	if err != nil {
		return err
	}
	user, _, err := s.findUserByEmail(ctx, col, email)
	if err == ErrNotFound {
		s.logger.Debug("password reset requested for unknown email",
			slog.String("collection", collectionName))
		return nil
	}
	if err != nil {
		return err
	}

	token, err := s.issueVerificationToken(ctx, user, VerificationPasswordReset, PasswordResetLifetime)
	if err != nil {
		return err
	}
	return s.mailer.Send(ctx, mail.Message{
		To:      user.Email,
		Subject: "Reset your password",
		Body:    "Your password reset token: " + token,
	})
}

// ConfirmPasswordReset consumes a reset token, sets the new password and
// revokes all refresh tokens.
func (s *Service) ConfirmPasswordReset(ctx context.Context, collectionName, token, newPassword string) error {
	col, err := s.requireAuthCollection(ctx, collectionName)
	if err != nil {
		return err
	}
	if len(newPassword) < col.MinPasswordLength() {
		return ErrWeakPassword
	}
	userID, err := s.consumeVerificationToken(ctx, collectionName, token, VerificationPasswordReset)
	if err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	return s.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %q SET password_hash = ?, updated_at = ? WHERE id = ?`, col.Name),
			hash, schema.NowTimestamp(), userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE _refresh_tokens SET revoked = 1 WHERE user_id = ?`, userID)
		return err
	})
}

// SweepExpiredTokens lazily drops expired refresh and verification rows.
func (s *Service) SweepExpiredTokens(ctx context.Context) error {
	cutoff := time.Now().UTC().Format(time.RFC3339Nano)
	return s.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM _refresh_tokens WHERE expires_at < ?`, cutoff); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM _verification_tokens WHERE expires_at < ?`, cutoff)
		return err
	})
}

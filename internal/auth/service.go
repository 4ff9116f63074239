package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/bunbase/bunbase/internal/rules"
	"github.com/bunbase/bunbase/internal/schema"
	"github.com/bunbase/bunbase/internal/store"
	mailer "github.com/bunbase/bunbase/internal/mail"
)

// Verification token types.
const (
	VerificationEmail         = "email_verification"
	VerificationPasswordReset = "password_reset"
)

// dummyHash is verified against when the account does not exist, so login
// latency does not reveal account existence.
var dummyHash []byte

func init() {
	h, err := bcrypt.GenerateFromPassword([]byte("bunbase-timing-pad"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	dummyHash = h
}

// Admin is a registry administrator. The password hash is never exposed.
type Admin struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Created string `json:"created"`
	Updated string `json:"updated"`
}

// User is an identity row of an auth collection.
type User struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	Verified       bool   `json:"verified"`
	CollectionID   string `json:"collectionId"`
	CollectionName string `json:"collectionName"`
	Created        string `json:"created"`
	Updated        string `json:"updated"`
}

// Requester is the resolved identity of an HTTP request.
type Requester struct {
	IsAdmin bool
	Admin   *Admin
	User    *User
}

// RuleIdentity converts the requester into the shape the rule evaluator
// sees.
func (r *Requester) RuleIdentity() *rules.Identity {
	if r == nil || r.User == nil {
		return nil
	}
	return &rules.Identity{
		ID:             r.User.ID,
		Email:          r.User.Email,
		Verified:       r.User.Verified,
		CollectionID:   r.User.CollectionID,
		CollectionName: r.User.CollectionName,
	}
}

// TokenPair is an access + refresh token issued together.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Service implements admin and user authentication over the store.
type Service struct {
	store  *store.Store
	schema *schema.Engine
	tokens *TokenManager
	mailer mailer.Mailer
	logger *slog.Logger
}

// NewService creates an auth service.
func NewService(st *store.Store, se *schema.Engine, tm *TokenManager, m mailer.Mailer, logger *slog.Logger) *Service {
	return &Service{store: st, schema: se, tokens: tm, mailer: m, logger: logger}
}

// Tokens returns the token manager.
func (s *Service) Tokens() *TokenManager {
	return s.tokens
}

// HashPassword hashes a password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// checkPassword verifies password against hash, falling back to the dummy
// hash when none is stored so both paths cost the same.
func checkPassword(hash, password string) bool {
	target := []byte(hash)
	if hash == "" {
		target = dummyHash
	}
	return bcrypt.CompareHashAndPassword(target, []byte(password)) == nil && hash != ""
}

// ValidateEmail checks the address shape.
func ValidateEmail(email string) error {
	if _, err := mail.ParseAddress(email); err != nil {
		return ErrInvalidEmail
	}
	return nil
}

// --- Admins ---

// BootstrapAdmin ensures at least one admin exists. When password is empty a
// random one is generated and returned so the caller can log it once.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) (created bool, generated string, err error) {
	var count int
	if err := s.store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM _admins`).Scan(&count); err != nil {
		return false, "", fmt.Errorf("failed to count admins: %w", err)
	}
	if count > 0 {
		return false, "", nil
	}

	if password == "" {
		buf := make([]byte, 12)
		if _, err := rand.Read(buf); err != nil {
			return false, "", fmt.Errorf("failed to generate password: %w", err)
		}
		password = hex.EncodeToString(buf)
		generated = password
	}

	if _, err := s.CreateAdmin(ctx, email, password); err != nil {
		return false, "", err
	}
	return true, generated, nil
}

// CreateAdmin inserts a new admin account.
func (s *Service) CreateAdmin(ctx context.Context, email, password string) (*Admin, error) {
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if len(password) < 8 {
		return nil, ErrWeakPassword
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := schema.NowTimestamp()
	admin := &Admin{ID: schema.NewID(), Email: email, Created: now, Updated: now}
	err = s.store.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO _admins (id, email, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			admin.ID, admin.Email, hash, admin.Created, admin.Updated)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create admin: %w", err)
	}
	return admin, nil
}

// AuthenticateAdmin verifies credentials and issues an admin token.
func (s *Service) AuthenticateAdmin(ctx context.Context, email, password string) (*Admin, string, error) {
	admin := &Admin{}
	var hash string
	err := s.store.DB().QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at, updated_at FROM _admins WHERE email = ?`, email).
		Scan(&admin.ID, &admin.Email, &hash, &admin.Created, &admin.Updated)
	if err != nil && err != sql.ErrNoRows {
		return nil, "", fmt.Errorf("failed to load admin: %w", err)
	}

	// Verification runs whether or not the account exists.
	if !checkPassword(hash, password) {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.tokens.NewAdminToken(admin.ID)
	if err != nil {
		return nil, "", err
	}
	return admin, token, nil
}

// FindAdminByID loads an admin by id.
func (s *Service) FindAdminByID(ctx context.Context, id string) (*Admin, error) {
	admin := &Admin{}
	err := s.store.DB().QueryRowContext(ctx,
		`SELECT id, email, created_at, updated_at FROM _admins WHERE id = ?`, id).
		Scan(&admin.ID, &admin.Email, &admin.Created, &admin.Updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load admin: %w", err)
	}
	return admin, nil
}

// ChangeAdminPassword verifies the old password and sets a new one.
func (s *Service) ChangeAdminPassword(ctx context.Context, id, oldPassword, newPassword string) error {
	var hash string
	err := s.store.DB().QueryRowContext(ctx,
		`SELECT password_hash FROM _admins WHERE id = ?`, id).Scan(&hash)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load admin: %w", err)
	}
	if !checkPassword(hash, oldPassword) {
		return ErrInvalidCredentials
	}
	if len(newPassword) < 8 {
		return ErrWeakPassword
	}
	newHash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	return s.store.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE _admins SET password_hash = ?, updated_at = ? WHERE id = ?`,
			newHash, schema.NowTimestamp(), id)
		return err
	})
}

// --- Users ---

// requireAuthCollection resolves a collection and checks it holds
// identities.
func (s *Service) requireAuthCollection(ctx context.Context, name string) (*schema.Collection, error) {
	col, err := s.schema.FindCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	if !col.IsAuth() {
		return nil, ErrNotAuthCollection
	}
	return col, nil
}

func scanUser(row *sql.Row, col *schema.Collection, user *User, hash *string) error {
	var verified int
	err := row.Scan(&user.ID, &user.Email, hash, &verified, &user.Created, &user.Updated)
	if err != nil {
		return err
	}
	user.Verified = verified != 0
	user.CollectionID = col.ID
	user.CollectionName = col.Name
	return nil
}

func (s *Service) findUserByEmail(ctx context.Context, col *schema.Collection, email string) (*User, string, error) {
	user := &User{}
	var hash string
	row := s.store.DB().QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, email, password_hash, verified, created_at, updated_at FROM %q WHERE email = ?`, col.Name), email)
	if err := scanUser(row, col, user, &hash); err != nil {
		if err == sql.ErrNoRows {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to load user: %w", err)
	}
	return user, hash, nil
}

// FindUserByID loads a user row from its auth collection.
func (s *Service) FindUserByID(ctx context.Context, col *schema.Collection, id string) (*User, error) {
	user := &User{}
	var hash string
	row := s.store.DB().QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, email, password_hash, verified, created_at, updated_at FROM %q WHERE id = ?`, col.Name), id)
	if err := scanUser(row, col, user, &hash); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

// AuthenticateUser verifies credentials against an auth collection and
// issues a token pair.
func (s *Service) AuthenticateUser(ctx context.Context, collectionName, email, password string) (*User, *TokenPair, error) {
	col, err := s.requireAuthCollection(ctx, collectionName)
	if err != nil {
		return nil, nil, err
	}

	user, hash, err := s.findUserByEmail(ctx, col, email)
	if err != nil && err != ErrNotFound {
		return nil, nil, err
	}

	// Verification runs against the dummy hash when the account is
	// missing; the error is the same either way.
	if !checkPassword(hash, password) {
		return nil, nil, ErrInvalidCredentials
	}

	pair, err := s.issueTokenPair(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// issueTokenPair issues access + refresh tokens and tracks the refresh
// tokenId.
func (s *Service) issueTokenPair(ctx context.Context, user *User) (*TokenPair, error) {
	access, err := s.tokens.NewAccessToken(user)
	if err != nil {
		return nil, err
	}

	tokenID := schema.NewID()
	refresh, err := s.tokens.NewRefreshToken(user, tokenID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = s.store.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO _refresh_tokens (id, user_id, collection_id, token_id, created_at, expires_at, revoked)
			 VALUES (?, ?, ?, ?, ?, ?, 0)`,
			schema.NewID(), user.ID, user.CollectionID, tokenID,
			now.Format(time.RFC3339Nano), now.Add(RefreshTokenLifetime).Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to track refresh token: %w", err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh rotates a refresh token: the presented tokenId is revoked and a
// fresh pair is issued, atomically. Replaying the old token fails with
// ErrTokenRevoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*User, *TokenPair, error) {
	claims, err := s.tokens.Parse(refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, nil, err
	}

	col, err := s.requireAuthCollection(ctx, claims.CollectionName)
	if err != nil {
		return nil, nil, ErrInvalidToken
	}
	user, err := s.FindUserByID(ctx, col, claims.UserID)
	if err != nil {
		return nil, nil, ErrInvalidToken
	}

	access, err := s.tokens.NewAccessToken(user)
	if err != nil {
		return nil, nil, err
	}
	newTokenID := schema.NewID()
	refresh, err := s.tokens.NewRefreshToken(user, newTokenID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	err = s.store.WriteTx(ctx, func(tx *sql.Tx) error {
		var revoked int
		var expiresAt string
		err := tx.QueryRowContext(ctx,
			`SELECT revoked, expires_at FROM _refresh_tokens WHERE token_id = ?`, claims.TokenID).
			Scan(&revoked, &expiresAt)
		if err == sql.ErrNoRows {
			return ErrTokenRevoked
		}
		if err != nil {
			return fmt.Errorf("failed to load refresh token: %w", err)
		}
		if revoked != 0 {
			return ErrTokenRevoked
		}
		if exp, err := time.Parse(time.RFC3339Nano, expiresAt); err != nil || now.After(exp) {
			return ErrInvalidToken
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE _refresh_tokens SET revoked = 1 WHERE token_id = ?`, claims.TokenID); err != nil {
			return fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO _refresh_tokens (id, user_id, collection_id, token_id, created_at, expires_at, revoked)
			 VALUES (?, ?, ?, ?, ?, ?, 0)`,
			schema.NewID(), user.ID, user.CollectionID, newTokenID,
			now.Format(time.RFC3339Nano), now.Add(RefreshTokenLifetime).Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return user, &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// RevokeAllRefreshTokens revokes every refresh token of a user. Called on
// password change and password reset.
func (s *Service) RevokeAllRefreshTokens(ctx context.Context, userID string) error {
	return s.store.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE _refresh_tokens SET revoked = 1 WHERE user_id = ?`, userID)
		return err
	})
}

// ChangeUserPassword verifies the old password, sets the new hash and
// revokes all refresh tokens.
func (s *Service) ChangeUserPassword(ctx context.Context, collectionName, userID, oldPassword, newPassword string) error {
	col, err := s.requireAuthCollection(ctx, collectionName)
	if err != nil {
		return err
	}

	var hash string
	err = s.store.DB().QueryRowContext(ctx, fmt.Sprintf(
		`SELECT password_hash FROM %q WHERE id = ?`, col.Name), userID).Scan(&hash)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if !checkPassword(hash, oldPassword) {
		return ErrInvalidCredentials
	}
	if len(newPassword) < col.MinPasswordLength() {
		return ErrWeakPassword
	}
	newHash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}

	err = s.store.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %q SET password_hash = ?, updated_at = ? WHERE id = ?`, col.Name),
			newHash, schema.NowTimestamp(), userID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE _refresh_tokens SET revoked = 1 WHERE user_id = ?`, userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to change password: %w", err)
	}
	return nil
}

// Package session persists per-user gateway state in redis: environment,
// active trading account, and encrypted OAuth tokens.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradewire/ctrader-gateway/internal/crypt"
)

const keyPrefix = "session:"

// Session is the stored document. Tokens are kept encrypted at rest and
// only ever decrypted on the way out.
type Session struct {
	Env             string `json:"env,omitempty"`
	ActiveAccountID int64  `json:"activeAccountId,omitempty"`
	AccessTokenEnc  string `json:"accessTokenEnc,omitempty"`
	RefreshTokenEnc string `json:"refreshTokenEnc,omitempty"`
	UpdatedAt       int64  `json:"updatedAt,omitempty"`
}

// Patch carries the fields to overwrite; nil pointers leave the stored
// value untouched.
type Patch struct {
	Env             *string
	ActiveAccountID *int64
	AccessTokenEnc  *string
	RefreshTokenEnc *string
}

func Key(userID string) string {
	return keyPrefix + userID
}

// Store reads and writes session documents.
type Store struct {
	rdb    *redis.Client
	cipher *crypt.Cipher
}

func NewStore(rdb *redis.Client, cipher *crypt.Cipher) *Store {
	return &Store{rdb: rdb, cipher: cipher}
}

// Load returns the session for userID, or nil when none exists.
func (s *Store) Load(ctx context.Context, userID string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, Key(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}
	return &sess, nil
}

// Apply merges p into the stored session and writes the result back. A
// ttl of zero keeps whatever expiry the key already has; a positive ttl
// replaces it.
func (s *Store) Apply(ctx context.Context, userID string, p Patch, ttl time.Duration) (*Session, error) {
	sess, err := s.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = &Session{}
	}
	if p.Env != nil {
		sess.Env = *p.Env
	}
	if p.ActiveAccountID != nil {
		sess.ActiveAccountID = *p.ActiveAccountID
	}
	if p.AccessTokenEnc != nil {
		sess.AccessTokenEnc = *p.AccessTokenEnc
	}
	if p.RefreshTokenEnc != nil {
		sess.RefreshTokenEnc = *p.RefreshTokenEnc
	}
	sess.UpdatedAt = time.Now().UnixMilli()

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	exp := ttl
	if exp <= 0 {
		exp = redis.KeepTTL
	}
	if err := s.rdb.Set(ctx, Key(userID), data, exp).Err(); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return sess, nil
}

func (s *Store) SetEnv(ctx context.Context, userID, env string) error {
	_, err := s.Apply(ctx, userID, Patch{Env: &env}, 0)
	return err
}

func (s *Store) SetActiveAccountID(ctx context.Context, userID string, accountID int64) error {
	_, err := s.Apply(ctx, userID, Patch{ActiveAccountID: &accountID}, 0)
	return err
}

// SaveTokens encrypts and stores the token pair. The session expiry
// follows the latest expiresIn (seconds); an empty refresh token keeps the
// one already stored.
func (s *Store) SaveTokens(ctx context.Context, userID, accessToken, refreshToken string, expiresIn int64) (*Session, error) {
	accEnc, err := s.cipher.Encrypt(accessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	p := Patch{AccessTokenEnc: &accEnc}
	if refreshToken != "" {
		refEnc, err := s.cipher.Encrypt(refreshToken)
		if err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
		p.RefreshTokenEnc = &refEnc
	}
	var ttl time.Duration
	if expiresIn > 0 {
		ttl = time.Duration(expiresIn) * time.Second
	}
	return s.Apply(ctx, userID, p, ttl)
}

// AccessToken returns the decrypted access token, or "" when the user has
// no session or no stored token.
func (s *Store) AccessToken(ctx context.Context, userID string) (string, error) {
	sess, err := s.Load(ctx, userID)
	if err != nil || sess == nil {
		return "", err
	}
	if sess.AccessTokenEnc == "" {
		return "", nil
	}
	tok, err := s.cipher.Decrypt(sess.AccessTokenEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt access token: %w", err)
	}
	return tok, nil
}

// RefreshToken returns the decrypted refresh token, or "" when absent.
func (s *Store) RefreshToken(ctx context.Context, userID string) (string, error) {
	sess, err := s.Load(ctx, userID)
	if err != nil || sess == nil {
		return "", err
	}
	if sess.RefreshTokenEnc == "" {
		return "", nil
	}
	tok, err := s.cipher.Decrypt(sess.RefreshTokenEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	return tok, nil
}

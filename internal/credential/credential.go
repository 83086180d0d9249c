// Package credential supplies the bearer token the channel authenticates with.
// Tokens are obtained and refreshed elsewhere; this package only reads what is
// stored locally and inspects JWT claims without verifying signatures.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"taskpulse/internal/notification"
	"taskpulse/internal/storage"
)

// TokenKey is the key-value entry holding the bearer token.
const TokenKey = "token"

// Source returns the current bearer token. It is called on every connect.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token, mostly for tests. An empty Static yields ErrAuth.
type Static string

func (s Static) Token(context.Context) (string, error) {
	tok := normalize(string(s))
	if tok == "" {
		return "", notification.ErrAuth
	}
	return tok, nil
}

// StoreSource reads the token from a storage.Store.
type StoreSource struct {
	store storage.Store
	now   func() time.Time
}

func NewStoreSource(st storage.Store) *StoreSource {
	return &StoreSource{store: st, now: time.Now}
}

// Token returns ErrAuth (wrapped) when the token is missing, unreadable or an
// expired JWT. Opaque tokens are returned as-is.
func (s *StoreSource) Token(ctx context.Context) (string, error) {
	if s == nil || s.store == nil {
		return "", notification.ErrAuth
	}
	b, ok, err := s.store.Get(ctx, TokenKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", notification.ErrAuth, err)
	}
	tok := normalize(string(b))
	if !ok || tok == "" {
		return "", notification.ErrAuth
	}
	if exp, ok := ExpiresAt(tok); ok && !s.now().Before(exp) {
		return "", fmt.Errorf("%w: token expired at %s", notification.ErrAuth, exp.UTC().Format(time.RFC3339))
	}
	return tok, nil
}

// SetToken stores a token obtained elsewhere.
func SetToken(ctx context.Context, st storage.Store, token string) error {
	tok := normalize(token)
	if tok == "" {
		return errors.New("empty token")
	}
	return st.Put(ctx, TokenKey, []byte(tok))
}

// Subject identifies the user a JWT was issued to: the sub claim, or the
// user_id claim (string or number) that simplejwt issues by default.
func Subject(token string) (string, error) {
	claims, err := parseClaims(token)
	if err != nil {
		return "", err
	}
	if sub, err := claims.GetSubject(); err == nil && strings.TrimSpace(sub) != "" {
		return strings.TrimSpace(sub), nil
	}
	switch v := claims["user_id"].(type) {
	case string:
		if v = strings.TrimSpace(v); v != "" {
			return v, nil
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case json.Number:
		return v.String(), nil
	}
	return "", errors.New("token has neither sub nor user_id claim")
}

// ExpiresAt returns the exp claim when token is a JWT that carries one.
func ExpiresAt(token string) (time.Time, bool) {
	claims, err := parseClaims(token)
	if err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func parseClaims(token string) (jwt.MapClaims, error) {
	tok := normalize(token)
	if strings.Count(tok, ".") != 2 {
		return nil, errors.New("token is not a JWT")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

func normalize(tok string) string {
	tok = strings.TrimSpace(tok)
	if len(tok) > 7 && strings.EqualFold(tok[:7], "bearer ") {
		tok = strings.TrimSpace(tok[7:])
	}
	return tok
}

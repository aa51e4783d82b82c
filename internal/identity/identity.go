// Package identity answers "who is signed in" for the sync engine.
//
// Signing in happens elsewhere (the app's auth flow writes the session);
// this package only reads the result. An empty user id means nobody is
// signed in, and the engine treats that as "nothing to sync".
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/segmentio/encoding/json"

	"github.com/fiskalni/fiskalni/internal/clock"
	"github.com/fiskalni/fiskalni/internal/logging"
)

// ErrNoSession is returned when the token file holds no usable token.
var ErrNoSession = errors.New("no active session")

// Provider supplies the current user.
type Provider interface {
	// CurrentUserID returns the signed-in user's id, or "" if there is none.
	CurrentUserID() string
	// AccessToken returns the bearer token for realtime joins, or "".
	AccessToken() string
}

// Static is a fixed identity from configuration.
type Static struct {
	UserID string
	Token  string
}

func (s Static) CurrentUserID() string { return s.UserID }
func (s Static) AccessToken() string   { return s.Token }

// Claims are the JWT claims of a Supabase access token.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// TokenFile reads the session written by the app's auth flow. The file
// holds either a bare JWT or a session object with an access_token field.
// It is re-read when its modification time changes.
type TokenFile struct {
	path   string
	secret []byte
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	modTime time.Time
	token   string
	claims  *Claims
}

// NewTokenFile creates a TokenFile provider. When secret is non-empty,
// token signatures are verified with it (HS256); otherwise claims are read
// unverified and the server remains the authority.
func NewTokenFile(path string, secret []byte, clk clock.Clock, logger *slog.Logger) *TokenFile {
	if clk == nil {
		clk = clock.New()
	}
	return &TokenFile{
		path:   path,
		secret: secret,
		clock:  clk,
		logger: logging.OrDefault(logger, "identity"),
	}
}

// CurrentUserID implements Provider. An expired or unreadable token yields
// "".
func (f *TokenFile) CurrentUserID() string {
	_, claims, err := f.load()
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			f.logger.Warn("cannot read session", "path", f.path, "error", err)
		}
		return ""
	}
	return claims.Subject
}

// AccessToken implements Provider.
func (f *TokenFile) AccessToken() string {
	token, _, err := f.load()
	if err != nil {
		return ""
	}
	return token
}

// Claims returns the claims of the current token.
func (f *TokenFile) Claims() (*Claims, error) {
	_, claims, err := f.load()
	return claims, err
}

func (f *TokenFile) load() (string, *Claims, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := os.Stat(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.token, f.claims = "", nil
		return "", nil, ErrNoSession
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to stat session file: %w", err)
	}

	if f.claims == nil || !info.ModTime().Equal(f.modTime) {
		data, err := os.ReadFile(f.path)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read session file: %w", err)
		}
		token := extractToken(data)
		if token == "" {
			return "", nil, ErrNoSession
		}
		claims, err := f.parse(token)
		if err != nil {
			return "", nil, err
		}
		f.token, f.claims, f.modTime = token, claims, info.ModTime()
	}

	if exp := f.claims.ExpiresAt; exp != nil && !exp.Time.After(f.clock.Now()) {
		return "", nil, fmt.Errorf("%w: token expired at %s", ErrNoSession, exp.Time.Format(time.RFC3339))
	}
	if f.claims.Subject == "" {
		return "", nil, fmt.Errorf("%w: token has no subject", ErrNoSession)
	}
	return f.token, f.claims, nil
}

func (f *TokenFile) parse(token string) (*Claims, error) {
	claims := &Claims{}

	if len(f.secret) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("failed to parse access token: %w", err)
		}
		return claims, nil
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return f.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(f.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid access token")
	}
	return claims, nil
}

// extractToken accepts a bare JWT or a JSON session object.
func extractToken(data []byte) string {
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, "{") {
		var session struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.Unmarshal([]byte(text), &session); err != nil {
			return ""
		}
		return strings.TrimSpace(session.AccessToken)
	}
	return text
}

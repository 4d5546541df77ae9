// Package token manages the provider access-token lifecycle shared by every
// outbound mail and calendar call.
//
// Per connection the lifecycle is Active -> Refreshing -> Active, or
// Active -> Refreshing -> Revoked when the refresh grant itself is rejected.
// Revoked is terminal until the user reconnects.
package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/loomsuite/mailroom/internal/store"
)

// ErrReconnectRequired indicates the refresh grant was revoked. Callers
// should prompt the user to reconnect the account rather than retry.
var ErrReconnectRequired = errors.New("provider access revoked: reconnect required")

// RevokedMessage is the user-facing error recorded on the connection when
// the grant is found revoked.
const RevokedMessage = "Mail access was revoked. Please reconnect your account."

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (string, error)
}

// ConnectionStore is the slice of the persistence layer the manager needs.
type ConnectionStore interface {
	Get(id int64) (*store.Connection, error)
	UpdateAccessToken(id int64, accessToken string) error
	Deactivate(id int64, lastError string) error
}

// Manager wraps outbound provider HTTP calls with the token lifecycle:
// attempt with the cached token, refresh and persist on auth failure, retry
// exactly once, and classify a revoked grant distinctly from a transient
// refresh failure.
//
// Refresh-and-persist is serialized per connection so concurrent callers
// hitting an expired token cannot race to persist: whoever loses the lock
// re-reads the row and reuses the winner's token instead of refreshing again.
type Manager struct {
	store     ConnectionStore
	refresher Refresher
	client    *http.Client
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the HTTP client used for provider requests.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a token lifecycle manager.
func NewManager(cs ConnectionStore, r Refresher, opts ...Option) *Manager {
	m := &Manager{
		store:     cs,
		refresher: r,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    slog.Default(),
		locks:     make(map[int64]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// connLock returns the mutex guarding refresh for one connection.
func (m *Manager) connLock(id int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Do issues the request produced by build, authenticated with the
// connection's access token. A non-auth response is returned as-is, success
// or not. On an auth failure the manager refreshes the token, persists it,
// and reissues the request exactly once; the second result is returned
// regardless of outcome.
func (m *Manager) Do(ctx context.Context, conn *store.Connection, build func(accessToken string) (*http.Request, error)) (*http.Response, error) {
	if !conn.IsActive {
		return nil, fmt.Errorf("connection %d: %w", conn.ID, ErrReconnectRequired)
	}

	attempted := conn.AccessToken
	resp, err := m.issue(ctx, attempted, build)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// Auth failure: discard this response and go through the refresh path.
	drain(resp)

	fresh, err := m.refreshSerialized(ctx, conn, attempted)
	if err != nil {
		return nil, err
	}

	return m.issue(ctx, fresh, build)
}

// issue builds and sends one request with the given token.
func (m *Manager) issue(ctx context.Context, accessToken string, build func(string) (*http.Request, error)) (*http.Response, error) {
	req, err := build(accessToken)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	return resp, nil
}

// refreshSerialized refreshes the connection's access token under the
// per-connection lock. attempted is the token the caller just failed with;
// if another caller already replaced it, that token is reused without a
// second refresh.
func (m *Manager) refreshSerialized(ctx context.Context, conn *store.Connection, attempted string) (string, error) {
	l := m.connLock(conn.ID)
	l.Lock()
	defer l.Unlock()

	// Re-read after acquiring the lock: a concurrent caller may have
	// refreshed and persisted while we waited, or found the grant revoked.
	current, err := m.store.Get(conn.ID)
	if err != nil {
		return "", fmt.Errorf("reload connection %d: %w", conn.ID, err)
	}
	if !current.IsActive {
		conn.IsActive = false
		conn.LastError = current.LastError
		return "", fmt.Errorf("connection %d: %w", conn.ID, ErrReconnectRequired)
	}
	if current.AccessToken != attempted {
		conn.AccessToken = current.AccessToken
		return current.AccessToken, nil
	}

	m.logger.Debug("refreshing access token", "connection", conn.ID)

	fresh, err := m.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		if IsRevoked(err) {
			if derr := m.store.Deactivate(conn.ID, RevokedMessage); derr != nil {
				m.logger.Error("failed to deactivate revoked connection",
					"connection", conn.ID, "error", derr)
			}
			conn.IsActive = false
			conn.LastError = RevokedMessage
			m.logger.Warn("refresh grant revoked", "connection", conn.ID)
			return "", fmt.Errorf("connection %d: %w", conn.ID, ErrReconnectRequired)
		}
		// Transient: the connection record is left untouched.
		return "", fmt.Errorf("refresh access token: %w", err)
	}

	// Persist before the retried request so a crash between refresh and
	// retry cannot lose the only copy of a usable token.
	if err := m.store.UpdateAccessToken(conn.ID, fresh); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}
	conn.AccessToken = fresh
	conn.LastError = ""

	return fresh, nil
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// IsRevoked reports whether a refresh failure means the grant itself was
// revoked, as opposed to a transient failure. Providers signal revocation
// with the invalid_grant OAuth error code.
func IsRevoked(err error) bool {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return rerr.ErrorCode == "invalid_grant"
	}
	return false
}

// OAuthRefresher refreshes tokens against the provider's token endpoint via
// the standard OAuth2 config.
type OAuthRefresher struct {
	Config *oauth2.Config
}

// Refresh exchanges the refresh token for a new access token.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (string, error) {
	ts := r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

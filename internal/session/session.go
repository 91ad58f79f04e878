// Package session owns the client's notion of "signed in". The session stream
// is the only source of truth; the locally cached session is reconciled with
// the backend on every cold start before anyone sees it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"instafeed/internal/auth"
	"instafeed/internal/localstore"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var ErrNoSession = errors.New("no active session")

// Session is the signed-in user plus the tokens that authenticate them.
type Session struct {
	User         auth.User `json:"user"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
}

// API is the subset of the backend client the session manager needs.
type API interface {
	SetToken(token string)
	Register(ctx context.Context, email, password, displayName string) (auth.SessionResponse, error)
	Login(ctx context.Context, email, password string) (auth.SessionResponse, error)
	Refresh(ctx context.Context, refreshToken string) (auth.TokenResponse, error)
	Logout(ctx context.Context, refreshToken string) error
	Verify(ctx context.Context) (string, error)
}

type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

type Manager struct {
	api    API
	store  Store
	logger *zap.Logger

	renewals singleflight.Group

	mu       sync.Mutex
	ready    bool
	current  *Session
	watchers map[chan *Session]struct{}
}

func NewManager(api API, store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		api:      api,
		store:    store,
		logger:   logger,
		watchers: map[chan *Session]struct{}{},
	}
}

// Current returns the session, or nil when signed out or not yet restored.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Watch streams session changes. Once the manager is ready the current value
// is delivered first; a nil value means signed out. Only the latest value is
// kept for a slow reader. The channel closes when ctx is done.
func (m *Manager) Watch(ctx context.Context) <-chan *Session {
	ch := make(chan *Session, 1)

	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	if m.ready {
		ch <- m.current
	}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch
}

// Restore reconciles the cached session with the backend. A cached access
// token is verified; if the backend rejects it the refresh token is tried
// once. A session the backend rejects is removed from the cache. When the
// backend cannot be reached the cache is kept for the next start but the
// user stays signed out.
func (m *Manager) Restore(ctx context.Context) (*Session, error) {
	cached, err := m.loadCached(ctx)
	if err != nil || cached == nil {
		m.publish(nil)
		return nil, err
	}

	m.api.SetToken(cached.AccessToken)
	_, err = m.api.Verify(ctx)
	if err == nil {
		m.publish(cached)
		return cached, nil
	}
	if !unauthorized(err) {
		m.api.SetToken("")
		m.publish(nil)
		return nil, err
	}

	tokens, err := m.api.Refresh(ctx, cached.RefreshToken)
	if err == nil {
		m.api.SetToken(tokens.AccessToken)
		_, err = m.api.Verify(ctx)
	}
	if err != nil {
		m.logger.Info("cached session rejected", zap.String("user_id", cached.User.ID), zap.Error(err))
		m.clear(ctx)
		return nil, nil
	}

	refreshed := &Session{User: cached.User, AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}
	m.save(ctx, refreshed)
	m.publish(refreshed)
	return refreshed, nil
}

// Renew replaces an access token the backend rejected mid-session. Concurrent
// callers holding the same stale token share one refresh; a caller whose token
// was already replaced gets the current one without another round trip. When
// the backend rejects the refresh token the session is signed out.
func (m *Manager) Renew(ctx context.Context, stale string) (string, error) {
	v, err, _ := m.renewals.Do(stale, func() (any, error) {
		current := m.Current()
		if current == nil {
			return "", ErrNoSession
		}
		if current.AccessToken != stale {
			return current.AccessToken, nil
		}

		tokens, err := m.api.Refresh(ctx, current.RefreshToken)
		if err != nil {
			if unauthorized(err) {
				m.logger.Info("refresh token rejected", zap.String("user_id", current.User.ID), zap.Error(err))
				m.clear(ctx)
			}
			return "", err
		}

		renewed := &Session{User: current.User, AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}
		m.api.SetToken(renewed.AccessToken)
		m.save(ctx, renewed)
		m.publish(renewed)
		m.logger.Debug("access token renewed", zap.String("user_id", renewed.User.ID))
		return renewed.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) Register(ctx context.Context, email, password, displayName string) (*Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, ErrMissingFields
	}
	if len(password) < minPasswordLength {
		return nil, ErrShortPassword
	}

	resp, err := m.api.Register(ctx, email, password, displayName)
	if err != nil {
		return nil, registerError(err)
	}
	return m.signIn(ctx, resp), nil
}

func (m *Manager) Login(ctx context.Context, email, password string) (*Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, ErrMissingFields
	}

	resp, err := m.api.Login(ctx, email, password)
	if err != nil {
		return nil, loginError(err)
	}
	return m.signIn(ctx, resp), nil
}

// Logout revokes the refresh token and signs out locally. The local sign-out
// happens even when revocation fails.
func (m *Manager) Logout(ctx context.Context) error {
	current := m.Current()
	if current == nil {
		return ErrNoSession
	}

	err := m.api.Logout(ctx, current.RefreshToken)
	if err != nil {
		m.logger.Warn("revoke refresh token", zap.Error(err))
	}
	m.clear(ctx)
	return err
}

func (m *Manager) signIn(ctx context.Context, resp auth.SessionResponse) *Session {
	s := &Session{User: resp.User, AccessToken: resp.Tokens.AccessToken, RefreshToken: resp.Tokens.RefreshToken}
	m.api.SetToken(s.AccessToken)
	m.save(ctx, s)
	m.publish(s)
	return s
}

func (m *Manager) clear(ctx context.Context) {
	m.api.SetToken("")
	if err := m.store.Delete(ctx, localstore.KeySession); err != nil {
		m.logger.Warn("clear cached session", zap.Error(err))
	}
	m.publish(nil)
}

func (m *Manager) loadCached(ctx context.Context) (*Session, error) {
	raw, ok, err := m.store.Get(ctx, localstore.KeySession)
	if err != nil {
		m.logger.Warn("read cached session", zap.Error(err))
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil || s.AccessToken == "" {
		m.logger.Warn("discarding unreadable cached session", zap.Error(err))
		_ = m.store.Delete(ctx, localstore.KeySession)
		return nil, nil
	}
	return &s, nil
}

func (m *Manager) save(ctx context.Context, s *Session) {
	raw, err := json.Marshal(s)
	if err == nil {
		err = m.store.Set(ctx, localstore.KeySession, raw)
	}
	if err != nil {
		m.logger.Warn("cache session", zap.Error(err))
	}
}

func (m *Manager) publish(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ready = true
	m.current = s
	for ch := range m.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

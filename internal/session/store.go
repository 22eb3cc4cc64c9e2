// Package session holds the authenticated driver identity and bearer
// credential. Every authorized outbound call reads the token from the Store
// at call time, so Clear takes effect on the very next request.
package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/ride-driver/internal/apperr"
	"github.com/example/ride-driver/internal/models"
)

// Persisted keys, named after what the driver app keeps on the device.
const (
	KeyDriverID = "driverId"
	KeyName     = "driverName"
	KeyPhone    = "driverPhone"
	KeyToken    = "authToken"
	KeyOnline   = "isOnline"
)

var allKeys = []string{KeyDriverID, KeyName, KeyPhone, KeyToken, KeyOnline}

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrTokenExpired     = errors.New("bearer token expired")
)

// Backend is a persistent key/value store that survives process restarts.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, values map[string]string) error
	Remove(ctx context.Context, keys ...string) error
}

type Store struct {
	backend Backend
	log     *zap.Logger
	now     func() time.Time

	mu        sync.RWMutex
	current   *models.DriverSession
	ready     chan struct{}
	isReady   bool
	onExpired func(error)
	reported  string
}

func NewStore(backend Backend, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		backend: backend,
		log:     log.Named("session"),
		now:     time.Now,
		ready:   make(chan struct{}),
	}
}

// Save persists the session and signals readiness.
func (s *Store) Save(ctx context.Context, sess models.DriverSession) error {
	if sess.DriverID == "" || sess.Token == "" {
		return apperr.Validation("session.save", errors.New("driver id and token are required"))
	}
	values := map[string]string{
		KeyDriverID: sess.DriverID,
		KeyName:     sess.Name,
		KeyPhone:    sess.Phone,
		KeyToken:    sess.Token,
		KeyOnline:   strconv.FormatBool(sess.Online),
	}
	if err := s.backend.Set(ctx, values); err != nil {
		return err
	}
	s.mu.Lock()
	cp := sess
	s.current = &cp
	s.markReadyLocked()
	s.mu.Unlock()
	s.log.Info("session saved", zap.String("driver_id", sess.DriverID))
	return nil
}

// Load returns the stored session. Absence, an expired token and backend
// failures all come back as ok=false.
func (s *Store) Load(ctx context.Context) (models.DriverSession, bool) {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()
	if cur != nil {
		if s.expired(cur.Token) {
			s.expire(ctx, cur.Token)
			return models.DriverSession{}, false
		}
		return *cur, true
	}

	sess, ok, err := s.loadFromBackend(ctx)
	if err != nil {
		s.log.Warn("session load failed", zap.Error(err))
		return models.DriverSession{}, false
	}
	if !ok {
		return models.DriverSession{}, false
	}
	if s.expired(sess.Token) {
		s.clearExpired(ctx)
		return models.DriverSession{}, false
	}

	s.mu.Lock()
	s.current = &sess
	s.markReadyLocked()
	s.mu.Unlock()
	return sess, true
}

func (s *Store) loadFromBackend(ctx context.Context) (models.DriverSession, bool, error) {
	var sess models.DriverSession
	var ok bool
	var err error
	if sess.DriverID, ok, err = s.backend.Get(ctx, KeyDriverID); err != nil || !ok {
		return sess, false, err
	}
	if sess.Token, ok, err = s.backend.Get(ctx, KeyToken); err != nil || !ok {
		return sess, false, err
	}
	if sess.Name, _, err = s.backend.Get(ctx, KeyName); err != nil {
		return sess, false, err
	}
	if sess.Phone, _, err = s.backend.Get(ctx, KeyPhone); err != nil {
		return sess, false, err
	}
	online, _, err := s.backend.Get(ctx, KeyOnline)
	if err != nil {
		return sess, false, err
	}
	sess.Online, _ = strconv.ParseBool(online)
	return sess, sess.DriverID != "" && sess.Token != "", nil
}

// Current returns the active in-memory session without touching the
// backend. An expired token reads as absent and is reported to OnExpired.
func (s *Store) Current() (models.DriverSession, bool) {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()
	if cur == nil {
		return models.DriverSession{}, false
	}
	if s.expired(cur.Token) {
		s.expire(context.Background(), cur.Token)
		return models.DriverSession{}, false
	}
	return *cur, true
}

// OnExpired registers fn to be told once per token when the active session's
// token has expired. The session is left in place for fn to tear down;
// without a hook it is cleared directly.
func (s *Store) OnExpired(fn func(error)) {
	s.mu.Lock()
	s.onExpired = fn
	s.mu.Unlock()
}

// Clear removes the session from memory and the backend.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	if s.isReady {
		s.ready = make(chan struct{})
		s.isReady = false
	}
	s.mu.Unlock()
	return s.backend.Remove(ctx, allKeys...)
}

// Token returns the bearer credential for an outbound call.
func (s *Store) Token() (string, error) {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()
	if cur == nil {
		return "", apperr.Auth("session.token", ErrNotAuthenticated)
	}
	if s.expired(cur.Token) {
		return "", apperr.Auth("session.token", ErrTokenExpired)
	}
	return cur.Token, nil
}

// DriverID returns the identity of the active session, if any.
func (s *Store) DriverID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return "", false
	}
	return s.current.DriverID, true
}

// SetOnline records the presence flag alongside the session.
func (s *Store) SetOnline(ctx context.Context, online bool) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return apperr.Auth("session.online", ErrNotAuthenticated)
	}
	s.current.Online = online
	s.mu.Unlock()
	return s.backend.Set(ctx, map[string]string{KeyOnline: strconv.FormatBool(online)})
}

// Ready is closed once a session has been saved or loaded.
func (s *Store) Ready() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

func (s *Store) markReadyLocked() {
	if !s.isReady {
		close(s.ready)
		s.isReady = true
	}
}

func (s *Store) expire(ctx context.Context, token string) {
	s.mu.Lock()
	fn := s.onExpired
	first := s.reported != token
	s.reported = token
	s.mu.Unlock()
	if fn == nil {
		s.clearExpired(ctx)
		return
	}
	if first {
		s.log.Info("session token expired")
		fn(apperr.Auth("session.load", ErrTokenExpired))
	}
}

func (s *Store) clearExpired(ctx context.Context) {
	s.log.Info("stored token expired, clearing session")
	if err := s.Clear(ctx); err != nil {
		s.log.Warn("clearing expired session failed", zap.Error(err))
	}
}

// expired inspects the exp claim without verifying the signature; the server
// remains the authority, this only avoids sending a token known to be dead.
// Opaque, non-JWT tokens never expire locally.
func (s *Store) expired(token string) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !s.now().Before(claims.ExpiresAt.Time)
}

package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-driver/internal/apperr"
	"github.com/example/ride-driver/internal/models"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "D-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestStoreSaveLoadClear(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryBackend(), nil)

	if _, ok := s.Load(ctx); ok {
		t.Fatal("empty store must report not authenticated")
	}
	if _, err := s.Token(); !apperr.Is(err, apperr.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}

	sess := models.DriverSession{DriverID: "D-1", Name: "Ravi", Token: "opaque-token"}
	if err := s.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	select {
	case <-s.Ready():
	default:
		t.Fatal("ready must be signalled after save")
	}

	got, ok := s.Load(ctx)
	if !ok || got.DriverID != "D-1" || got.Token != "opaque-token" {
		t.Fatalf("unexpected load %+v ok=%v", got, ok)
	}
	if tok, err := s.Token(); err != nil || tok != "opaque-token" {
		t.Fatalf("token = %q, %v", tok, err)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := s.Token(); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("cleared store must refuse the next call, got %v", err)
	}
	select {
	case <-s.Ready():
		t.Fatal("ready must be re-armed after clear")
	default:
	}
}

func TestStoreSaveValidates(t *testing.T) {
	s := NewStore(NewMemoryBackend(), nil)
	err := s.Save(context.Background(), models.DriverSession{DriverID: "D-1"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStoreRestoresFromBackend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")

	first := NewStore(NewFileBackend(path), nil)
	if err := first.Save(ctx, models.DriverSession{DriverID: "D-9", Token: "tkn", Phone: "555"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := first.SetOnline(ctx, true); err != nil {
		t.Fatalf("set online: %v", err)
	}

	restarted := NewStore(NewFileBackend(path), nil)
	got, ok := restarted.Load(ctx)
	if !ok {
		t.Fatal("expected session to survive restart")
	}
	if got.DriverID != "D-9" || got.Phone != "555" || !got.Online {
		t.Fatalf("unexpected restored session %+v", got)
	}
}

func TestStoreExpiredTokenIsAbsent(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := NewStore(backend, nil)
	s.now = func() time.Time { return now }
	if err := s.Save(ctx, models.DriverSession{DriverID: "D-1", Token: signedToken(t, now.Add(time.Hour))}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.Token(); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := s.Token(); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if _, ok := s.Load(ctx); ok {
		t.Fatal("expired session must load as absent")
	}
	if _, ok, _ := backend.Get(ctx, KeyToken); ok {
		t.Fatal("expired token must be removed from the backend")
	}
}

func TestStoreReportsExpiryOnce(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := NewStore(backend, nil)
	s.now = func() time.Time { return now }
	var reports []error
	s.OnExpired(func(err error) { reports = append(reports, err) })
	if err := s.Save(ctx, models.DriverSession{DriverID: "D-1", Name: "Asha", Token: signedToken(t, now.Add(time.Hour))}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if sess, ok := s.Current(); !ok || sess.Name != "Asha" {
		t.Fatalf("fresh session should be current, got %+v %v", sess, ok)
	}

	now = now.Add(2 * time.Hour)
	if _, ok := s.Current(); ok {
		t.Fatal("expired session must read as absent")
	}
	if _, ok := s.Load(ctx); ok {
		t.Fatal("expired session must load as absent")
	}
	if len(reports) != 1 || !apperr.Is(reports[0], apperr.KindAuth) || !errors.Is(reports[0], ErrTokenExpired) {
		t.Fatalf("expected a single expiry report, got %v", reports)
	}
	if _, ok := s.DriverID(); !ok {
		t.Fatal("session stays in place for the hook to tear down")
	}
	if _, ok, _ := backend.Get(ctx, KeyToken); !ok {
		t.Fatal("reading the store must not clear the backend")
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := s.Save(ctx, models.DriverSession{DriverID: "D-1", Token: signedToken(t, now.Add(-time.Minute))}); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Current()
	if len(reports) != 2 {
		t.Fatalf("a new expired token must be reported again, got %d reports", len(reports))
	}
}

type fakeRedis struct {
	values map[string]string
	fail   error
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.fail != nil {
		return redis.NewStringResult("", f.fail)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) MSet(ctx context.Context, values ...interface{}) *redis.StatusCmd {
	for i := 0; i+1 < len(values); i += 2 {
		f.values[values[i].(string)] = values[i+1].(string)
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			delete(f.values, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisBackendPrefixesKeys(t *testing.T) {
	ctx := context.Background()
	fr := &fakeRedis{values: map[string]string{}}
	s := NewStore(NewRedisBackend(fr, "driver:session:"), nil)

	if err := s.Save(ctx, models.DriverSession{DriverID: "D-3", Token: "abc"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if fr.values["driver:session:authToken"] != "abc" {
		t.Fatalf("expected prefixed token key, got %v", fr.values)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(fr.values) != 0 {
		t.Fatalf("expected all keys removed, got %v", fr.values)
	}
}

func TestLoadNeverFailsOnBackendError(t *testing.T) {
	fr := &fakeRedis{values: map[string]string{}, fail: errors.New("connection refused")}
	s := NewStore(NewRedisBackend(fr, ""), nil)
	if _, ok := s.Load(context.Background()); ok {
		t.Fatal("backend failure must surface as not authenticated")
	}
}

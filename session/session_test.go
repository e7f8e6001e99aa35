package session

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sessiongate/kv"
)

func newTestManager(t *testing.T, backend kv.Store) *Manager {
	t.Helper()
	keys, err := LoadOrCreateKeys(context.Background(), backend)
	require.NoError(t, err)
	store := NewStore(backend, time.Hour)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(store, keys, CookieConfig{Domain: "localhost", Secure: true}, logger)
}

func requestWithCookie(c *http.Cookie) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if c != nil {
		r.AddCookie(c)
	}
	return r
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemoryStore()
	store := NewStore(backend, time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }

	rec, err := store.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)

	loaded, err := store.Load(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.ID, loaded.ID)

	now = now.Add(time.Minute)
	_, err = store.Load(ctx, rec.ID)
	require.ErrorIs(t, err, ErrNotFound, "expired records are never returned")

	rec2, err := store.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, rec2.ID))
	_, err = store.Load(ctx, rec2.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.Load(ctx, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManagerSaveAndReload(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, kv.NewMemoryStore())

	sess, err := manager.FromRequest(ctx, requestWithCookie(nil))
	require.NoError(t, err)
	require.Empty(t, sess.ID())

	require.NoError(t, sess.Insert("token", "access-token"))
	cookie, err := manager.Save(ctx, sess)
	require.NoError(t, err)
	require.NotNil(t, cookie)
	require.NotEmpty(t, sess.ID())
	require.False(t, sess.Modified())

	require.Equal(t, CookieName, cookie.Name)
	require.Equal(t, "/", cookie.Path)
	require.Equal(t, "localhost", cookie.Domain)
	require.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	require.True(t, cookie.Secure)
	require.True(t, cookie.HttpOnly)
	require.Zero(t, cookie.MaxAge)
	require.True(t, cookie.Expires.IsZero())
	require.NotContains(t, cookie.Value, sess.ID(), "cookie value is encrypted")

	again, err := manager.FromRequest(ctx, requestWithCookie(cookie))
	require.NoError(t, err)
	require.Equal(t, sess.ID(), again.ID())
	tok, ok := again.GetString("token")
	require.True(t, ok)
	require.Equal(t, "access-token", tok)

	byID, err := manager.LoadByID(ctx, sess.ID())
	require.NoError(t, err)
	tok, ok = byID.GetString("token")
	require.True(t, ok)
	require.Equal(t, "access-token", tok)
}

func TestManagerSkipsUnmodifiedSessions(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemoryStore()
	manager := newTestManager(t, backend)
	before := backend.Len()

	sess, err := manager.FromRequest(ctx, requestWithCookie(nil))
	require.NoError(t, err)
	cookie, err := manager.Save(ctx, sess)
	require.NoError(t, err)
	require.Nil(t, cookie)
	require.Equal(t, before, backend.Len())

	sess.Remove("absent")
	require.False(t, sess.Modified())
}

func TestManagerRejectsTamperedCookie(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, kv.NewMemoryStore())

	sess, err := manager.FromRequest(ctx, requestWithCookie(&http.Cookie{Name: CookieName, Value: "forged"}))
	require.NoError(t, err)
	require.Empty(t, sess.ID())
}

func TestManagerCookieFromOtherKeysIsIgnored(t *testing.T) {
	ctx := context.Background()
	managerA := newTestManager(t, kv.NewMemoryStore())
	managerB := newTestManager(t, kv.NewMemoryStore())

	sess, err := managerA.FromRequest(ctx, requestWithCookie(nil))
	require.NoError(t, err)
	require.NoError(t, sess.Insert("token", "t"))
	cookie, err := managerA.Save(ctx, sess)
	require.NoError(t, err)

	other, err := managerB.FromRequest(ctx, requestWithCookie(cookie))
	require.NoError(t, err)
	require.Empty(t, other.ID())
}

func TestManagerDestroy(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, kv.NewMemoryStore())

	sess, err := manager.FromRequest(ctx, requestWithCookie(nil))
	require.NoError(t, err)
	require.NoError(t, sess.Insert("token", "t"))
	_, err = manager.Save(ctx, sess)
	require.NoError(t, err)

	cookie, err := manager.Destroy(ctx, sess)
	require.NoError(t, err)
	require.Equal(t, -1, cookie.MaxAge)

	_, err = manager.LoadByID(ctx, sess.ID())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManagerRotate(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, kv.NewMemoryStore())

	sess, err := manager.FromRequest(ctx, requestWithCookie(nil))
	require.NoError(t, err)
	require.NoError(t, sess.Insert("csrf_state", "s1"))
	oldCookie, err := manager.Save(ctx, sess)
	require.NoError(t, err)
	oldID := sess.ID()

	require.NoError(t, sess.Insert("token", "t"))
	cookie, err := manager.Rotate(ctx, sess)
	require.NoError(t, err)
	require.NotEqual(t, oldID, sess.ID())
	require.False(t, sess.Modified())

	_, err = manager.LoadByID(ctx, oldID)
	require.ErrorIs(t, err, ErrNotFound)

	reloaded, err := manager.FromRequest(ctx, requestWithCookie(cookie))
	require.NoError(t, err)
	require.Equal(t, sess.ID(), reloaded.ID())
	token, _ := reloaded.GetString("token")
	require.Equal(t, "t", token)
	state, _ := reloaded.GetString("csrf_state")
	require.Equal(t, "s1", state)

	stale, err := manager.FromRequest(ctx, requestWithCookie(oldCookie))
	require.NoError(t, err)
	require.Empty(t, stale.ID())
}

func TestManagerRotateUnsavedSession(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, kv.NewMemoryStore())

	sess, err := manager.FromRequest(ctx, requestWithCookie(nil))
	require.NoError(t, err)
	require.NoError(t, sess.Insert("token", "t"))
	cookie, err := manager.Rotate(ctx, sess)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID())

	reloaded, err := manager.FromRequest(ctx, requestWithCookie(cookie))
	require.NoError(t, err)
	require.Equal(t, sess.ID(), reloaded.ID())
}

func TestLoadOrCreateKeysIsIdempotent(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemoryStore()

	first, err := LoadOrCreateKeys(ctx, backend)
	require.NoError(t, err)
	require.Len(t, first.Signing, signingKeyLen)
	require.Len(t, first.Encryption, encryptionKeyLen)

	second, err := LoadOrCreateKeys(ctx, backend)
	require.NoError(t, err)
	require.Equal(t, first, second)

	raw, err := backend.Get(ctx, SigningKeyName)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"kty":"oct"`)
}

func TestLoadOrCreateKeysRejectsCorruptMaterial(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemoryStore()
	require.NoError(t, backend.Put(ctx, SigningKeyName, []byte(`{"kty":"oct","k":"c2hvcnQ"}`)))

	_, err := LoadOrCreateKeys(ctx, backend)
	require.Error(t, err)
}

func TestCookieDomain(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8080":             "localhost",
		"https://app.example.com":           "app.example.com",
		"https://app.example.com:8443/base": "app.example.com",
	}
	for in, want := range tests {
		got, err := CookieDomain(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := CookieDomain("not-a-url")
	require.Error(t, err)
}

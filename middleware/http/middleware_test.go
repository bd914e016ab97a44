package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewseverywhere/slotsync/pkg/identity"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
	"github.com/reviewseverywhere/slotsync/storage/memory"
)

type gateFixture struct {
	store    *memory.Store
	sessions *memory.Sessions
	gate     *identity.Gate
}

func setupGate(t *testing.T) *gateFixture {
	t.Helper()
	store := memory.New()
	sessions := memory.NewSessions()
	return &gateFixture{store: store, sessions: sessions, gate: identity.NewGate(sessions, store, nil)}
}

func (f *gateFixture) account(t *testing.T, id string, status slotsync.PlanStatus) {
	t.Helper()
	err := f.store.RunTransaction(context.Background(), func(_ context.Context, tx slotsync.Tx) error {
		return tx.PutAccount(&slotsync.Account{ID: id, PlanStatus: status})
	})
	require.NoError(t, err)
}

func (f *gateFixture) session(t *testing.T, token, accountID string) {
	t.Helper()
	require.NoError(t, f.sessions.Create(context.Background(), &identity.Session{
		Token:     token,
		AccountID: accountID,
		ExpiresAt: time.Now().Add(time.Hour),
	}))
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity.AccountIDFromContext(r.Context())
		assert.True(t, ok)
		sess, ok := SessionFromContext(r.Context())
		assert.True(t, ok)
		assert.Equal(t, id, sess.AccountID)
		_, _ = w.Write([]byte(id))
	})
}

func serve(h http.Handler, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", http.NoBody)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func TestMiddleware_ActiveAccountPasses(t *testing.T) {
	f := setupGate(t)
	f.account(t, "c1", slotsync.PlanActive)
	f.session(t, "tok-1", "c1")

	w := serve(Middleware(Config{Gate: f.gate})(okHandler(t)), bearer("tok-1"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "c1", w.Body.String())
}

func TestMiddleware_Rejections(t *testing.T) {
	f := setupGate(t)
	f.account(t, "active", slotsync.PlanActive)
	f.account(t, "refunded", slotsync.PlanRefunded)
	f.session(t, "tok-refunded", "refunded")
	f.session(t, "tok-orphan", "deleted")

	tests := []struct {
		name   string
		header http.Header
		status int
		code   string
	}{
		{"no header", nil, http.StatusUnauthorized, "unauthenticated"},
		{"wrong scheme", http.Header{"Authorization": []string{"Basic abc"}}, http.StatusUnauthorized, "unauthenticated"},
		{"unknown token", bearer("nope"), http.StatusUnauthorized, "unauthenticated"},
		{"account missing", bearer("tok-orphan"), http.StatusUnauthorized, "unauthenticated"},
		{"plan refunded", bearer("tok-refunded"), http.StatusForbidden, "permission-denied"},
	}
	h := Middleware(Config{Gate: f.gate})(okHandler(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(h, tt.header)
			assert.Equal(t, tt.status, w.Code)
			var body map[string]map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body["error"]["code"])
		})
	}
}

type failingGate struct{}

func (failingGate) Authorize(context.Context, string) (*identity.Session, *slotsync.Account, error) {
	return nil, nil, slotsync.ErrStoreUnavailable
}

func TestMiddleware_Callbacks(t *testing.T) {
	f := setupGate(t)
	f.account(t, "inactive", slotsync.PlanInactive)
	f.session(t, "tok", "inactive")

	var inactive *slotsync.Account
	var unauthorized, internal error
	cfg := Config{
		Gate: f.gate,
		OnUnauthorized: func(w http.ResponseWriter, _ *http.Request, err error) {
			unauthorized = err
			w.WriteHeader(http.StatusTeapot)
		},
		OnInactive: func(w http.ResponseWriter, _ *http.Request, a *slotsync.Account) {
			inactive = a
			w.WriteHeader(http.StatusPaymentRequired)
		},
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			internal = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	}

	w := serve(Middleware(cfg)(okHandler(t)), nil)
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Error(t, unauthorized)

	w = serve(Middleware(cfg)(okHandler(t)), bearer("tok"))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	require.NotNil(t, inactive)
	assert.Equal(t, "inactive", inactive.ID)

	cfg.Gate = failingGate{}
	w = serve(Middleware(cfg)(okHandler(t)), bearer("tok"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.ErrorIs(t, internal, slotsync.ErrStoreUnavailable)
}

func TestMiddleware_InternalErrorHidesDetail(t *testing.T) {
	w := serve(Middleware(Config{Gate: failingGate{}})(okHandler(t)), bearer("tok"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "unavailable")
}

func TestExtractors(t *testing.T) {
	f := setupGate(t)
	f.account(t, "c1", slotsync.PlanActive)
	f.session(t, "cookie-token", "c1")
	f.session(t, "header-token", "c1")

	h := HandlerFunc(Config{Gate: f.gate, GetToken: FromCookie("sid")})(okHandler(t).ServeHTTP)
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "cookie-token"})
	w := httptest.NewRecorder()
	h(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(Middleware(Config{Gate: f.gate, GetToken: FromHeader("X-Session")})(okHandler(t)),
		http.Header{"X-Session": []string{"header-token"}})
	assert.Equal(t, http.StatusOK, w.Code)
}

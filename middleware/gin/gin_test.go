package gin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewseverywhere/slotsync/pkg/identity"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
	"github.com/reviewseverywhere/slotsync/storage/memory"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

func setupRouter(t *testing.T, cfg func(gate *identity.Gate) Config) *gongin.Engine {
	t.Helper()
	store := memory.New()
	sessions := memory.NewSessions()
	ctx := context.Background()

	err := store.RunTransaction(ctx, func(_ context.Context, tx slotsync.Tx) error {
		if err := tx.PutAccount(&slotsync.Account{ID: "active", PlanStatus: slotsync.PlanActive}); err != nil {
			return err
		}
		return tx.PutAccount(&slotsync.Account{ID: "refunded", PlanStatus: slotsync.PlanRefunded})
	})
	require.NoError(t, err)
	for token, id := range map[string]string{"tok-active": "active", "tok-refunded": "refunded"} {
		require.NoError(t, sessions.Create(ctx, &identity.Session{
			Token: token, AccountID: id, Provider: "google", ExpiresAt: time.Now().Add(time.Hour),
		}))
	}

	r := gongin.New()
	r.Use(Middleware(cfg(identity.NewGate(sessions, store, nil))))
	r.GET("/protected", func(c *gongin.Context) {
		fromCtx, _ := identity.AccountIDFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gongin.H{
			"account":  AccountID(c),
			"ctx":      fromCtx,
			"provider": Session(c).Provider,
		})
	})
	return r
}

func get(r http.Handler, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", http.NoBody)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware(t *testing.T) {
	r := setupRouter(t, func(g *identity.Gate) Config { return Config{Gate: g} })

	w := get(r, http.Header{"Authorization": []string{"Bearer tok-active"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"account":"active","ctx":"active","provider":"google"}`, w.Body.String())

	w = get(r, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":{"code":"unauthenticated","message":"missing session token"}}`, w.Body.String())

	w = get(r, http.Header{"Authorization": []string{"Bearer tok-refunded"}})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error":{"code":"permission-denied","message":"plan not active"}}`, w.Body.String())
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	var inactiveID string
	r := setupRouter(t, func(g *identity.Gate) Config {
		return Config{
			Gate:     g,
			GetToken: FromHeader("X-Session"),
			OnInactive: func(c *gongin.Context, a *slotsync.Account) {
				inactiveID = a.ID
				c.AbortWithStatus(http.StatusPaymentRequired)
			},
		}
	})

	w := get(r, http.Header{"X-Session": []string{"tok-refunded"}})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "refunded", inactiveID)

	w = get(r, http.Header{"X-Session": []string{"tok-active"}})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_Cookie(t *testing.T) {
	r := setupRouter(t, func(g *identity.Gate) Config { return Config{Gate: g, GetToken: FromCookie("sid")} })

	req := httptest.NewRequest(http.MethodGet, "/protected", http.NoBody)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "tok-active"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

package shopify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewseverywhere/slotsync/pkg/shopify"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
	"github.com/reviewseverywhere/slotsync/storage/memory"
)

const testSecret = "shpss_test"

type recordingArchiver struct {
	mu   sync.Mutex
	keys []string
}

func (a *recordingArchiver) Archive(_ context.Context, topic, eventKey string, _ []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, topic+"|"+eventKey)
	return nil
}

type fixture struct {
	store    *memory.Store
	creds    *memory.Credentials
	archiver *recordingArchiver
	handler  *shopify.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	creds := memory.NewCredentials()
	archiver := &recordingArchiver{}
	h, err := shopify.NewHandler(shopify.Config{
		Secret:     testSecret,
		Guard:      slotsync.NewGuard(store, slotsync.Options{}),
		Reconciler: slotsync.NewReconciler(store, slotsync.Options{}),
		Binder:     slotsync.NewBinder(creds, slotsync.Options{}),
		Archiver:   archiver,
	})
	require.NoError(t, err)
	return &fixture{store: store, creds: creds, archiver: archiver, handler: h}
}

func signedRequest(topic, eventID, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/shopify", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(shopify.HeaderHmac, shopify.Sign([]byte(testSecret), []byte(body)))
	if topic != "" {
		req.Header.Set(shopify.HeaderTopic, topic)
	}
	if eventID != "" {
		req.Header.Set(shopify.HeaderEventID, eventID)
	}
	req.Header.Set(shopify.HeaderShopDomain, "demo.myshopify.com")
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func result(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		OK     bool   `json:"ok"`
		Result string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.OK)
	return body.Result
}

const paidBody = `{
  "id": 820982911946154508,
  "email": "Buyer@Example.com",
  "financial_status": "paid",
  "customer": {"id": 115310627314723954, "email": "Buyer@Example.com", "first_name": "Ada"},
  "line_items": [
    {"id": 1, "quantity": 2, "title": "Review slots", "properties": [{"name": "units_per_bundle", "value": "5"}]}
  ]
}`

func TestNewHandler_RequiresDependencies(t *testing.T) {
	_, err := shopify.NewHandler(shopify.Config{Secret: testSecret})
	assert.ErrorIs(t, err, shopify.ErrNotConfigured)

	store := memory.New()
	_, err = shopify.NewHandler(shopify.Config{
		Guard:      slotsync.NewGuard(store, slotsync.Options{}),
		Reconciler: slotsync.NewReconciler(store, slotsync.Options{}),
	})
	assert.ErrorIs(t, err, shopify.ErrNotConfigured)
}

func TestHandler_Methods(t *testing.T) {
	f := newFixture(t)

	rec := serve(f.handler, httptest.NewRequest(http.MethodGet, "/webhooks/shopify", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = serve(f.handler, httptest.NewRequest(http.MethodPut, "/webhooks/shopify", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_RejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	req := signedRequest(shopify.TopicOrdersPaid, "evt-1", paidBody)
	req.Header.Set(shopify.HeaderHmac, shopify.Sign([]byte("other"), []byte(paidBody)))

	rec := serve(f.handler, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ev, err := f.store.GetWebhookEvent(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Empty(t, f.archiver.keys)
}

func TestHandler_RejectsEmptyAndOversizedBodies(t *testing.T) {
	f := newFixture(t)
	rec := serve(f.handler, signedRequest(shopify.TopicOrdersPaid, "evt-1", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	store := memory.New()
	small, err := shopify.NewHandler(shopify.Config{
		Secret:       testSecret,
		Guard:        slotsync.NewGuard(store, slotsync.Options{}),
		Reconciler:   slotsync.NewReconciler(store, slotsync.Options{}),
		MaxBodyBytes: 16,
	})
	require.NoError(t, err)
	rec = serve(small, signedRequest(shopify.TopicOrdersPaid, "evt-2", paidBody))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandler_OrderPaidCreditsOnceAndProvisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := serve(f.handler, signedRequest(shopify.TopicOrdersPaid, "evt-1", paidBody))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, shopify.OutcomeProcessed, result(t, rec))

	rec = serve(f.handler, signedRequest(shopify.TopicOrdersPaid, "evt-1", paidBody))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, shopify.OutcomeDuplicate, result(t, rec))

	// A new delivery id for the same order is still credited once.
	rec = serve(f.handler, signedRequest(shopify.TopicOrdersPaid, "evt-2", paidBody))
	require.Equal(t, http.StatusOK, rec.Code)

	acct, err := f.store.GetAccount(ctx, "115310627314723954")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, 10, acct.SlotsPurchased)
	assert.Equal(t, slotsync.PlanActive, acct.PlanStatus)
	assert.Equal(t, "Ada", acct.FirstName)
	assert.True(t, strings.HasPrefix(acct.AuthUID, "usr_"), acct.AuthUID)

	cred, err := f.creds.GetCredentialByEmail(ctx, "buyer@example.com")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, acct.AuthUID, cred.UID)

	ev, err := f.store.GetWebhookEvent(ctx, "evt-1")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, slotsync.EventProcessed, ev.Status)
	assert.Equal(t, "820982911946154508", ev.Meta.OrderID)
	assert.Equal(t, "demo.myshopify.com", ev.Meta.ShopDomain)

	assert.Len(t, f.archiver.keys, 3)
	assert.Equal(t, "orders/paid|evt-1", f.archiver.keys[0])
}

func TestHandler_RefundThroughTopicRoute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.Equal(t, http.StatusOK, serve(f.handler, signedRequest(shopify.TopicOrdersPaid, "evt-1", paidBody)).Code)

	refund := `{"id": 5, "order_id": 820982911946154508,
	  "transactions": [{"amount": "10.00", "currency": "USD"}],
	  "refund_line_items": [{"line_item_id": 1, "quantity": 1}]}`
	req := signedRequest("", "evt-r1", refund)
	rec := serve(f.handler.TopicHandler(shopify.TopicRefundsCreate), req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, shopify.OutcomeProcessed, result(t, rec))

	acct, err := f.store.GetAccount(ctx, "115310627314723954")
	require.NoError(t, err)
	assert.Equal(t, 5, acct.SlotsRefunded)
	assert.Equal(t, 5, acct.SlotsNet)

	rf, err := f.store.GetRefund(ctx, "5")
	require.NoError(t, err)
	require.NotNil(t, rf)
	assert.Equal(t, "10.00", rf.Amount)
}

func TestHandler_CustomerUpdate(t *testing.T) {
	f := newFixture(t)
	body := `{"customer": {"id": "42", "email": "New@Example.com", "first_name": "Grace", "last_name": "Hopper"}}`

	rec := serve(f.handler, signedRequest(shopify.TopicCustomersUpdate, "evt-c1", body))
	require.Equal(t, http.StatusOK, rec.Code)

	acct, err := f.store.GetAccount(context.Background(), "42")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, "new@example.com", acct.ShopifyEmailLower)
	assert.Equal(t, "Hopper", acct.LastName)
}

func TestHandler_UnknownTopicIgnored(t *testing.T) {
	f := newFixture(t)
	rec := serve(f.handler, signedRequest("products/create", "evt-x", `{"id": 1}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, shopify.OutcomeIgnored, result(t, rec))

	ev, err := f.store.GetWebhookEvent(context.Background(), "evt-x")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestHandler_MalformedPayloadRecordedAsFailed(t *testing.T) {
	f := newFixture(t)
	rec := serve(f.handler, signedRequest(shopify.TopicOrdersPaid, "evt-bad", `{"id": [`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, shopify.OutcomeFailed, result(t, rec))

	ev, err := f.store.GetWebhookEvent(context.Background(), "evt-bad")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, slotsync.EventFailed, ev.Status)
	assert.NotEmpty(t, ev.LastError)
}

func TestHandler_MissingIDsAcknowledged(t *testing.T) {
	f := newFixture(t)
	body := `{"id": 9, "financial_status": "paid", "line_items": []}`
	rec := serve(f.handler, signedRequest(shopify.TopicOrdersPaid, "", body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, shopify.OutcomeIgnored, result(t, rec))

	key := slotsync.EventKey("", "", []byte(body))
	assert.True(t, strings.HasPrefix(key, slotsync.MissingEventIDPrefix))
	ev, err := f.store.GetWebhookEvent(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, slotsync.EventProcessed, ev.Status)

	acct, err := f.store.GetAccount(context.Background(), "9")
	require.NoError(t, err)
	assert.Nil(t, acct)
}

func TestHandler_Register(t *testing.T) {
	f := newFixture(t)
	mux := http.NewServeMux()
	f.handler.Register(mux, "/webhooks/shopify")

	body := `{"id": 77, "email": "x@example.com", "customer": {"id": 3}}`
	req := httptest.NewRequest(http.MethodPost,
		shopify.RoutePath("/webhooks/shopify", shopify.TopicOrdersCreate), bytes.NewBufferString(body))
	req.Header.Set(shopify.HeaderHmac, shopify.Sign([]byte(testSecret), []byte(body)))
	req.Header.Set(shopify.HeaderWebhookID, "wh-1")

	rec := serve(mux, req)
	require.Equal(t, http.StatusOK, rec.Code)

	order, err := f.store.GetOrder(context.Background(), "77")
	require.NoError(t, err)
	require.NotNil(t, order)
	ev, err := f.store.GetWebhookEvent(context.Background(), "wh-1")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, shopify.TopicOrdersCreate, ev.Meta.Topic)
}

// Package shopify receives commerce webhooks and feeds them to the slotsync engine.
package shopify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/reviewseverywhere/slotsync/internal"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// Webhook topics.
const (
	TopicCustomersCreate = "customers/create"
	TopicCustomersUpdate = "customers/update"
	TopicOrdersCreate    = "orders/create"
	TopicOrdersPaid      = "orders/paid"
	TopicOrdersUpdated   = "orders/updated"
	TopicOrdersCancelled = "orders/cancelled"
	TopicOrdersFulfilled = "orders/fulfilled"
	TopicRefundsCreate   = "refunds/create"
)

// Topics lists every topic the handler processes.
var Topics = []string{
	TopicCustomersCreate,
	TopicCustomersUpdate,
	TopicOrdersCreate,
	TopicOrdersPaid,
	TopicOrdersUpdated,
	TopicOrdersCancelled,
	TopicOrdersFulfilled,
	TopicRefundsCreate,
}

// Delivery headers.
const (
	HeaderHmac        = "X-Shopify-Hmac-Sha256"
	HeaderTopic       = "X-Shopify-Topic"
	HeaderShopDomain  = "X-Shopify-Shop-Domain"
	HeaderEventID     = "X-Shopify-Event-Id"
	HeaderWebhookID   = "X-Shopify-Webhook-Id"
	HeaderTriggeredAt = "X-Shopify-Triggered-At"
)

// Outcomes reported in responses and metrics.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
)

const (
	defaultRateLimit       = 300
	defaultRateLimitWindow = time.Minute
	defaultProcessTimeout  = 20 * time.Second
	archiveTimeout         = 5 * time.Second
)

// Handler verifies, deduplicates and applies webhook deliveries.
type Handler struct {
	secret     []byte
	guard      *slotsync.Guard
	reconciler *slotsync.Reconciler
	binder     *slotsync.Binder
	archiver   Archiver
	logger     slotsync.Logger
	metrics    Metrics
	limiter    *internal.RateLimiter
	maxBody    int64
	timeout    time.Duration
}

// NewHandler creates a webhook handler.
func NewHandler(cfg Config) (*Handler, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" || cfg.Guard == nil || cfg.Reconciler == nil {
		return nil, ErrNotConfigured
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &slotsync.NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	timeout := cfg.ProcessTimeout
	if timeout <= 0 {
		timeout = defaultProcessTimeout
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = internal.DefaultBodyLimit
	}

	return &Handler{
		secret:     []byte(secret),
		guard:      cfg.Guard,
		reconciler: cfg.Reconciler,
		binder:     cfg.Binder,
		archiver:   cfg.Archiver,
		logger:     logger,
		metrics:    metrics,
		limiter:    internal.NewRateLimiter(limit, window),
		maxBody:    maxBody,
		timeout:    timeout,
	}, nil
}

// ServeHTTP dispatches on the X-Shopify-Topic header.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.TopicHandler("").ServeHTTP(w, r)
}

// TopicHandler returns a handler for a route subscribed to one topic. The
// header still wins when present.
func (h *Handler) TopicHandler(topic string) http.Handler {
	return h.limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.handle(w, r, topic)
	}), func(r *http.Request) {
		h.metrics.RecordWebhookError(topicOf(r, topic), "rate_limited")
	})
}

// Mux is satisfied by http.ServeMux and chi.Router.
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

// Register mounts the dispatching handler at prefix and one route per topic
// at prefix/<topic with "/" replaced by "-">.
func (h *Handler) Register(mux Mux, prefix string) {
	prefix = "/" + strings.Trim(prefix, "/")
	mux.Handle(prefix, h)
	for _, topic := range Topics {
		mux.Handle(RoutePath(prefix, topic), h.TopicHandler(topic))
	}
}

// RoutePath is the fixed route of a topic under prefix.
func RoutePath(prefix, topic string) string {
	return strings.TrimRight(prefix, "/") + "/" + strings.ReplaceAll(topic, "/", "-")
}

func topicOf(r *http.Request, routeTopic string) string {
	if t := strings.TrimSpace(r.Header.Get(HeaderTopic)); t != "" {
		return strings.ToLower(t)
	}
	return routeTopic
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request, routeTopic string) {
	start := time.Now()
	internal.SetSecurityHeaders(w)
	topic := topicOf(r, routeTopic)

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	case http.MethodPost:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, h.maxBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			h.metrics.RecordWebhookError(topic, "payload_too_large")
			return
		}
		http.Error(w, "invalid payload", http.StatusBadRequest)
		h.metrics.RecordWebhookError(topic, "invalid_payload")
		return
	}

	if !VerifySignature(h.secret, body, r.Header.Get(HeaderHmac)) {
		h.logger.Warn("webhook signature rejected",
			slotsync.F("topic", topic),
			slotsync.F("shop", r.Header.Get(HeaderShopDomain)),
		)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		h.metrics.RecordWebhookError(topic, "auth_failed")
		return
	}

	key := slotsync.EventKey(r.Header.Get(HeaderEventID), r.Header.Get(HeaderWebhookID), body)
	meta := slotsync.EventMeta{
		Topic:       topic,
		ShopDomain:  strings.TrimSpace(r.Header.Get(HeaderShopDomain)),
		TriggeredAt: strings.TrimSpace(r.Header.Get(HeaderTriggeredAt)),
	}
	h.archive(r.Context(), topic, key, body)

	code, outcome := h.process(r.Context(), key, meta, body)
	h.metrics.RecordWebhook(topic, outcome)
	h.metrics.RecordWebhookDuration(topic, time.Since(start))
	if code != http.StatusOK {
		h.metrics.RecordWebhookError(topic, "processing_error")
		http.Error(w, "failed to process webhook", code)
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "result": outcome})
}

// work is a parsed delivery. apply is nil when the payload carries nothing to act on.
type work struct {
	apply func(ctx context.Context) error
	skip  string
}

func (h *Handler) process(ctx context.Context, key string, meta slotsync.EventMeta, body []byte) (int, string) {
	fields := []slotsync.Field{slotsync.F("topic", meta.Topic), slotsync.F("event_key", key)}

	wk, parseErr := h.prepare(meta.Topic, body, &meta)
	if errors.Is(parseErr, ErrUnknownTopic) {
		h.logger.Info("webhook topic ignored", fields...)
		return http.StatusOK, OutcomeIgnored
	}

	should, handle, err := h.guard.Acquire(ctx, key, meta)
	if err != nil {
		h.logger.Error("webhook acquire failed", append(fields, slotsync.F("error", err))...)
		return http.StatusInternalServerError, OutcomeFailed
	}
	if !should {
		h.logger.Info("webhook already processed", fields...)
		return http.StatusOK, OutcomeDuplicate
	}

	if parseErr != nil {
		h.logger.Warn("webhook payload unparseable", append(fields, slotsync.F("error", parseErr))...)
		h.finalize(ctx, handle, parseErr, fields)
		return http.StatusOK, OutcomeFailed
	}

	if wk.apply == nil {
		h.logger.Info("webhook acknowledged without work", append(fields, slotsync.F("reason", wk.skip))...)
		h.finalize(ctx, handle, nil, fields)
		return http.StatusOK, OutcomeIgnored
	}

	applyCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := wk.apply(applyCtx); err != nil {
		h.logger.Error("webhook processing failed", append(fields, slotsync.F("error", err))...)
		h.finalize(ctx, handle, err, fields)
		return http.StatusInternalServerError, OutcomeFailed
	}

	h.finalize(ctx, handle, nil, fields)
	return http.StatusOK, OutcomeProcessed
}

func (h *Handler) finalize(ctx context.Context, handle *slotsync.EventHandle, cause error, fields []slotsync.Field) {
	var err error
	if cause != nil {
		err = h.guard.MarkFailed(ctx, handle, cause)
	} else {
		err = h.guard.MarkProcessed(ctx, handle)
	}
	if err != nil {
		h.logger.Error("webhook finalize failed", append(fields, slotsync.F("error", err))...)
	}
}

// prepare parses body for topic and fills the event metadata ids.
func (h *Handler) prepare(topic string, body []byte, meta *slotsync.EventMeta) (*work, error) {
	switch topic {
	case TopicCustomersCreate, TopicCustomersUpdate:
		c, err := parseCustomer(body)
		if err != nil {
			return nil, err
		}
		in := c.input(topic)
		meta.CustomerID = in.CustomerID
		if in.CustomerID == "" {
			return &work{skip: "missing customer id"}, nil
		}
		return &work{apply: func(ctx context.Context) error {
			_, err := h.reconciler.UpsertCustomer(ctx, in)
			return err
		}}, nil

	case TopicOrdersPaid:
		o, err := parseOrder(body)
		if err != nil {
			return nil, err
		}
		in := o.input(topic)
		meta.OrderID, meta.CustomerID = in.OrderID, in.CustomerID
		if in.OrderID == "" || in.CustomerID == "" {
			return &work{skip: "missing order or customer id"}, nil
		}
		return &work{apply: func(ctx context.Context) error {
			out, err := h.reconciler.ApplyOrderPaid(ctx, in)
			if err != nil {
				return err
			}
			h.provision(ctx, out.AccountID, in.Email)
			return nil
		}}, nil

	case TopicOrdersUpdated:
		o, err := parseOrder(body)
		if err != nil {
			return nil, err
		}
		in := o.input(topic)
		meta.OrderID, meta.CustomerID = in.OrderID, in.CustomerID
		if in.OrderID == "" {
			return &work{skip: "missing order id"}, nil
		}
		return &work{apply: func(ctx context.Context) error {
			_, err := h.reconciler.ApplyOrderUpdated(ctx, in)
			return err
		}}, nil

	case TopicOrdersCreate, TopicOrdersCancelled, TopicOrdersFulfilled:
		o, err := parseOrder(body)
		if err != nil {
			return nil, err
		}
		in := o.input(topic)
		meta.OrderID, meta.CustomerID = in.OrderID, in.CustomerID
		if in.OrderID == "" {
			return &work{skip: "missing order id"}, nil
		}
		return &work{apply: func(ctx context.Context) error {
			return h.reconciler.RecordOrderEvent(ctx, in)
		}}, nil

	case TopicRefundsCreate:
		rf, err := parseRefund(body)
		if err != nil {
			return nil, err
		}
		in := rf.input(topic)
		meta.RefundID, meta.OrderID = in.RefundID, in.OrderID
		if in.RefundID == "" {
			return &work{skip: "missing refund id"}, nil
		}
		return &work{apply: func(ctx context.Context) error {
			_, err := h.reconciler.ApplyRefund(ctx, in)
			return err
		}}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
}

// provision binds a credential to the account by email. Failures are logged only.
func (h *Handler) provision(ctx context.Context, accountID, email string) {
	if h.binder == nil || accountID == "" || email == "" {
		return
	}
	cred, err := h.binder.EnsureByEmail(ctx, email)
	if err != nil {
		h.logger.Warn("credential provisioning failed",
			slotsync.F("account_id", accountID),
			slotsync.F("email", slotsync.NormalizeEmail(email)),
			slotsync.F("error", err),
		)
		return
	}
	if err := h.reconciler.SetAuthCredential(ctx, accountID, cred.UID); err != nil {
		h.logger.Warn("credential link failed",
			slotsync.F("account_id", accountID),
			slotsync.F("uid", cred.UID),
			slotsync.F("error", err),
		)
	}
}

func (h *Handler) archive(ctx context.Context, topic, key string, body []byte) {
	if h.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()
	if err := h.archiver.Archive(ctx, topic, key, body); err != nil {
		h.logger.Warn("webhook archive failed",
			slotsync.F("topic", topic),
			slotsync.F("event_key", key),
			slotsync.F("error", err),
		)
	}
}

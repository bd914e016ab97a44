package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/reviewseverywhere/slotsync/pkg/identity"
	"github.com/reviewseverywhere/slotsync/internal"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// HeaderRequestID is set on every response.
const HeaderRequestID = "X-Request-ID"

// Route paths.
const (
	PathLookup  = "/v1/accounts:lookup"
	PathLink    = "/v1/accounts:link"
	PathLogin   = "/v1/auth:login"
	PathRecover = "/v1/auth:recover"
	PathReset   = "/v1/auth:reset"
	PathSession = "/v1/session"
)

// Handler serves the callable API
type Handler struct {
	config   Config
	validate *validator.Validate
	limiter  *internal.RateLimiter
}

// NewHandler creates a new callable API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.applyDefaults()

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	h := &Handler{config: config, validate: v}
	if config.RateLimit > 0 {
		h.limiter = internal.NewRateLimiter(config.RateLimit, config.RateLimitWindow)
	}
	return h, nil
}

// Routes returns a router serving every callable.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	if h.limiter != nil {
		r.Use(func(next http.Handler) http.Handler {
			return h.limiter.Middleware(next, func(req *http.Request) {
				h.config.Logger.Warn("api rate limited",
					slotsync.F("path", req.URL.Path),
					slotsync.F("ip", internal.GetClientIP(req)),
				)
			})
		})
	}

	r.Post(PathLookup, h.Lookup)
	r.Post(PathLink, h.Link)
	r.Post(PathLogin, h.Login)
	r.Post(PathRecover, h.Recover)
	r.Post(PathReset, h.Reset)
	r.Get(PathSession, h.Session)
	r.Delete(PathSession, h.Logout)
	return r
}

// Lookup resolves an email to its account
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	var req LookupRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.config.Identity.Lookup(r.Context(), req.Email)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respond(w, res)
}

// Link binds a social credential and opens a session
func (h *Handler) Link(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.config.Identity.Link(r.Context(), identity.LinkRequest{
		Provider:    req.Provider,
		IDToken:     req.IDToken,
		AccessToken: req.AccessToken,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respond(w, res)
}

// Login signs in with the store password and opens a session
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.config.Identity.Login(r.Context(), identity.LoginRequest{
		Email:    req.Email,
		Password: req.Password,
		BuyerIP:  internal.GetClientIP(r),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respond(w, res)
}

// Recover sends a password recovery email
func (h *Handler) Recover(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.config.Identity.Recover(r.Context(), identity.RecoverRequest{
		Email:      req.Email,
		CustomerID: req.CustomerID,
		BuyerIP:    internal.GetClientIP(r),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respond(w, res)
}

// Reset sets a password from a reset or activation link
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.config.Identity.Reset(r.Context(), identity.ResetRequest{URL: req.URL, Password: req.Password})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respond(w, res)
}

// Session describes the caller. Only sessions of active accounts pass.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	sess, acct, err := h.config.Gate.Authorize(r.Context(), identity.BearerToken(r.Header.Get("Authorization")))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respond(w, SessionResponse{
		AccountID:  acct.ID,
		UID:        sess.CredentialUID,
		Provider:   sess.Provider,
		PlanStatus: acct.PlanStatus,
		Email:      acct.ShopifyEmailLower,
		Slots:      acct.Balance(),
		ExpiresAt:  sess.ExpiresAt,
	})
}

// Logout deletes the caller's session. It succeeds for unknown tokens.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	token := identity.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		h.handleError(w, r, slotsync.NewError(slotsync.CodeUnauthenticated, "missing session token", nil))
		return
	}
	if err := h.config.Identity.Logout(r.Context(), token); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respond(w, map[string]bool{"ok": true})
}

// decode reads and validates a request body. Callable clients may wrap the
// payload in {"data": {...}}.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	internal.SetSecurityHeaders(w)
	body, err := internal.ReadBodyStrict(w, r, h.config.BodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.writeError(w, r, http.StatusRequestEntityTooLarge,
				ErrorBody{Code: slotsync.CodeInvalidArgument, Message: "request body too large"})
			return false
		}
		h.handleError(w, r, slotsync.NewError(slotsync.CodeInvalidArgument, "request body is required", err))
		return false
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 && envelope.Data[0] == '{' {
		body = envelope.Data
	}
	if err := json.Unmarshal(body, dst); err != nil {
		h.handleError(w, r, slotsync.NewError(slotsync.CodeInvalidArgument, "request body must be a JSON object", err))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.handleError(w, r, slotsync.NewError(slotsync.CodeInvalidArgument, validationMessage(err), err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "required_without":
		return fe.Field() + " or " + lowerFirst(fe.Param()) + " is required"
	case "max":
		return fe.Field() + " is too long"
	default:
		return fe.Field() + " is invalid"
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func (h *Handler) respond(w http.ResponseWriter, data interface{}) {
	internal.SetSecurityHeaders(w)
	_ = internal.WriteJSON(w, http.StatusOK, data)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	code := slotsync.CodeOf(err)
	status := StatusFor(code)
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("callable failed",
			slotsync.F("path", r.URL.Path),
			slotsync.F("request_id", w.Header().Get(HeaderRequestID)),
			slotsync.F("error", err),
		)
	} else {
		h.config.Logger.Info("callable rejected",
			slotsync.F("path", r.URL.Path),
			slotsync.F("code", string(code)),
			slotsync.F("error", err),
		)
	}
	h.writeError(w, r, status, ErrorBody{Code: code, Message: PublicMessage(err)})
}

func (h *Handler) writeError(w http.ResponseWriter, _ *http.Request, status int, body ErrorBody) {
	internal.SetSecurityHeaders(w)
	_ = internal.WriteJSON(w, status, ErrorResponse{Error: body})
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code slotsync.Code) int {
	switch code {
	case slotsync.CodeInvalidArgument:
		return http.StatusBadRequest
	case slotsync.CodeNotFound:
		return http.StatusNotFound
	case slotsync.CodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case slotsync.CodePermissionDenied:
		return http.StatusForbidden
	case slotsync.CodeUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the caller-safe text of err. Internal details never leak.
func PublicMessage(err error) string {
	var coded *slotsync.Error
	if errors.As(err, &coded) && coded.Code != slotsync.CodeInternal && coded.Msg != "" {
		return coded.Msg
	}
	if slotsync.IsConflict(err) {
		return "identity conflict; contact support"
	}
	switch slotsync.CodeOf(err) {
	case slotsync.CodeInvalidArgument:
		return "invalid request"
	case slotsync.CodeNotFound:
		return "not found"
	case slotsync.CodeFailedPrecondition:
		return "precondition failed"
	case slotsync.CodePermissionDenied:
		return "permission denied"
	case slotsync.CodeUnauthenticated:
		return "unauthenticated"
	}
	return "internal error"
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r)
	})
}

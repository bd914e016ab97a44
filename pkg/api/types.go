package api

import (
	"time"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// LookupRequest is the body of POST /v1/accounts:lookup
type LookupRequest struct {
	Email string `json:"email" validate:"required,max=320"`
}

// LinkRequest is the body of POST /v1/accounts:link.
// Google sends idToken, Facebook sends accessToken.
type LinkRequest struct {
	Provider    string `json:"provider" validate:"required,max=32"`
	IDToken     string `json:"idToken" validate:"required_without=AccessToken,max=8192"`
	AccessToken string `json:"accessToken" validate:"required_without=IDToken,max=8192"`
}

// LoginRequest is the body of POST /v1/auth:login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,max=320"`
	Password string `json:"password" validate:"required,max=1024"`
}

// RecoverRequest is the body of POST /v1/auth:recover
type RecoverRequest struct {
	Email      string `json:"email" validate:"required,max=320"`
	CustomerID string `json:"customerId" validate:"omitempty,numeric,max=32"`
}

// ResetRequest is the body of POST /v1/auth:reset. URL may be the full
// reset link or the value of the deep-link parameter.
type ResetRequest struct {
	URL      string `json:"url" validate:"required,max=2048"`
	Password string `json:"password" validate:"required,max=1024"`
}

// SessionResponse describes the caller of a gated request
type SessionResponse struct {
	AccountID  string              `json:"accountId"`
	UID        string              `json:"uid"`
	Provider   string              `json:"provider"`
	PlanStatus slotsync.PlanStatus `json:"planStatus"`
	Email      string              `json:"email,omitempty"`
	Slots      slotsync.Balance    `json:"slots"`
	ExpiresAt  time.Time           `json:"expiresAt"`
}

// ErrorResponse is the envelope of every failed call
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the taxonomy code and a caller-safe message
type ErrorBody struct {
	Code    slotsync.Code `json:"code"`
	Message string        `json:"message"`
}

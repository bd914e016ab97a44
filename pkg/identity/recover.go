package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/reviewseverywhere/slotsync/pkg/shopify/graphql"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

const codeUnidentifiedCustomer = "UNIDENTIFIED_CUSTOMER"

// RecoverRequest asks for a password recovery email. CustomerID is optional
// and only used by the invite fallback.
type RecoverRequest struct {
	Email      string
	CustomerID string
	BuyerIP    string
}

// RecoverResult never reveals whether the email belongs to an account.
type RecoverResult struct {
	OK        bool `json:"ok"`
	Sent      bool `json:"sent"`
	Throttled bool `json:"throttled"`
}

// Recover sends a recovery email through the storefront. When the storefront
// does not know the customer, an account invite is sent through the admin API
// instead.
func (s *Service) Recover(ctx context.Context, req RecoverRequest) (*RecoverResult, error) {
	emailLower, err := slotsync.ValidateEmail(req.Email)
	if err != nil {
		return nil, slotsync.NewError(slotsync.CodeInvalidArgument, "valid email is required", err)
	}
	if s.storefront == nil {
		return nil, slotsync.NewError(slotsync.CodeFailedPrecondition,
			"password recovery is not configured", slotsync.ErrNotConfigured)
	}

	if s.throttle != nil {
		allowed, err := s.throttle.Allow(ctx, "recover:"+emailLower, s.cooldown)
		if err != nil {
			return nil, fmt.Errorf("recover throttle: %w", err)
		}
		if !allowed {
			s.logger.Info("recover throttled", slotsync.F("email", emailLower))
			return &RecoverResult{OK: true, Sent: false, Throttled: true}, nil
		}
	}

	sent := &RecoverResult{OK: true, Sent: true}

	userErrs, err := s.storefront.CustomerRecover(ctx, strings.TrimSpace(req.Email), req.BuyerIP)
	if err != nil {
		s.logger.Error("recover storefront call failed", slotsync.F("email", emailLower), slotsync.F("error", err))
		return sent, nil
	}
	if len(userErrs) == 0 {
		s.logger.Info("recover email sent", slotsync.F("email", emailLower))
		return sent, nil
	}

	s.logger.Warn("recover user errors", slotsync.F("email", emailLower), slotsync.F("user_errors", userErrs))
	if graphql.HasCode(userErrs, codeUnidentifiedCustomer) {
		invited := s.sendInvite(ctx, emailLower, strings.TrimSpace(req.CustomerID))
		s.logger.Info("recover invite fallback", slotsync.F("email", emailLower), slotsync.F("invite_sent", invited))
	}
	return sent, nil
}

func (s *Service) sendInvite(ctx context.Context, emailLower, customerID string) bool {
	if s.admin == nil {
		s.logger.Warn("invite fallback not configured", slotsync.F("email", emailLower))
		return false
	}
	if customerID == "" {
		customerID = s.customerIDFor(ctx, emailLower)
	}
	if customerID == "" {
		s.logger.Warn("invite fallback has no customer id", slotsync.F("email", emailLower))
		return false
	}

	userErrs, err := s.admin.SendAccountInvite(ctx, customerID)
	if err != nil {
		s.logger.Error("invite send failed", slotsync.F("customer_id", customerID), slotsync.F("error", err))
		return false
	}
	if len(userErrs) > 0 {
		s.logger.Error("invite user errors", slotsync.F("customer_id", customerID), slotsync.F("user_errors", userErrs))
		return false
	}
	return true
}

// customerIDFor finds a customer id for the invite fallback through the
// resolver. Several accounts on one email yield no id; an invite must never
// go to an arbitrary candidate.
func (s *Service) customerIDFor(ctx context.Context, emailLower string) string {
	res, err := s.resolver.Resolve(ctx, emailLower)
	if err != nil {
		var conflict *slotsync.ConflictError
		if errors.As(err, &conflict) {
			s.logger.Warn("invite fallback skipped: ambiguous email",
				slotsync.F("email", emailLower),
				slotsync.F("field", conflict.Field),
				slotsync.F("candidate_ids", conflict.CandidateIDs))
			return ""
		}
		s.logger.Warn("invite account lookup failed", slotsync.F("email", emailLower), slotsync.F("error", err))
		return ""
	}
	if res.Account == nil {
		return ""
	}
	return res.Account.ID
}

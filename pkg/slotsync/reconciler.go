package slotsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Entitlement reasons written to accounts.
const (
	ReasonOrderPaid      = "orders/paid"
	ReasonOrderReconcile = "orders/updated(reconcile)"
	ReasonRefund         = "refunds/create"
)

// maxReasonLen bounds entitlementLastReason.
const maxReasonLen = 120

// CustomerInput is the identity payload of a customers/* event.
type CustomerInput struct {
	CustomerID string
	Email      string
	FirstName  string
	LastName   string
	Topic      string
}

// OrderInput is the entitlement-relevant view of an orders/* event.
type OrderInput struct {
	OrderID           string
	CustomerID        string
	Email             string
	FinancialStatus   string
	FulfillmentStatus string
	CancelledAt       string
	CancelReason      string
	Lines             []OrderLine
	Topic             string
}

// RefundInput is the entitlement-relevant view of a refunds/create event.
type RefundInput struct {
	RefundID   string
	OrderID    string
	CustomerID string
	Amount     string
	Currency   string
	Note       string
	Lines      []RefundLine
	Topic      string
}

// SourceKind names the snapshot type that guards a delta.
type SourceKind string

const (
	SourceOrder  SourceKind = "order"
	SourceRefund SourceKind = "refund"
)

// SourceEvent identifies the order or refund a delta comes from.
type SourceEvent struct {
	Kind   SourceKind
	ID     string
	Reason string
}

// Delta is an entitlement change. For an order source Purchased is the
// order's full unit magnitude and only the part not yet credited on its
// snapshot is applied. For a refund source Refunded is applied once per refund.
type Delta struct {
	Purchased int
	Refunded  int
}

// Outcome describes what a reconciler call did.
type Outcome struct {
	AccountID      string
	AccountCreated bool
	AccountWritten bool
	Duplicate      bool

	PurchasedDelta int
	RefundedDelta  int
	Units          int

	Balance        Balance
	PlanStatus     PlanStatus
	PreviousStatus PlanStatus

	Index *IndexChange
}

// Reconciler owns every write to accounts, order and refund snapshots.
type Reconciler struct {
	store   Store
	index   *EmailIndex
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewReconciler creates a reconciler over store.
func NewReconciler(store Store, opts Options) *Reconciler {
	opts = opts.withDefaults()
	return &Reconciler{
		store:   store,
		index:   NewEmailIndex(opts),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// UpsertCustomer creates or refreshes an account from a customer payload.
// Balances and plan status are never touched.
func (r *Reconciler) UpsertCustomer(ctx context.Context, in CustomerInput) (*Outcome, error) {
	if strings.TrimSpace(in.CustomerID) == "" {
		return nil, fmt.Errorf("%w: customer id required", ErrInvalidArgument)
	}
	incoming := payloadEmail(in.Email)
	topic := orDefault(in.Topic, "customers/update")

	var out *Outcome
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		now := r.now()
		out = &Outcome{AccountID: in.CustomerID}

		acct, err := tx.GetAccount(in.CustomerID)
		if err != nil {
			return err
		}

		oldShopify := ""
		if acct != nil {
			oldShopify = storedShopifyEmail(acct)
		}
		shopifyEmail := firstNonEmpty(incoming, oldShopify)

		change, err := r.index.Prepare(tx, oldShopify, shopifyEmail, in.CustomerID, topic)
		if err != nil {
			return err
		}

		next := acct.Clone()
		if next == nil {
			next = newAccount(in.CustomerID, now)
			out.AccountCreated = true
		}
		out.PreviousStatus = next.PlanStatus

		applyEmails(next, shopifyEmail)
		if in.FirstName != "" || in.LastName != "" {
			next.FirstName = in.FirstName
			next.LastName = in.LastName
			next.DisplayName = strings.TrimSpace(in.FirstName + " " + in.LastName)
		}
		next.UpdatedAt = now

		if err := change.Apply(tx); err != nil {
			return err
		}
		if err := tx.PutAccount(next); err != nil {
			return err
		}
		r.fill(out, next, change)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("upsert customer %s: %w", in.CustomerID, err)
	}

	r.report(topic, out)
	return out, nil
}

// ApplyOrderPaid credits an order once. The snapshot is written when absent
// and the account is created when unknown.
func (r *Reconciler) ApplyOrderPaid(ctx context.Context, in OrderInput) (*Outcome, error) {
	if in.OrderID == "" || in.CustomerID == "" {
		return nil, fmt.Errorf("%w: order and customer id required", ErrInvalidArgument)
	}
	topic := orDefault(in.Topic, ReasonOrderPaid)
	ent := ComputeOrderUnits(in.Lines)
	incoming := payloadEmail(in.Email)

	var out *Outcome
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		now := r.now()
		out = &Outcome{AccountID: in.CustomerID, Units: ent.Total}

		order, err := tx.GetOrder(in.OrderID)
		if err != nil {
			return err
		}
		acct, err := tx.GetAccount(in.CustomerID)
		if err != nil {
			return err
		}
		oldShopify := ""
		if acct != nil {
			oldShopify = storedShopifyEmail(acct)
		}
		shopifyEmail := firstNonEmpty(incoming, oldShopify)
		change, err := r.index.Prepare(tx, oldShopify, shopifyEmail, in.CustomerID, topic)
		if err != nil {
			return err
		}

		delta := ent.Total
		if order != nil && order.Credited != nil {
			delta = 0
			out.Duplicate = true
		}

		nextOrder := order.Clone()
		if nextOrder == nil {
			nextOrder = &OrderRecord{OrderID: in.OrderID, CreatedAt: now}
		}
		nextOrder.CustomerID = firstNonEmpty(in.CustomerID, nextOrder.CustomerID)
		nextOrder.Email = firstNonEmpty(incoming, nextOrder.Email)
		if !nextOrder.HasSnapshot {
			nextOrder.HasSnapshot = true
			nextOrder.UnitsTotal = ent.Total
			nextOrder.Lines = ent.Lines
		}
		if nextOrder.Credited == nil {
			credited := ent.Total
			nextOrder.Credited = &credited
			nextOrder.CreditedUpdatedAt = now
		}
		if nextOrder.ProcessedAt.IsZero() {
			nextOrder.ProcessedAt = now
		}
		mergeOrderStatus(nextOrder, in, topic, now)

		next := acct.Clone()
		if next == nil {
			next = newAccount(in.CustomerID, now)
			out.AccountCreated = true
		}
		out.PreviousStatus = next.PlanStatus
		applyEmails(next, shopifyEmail)
		next.SlotsPurchased = clampZero(next.SlotsPurchased + delta)
		settle(next)
		next.EntitlementLastReason = Truncate(topic, maxReasonLen)
		next.EntitlementUpdatedAt = now
		next.UpdatedAt = now
		out.PurchasedDelta = delta

		if err := change.Apply(tx); err != nil {
			return err
		}
		if err := tx.PutOrder(nextOrder); err != nil {
			return err
		}
		if err := tx.PutAccount(next); err != nil {
			return err
		}
		r.fill(out, next, change)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply paid order %s: %w", in.OrderID, err)
	}

	r.report(topic, out)
	return out, nil
}

// ApplyOrderUpdated refreshes order metadata and, for paid orders, moves the
// credited amount to the order's recomputed units.
func (r *Reconciler) ApplyOrderUpdated(ctx context.Context, in OrderInput) (*Outcome, error) {
	if in.OrderID == "" {
		return nil, fmt.Errorf("%w: order id required", ErrInvalidArgument)
	}
	topic := orDefault(in.Topic, "orders/updated")
	ent := ComputeOrderUnits(in.Lines)
	incoming := payloadEmail(in.Email)
	paid := strings.EqualFold(strings.TrimSpace(in.FinancialStatus), "paid")

	var out *Outcome
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		now := r.now()
		out = &Outcome{AccountID: in.CustomerID, Units: ent.Total}

		order, err := tx.GetOrder(in.OrderID)
		if err != nil {
			return err
		}
		var acct *Account
		if in.CustomerID != "" {
			if acct, err = tx.GetAccount(in.CustomerID); err != nil {
				return err
			}
		}

		prevCredited := 0
		if order != nil && order.Credited != nil {
			prevCredited = *order.Credited
		}
		delta := 0
		if paid {
			delta = ent.Total - prevCredited
		}
		reconcile := paid && in.CustomerID != "" && delta != 0

		var change *IndexChange
		if reconcile {
			oldShopify := ""
			if acct != nil {
				oldShopify = storedShopifyEmail(acct)
			}
			change, err = r.index.Prepare(tx, oldShopify, firstNonEmpty(incoming, oldShopify), in.CustomerID, topic)
			if err != nil {
				return err
			}
		}

		nextOrder := order.Clone()
		if nextOrder == nil {
			nextOrder = &OrderRecord{OrderID: in.OrderID, CreatedAt: now}
		}
		nextOrder.CustomerID = firstNonEmpty(in.CustomerID, nextOrder.CustomerID)
		nextOrder.Email = firstNonEmpty(incoming, nextOrder.Email)
		nextOrder.LatestUnitsTotal = ent.Total
		nextOrder.LatestLines = ent.Lines
		mergeOrderStatus(nextOrder, in, topic, now)

		if paid && in.CustomerID != "" && (reconcile || nextOrder.Credited == nil) {
			credited := ent.Total
			nextOrder.Credited = &credited
			nextOrder.CreditedUpdatedAt = now
		}

		if !reconcile {
			if acct != nil {
				out.Balance = acct.Balance()
				out.PlanStatus = acct.PlanStatus
				out.PreviousStatus = acct.PlanStatus
			}
			return tx.PutOrder(nextOrder)
		}

		next := acct.Clone()
		if next == nil {
			next = newAccount(in.CustomerID, now)
			out.AccountCreated = true
		}
		out.PreviousStatus = next.PlanStatus
		shopifyEmail := firstNonEmpty(incoming, storedShopifyEmail(next))
		applyEmails(next, shopifyEmail)
		next.SlotsPurchased = clampZero(next.SlotsPurchased + delta)
		settle(next)
		next.EntitlementLastReason = ReasonOrderReconcile
		next.EntitlementUpdatedAt = now
		next.UpdatedAt = now
		out.PurchasedDelta = delta

		if err := change.Apply(tx); err != nil {
			return err
		}
		if err := tx.PutOrder(nextOrder); err != nil {
			return err
		}
		if err := tx.PutAccount(next); err != nil {
			return err
		}
		r.fill(out, next, change)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply updated order %s: %w", in.OrderID, err)
	}

	r.report(ReasonOrderReconcile, out)
	return out, nil
}

// ApplyRefund records a refund once and subtracts its units from the
// order's account, clamped so refunded never exceeds purchased.
func (r *Reconciler) ApplyRefund(ctx context.Context, in RefundInput) (*Outcome, error) {
	if in.RefundID == "" {
		return nil, fmt.Errorf("%w: refund id required", ErrInvalidArgument)
	}
	topic := orDefault(in.Topic, ReasonRefund)

	var out *Outcome
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		now := r.now()
		out = &Outcome{}

		existing, err := tx.GetRefund(in.RefundID)
		if err != nil {
			return err
		}
		var order *OrderRecord
		if in.OrderID != "" {
			if order, err = tx.GetOrder(in.OrderID); err != nil {
				return err
			}
		}
		if existing != nil {
			out.Duplicate = true
			out.AccountID = existing.CustomerID
			touched := existing.Clone()
			touched.LastWebhookAt = now
			touched.UpdatedAt = now
			return tx.PutRefund(touched)
		}

		customerID := in.CustomerID
		if order != nil && order.CustomerID != "" {
			customerID = order.CustomerID
		}
		out.AccountID = customerID

		var acct *Account
		if customerID != "" {
			if acct, err = tx.GetAccount(customerID); err != nil {
				return err
			}
		}

		var known [][]LineUnits
		if order != nil {
			known = append(known, order.Lines, order.LatestLines)
		}
		ent := ComputeRefundUnits(in.Lines, known...)
		out.Units = ent.Total

		record := &RefundRecord{
			RefundID:      in.RefundID,
			OrderID:       in.OrderID,
			CustomerID:    customerID,
			Amount:        in.Amount,
			Currency:      in.Currency,
			Note:          in.Note,
			UnitsRefunded: ent.Total,
			Lines:         ent.Lines,
			LastEvent:     topic,
			LastWebhookAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		var next *Account
		if acct != nil {
			next = acct.Clone()
			out.PreviousStatus = next.PlanStatus
			prev := next.SlotsRefunded
			next.SlotsRefunded = max(prev, clampRefunded(prev+ent.Total, next.SlotsPurchased))
			settle(next)
			next.EntitlementLastReason = ReasonRefund
			next.EntitlementUpdatedAt = now
			next.UpdatedAt = now
			record.Applied = next.SlotsRefunded - prev
			out.RefundedDelta = record.Applied
		}

		if err := tx.PutRefund(record); err != nil {
			return err
		}
		if order != nil {
			nextOrder := order.Clone()
			nextOrder.RefundedUnitsTotal += ent.Total
			nextOrder.LastRefundAt = now
			nextOrder.UpdatedAt = now
			if err := tx.PutOrder(nextOrder); err != nil {
				return err
			}
		}
		if next != nil {
			if err := tx.PutAccount(next); err != nil {
				return err
			}
			r.fill(out, next, nil)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply refund %s: %w", in.RefundID, err)
	}

	r.report(ReasonRefund, out)
	return out, nil
}

// RecordOrderEvent upserts order metadata only (create, cancel, fulfil).
func (r *Reconciler) RecordOrderEvent(ctx context.Context, in OrderInput) error {
	if in.OrderID == "" {
		return fmt.Errorf("%w: order id required", ErrInvalidArgument)
	}
	topic := orDefault(in.Topic, "orders/create")
	incoming := payloadEmail(in.Email)

	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		now := r.now()
		order, err := tx.GetOrder(in.OrderID)
		if err != nil {
			return err
		}
		next := order.Clone()
		if next == nil {
			next = &OrderRecord{OrderID: in.OrderID, CreatedAt: now}
		}
		next.CustomerID = firstNonEmpty(in.CustomerID, next.CustomerID)
		next.Email = firstNonEmpty(incoming, next.Email)
		mergeOrderStatus(next, in, topic, now)
		return tx.PutOrder(next)
	})
	if err != nil {
		return fmt.Errorf("record order event %s: %w", in.OrderID, err)
	}
	r.logger.Info("order metadata recorded",
		Field{"order_id", in.OrderID},
		Field{"topic", topic},
	)
	return nil
}

// ApplyDelta applies a generic entitlement change guarded by the source
// event's snapshot. Redelivery of the same source at the same magnitude
// contributes nothing.
func (r *Reconciler) ApplyDelta(ctx context.Context, accountID string, d Delta, src SourceEvent) (*Outcome, error) {
	if accountID == "" || src.ID == "" {
		return nil, fmt.Errorf("%w: account and source id required", ErrInvalidArgument)
	}
	if src.Kind != SourceOrder && src.Kind != SourceRefund {
		return nil, fmt.Errorf("%w: unknown source kind %q", ErrInvalidArgument, src.Kind)
	}
	reason := orDefault(src.Reason, string(src.Kind))

	var out *Outcome
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		now := r.now()
		out = &Outcome{AccountID: accountID}

		acct, err := tx.GetAccount(accountID)
		if err != nil {
			return err
		}

		var (
			order  *OrderRecord
			refund *RefundRecord
		)
		switch src.Kind {
		case SourceOrder:
			order, err = tx.GetOrder(src.ID)
		case SourceRefund:
			refund, err = tx.GetRefund(src.ID)
		}
		if err != nil {
			return err
		}

		next := acct.Clone()
		if next == nil {
			next = newAccount(accountID, now)
			out.AccountCreated = true
		}
		out.PreviousStatus = next.PlanStatus

		switch src.Kind {
		case SourceOrder:
			credited := 0
			if order != nil && order.Credited != nil {
				credited = *order.Credited
			}
			delta := d.Purchased - credited
			if order != nil && order.Credited != nil && delta == 0 {
				out.Duplicate = true
			}
			next.SlotsPurchased = clampZero(next.SlotsPurchased + delta)
			out.PurchasedDelta = delta

			nextOrder := order.Clone()
			if nextOrder == nil {
				nextOrder = &OrderRecord{OrderID: src.ID, CustomerID: accountID, CreatedAt: now}
			}
			magnitude := d.Purchased
			nextOrder.Credited = &magnitude
			nextOrder.CreditedUpdatedAt = now
			nextOrder.UpdatedAt = now
			nextOrder.LastEvent = reason
			if err := tx.PutOrder(nextOrder); err != nil {
				return err
			}
		case SourceRefund:
			if refund != nil {
				out.Duplicate = true
				r.fill(out, next, nil)
				return nil
			}
			prev := next.SlotsRefunded
			next.SlotsRefunded = max(prev, clampRefunded(prev+d.Refunded, next.SlotsPurchased))
			out.RefundedDelta = next.SlotsRefunded - prev
			if err := tx.PutRefund(&RefundRecord{
				RefundID:      src.ID,
				CustomerID:    accountID,
				UnitsRefunded: d.Refunded,
				Applied:       out.RefundedDelta,
				LastEvent:     reason,
				LastWebhookAt: now,
				CreatedAt:     now,
				UpdatedAt:     now,
			}); err != nil {
				return err
			}
		}

		if out.Duplicate {
			r.fill(out, next, nil)
			return nil
		}
		settle(next)
		next.EntitlementLastReason = Truncate(reason, maxReasonLen)
		next.EntitlementUpdatedAt = now
		next.UpdatedAt = now
		if err := tx.PutAccount(next); err != nil {
			return err
		}
		r.fill(out, next, nil)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply delta to %s: %w", accountID, err)
	}

	r.report(reason, out)
	return out, nil
}

// SetAuthCredential persists the credential bound to an account.
func (r *Reconciler) SetAuthCredential(ctx context.Context, accountID, uid string) error {
	return r.updateAccount(ctx, accountID, func(a *Account, now time.Time) {
		if a.AuthUID != uid {
			a.AuthUID = uid
			a.AuthLinkedAt = now
		}
	})
}

// RecordLogin persists the credential and login audit fields.
func (r *Reconciler) RecordLogin(ctx context.Context, accountID, uid, method, provider string) error {
	return r.updateAccount(ctx, accountID, func(a *Account, now time.Time) {
		if a.AuthUID != uid {
			a.AuthUID = uid
			a.AuthLinkedAt = now
		}
		a.LastLoginAt = now
		a.LastLoginMethod = method
		a.LastLoginProvider = provider
	})
}

// MarkPasswordSet records a successful password reset or activation.
// It reports false when the account does not exist.
func (r *Reconciler) MarkPasswordSet(ctx context.Context, accountID string) (bool, error) {
	err := r.updateAccount(ctx, accountID, func(a *Account, now time.Time) {
		a.ShopifyPasswordSetAt = now
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	return false, err
}

func (r *Reconciler) updateAccount(ctx context.Context, accountID string, mutate func(a *Account, now time.Time)) error {
	if accountID == "" {
		return fmt.Errorf("%w: account id required", ErrInvalidArgument)
	}
	return r.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		acct, err := tx.GetAccount(accountID)
		if err != nil {
			return err
		}
		if acct == nil {
			return ErrAccountNotFound
		}
		next := acct.Clone()
		now := r.now()
		mutate(next, now)
		next.UpdatedAt = now
		return tx.PutAccount(next)
	})
}

func (r *Reconciler) fill(out *Outcome, a *Account, change *IndexChange) {
	out.AccountWritten = true
	out.Balance = a.Balance()
	out.PlanStatus = a.PlanStatus
	out.Index = change
}

func (r *Reconciler) report(reason string, out *Outcome) {
	if out == nil {
		return
	}
	r.index.Report(out.Index)
	if out.PurchasedDelta != 0 || out.RefundedDelta != 0 {
		r.metrics.RecordEntitlementChange(reason, out.PurchasedDelta, out.RefundedDelta)
	}
	if out.AccountWritten && out.PreviousStatus != out.PlanStatus {
		r.metrics.RecordPlanStatusChange(out.PreviousStatus, out.PlanStatus)
	}
	r.logger.Info("entitlement reconciled",
		Field{"reason", reason},
		Field{"account_id", out.AccountID},
		Field{"units", out.Units},
		Field{"purchased_delta", out.PurchasedDelta},
		Field{"refunded_delta", out.RefundedDelta},
		Field{"slots_net", out.Balance.Net},
		Field{"plan_status", string(out.PlanStatus)},
		Field{"duplicate", out.Duplicate},
		Field{"account_created", out.AccountCreated},
	)
}

func newAccount(id string, now time.Time) *Account {
	return &Account{ID: id, PlanStatus: PlanInactive, CreatedAt: now, UpdatedAt: now}
}

// settle recomputes the derived balance fields and plan status.
func settle(a *Account) {
	a.SlotsUsed = clampZero(a.SlotsUsed)
	a.SlotsNet, a.SlotsAvailable = ComputeSlots(a.SlotsPurchased, a.SlotsRefunded, a.SlotsUsed)
	a.PlanStatus = NextPlanStatus(a.PlanStatus, a.SlotsPurchased, a.SlotsNet)
}

// applyEmails stores the Shopify email and moves the login email only when
// it is missing or still equal to the Shopify email.
func applyEmails(a *Account, shopifyEmail string) {
	if shopifyEmail == "" {
		return
	}
	platform := NormalizeEmail(a.Email)
	existingShopify := storedShopifyEmail(a)
	if platform == "" ||
		(existingShopify != "" && platform == existingShopify) ||
		(existingShopify == "" && platform == shopifyEmail) {
		a.Email = shopifyEmail
		a.EmailLower = shopifyEmail
	}
	a.ShopifyEmail = shopifyEmail
	a.ShopifyEmailLower = shopifyEmail
}

func storedShopifyEmail(a *Account) string {
	return firstNonEmpty(NormalizeEmail(a.ShopifyEmailLower), NormalizeEmail(a.ShopifyEmail))
}

func mergeOrderStatus(o *OrderRecord, in OrderInput, topic string, now time.Time) {
	o.FinancialStatus = firstNonEmpty(in.FinancialStatus, o.FinancialStatus)
	o.FulfillmentStatus = firstNonEmpty(in.FulfillmentStatus, o.FulfillmentStatus)
	o.CancelledAt = firstNonEmpty(in.CancelledAt, o.CancelledAt)
	o.CancelReason = firstNonEmpty(in.CancelReason, o.CancelReason)
	o.LastEvent = topic
	o.LastWebhookAt = now
	o.UpdatedAt = now
}

func payloadEmail(email string) string {
	if !LooksLikeEmail(email) {
		return ""
	}
	return NormalizeEmail(email)
}

func clampZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func clampRefunded(refunded, purchased int) int {
	if purchased >= 0 && refunded > purchased {
		return purchased
	}
	return refunded
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

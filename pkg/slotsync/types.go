package slotsync

import "time"

// PlanStatus is the derived access state of an account.
type PlanStatus string

const (
	// PlanInactive marks an account that has never been credited.
	PlanInactive PlanStatus = "inactive"
	// PlanActive marks an account with a positive net balance.
	PlanActive PlanStatus = "active"
	// PlanRefunded marks a credited account whose net balance dropped to zero or below.
	PlanRefunded PlanStatus = "refunded"
)

// ParsePlanStatus maps a stored value to a PlanStatus. Unknown or empty values map to PlanInactive.
func ParsePlanStatus(s string) PlanStatus {
	switch PlanStatus(s) {
	case PlanActive:
		return PlanActive
	case PlanRefunded:
		return PlanRefunded
	default:
		return PlanInactive
	}
}

// Account is the internal record for one commerce customer.
// ID is the external customer identifier and never changes.
type Account struct {
	ID string

	ShopifyEmail      string // platform-sourced email
	ShopifyEmailLower string
	Email             string // platform-derived login email
	EmailLower        string

	FirstName   string
	LastName    string
	DisplayName string

	SlotsPurchased int
	SlotsRefunded  int
	SlotsUsed      int
	SlotsNet       int
	SlotsAvailable int

	PlanStatus PlanStatus
	AuthUID    string

	EntitlementLastReason string
	EntitlementUpdatedAt  time.Time

	LastLoginAt          time.Time
	LastLoginMethod      string
	LastLoginProvider    string
	AuthLinkedAt         time.Time
	ShopifyPasswordSetAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Balance returns the stored balance fields.
func (a *Account) Balance() Balance {
	return Balance{
		Purchased: a.SlotsPurchased,
		Refunded:  a.SlotsRefunded,
		Used:      a.SlotsUsed,
		Net:       a.SlotsNet,
		Available: a.SlotsAvailable,
	}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// AccountField names an account attribute that the resolver may query on.
type AccountField string

const (
	FieldShopifyEmailLower AccountField = "shopifyEmailLower"
	FieldShopifyEmail      AccountField = "shopifyEmail"
	FieldEmailLower        AccountField = "emailLower"
	FieldEmail             AccountField = "email"
)

// Value returns the account's value for the field.
func (f AccountField) Value(a *Account) string {
	switch f {
	case FieldShopifyEmailLower:
		return a.ShopifyEmailLower
	case FieldShopifyEmail:
		return a.ShopifyEmail
	case FieldEmailLower:
		return a.EmailLower
	case FieldEmail:
		return a.Email
	default:
		return ""
	}
}

// Balance is the numeric ledger state of an account.
type Balance struct {
	Purchased int `json:"purchased"`
	Refunded  int `json:"refunded"`
	Used      int `json:"used"`
	Net       int `json:"net"`
	Available int `json:"available"`
}

// EmailIndexEntry maps one normalized email to exactly one account.
type EmailIndexEntry struct {
	EmailLower string
	AccountID  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IdentityConflict is append-only evidence that two accounts claim the same email.
type IdentityConflict struct {
	EmailLower         string
	AttemptedAccountID string
	ExistingAccountID  string
	Source             string
	CreatedAt          time.Time
}

// Key is the conflict record identifier.
func (c *IdentityConflict) Key() string {
	return ConflictKey(c.EmailLower, c.AttemptedAccountID)
}

// ConflictKey builds the identifier of a conflict record.
func ConflictKey(emailLower, attemptedAccountID string) string {
	return emailLower + "__" + attemptedAccountID
}

// EventStatus is the lifecycle state of a webhook event record.
type EventStatus string

const (
	EventProcessing EventStatus = "processing"
	EventProcessed  EventStatus = "processed"
	EventFailed     EventStatus = "failed"
)

// EventMeta describes a delivered event.
type EventMeta struct {
	Topic       string
	ShopDomain  string
	TriggeredAt string
	OrderID     string
	CustomerID  string
	RefundID    string
}

// WebhookEvent is the idempotency ledger entry for one logical delivery.
type WebhookEvent struct {
	Key         string
	Status      EventStatus
	Attempts    int
	Meta        EventMeta
	LastError   string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	RetriedAt   time.Time
	ProcessedAt time.Time
	FailedAt    time.Time
}

// Clone returns a copy of the event record.
func (e *WebhookEvent) Clone() *WebhookEvent {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// LineUnits is the per-line breakdown of an entitlement computation.
type LineUnits struct {
	LineItemID     string `json:"lineItemId"`
	VariantID      string `json:"variantId,omitempty"`
	SKU            string `json:"sku,omitempty"`
	Title          string `json:"title,omitempty"`
	VariantTitle   string `json:"variantTitle,omitempty"`
	Quantity       int    `json:"quantity"`
	UnitsPerBundle int    `json:"unitsPerBundle"`
	Units          int    `json:"units"`
}

// OrderRecord is the per-order entitlement snapshot plus mutable order metadata.
// UnitsTotal and Lines are written once; Credited moves when a paid order is edited.
type OrderRecord struct {
	OrderID    string
	CustomerID string
	Email      string

	HasSnapshot bool
	UnitsTotal  int
	Lines       []LineUnits

	// Credited is nil until units from this order have been applied to an account.
	Credited *int

	LatestUnitsTotal int
	LatestLines      []LineUnits

	RefundedUnitsTotal int

	FinancialStatus   string
	FulfillmentStatus string
	CancelledAt       string
	CancelReason      string
	LastEvent         string

	ProcessedAt       time.Time
	CreditedUpdatedAt time.Time
	LastRefundAt      time.Time
	LastWebhookAt     time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Clone returns a deep copy of the order record.
func (o *OrderRecord) Clone() *OrderRecord {
	if o == nil {
		return nil
	}
	c := *o
	c.Lines = append([]LineUnits(nil), o.Lines...)
	c.LatestLines = append([]LineUnits(nil), o.LatestLines...)
	if o.Credited != nil {
		v := *o.Credited
		c.Credited = &v
	}
	return &c
}

// RefundRecord is the per-refund entitlement snapshot.
type RefundRecord struct {
	RefundID      string
	OrderID       string
	CustomerID    string
	Amount        string
	Currency      string
	Note          string
	UnitsRefunded int
	Lines         []LineUnits

	// Applied is the number of units actually subtracted from the account after clamping.
	Applied int

	LastEvent     string
	LastWebhookAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy of the refund record.
func (r *RefundRecord) Clone() *RefundRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Lines = append([]LineUnits(nil), r.Lines...)
	return &c
}

// Credential is an external authentication identity bound to an account.
type Credential struct {
	UID           string
	Email         string
	EmailVerified bool
	Disabled      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

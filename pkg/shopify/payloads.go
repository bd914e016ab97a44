package shopify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// flexString accepts a JSON string, number or boolean. Shopify sends ids as
// numbers in REST payloads and as strings elsewhere.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0, bytes.Equal(data, []byte("null")):
		*f = ""
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
	default:
		*f = flexString(data)
	}
	return nil
}

func (f flexString) String() string { return string(f) }

type customerPayload struct {
	ID        flexString `json:"id"`
	Email     string     `json:"email"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
}

type propertyPayload struct {
	Name  string     `json:"name"`
	Key   string     `json:"key"`
	Value flexString `json:"value"`
}

type lineItemPayload struct {
	ID               flexString        `json:"id"`
	VariantID        flexString        `json:"variant_id"`
	Quantity         int               `json:"quantity"`
	SKU              string            `json:"sku"`
	Title            string            `json:"title"`
	VariantTitle     string            `json:"variant_title"`
	Name             string            `json:"name"`
	Properties       []propertyPayload `json:"properties"`
	CustomAttributes []propertyPayload `json:"custom_attributes"`
}

type orderPayload struct {
	ID                flexString        `json:"id"`
	Email             string            `json:"email"`
	ContactEmail      string            `json:"contact_email"`
	Customer          *customerPayload  `json:"customer"`
	FinancialStatus   string            `json:"financial_status"`
	FulfillmentStatus string            `json:"fulfillment_status"`
	CancelledAt       string            `json:"cancelled_at"`
	CancelReason      string            `json:"cancel_reason"`
	LineItems         []lineItemPayload `json:"line_items"`
}

type transactionPayload struct {
	Amount   flexString `json:"amount"`
	Currency string     `json:"currency"`
}

type refundLinePayload struct {
	LineItemID flexString       `json:"line_item_id"`
	Quantity   int              `json:"quantity"`
	LineItem   *lineItemPayload `json:"line_item"`
}

type refundPayload struct {
	ID              flexString           `json:"id"`
	OrderID         flexString           `json:"order_id"`
	UserID          flexString           `json:"user_id"`
	Note            string               `json:"note"`
	Currency        string               `json:"currency"`
	Transactions    []transactionPayload `json:"transactions"`
	RefundLineItems []refundLinePayload  `json:"refund_line_items"`
}

// unwrap returns the object under key when body is wrapped ({"order": {...}}),
// otherwise body itself.
func unwrap(body []byte, key string) []byte {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return body
	}
	if inner, ok := wrapper[key]; ok && len(inner) > 0 && inner[0] == '{' {
		if _, hasID := wrapper["id"]; !hasID {
			return inner
		}
	}
	return body
}

func decode(body []byte, key string, v interface{}) error {
	if err := json.Unmarshal(unwrap(body, key), v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func parseCustomer(body []byte) (*customerPayload, error) {
	var c customerPayload
	if err := decode(body, "customer", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func parseOrder(body []byte) (*orderPayload, error) {
	var o orderPayload
	if err := decode(body, "order", &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func parseRefund(body []byte) (*refundPayload, error) {
	var r refundPayload
	if err := decode(body, "refund", &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *customerPayload) input(topic string) slotsync.CustomerInput {
	return slotsync.CustomerInput{
		CustomerID: c.ID.String(),
		Email:      c.Email,
		FirstName:  strings.TrimSpace(c.FirstName),
		LastName:   strings.TrimSpace(c.LastName),
		Topic:      topic,
	}
}

func (o *orderPayload) customerID() string {
	if o.Customer == nil {
		return ""
	}
	return o.Customer.ID.String()
}

// email prefers the customer's email, then the order's own fields.
func (o *orderPayload) email() string {
	candidates := []string{o.Email, o.ContactEmail}
	if o.Customer != nil {
		candidates = append([]string{o.Customer.Email}, candidates...)
	}
	for _, c := range candidates {
		if slotsync.LooksLikeEmail(c) {
			return c
		}
	}
	return ""
}

func (o *orderPayload) input(topic string) slotsync.OrderInput {
	lines := make([]slotsync.OrderLine, 0, len(o.LineItems))
	for _, li := range o.LineItems {
		lines = append(lines, li.line())
	}
	return slotsync.OrderInput{
		OrderID:           o.ID.String(),
		CustomerID:        o.customerID(),
		Email:             o.email(),
		FinancialStatus:   o.FinancialStatus,
		FulfillmentStatus: o.FulfillmentStatus,
		CancelledAt:       o.CancelledAt,
		CancelReason:      o.CancelReason,
		Lines:             lines,
		Topic:             topic,
	}
}

func (li lineItemPayload) line() slotsync.OrderLine {
	return slotsync.OrderLine{
		ID:               li.ID.String(),
		VariantID:        li.VariantID.String(),
		SKU:              li.SKU,
		Title:            li.Title,
		VariantTitle:     li.VariantTitle,
		Name:             li.Name,
		Quantity:         li.Quantity,
		Properties:       properties(li.Properties),
		CustomAttributes: properties(li.CustomAttributes),
	}
}

func properties(in []propertyPayload) []slotsync.Property {
	if len(in) == 0 {
		return nil
	}
	out := make([]slotsync.Property, 0, len(in))
	for _, p := range in {
		name := p.Name
		if name == "" {
			name = p.Key
		}
		out = append(out, slotsync.Property{Name: name, Value: p.Value.String()})
	}
	return out
}

func (r *refundPayload) input(topic string) slotsync.RefundInput {
	lines := make([]slotsync.RefundLine, 0, len(r.RefundLineItems))
	for _, rl := range r.RefundLineItems {
		line := slotsync.RefundLine{LineItemID: rl.LineItemID.String(), Quantity: rl.Quantity}
		if rl.LineItem != nil {
			embedded := rl.LineItem.line()
			line.LineItem = &embedded
			if line.LineItemID == "" {
				line.LineItemID = embedded.ID
			}
		}
		lines = append(lines, line)
	}
	in := slotsync.RefundInput{
		RefundID: r.ID.String(),
		OrderID:  r.OrderID.String(),
		Note:     r.Note,
		Currency: r.Currency,
		Lines:    lines,
		Topic:    topic,
	}
	if len(r.Transactions) > 0 {
		in.Amount = r.Transactions[0].Amount.String()
		if in.Currency == "" {
			in.Currency = r.Transactions[0].Currency
		}
	}
	return in
}

package graphql

import (
	"context"
	"fmt"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// Admin calls the admin API. It only accepts *.myshopify.com domains.
type Admin struct {
	c *client
}

// NewAdmin creates an admin client for https://{shop}/admin/api/{version}/graphql.json.
func NewAdmin(cfg Config) (*Admin, error) {
	if !IsMyshopifyDomain(cfg.ShopDomain) {
		return nil, fmt.Errorf("%w: admin API requires a *.myshopify.com domain, got %q",
			slotsync.ErrNotConfigured, NormalizeShopDomain(cfg.ShopDomain))
	}
	c, err := newClient(apiAdmin, "%s/admin/api/%s/graphql.json", "X-Shopify-Access-Token", cfg)
	if err != nil {
		return nil, err
	}
	return &Admin{c: c}, nil
}

const sendInviteMutation = `
mutation SendInvite($customerId: ID!) {
  customerSendAccountInviteEmail(customerId: $customerId) {
    userErrors { field message }
  }
}`

// SendAccountInvite emails the account invite to a customer. customerID may
// be numeric or a gid.
func (a *Admin) SendAccountInvite(ctx context.Context, customerID string) ([]UserError, error) {
	gid := CustomerGID(customerID)
	if gid == "" {
		return nil, fmt.Errorf("%w: customer id required", slotsync.ErrInvalidArgument)
	}
	vars := map[string]interface{}{"customerId": gid}
	return a.c.do(ctx, "customerSendAccountInviteEmail", sendInviteMutation, vars, nil, nil)
}

package graphql

import (
	"context"
	"net/http"
	"strings"
)

// Storefront calls the storefront API with a public access token.
type Storefront struct {
	c *client
}

// NewStorefront creates a storefront client for https://{shop}/api/{version}/graphql.json.
func NewStorefront(cfg Config) (*Storefront, error) {
	c, err := newClient(apiStorefront, "%s/api/%s/graphql.json", "X-Shopify-Storefront-Access-Token", cfg)
	if err != nil {
		return nil, err
	}
	return &Storefront{c: c}, nil
}

// AccessToken is a customer access token.
type AccessToken struct {
	AccessToken string `json:"accessToken"`
	ExpiresAt   string `json:"expiresAt"`
}

// Customer is the identity part of a storefront customer.
type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// CustomerResult is returned by the reset and activate mutations.
type CustomerResult struct {
	Customer    *Customer    `json:"customer"`
	AccessToken *AccessToken `json:"customerAccessToken"`
}

func buyerHeader(buyerIP string) http.Header {
	ip := strings.TrimSpace(buyerIP)
	if ip == "" {
		return nil
	}
	// The header name is case-sensitive on the storefront side.
	return http.Header{"Shopify-Storefront-Buyer-IP": []string{ip}}
}

const accessTokenCreateMutation = `
mutation customerAccessTokenCreate($input: CustomerAccessTokenCreateInput!) {
  customerAccessTokenCreate(input: $input) {
    customerAccessToken { accessToken expiresAt }
    customerUserErrors { code field message }
  }
}`

// CustomerAccessTokenCreate exchanges email and password for a customer
// access token. Bad credentials come back as user errors.
func (s *Storefront) CustomerAccessTokenCreate(ctx context.Context, email, password, buyerIP string) (*AccessToken,
	[]UserError, error) {
	var out struct {
		Payload *struct {
			Token *AccessToken `json:"customerAccessToken"`
		} `json:"customerAccessTokenCreate"`
	}
	vars := map[string]interface{}{"input": map[string]interface{}{"email": email, "password": password}}
	userErrs, err := s.c.do(ctx, "customerAccessTokenCreate", accessTokenCreateMutation, vars, buyerHeader(buyerIP), &out)
	if err != nil {
		return nil, nil, err
	}
	if out.Payload == nil || out.Payload.Token == nil || out.Payload.Token.AccessToken == "" {
		return nil, userErrs, nil
	}
	return out.Payload.Token, userErrs, nil
}

const customerQuery = `
query customer($customerAccessToken: String!) {
  customer(customerAccessToken: $customerAccessToken) {
    id
    email
  }
}`

// Customer returns the customer owning accessToken, or nil.
func (s *Storefront) Customer(ctx context.Context, accessToken string) (*Customer, error) {
	var out struct {
		Customer *Customer `json:"customer"`
	}
	vars := map[string]interface{}{"customerAccessToken": accessToken}
	if _, err := s.c.do(ctx, "customer", customerQuery, vars, nil, &out); err != nil {
		return nil, err
	}
	return out.Customer, nil
}

const recoverMutation = `
mutation customerRecover($email: String!) {
  customerRecover(email: $email) {
    customerUserErrors { code field message }
  }
}`

// CustomerRecover asks the platform to send a password reset email.
func (s *Storefront) CustomerRecover(ctx context.Context, email, buyerIP string) ([]UserError, error) {
	vars := map[string]interface{}{"email": strings.TrimSpace(email)}
	return s.c.do(ctx, "customerRecover", recoverMutation, vars, buyerHeader(buyerIP), nil)
}

const resetByURLMutation = `
mutation customerResetByUrl($resetUrl: URL!, $password: String!) {
  customerResetByUrl(resetUrl: $resetUrl, password: $password) {
    customer { id email }
    customerAccessToken { accessToken expiresAt }
    customerUserErrors { code field message }
  }
}`

// CustomerResetByURL sets a new password from a reset link.
func (s *Storefront) CustomerResetByURL(ctx context.Context, resetURL, password string) (*CustomerResult,
	[]UserError, error) {
	var out struct {
		Payload *CustomerResult `json:"customerResetByUrl"`
	}
	vars := map[string]interface{}{"resetUrl": resetURL, "password": password}
	userErrs, err := s.c.do(ctx, "customerResetByUrl", resetByURLMutation, vars, nil, &out)
	if err != nil {
		return nil, nil, err
	}
	return orEmpty(out.Payload), userErrs, nil
}

const activateByURLMutation = `
mutation customerActivateByUrl($activationUrl: URL!, $password: String!) {
  customerActivateByUrl(activationUrl: $activationUrl, password: $password) {
    customer { id email }
    customerAccessToken { accessToken expiresAt }
    customerUserErrors { code field message }
  }
}`

// CustomerActivateByURL activates an invited account with its first password.
func (s *Storefront) CustomerActivateByURL(ctx context.Context, activationURL, password string) (*CustomerResult,
	[]UserError, error) {
	var out struct {
		Payload *CustomerResult `json:"customerActivateByUrl"`
	}
	vars := map[string]interface{}{"activationUrl": activationURL, "password": password}
	userErrs, err := s.c.do(ctx, "customerActivateByUrl", activateByURLMutation, vars, nil, &out)
	if err != nil {
		return nil, nil, err
	}
	return orEmpty(out.Payload), userErrs, nil
}

func orEmpty(r *CustomerResult) *CustomerResult {
	if r == nil {
		return &CustomerResult{}
	}
	return r
}

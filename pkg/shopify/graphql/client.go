// Package graphql provides the storefront and admin GraphQL clients used by
// the identity flows.
package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reviewseverywhere/slotsync/pkg/shopify"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

// DefaultAPIVersion is used when Config.APIVersion is empty.
const DefaultAPIVersion = "2024-10"

const (
	apiStorefront = "storefront"
	apiAdmin      = "admin"

	previewOK      = 300
	previewError   = 800
	previewNonJSON = 2000

	defaultTimeout  = 15 * time.Second
	maxResponseSize = 4 << 20
)

// Config configures a storefront or admin client.
type Config struct {
	// ShopDomain is the storefront or *.myshopify.com domain. Required.
	ShopDomain string

	// APIVersion defaults to DefaultAPIVersion.
	APIVersion string

	// AccessToken is the storefront or admin access token. Required.
	AccessToken string

	// BaseURL overrides https://{ShopDomain}. Used by tests.
	BaseURL string

	// HTTPClient defaults to a client with a 15s timeout.
	HTTPClient *http.Client

	Logger  slotsync.Logger
	Metrics shopify.Metrics
}

// UserError is one entry of a userErrors or customerUserErrors list.
type UserError struct {
	Path    string   `json:"-"`
	Code    string   `json:"code"`
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

// HasCode reports whether any error carries code.
func HasCode(errs []UserError, code string) bool {
	for _, e := range errs {
		if strings.EqualFold(e.Code, code) {
			return true
		}
	}
	return false
}

type client struct {
	api      string
	endpoint string
	header   string
	token    string
	http     *http.Client
	logger   slotsync.Logger
	metrics  shopify.Metrics
}

func newClient(api, path, header string, cfg Config) (*client, error) {
	domain := NormalizeShopDomain(cfg.ShopDomain)
	token := strings.TrimSpace(cfg.AccessToken)
	if domain == "" || token == "" {
		return nil, fmt.Errorf("%w: %s domain and access token are required", slotsync.ErrNotConfigured, api)
	}
	version := strings.TrimSpace(cfg.APIVersion)
	if version == "" {
		version = DefaultAPIVersion
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://" + domain
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &slotsync.NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &shopify.NoopMetrics{}
	}
	return &client{
		api:      api,
		endpoint: fmt.Sprintf(path, base, version),
		header:   header,
		token:    token,
		http:     hc,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

type gqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type gqlError struct {
	Message    string                 `json:"message"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// do posts one operation and decodes data into out. Transport, HTTP, parse
// and top-level GraphQL failures all come back as slotsync.ErrUpstream;
// user errors are returned separately.
func (c *client) do(ctx context.Context, op, query string, vars map[string]interface{},
	extra http.Header, out interface{}) ([]UserError, error) {
	start := time.Now()
	reqID := uuid.NewString()
	fields := []slotsync.Field{
		slotsync.F("request_id", reqID),
		slotsync.F("api", c.api),
		slotsync.F("operation", op),
	}

	status := "error"
	defer func() {
		c.metrics.RecordAPICall(c.api, op, status)
		c.metrics.RecordAPICallDuration(c.api, op, time.Since(start))
	}()

	if vars == nil {
		vars = map[string]interface{}{}
	}
	payload, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode request: %v", slotsync.ErrUpstream, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", slotsync.ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(c.header, c.token)
	for k, v := range extra {
		req.Header[k] = v
	}

	c.logger.Debug("graphql request", append(fields,
		slotsync.F("endpoint", c.endpoint),
		slotsync.F("token", slotsync.TokenFingerprint(c.token)),
	)...)

	res, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("graphql network error", append(fields, slotsync.F("error", err))...)
		return nil, fmt.Errorf("%w: %s %s: %v", slotsync.ErrUpstream, c.api, op, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		c.logger.Error("graphql read failed", append(fields, slotsync.F("error", err))...)
		return nil, fmt.Errorf("%w: %s %s: failed to read response: %v", slotsync.ErrUpstream, c.api, op, err)
	}
	fields = append(fields,
		slotsync.F("status", res.StatusCode),
		slotsync.F("latency_ms", time.Since(start).Milliseconds()),
	)

	var body gqlResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		c.logger.Error("graphql non-JSON response", append(fields,
			slotsync.F("body_preview", slotsync.Truncate(string(raw), previewNonJSON)))...)
		return nil, fmt.Errorf("%w: %s %s returned non-JSON (%d)", slotsync.ErrUpstream, c.api, op, res.StatusCode)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		c.logger.Error("graphql http error", append(fields,
			slotsync.F("body_preview", slotsync.Truncate(string(raw), previewError)))...)
		return nil, fmt.Errorf("%w: %s %s: HTTP %d", slotsync.ErrUpstream, c.api, op, res.StatusCode)
	}

	if len(body.Errors) > 0 {
		c.logger.Error("graphql errors", append(fields,
			slotsync.F("errors", summarize(body.Errors)),
			slotsync.F("body_preview", slotsync.Truncate(string(raw), previewError)))...)
		return nil, fmt.Errorf("%w: %s %s: graphql error", slotsync.ErrUpstream, c.api, op)
	}

	userErrs, err := ExtractUserErrors(body.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", slotsync.ErrUpstream, c.api, op, err)
	}
	if out != nil && len(body.Data) > 0 && !bytes.Equal(body.Data, []byte("null")) {
		if err := json.Unmarshal(body.Data, out); err != nil {
			c.logger.Error("graphql decode failed", append(fields,
				slotsync.F("body_preview", slotsync.Truncate(string(raw), previewError)),
				slotsync.F("error", err))...)
			return nil, fmt.Errorf("%w: %s %s: failed to decode data: %v", slotsync.ErrUpstream, c.api, op, err)
		}
	}

	if len(userErrs) > 0 {
		status = "user_errors"
		c.logger.Warn("graphql user errors", append(fields, slotsync.F("user_errors", userErrs))...)
	} else {
		status = "ok"
		c.logger.Info("graphql ok", append(fields,
			slotsync.F("body_preview", slotsync.Truncate(string(raw), previewOK)))...)
	}
	return userErrs, nil
}

func summarize(errs []gqlError) []string {
	n := len(errs)
	if n > 5 {
		n = 5
	}
	out := make([]string, 0, n)
	for _, e := range errs[:n] {
		msg := e.Message
		if code, ok := e.Extensions["code"].(string); ok && code != "" {
			msg = code + ": " + msg
		}
		out = append(out, msg)
	}
	return out
}

// ExtractUserErrors walks data and collects every non-empty userErrors or
// customerUserErrors list. Object keys are visited in sorted order.
func ExtractUserErrors(data json.RawMessage) ([]UserError, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var tree interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to decode data: %w", err)
	}
	var out []UserError
	walk(tree, "", &out)
	return out, nil
}

func walk(node interface{}, path string, out *[]UserError) {
	switch v := node.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := join(path, k)
			if k == "userErrors" || k == "customerUserErrors" {
				if list, ok := v[k].([]interface{}); ok {
					for _, item := range list {
						*out = append(*out, toUserError(child, item))
					}
					continue
				}
			}
			walk(v[k], child, out)
		}
	case []interface{}:
		for _, item := range v {
			walk(item, path, out)
		}
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func toUserError(path string, item interface{}) UserError {
	ue := UserError{Path: path}
	m, ok := item.(map[string]interface{})
	if !ok {
		return ue
	}
	ue.Code, _ = m["code"].(string)
	ue.Message, _ = m["message"].(string)
	switch f := m["field"].(type) {
	case string:
		ue.Field = []string{f}
	case []interface{}:
		for _, s := range f {
			if str, ok := s.(string); ok {
				ue.Field = append(ue.Field, str)
			}
		}
	}
	return ue
}

// NormalizeShopDomain strips scheme and path and lowercases the host.
func NormalizeShopDomain(domain string) string {
	d := strings.TrimSpace(domain)
	lower := strings.ToLower(d)
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(lower, scheme) {
			d = d[len(scheme):]
			break
		}
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return strings.ToLower(strings.TrimSpace(d))
}

// IsMyshopifyDomain reports whether domain is a *.myshopify.com host.
func IsMyshopifyDomain(domain string) bool {
	d := NormalizeShopDomain(domain)
	return strings.HasSuffix(d, ".myshopify.com") && len(d) > len(".myshopify.com")
}

var customerGIDRe = regexp.MustCompile(`/Customer/(\d+)$`)

const customerGIDPrefix = "gid://shopify/Customer/"

// ParseCustomerGID extracts the numeric id from a customer gid.
func ParseCustomerGID(gid string) (string, bool) {
	m := customerGIDRe.FindStringSubmatch(strings.TrimSpace(gid))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// CustomerGID returns the gid of a numeric customer id. A gid is returned unchanged.
func CustomerGID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, "gid://") {
		return id
	}
	return customerGIDPrefix + id
}

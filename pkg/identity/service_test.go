package identity_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewseverywhere/slotsync/pkg/identity"
	"github.com/reviewseverywhere/slotsync/pkg/shopify/graphql"
	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
	"github.com/reviewseverywhere/slotsync/storage/memory"
)

type fakeVerifier struct {
	ident *identity.ExternalIdentity
	err   error
}

func (f *fakeVerifier) Verify(_ context.Context, _ string) (*identity.ExternalIdentity, error) {
	return f.ident, f.err
}

type fakeStorefront struct {
	mu sync.Mutex

	token      *graphql.AccessToken
	loginErrs  []graphql.UserError
	customer   *graphql.Customer
	recoverErr error
	recoverUE  []graphql.UserError
	resetRes   *graphql.CustomerResult
	resetUE    []graphql.UserError

	recovered []string
	resetURLs []string
	activated []string
}

func (f *fakeStorefront) CustomerAccessTokenCreate(_ context.Context, _, _, _ string) (*graphql.AccessToken,
	[]graphql.UserError, error) {
	return f.token, f.loginErrs, nil
}

func (f *fakeStorefront) Customer(_ context.Context, _ string) (*graphql.Customer, error) {
	return f.customer, nil
}

func (f *fakeStorefront) CustomerRecover(_ context.Context, email, _ string) ([]graphql.UserError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = append(f.recovered, email)
	return f.recoverUE, f.recoverErr
}

func (f *fakeStorefront) CustomerResetByURL(_ context.Context, u, _ string) (*graphql.CustomerResult,
	[]graphql.UserError, error) {
	f.resetURLs = append(f.resetURLs, u)
	return f.resetResult(), f.resetUE, nil
}

func (f *fakeStorefront) CustomerActivateByURL(_ context.Context, u, _ string) (*graphql.CustomerResult,
	[]graphql.UserError, error) {
	f.activated = append(f.activated, u)
	return f.resetResult(), f.resetUE, nil
}

func (f *fakeStorefront) resetResult() *graphql.CustomerResult {
	if f.resetRes == nil {
		return &graphql.CustomerResult{}
	}
	return f.resetRes
}

type fakeInviter struct {
	invited []string
}

func (f *fakeInviter) SendAccountInvite(_ context.Context, id string) ([]graphql.UserError, error) {
	f.invited = append(f.invited, id)
	return nil, nil
}

type fixture struct {
	store      *memory.Store
	sessions   *memory.Sessions
	storefront *fakeStorefront
	inviter    *fakeInviter
	google     *fakeVerifier
	svc        *identity.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:      memory.New(),
		sessions:   memory.NewSessions(),
		storefront: &fakeStorefront{},
		inviter:    &fakeInviter{},
		google:     &fakeVerifier{},
	}
	svc, err := identity.NewService(identity.Config{
		Store:      f.store,
		Reconciler: slotsync.NewReconciler(f.store, slotsync.Options{}),
		Binder:     slotsync.NewBinder(memory.NewCredentials(), slotsync.Options{}),
		Sessions:   f.sessions,
		Throttle:   memory.NewThrottle(),
		Verifiers:  map[string]identity.Verifier{identity.ProviderGoogle: f.google},
		Storefront: f.storefront,
		Admin:      f.inviter,
		ShopDomain: "https://shop.example.com/",
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func putAccount(t *testing.T, store *memory.Store, a *slotsync.Account) {
	t.Helper()
	err := store.RunTransaction(context.Background(), func(_ context.Context, tx slotsync.Tx) error {
		return tx.PutAccount(a)
	})
	require.NoError(t, err)
}

func activeAccount(id, email string) *slotsync.Account {
	return &slotsync.Account{
		ID:                id,
		ShopifyEmail:      email,
		ShopifyEmailLower: slotsync.NormalizeEmail(email),
		Email:             email,
		EmailLower:        slotsync.NormalizeEmail(email),
		SlotsPurchased:    10,
		SlotsNet:          10,
		SlotsAvailable:    10,
		PlanStatus:        slotsync.PlanActive,
	}
}

func codeOf(t *testing.T, err error) slotsync.Code {
	t.Helper()
	require.Error(t, err)
	return slotsync.CodeOf(err)
}

func TestNewService_RequiresDependencies(t *testing.T) {
	_, err := identity.NewService(identity.Config{})
	assert.ErrorIs(t, err, slotsync.ErrNotConfigured)
}

func TestLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Lookup(ctx, "not-an-email")
	assert.Equal(t, slotsync.CodeInvalidArgument, codeOf(t, err))

	res, err := f.svc.Lookup(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.False(t, res.Found)

	r := slotsync.NewReconciler(f.store, slotsync.Options{})
	_, err = r.ApplyOrderPaid(ctx, slotsync.OrderInput{
		OrderID: "o1", CustomerID: "c1", Email: "Buyer@Example.com", FinancialStatus: "paid",
		Lines: []slotsync.OrderLine{{ID: "l1", Quantity: 3, Properties: []slotsync.Property{{Name: "units_per_bundle", Value: "2"}}}},
	})
	require.NoError(t, err)

	res, err = f.svc.Lookup(ctx, " BUYER@example.com ")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.True(t, res.IsActive)
	assert.Equal(t, "c1", res.AccountID)
	assert.Equal(t, "c1", res.ShopifyCustomerID)
	assert.Equal(t, "buyer@example.com", res.EmailLower)
	assert.Equal(t, 6, res.SlotsNet)
	assert.Equal(t, 6, res.SlotsAvailable)
	assert.Equal(t, slotsync.StepIndex, res.Step)
}

func TestLookup_ZeroBalanceKeepsSlotFields(t *testing.T) {
	f := newFixture(t)
	acct := activeAccount("c3", "spent@example.com")
	acct.SlotsPurchased, acct.SlotsNet, acct.SlotsAvailable = 0, 0, 0
	acct.PlanStatus = slotsync.PlanRefunded
	putAccount(t, f.store, acct)

	res, err := f.svc.Lookup(context.Background(), "spent@example.com")
	require.NoError(t, err)
	require.True(t, res.Found)

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, float64(0), body["slotsNet"])
	assert.Equal(t, float64(0), body["slotsAvailable"])
}

func TestLookup_DuplicateIsConflict(t *testing.T) {
	f := newFixture(t)
	putAccount(t, f.store, activeAccount("a1", "dup@example.com"))
	putAccount(t, f.store, activeAccount("a2", "dup@example.com"))

	_, err := f.svc.Lookup(context.Background(), "dup@example.com")
	assert.Equal(t, slotsync.CodeFailedPrecondition, codeOf(t, err))
	assert.True(t, slotsync.IsConflict(err))
}

func TestLink_Google(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	putAccount(t, f.store, activeAccount("c1", "ada@example.com"))
	f.google.ident = &identity.ExternalIdentity{Provider: "google", Email: "Ada@Example.com", EmailVerified: true}

	res, err := f.svc.Link(ctx, identity.LinkRequest{Provider: "Google", IDToken: "id-token"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "c1", res.AccountID)
	assert.Equal(t, slotsync.PlanActive, res.PlanStatus)
	require.NotEmpty(t, res.SessionToken)

	sess, err := f.sessions.Get(ctx, res.SessionToken)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "c1", sess.AccountID)
	assert.Equal(t, "c1", sess.CredentialUID)
	assert.Equal(t, identity.ProviderGoogle, sess.Provider)

	acct, err := f.store.GetAccount(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", acct.AuthUID)
	assert.Equal(t, identity.MethodSocial, acct.LastLoginMethod)
	assert.Equal(t, identity.ProviderGoogle, acct.LastLoginProvider)
	assert.False(t, acct.LastLoginAt.IsZero())
}

func TestLink_Failures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		req   identity.LinkRequest
		want  slotsync.Code
	}{
		{
			name: "missing provider",
			req:  identity.LinkRequest{IDToken: "x"},
			want: slotsync.CodeInvalidArgument,
		},
		{
			name: "unknown provider",
			req:  identity.LinkRequest{Provider: "apple", IDToken: "x"},
			want: slotsync.CodeInvalidArgument,
		},
		{
			name: "missing token",
			req:  identity.LinkRequest{Provider: "google", AccessToken: "wrong-field"},
			want: slotsync.CodeInvalidArgument,
		},
		{
			name: "provider not configured",
			req:  identity.LinkRequest{Provider: "facebook", AccessToken: "x"},
			want: slotsync.CodeFailedPrecondition,
		},
		{
			name: "token rejected",
			setup: func(f *fixture) {
				f.google.err = identity.Rejected("google", "bad signature", nil)
			},
			req:  identity.LinkRequest{Provider: "google", IDToken: "x"},
			want: slotsync.CodePermissionDenied,
		},
		{
			name: "unverified email",
			setup: func(f *fixture) {
				f.google.ident = &identity.ExternalIdentity{Email: "ada@example.com"}
			},
			req:  identity.LinkRequest{Provider: "google", IDToken: "x"},
			want: slotsync.CodePermissionDenied,
		},
		{
			name: "no account",
			setup: func(f *fixture) {
				f.google.ident = &identity.ExternalIdentity{Email: "ghost@example.com", EmailVerified: true}
			},
			req:  identity.LinkRequest{Provider: "google", IDToken: "x"},
			want: slotsync.CodeNotFound,
		},
		{
			name: "inactive plan",
			setup: func(f *fixture) {
				a := activeAccount("c1", "ada@example.com")
				a.PlanStatus = slotsync.PlanRefunded
				putAccount(t, f.store, a)
				f.google.ident = &identity.ExternalIdentity{Email: "ada@example.com", EmailVerified: true}
			},
			req:  identity.LinkRequest{Provider: "google", IDToken: "x"},
			want: slotsync.CodeFailedPrecondition,
		},
		{
			name: "platform email differs from commerce email",
			setup: func(f *fixture) {
				a := activeAccount("c1", "store@example.com")
				a.Email, a.EmailLower = "app@example.com", "app@example.com"
				putAccount(t, f.store, a)
				f.google.ident = &identity.ExternalIdentity{Email: "app@example.com", EmailVerified: true}
			},
			req:  identity.LinkRequest{Provider: "google", IDToken: "x"},
			want: slotsync.CodeFailedPrecondition,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			_, err := f.svc.Link(context.Background(), tt.req)
			assert.Equal(t, tt.want, codeOf(t, err))
		})
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	putAccount(t, f.store, activeAccount("7254551", "ada@example.com"))
	f.storefront.token = &graphql.AccessToken{AccessToken: "cat_1"}
	f.storefront.customer = &graphql.Customer{ID: "gid://shopify/Customer/7254551", Email: "ada@example.com"}

	res, err := f.svc.Login(ctx, identity.LoginRequest{Email: "Ada@example.com", Password: "hunter22"})
	require.NoError(t, err)
	assert.Equal(t, "7254551", res.AccountID)

	acct, err := f.store.GetAccount(ctx, "7254551")
	require.NoError(t, err)
	assert.Equal(t, "7254551", acct.AuthUID)
	assert.Equal(t, identity.MethodPassword, acct.LastLoginMethod)
	assert.Equal(t, identity.ProviderShopifyPassword, acct.LastLoginProvider)

	require.NoError(t, f.svc.Logout(ctx, res.SessionToken))
	sess, err := f.sessions.Get(ctx, res.SessionToken)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestLogin_Failures(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	f.storefront.loginErrs = []graphql.UserError{{Code: "UNIDENTIFIED_CUSTOMER", Message: "Unidentified customer"}}
	_, err := f.svc.Login(ctx, identity.LoginRequest{Email: "ada@example.com", Password: "x"})
	assert.Equal(t, slotsync.CodeUnauthenticated, codeOf(t, err))
	assert.ErrorIs(t, err, slotsync.ErrInvalidCredentials)

	f = newFixture(t)
	f.storefront.token = &graphql.AccessToken{AccessToken: "cat_1"}
	f.storefront.customer = &graphql.Customer{ID: "gid://shopify/Customer/99"}
	_, err = f.svc.Login(ctx, identity.LoginRequest{Email: "ada@example.com", Password: "x"})
	assert.Equal(t, slotsync.CodeFailedPrecondition, codeOf(t, err))

	a := activeAccount("99", "ada@example.com")
	a.PlanStatus = slotsync.PlanInactive
	putAccount(t, f.store, a)
	_, err = f.svc.Login(ctx, identity.LoginRequest{Email: "ada@example.com", Password: "x"})
	assert.Equal(t, slotsync.CodePermissionDenied, codeOf(t, err))

	_, err = f.svc.Login(ctx, identity.LoginRequest{Email: "ada@example.com"})
	assert.Equal(t, slotsync.CodeInvalidArgument, codeOf(t, err))

	f.storefront.customer = &graphql.Customer{ID: "not-a-gid"}
	_, err = f.svc.Login(ctx, identity.LoginRequest{Email: "ada@example.com", Password: "x"})
	assert.Equal(t, slotsync.CodeFailedPrecondition, codeOf(t, err))
}

func TestLogin_NotConfigured(t *testing.T) {
	store := memory.New()
	svc, err := identity.NewService(identity.Config{
		Store:      store,
		Reconciler: slotsync.NewReconciler(store, slotsync.Options{}),
		Binder:     slotsync.NewBinder(memory.NewCredentials(), slotsync.Options{}),
		Sessions:   memory.NewSessions(),
	})
	require.NoError(t, err)

	_, err = svc.Login(context.Background(), identity.LoginRequest{Email: "a@x.com", Password: "p"})
	assert.Equal(t, slotsync.CodeFailedPrecondition, codeOf(t, err))
	_, err = svc.Recover(context.Background(), identity.RecoverRequest{Email: "a@x.com"})
	assert.Equal(t, slotsync.CodeFailedPrecondition, codeOf(t, err))
}

func TestRecover_Throttled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Recover(ctx, identity.RecoverRequest{Email: "Ada@example.com"})
	require.NoError(t, err)
	assert.Equal(t, &identity.RecoverResult{OK: true, Sent: true}, res)

	res, err = f.svc.Recover(ctx, identity.RecoverRequest{Email: "ada@EXAMPLE.com"})
	require.NoError(t, err)
	assert.Equal(t, &identity.RecoverResult{OK: true, Sent: false, Throttled: true}, res)
	assert.Equal(t, []string{"Ada@example.com"}, f.storefront.recovered)

	_, err = f.svc.Recover(ctx, identity.RecoverRequest{Email: "bad"})
	assert.Equal(t, slotsync.CodeInvalidArgument, codeOf(t, err))
}

func TestRecover_InviteFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := slotsync.NewReconciler(f.store, slotsync.Options{})
	_, err := r.UpsertCustomer(ctx, slotsync.CustomerInput{CustomerID: "c9", Email: "invitee@example.com"})
	require.NoError(t, err)

	f.storefront.recoverUE = []graphql.UserError{{Code: "UNIDENTIFIED_CUSTOMER"}}
	res, err := f.svc.Recover(ctx, identity.RecoverRequest{Email: "invitee@example.com"})
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.Equal(t, []string{"c9"}, f.inviter.invited)

	// An explicit customer id wins over the lookup.
	res, err = f.svc.Recover(ctx, identity.RecoverRequest{Email: "other@example.com", CustomerID: "42"})
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.Equal(t, []string{"c9", "42"}, f.inviter.invited)
}

func TestRecover_InviteSkippedForSharedEmail(t *testing.T) {
	f := newFixture(t)
	putAccount(t, f.store, activeAccount("c1", "dup@example.com"))
	putAccount(t, f.store, activeAccount("c2", "dup@example.com"))

	f.storefront.recoverUE = []graphql.UserError{{Code: "UNIDENTIFIED_CUSTOMER"}}
	res, err := f.svc.Recover(context.Background(), identity.RecoverRequest{Email: "dup@example.com"})
	require.NoError(t, err)
	assert.Equal(t, &identity.RecoverResult{OK: true, Sent: true}, res)
	assert.Empty(t, f.inviter.invited)
}

func TestRecover_StorefrontFailureDoesNotLeak(t *testing.T) {
	f := newFixture(t)
	f.storefront.recoverErr = errors.New("network down")

	res, err := f.svc.Recover(context.Background(), identity.RecoverRequest{Email: "ada@example.com"})
	require.NoError(t, err)
	assert.Equal(t, &identity.RecoverResult{OK: true, Sent: true}, res)
	assert.Empty(t, f.inviter.invited)
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	putAccount(t, f.store, activeAccount("42", "ada@example.com"))
	f.storefront.resetRes = &graphql.CustomerResult{
		Customer:    &graphql.Customer{ID: "gid://shopify/Customer/42"},
		AccessToken: &graphql.AccessToken{AccessToken: "cat_9", ExpiresAt: "2030-01-01T00:00:00Z"},
	}

	res, err := f.svc.Reset(ctx, identity.ResetRequest{URL: "account%2Freset%2F42%2Fabc", Password: "longenough"})
	require.NoError(t, err)
	assert.Equal(t, &identity.ResetResult{OK: true, CustomerID: "42", AccessToken: "cat_9",
		ExpiresAt: "2030-01-01T00:00:00Z"}, res)
	assert.Equal(t, []string{"https://shop.example.com/account/reset/42/abc"}, f.storefront.resetURLs)

	acct, err := f.store.GetAccount(ctx, "42")
	require.NoError(t, err)
	assert.False(t, acct.ShopifyPasswordSetAt.IsZero())

	_, err = f.svc.Reset(ctx, identity.ResetRequest{URL: "/account/activate/42/x", Password: "longenough"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.example.com/account/activate/42/x"}, f.storefront.activated)
}

func TestReset_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Reset(ctx, identity.ResetRequest{URL: "/account/reset/1/a", Password: "short"})
	assert.Equal(t, slotsync.CodeInvalidArgument, codeOf(t, err))

	_, err = f.svc.Reset(ctx, identity.ResetRequest{Password: "longenough"})
	assert.Equal(t, slotsync.CodeInvalidArgument, codeOf(t, err))

	_, err = f.svc.Reset(ctx, identity.ResetRequest{URL: "garbage", Password: "longenough"})
	assert.Equal(t, slotsync.CodeFailedPrecondition, codeOf(t, err))

	_, err = f.svc.Reset(ctx, identity.ResetRequest{URL: "https://shop.example.com/pages/about", Password: "longenough"})
	assert.Equal(t, slotsync.CodeFailedPrecondition, codeOf(t, err))

	f.storefront.resetUE = []graphql.UserError{{Code: "TOKEN_INVALID"}}
	_, err = f.svc.Reset(ctx, identity.ResetRequest{URL: "/account/reset/1/a", Password: "longenough"})
	assert.Equal(t, slotsync.CodeFailedPrecondition, codeOf(t, err))
}

func TestNormalizeAccountURL(t *testing.T) {
	base := "https://shop.example.com"
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://shop.example.com/account/reset/1/a", "https://shop.example.com/account/reset/1/a", true},
		{"HTTP://x.com/account/activate/1/a", "HTTP://x.com/account/activate/1/a", true},
		{"www.reviewseverywhere.com/account/reset/1/a", "https://www.reviewseverywhere.com/account/reset/1/a", true},
		{"/account/reset/1/a", base + "/account/reset/1/a", true},
		{"account/activate/1/a", base + "/account/activate/1/a", true},
		{"https%3A%2F%2Fshop.example.com%2Faccount%2Freset%2F1%2Fa", "https://shop.example.com/account/reset/1/a", true},
		{"pages/about", "", false},
		{"  ", "", false},
	}
	for _, tt := range tests {
		got, ok := identity.NormalizeAccountURL(tt.in, base+"/")
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, ok := identity.NormalizeAccountURL("/account/reset/1/a", "")
	assert.False(t, ok)

	assert.Equal(t, identity.LinkReset, identity.LinkKind("https://x/account/reset/1"))
	assert.Equal(t, identity.LinkActivate, identity.LinkKind("https://x/account/activate/1"))
	assert.Equal(t, identity.LinkUnknown, identity.LinkKind("https://x/account/login"))
}

func TestGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gate := identity.NewGate(f.sessions, f.store, nil)
	putAccount(t, f.store, activeAccount("c1", "ada@example.com"))
	f.google.ident = &identity.ExternalIdentity{Email: "ada@example.com", EmailVerified: true}

	res, err := f.svc.Link(ctx, identity.LinkRequest{Provider: "google", IDToken: "x"})
	require.NoError(t, err)

	_, _, err = gate.Authorize(ctx, "")
	assert.Equal(t, slotsync.CodeUnauthenticated, codeOf(t, err))
	_, _, err = gate.Authorize(ctx, "unknown")
	assert.Equal(t, slotsync.CodeUnauthenticated, codeOf(t, err))

	sess, acct, err := gate.Authorize(ctx, res.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, "c1", sess.AccountID)
	assert.Equal(t, "c1", acct.ID)

	// The account is re-read, so a refund blocks the next request.
	a, _ := f.store.GetAccount(ctx, "c1")
	a.PlanStatus = slotsync.PlanRefunded
	putAccount(t, f.store, a)
	_, _, err = gate.Authorize(ctx, res.SessionToken)
	assert.Equal(t, slotsync.CodePermissionDenied, codeOf(t, err))
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", identity.BearerToken("Bearer abc"))
	assert.Equal(t, "abc", identity.BearerToken("  bearer   abc "))
	assert.Equal(t, "", identity.BearerToken("Basic abc"))
	assert.Equal(t, "", identity.BearerToken("Bearer "))
	assert.Equal(t, "", identity.BearerToken(""))
}

func TestSessionTokenEntropy(t *testing.T) {
	a, err := identity.NewSessionToken()
	require.NoError(t, err)
	b, err := identity.NewSessionToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
}

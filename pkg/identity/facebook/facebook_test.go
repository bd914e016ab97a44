package facebook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

func graphServer(t *testing.T, status int, body string) (*httptest.Server, *http.Request) {
	t.Helper()
	var got http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = *r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestVerifier_ReturnsProfile(t *testing.T) {
	srv, got := graphServer(t, http.StatusOK, `{"id":"10","name":"Ada","email":"ada@example.com"}`)
	v := New(Config{GraphURL: srv.URL})

	ident, err := v.Verify(context.Background(), "EAAB-token")
	require.NoError(t, err)
	assert.Equal(t, "facebook", ident.Provider)
	assert.Equal(t, "10", ident.Subject)
	assert.Equal(t, "ada@example.com", ident.Email)
	assert.True(t, ident.EmailVerified)

	assert.Equal(t, "/me", got.URL.Path)
	assert.Equal(t, "id,name,email", got.URL.Query().Get("fields"))
	assert.Equal(t, "Bearer EAAB-token", got.Header.Get("Authorization"))
}

func TestVerifier_RejectsInvalidToken(t *testing.T) {
	srv, _ := graphServer(t, http.StatusBadRequest,
		`{"error":{"message":"Invalid OAuth access token.","type":"OAuthException","code":190}}`)

	_, err := New(Config{GraphURL: srv.URL}).Verify(context.Background(), "bad")
	require.Error(t, err)
	assert.ErrorIs(t, err, slotsync.ErrCredentialRejected)
	assert.Equal(t, slotsync.CodePermissionDenied, slotsync.CodeOf(err))
	assert.Contains(t, err.Error(), "Invalid OAuth access token.")
}

func TestVerifier_MissingEmail(t *testing.T) {
	srv, _ := graphServer(t, http.StatusOK, `{"id":"10","name":"Ada"}`)

	_, err := New(Config{GraphURL: srv.URL}).Verify(context.Background(), "tok")
	require.Error(t, err)
	assert.Equal(t, slotsync.CodeInvalidArgument, slotsync.CodeOf(err))
}

func TestVerifier_EmptyToken(t *testing.T) {
	_, err := New(Config{}).Verify(context.Background(), " ")
	assert.Equal(t, slotsync.CodeInvalidArgument, slotsync.CodeOf(err))
}

func TestVerifier_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(Config{GraphURL: url}).Verify(context.Background(), "tok")
	assert.ErrorIs(t, err, slotsync.ErrUpstream)
}

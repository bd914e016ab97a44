package slotsync_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
	"github.com/reviewseverywhere/slotsync/storage/memory"
)

func TestBinder_EnsureForAccount(t *testing.T) {
	f := newFixture()
	creds := memory.NewCredentials()
	b := slotsync.NewBinder(creds, f.opts)
	ctx := context.Background()

	cred, err := b.EnsureForAccount(ctx, "acct1", "A@X.com")
	require.NoError(t, err)
	assert.Equal(t, "acct1", cred.UID)
	assert.Equal(t, "a@x.com", cred.Email)
	assert.True(t, cred.EmailVerified)

	again, err := b.EnsureForAccount(ctx, "acct1", "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, cred.UID, again.UID)

	moved, err := b.EnsureForAccount(ctx, "acct1", "b@x.com")
	require.NoError(t, err)
	assert.Equal(t, "b@x.com", moved.Email)

	owner, _ := creds.GetCredentialByEmail(ctx, "b@x.com")
	require.NotNil(t, owner)
	assert.Equal(t, "acct1", owner.UID)
	old, _ := creds.GetCredentialByEmail(ctx, "a@x.com")
	assert.Nil(t, old)
}

func TestBinder_EnsureForAccountEmailTaken(t *testing.T) {
	f := newFixture()
	creds := memory.NewCredentials()
	b := slotsync.NewBinder(creds, f.opts)
	ctx := context.Background()

	_, err := b.EnsureForAccount(ctx, "acct1", "a@x.com")
	require.NoError(t, err)

	_, err = b.EnsureForAccount(ctx, "acct2", "a@x.com")
	assert.ErrorIs(t, err, slotsync.ErrEmailTaken)
	assert.True(t, slotsync.IsConflict(err))
	assert.Equal(t, slotsync.CodeFailedPrecondition, slotsync.CodeOf(err))

	// no merge: acct2 was never created
	cred, _ := creds.GetCredential(ctx, "acct2")
	assert.Nil(t, cred)

	_, err = b.EnsureForAccount(ctx, "acct3", "c@x.com")
	require.NoError(t, err)
	_, err = b.EnsureForAccount(ctx, "acct3", "a@x.com")
	assert.ErrorIs(t, err, slotsync.ErrEmailTaken)
}

func TestBinder_EnsureForAccountInvalidInput(t *testing.T) {
	b := slotsync.NewBinder(memory.NewCredentials(), slotsync.Options{})

	_, err := b.EnsureForAccount(context.Background(), "", "a@x.com")
	assert.ErrorIs(t, err, slotsync.ErrInvalidArgument)

	_, err = b.EnsureForAccount(context.Background(), "acct1", "  ")
	assert.ErrorIs(t, err, slotsync.ErrInvalidEmail)
}

// racingCreds hides the first credential lookup so the binder observes a
// create race.
type racingCreds struct {
	*memory.Credentials
	hidden bool
}

func (r *racingCreds) GetCredential(ctx context.Context, uid string) (*slotsync.Credential, error) {
	if !r.hidden {
		r.hidden = true
		return nil, nil
	}
	return r.Credentials.GetCredential(ctx, uid)
}

func TestBinder_EnsureForAccountCreateRace(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewCredentials()
	require.NoError(t, inner.CreateCredential(ctx, &slotsync.Credential{UID: "acct1", Email: "a@x.com"}))

	b := slotsync.NewBinder(&racingCreds{Credentials: inner}, slotsync.Options{})
	cred, err := b.EnsureForAccount(ctx, "acct1", "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "acct1", cred.UID)
}

func TestBinder_EnsureByEmail(t *testing.T) {
	creds := memory.NewCredentials()
	b := slotsync.NewBinder(creds, slotsync.Options{})
	ctx := context.Background()

	cred, err := b.EnsureByEmail(ctx, "Buyer@Example.com")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cred.UID, slotsync.CredentialPrefix+"_"))
	assert.Equal(t, "buyer@example.com", cred.Email)
	assert.False(t, cred.EmailVerified)

	again, err := b.EnsureByEmail(ctx, "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, cred.UID, again.UID)

	_, err = b.EnsureByEmail(ctx, "")
	assert.ErrorIs(t, err, slotsync.ErrInvalidEmail)
}

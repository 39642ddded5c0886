package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cgf/raceserver/internal/storetest"
)

type stubVerifier struct {
	resp TokenResponse
	err  error
}

func (s stubVerifier) VerifyToken(context.Context, string) (TokenResponse, error) {
	return s.resp, s.err
}

func TestGetOrRegisterByTokenCreatesOnFirstSight(t *testing.T) {
	d := NewDirectory(storetest.New(), stubVerifier{})
	ctx := context.Background()

	u, err := d.GetOrRegisterByToken(ctx, TokenResponse{AccountID: "acct-1", DisplayName: "Racer"})
	require.NoError(t, err)
	require.Equal(t, "Racer", u.Name)
	require.NotEmpty(t, u.Secret)
	require.NotEmpty(t, u.UID)
}

func TestGetOrRegisterByTokenIsIdempotent(t *testing.T) {
	d := NewDirectory(storetest.New(), stubVerifier{})
	ctx := context.Background()

	first, err := d.GetOrRegisterByToken(ctx, TokenResponse{AccountID: "acct-2", DisplayName: "Racer"})
	require.NoError(t, err)
	second, err := d.GetOrRegisterByToken(ctx, TokenResponse{AccountID: "acct-2", DisplayName: "Racer"})
	require.NoError(t, err)
	require.Equal(t, first.UID, second.UID)
	require.Equal(t, first.Secret, second.Secret)
}

func TestAuthenticateLegacyRejectsSecretMismatch(t *testing.T) {
	d := NewDirectory(storetest.New(), stubVerifier{})
	ctx := context.Background()

	u, err := d.RegisterLegacy(ctx, "Racer", "wsid-1")
	require.NoError(t, err)

	_, err = d.AuthenticateLegacy(ctx, u.UID, u.Name, "wrong-secret")
	require.ErrorIs(t, err, ErrAuthFailed)

	got, err := d.AuthenticateLegacy(ctx, u.UID, u.Name, u.Secret)
	require.NoError(t, err)
	require.Equal(t, u.UID, got.UID)
}

func TestLoginTouchIncrementsLoginCount(t *testing.T) {
	d := NewDirectory(storetest.New(), stubVerifier{})
	ctx := context.Background()

	u, err := d.RegisterLegacy(ctx, "Racer", "wsid-2")
	require.NoError(t, err)

	d.LoginTouch(ctx, &u)
	require.Equal(t, 1, u.NLogins)
}

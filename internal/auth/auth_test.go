package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis-crm/syncbridge/internal/model"
)

func newTestManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	return m
}

func TestIssueAndValidateToken(t *testing.T) {
	m := newTestManager(t)

	token, exp, err := m.IssueToken("user-1", model.RoleAdmin)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, model.RoleAdmin, claims.Role)
}

func TestValidateRejectsForeignKey(t *testing.T) {
	m1 := newTestManager(t)
	m2 := newTestManager(t)

	token, _, err := m1.IssueToken("user-1", model.RoleAdmin)
	require.NoError(t, err)

	_, err = m2.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	m, err := NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)

	token, _, err := m.IssueToken("user-1", model.RoleOperator)
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	m := newTestManager(t)
	_, err := m.ValidateToken("not-a-token")
	assert.Error(t, err)
}

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := HashAPIKey("secret-key")
	require.NoError(t, err)

	ok, err := VerifyAPIKey("secret-key", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthenticatorServiceKey(t *testing.T) {
	m := newTestManager(t)
	a, err := NewAuthenticator(m, "svc-key")
	require.NoError(t, err)

	p, err := a.Authenticate("svc-key")
	require.NoError(t, err)
	assert.True(t, p.Service)
	assert.Equal(t, model.RoleService, p.Role)
}

func TestAuthenticatorUserToken(t *testing.T) {
	m := newTestManager(t)
	a, err := NewAuthenticator(m, "svc-key")
	require.NoError(t, err)

	token, _, err := m.IssueToken("user-9", model.RoleOperator)
	require.NoError(t, err)

	p, err := a.Authenticate(token)
	require.NoError(t, err)
	assert.False(t, p.Service)
	assert.Equal(t, model.RoleOperator, p.Role)
	assert.Equal(t, "user-9", p.UserID)
}

func TestAuthenticatorRejectsBadCredential(t *testing.T) {
	m := newTestManager(t)
	a, err := NewAuthenticator(m, "")
	require.NoError(t, err)

	_, err = a.Authenticate("bogus")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = a.Authenticate("")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

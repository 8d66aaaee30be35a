package devserver

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_IssueAndValidate(t *testing.T) {
	m := NewJWTManager(testSecret, 15*time.Minute, time.Hour)
	c := &Customer{ID: "c-42", Phone: testPhone}

	pair, refreshID, err := m.Issue(c)
	require.NoError(t, err)
	assert.Equal(t, int64(900), pair.ExpiresIn)

	access, err := m.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "c-42", access.CustomerID)
	assert.Equal(t, testPhone, access.Phone)
	assert.Equal(t, issuer, access.Issuer)

	refresh, err := m.ValidateRefreshToken(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "c-42", refresh.CustomerID)
	assert.Equal(t, refreshID, refresh.ID)
}

func TestJWTManager_AudienceSeparation(t *testing.T) {
	m := NewJWTManager(testSecret, 15*time.Minute, time.Hour)
	pair, _, err := m.Issue(&Customer{ID: "c-1", Phone: testPhone})
	require.NoError(t, err)

	_, err = m.ValidateRefreshToken(pair.AccessToken)
	assert.Error(t, err)
	_, err = m.ValidateAccessToken(pair.RefreshToken)
	assert.Error(t, err)
}

func TestJWTManager_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewJWTManager(testSecret, time.Minute, time.Hour)
	m.nowFunc = func() time.Time { return now }

	pair, _, err := m.Issue(&Customer{ID: "c-1", Phone: testPhone})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = m.ValidateAccessToken(pair.AccessToken)
	require.Error(t, err)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = m.ValidateRefreshToken(pair.RefreshToken)
	assert.NoError(t, err)
}

func TestJWTManager_RejectsOtherSigningMethod(t *testing.T) {
	m := NewJWTManager(testSecret, time.Minute, time.Hour)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, &AccessClaims{
		CustomerID: "c-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audienceAccess},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.ValidateAccessToken(signed)
	assert.Error(t, err)
}

func TestPhoneLimiter(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := newPhoneLimiter(10*time.Second, 2)
	l.nowFunc = func() time.Time { return now }

	assert.True(t, l.Allow(testPhone))
	assert.True(t, l.Allow(testPhone))
	assert.False(t, l.Allow(testPhone))
	assert.True(t, l.Allow("0381234567"))
	assert.Equal(t, 2, l.len())

	now = now.Add(10 * time.Second)
	assert.True(t, l.Allow(testPhone))
	assert.False(t, l.Allow(testPhone))

	// Both phones go idle past the TTL and are swept on the next call.
	now = now.Add(time.Minute)
	assert.True(t, l.Allow("0771234567"))
	assert.Equal(t, 1, l.len())
}

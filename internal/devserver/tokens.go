package devserver

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer          = "loyalty-devserver"
	audienceAccess  = "access"
	audienceRefresh = "refresh"
)

// AccessClaims are carried by access tokens.
type AccessClaims struct {
	CustomerID string `json:"customer_id"`
	Phone      string `json:"phone"`
	jwt.RegisteredClaims
}

// RefreshClaims are carried by refresh tokens. The ID claim identifies the
// token so it can be revoked on rotation.
type RefreshClaims struct {
	CustomerID string `json:"customer_id"`
	jwt.RegisteredClaims
}

// TokenPair is the token response body.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// JWTManager signs and validates HS256 tokens.
type JWTManager struct {
	secret        []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	nowFunc       func() time.Time
}

// NewJWTManager creates a new JWT manager with the given secret and expiry durations.
func NewJWTManager(secret string, accessExpiry, refreshExpiry time.Duration) *JWTManager {
	return &JWTManager{
		secret:        []byte(secret),
		accessExpiry:  accessExpiry,
		refreshExpiry: refreshExpiry,
		nowFunc:       time.Now,
	}
}

// Issue creates an access and refresh token for c. It returns the refresh
// token ID alongside the pair.
func (m *JWTManager) Issue(c *Customer) (TokenPair, string, error) {
	now := m.nowFunc().UTC()

	access := &AccessClaims{
		CustomerID: c.ID,
		Phone:      c.Phone,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.ID,
			ID:        uuid.NewString(),
			Audience:  jwt.ClaimStrings{audienceAccess},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessExpiry)),
			Issuer:    issuer,
		},
	}
	accessToken, err := m.sign(access)
	if err != nil {
		return TokenPair{}, "", fmt.Errorf("sign access token: %w", err)
	}

	refreshID := uuid.NewString()
	refresh := &RefreshClaims{
		CustomerID: c.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.ID,
			ID:        refreshID,
			Audience:  jwt.ClaimStrings{audienceRefresh},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.refreshExpiry)),
			Issuer:    issuer,
		},
	}
	refreshToken, err := m.sign(refresh)
	if err != nil {
		return TokenPair{}, "", fmt.Errorf("sign refresh token: %w", err)
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(m.accessExpiry / time.Second),
	}, refreshID, nil
}

func (m *JWTManager) sign(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// ValidateAccessToken parses and validates an access token, returning the claims.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := m.parse(tokenString, claims, audienceAccess); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	return claims, nil
}

// ValidateRefreshToken parses and validates a refresh token, returning the claims.
func (m *JWTManager) ValidateRefreshToken(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := m.parse(tokenString, claims, audienceRefresh); err != nil {
		return nil, fmt.Errorf("parse refresh token: %w", err)
	}
	return claims, nil
}

func (m *JWTManager) parse(tokenString string, claims jwt.Claims, audience string) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(m.nowFunc),
	)
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

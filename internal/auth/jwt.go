package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken means the request carried no credential at all, which is
// different from carrying a bad one.
var ErrNoToken = errors.New("no token provided")

// ErrMissingSubject is returned for a well-signed token without a user id.
var ErrMissingSubject = errors.New("token has no user id")

const issuer = "roomcast"

type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the user id the token speaks for, preferring the explicit
// userId claim over sub.
func (c *Claims) Identity() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

type JWTManager struct {
	secretKey     []byte
	tokenDuration time.Duration
	now           func() time.Time
}

func NewJWTManager(secretKey string, tokenDuration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
		now:           time.Now,
	}
}

// Generate creates a new signed token for userID
func (manager *JWTManager) Generate(userID, username, role string) (string, error) {
	if userID == "" {
		return "", ErrMissingSubject
	}

	now := manager.now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(manager.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(manager.secretKey)
}

// Verify validates the token and returns its claims.
//
// Every failure (decode, signature, expiry, missing subject) is returned as a
// wrapped error for server logs; callers must not forward the text to clients.
func (manager *JWTManager) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return manager.secretKey, nil
		},
		jwt.WithTimeFunc(manager.now),
	)

	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Identity() == "" {
		return nil, ErrMissingSubject
	}

	return claims, nil
}

// VerifyUser verifies tokenString and returns the user id it carries.
func (manager *JWTManager) VerifyUser(tokenString string) (string, error) {
	claims, err := manager.Verify(tokenString)
	if err != nil {
		return "", err
	}
	return claims.Identity(), nil
}

// ExtractTokenFromHeader extracts the token from an Authorization header
func ExtractTokenFromHeader(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrNoToken
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", errors.New("invalid authorization header format")
	}

	return strings.TrimPrefix(authHeader, bearerPrefix), nil
}

// ExtractTokenFromQuery extracts the token from the token query parameter
func ExtractTokenFromQuery(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// HandshakeIdentity resolves the identity presented on a WebSocket upgrade.
//
// It returns ("", nil) when no token is presented so anonymous clients can
// still connect and authenticate later. A token that is present but invalid
// returns an error and the upgrade should be refused.
func (manager *JWTManager) HandshakeIdentity(r *http.Request) (string, error) {
	// Query parameter first (browsers cannot set headers on WebSocket)
	token, err := ExtractTokenFromQuery(r)
	if errors.Is(err, ErrNoToken) {
		token, err = ExtractTokenFromHeader(r)
	}
	if errors.Is(err, ErrNoToken) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	return manager.VerifyUser(token)
}

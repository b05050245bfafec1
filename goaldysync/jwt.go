package goaldysync

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the authenticated identity behind one sync request.
type Session struct {
	UserID   string
	DeviceID string
}

// Authenticator issues and checks the HS256 bearer tokens scoping every
// request to one user (sub) on one device (did).
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates an authenticator around a shared signing secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: "goaldy-sync"}
}

type tokenClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// Issue mints a token for one user on one device.
func (a *Authenticator) Issue(userID, deviceID string, ttl time.Duration) (string, error) {
	if userID == "" || deviceID == "" {
		return "", fmt.Errorf("token requires both a user and a device id")
	}
	now := time.Now()
	claims := tokenClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate resolves the bearer token on r into a session.
func (a *Authenticator) Authenticate(r *http.Request) (Session, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return Session{}, fmt.Errorf("missing bearer token")
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(a.issuer))
	if err != nil {
		return Session{}, err
	}
	if claims.Subject == "" || claims.DeviceID == "" {
		return Session{}, fmt.Errorf("token is missing its user or device identity")
	}
	return Session{UserID: claims.Subject, DeviceID: claims.DeviceID}, nil
}

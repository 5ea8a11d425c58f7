// Package auth issues and verifies the bearer tokens that identify task
// owners, and stores the user accounts they are issued to.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/GoCodeAlone/taskdeck/internal/apperr"
)

// DefaultTokenTTL is the lifetime of an issued token when none is configured.
const DefaultTokenTTL = 24 * time.Hour

// Verifier signs and verifies HS256 tokens whose subject is a user id.
type Verifier struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier. A zero ttl means DefaultTokenTTL.
func NewVerifier(secret, issuer string, ttl time.Duration) *Verifier {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (v *Verifier) SetClock(now func() time.Time) { v.now = now }

// Sign issues a token for subject and returns it with its expiry.
func (v *Verifier) Sign(subject string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("auth: sign: empty subject")
	}
	now := v.now()
	exp := now.Add(v.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign: %w", err)
	}
	return token, exp, nil
}

// Verify checks the signature, expiry and issuer of token and returns its
// claims. Every failure is Unauthenticated.
func (v *Verifier) Verify(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.KindUnauthenticated, Op: "auth.verify", Msg: "invalid token", Err: err}
	}
	if claims.Subject == "" {
		return nil, apperr.New(apperr.KindUnauthenticated, "auth.verify", "token has no subject")
	}
	return claims, nil
}

// GenerateSecret returns a random 32-byte secret, base64url encoded.
func GenerateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrEmptySecret = errors.New("empty signing secret")
var ErrMissingToken = errors.New("missing token")

// Verifier checks HS256 bearer tokens for control sessions.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret string, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Verifier{secret: []byte(secret), issuer: issuer}, nil
}

// Verify accepts a signed, unexpired token carrying a subject. The issuer
// is checked when the verifier has one.
func (v *Verifier) Verify(tokenString string) error {
	if strings.TrimSpace(tokenString) == "" {
		return ErrMissingToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return fmt.Errorf("token has no subject")
	}
	return nil
}

// Issue signs a token for subject valid for ttl. roverd send uses it to
// talk to a server that requires tokens.
func (v *Verifier) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

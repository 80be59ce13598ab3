// Package auth verifies connection tokens and extracts identity claims.
package auth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims is the identity attached to an accepted connection.
type Claims struct {
	UserID      string
	DisplayName string
	Roles       []string
}

type tokenClaims struct {
	UserID      string   `json:"userId"`
	DisplayName string   `json:"userName"`
	Roles       []string `json:"roles"`
	jwt.RegisteredClaims
}

// JWT verifies HMAC-signed tokens.
type JWT struct {
	secret []byte
}

func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret)}
}

func (j *JWT) Verify(_ context.Context, token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return j.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, errors.Join(ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return Claims{}, ErrInvalidToken
	}
	return Claims{
		UserID:      claims.UserID,
		DisplayName: claims.DisplayName,
		Roles:       claims.Roles,
	}, nil
}

// Issue signs a token for the given identity. Exists for tests and
// local development; production tokens come from the identity service.
func (j *JWT) Issue(claims Claims, registered jwt.RegisteredClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &tokenClaims{
		UserID:           claims.UserID,
		DisplayName:      claims.DisplayName,
		Roles:            claims.Roles,
		RegisteredClaims: registered,
	})
	return token.SignedString(j.secret)
}

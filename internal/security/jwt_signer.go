package security

// Dev tooling only: mints tokens for local calls to the metrics API

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"tokenpulse/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type RS256Signer struct {
	Priv *rsa.PrivateKey
	Iss  string
	Aud  string
}

// Load a PEM-encoded RSA private key PKCS1 or PKCS8
func NewRS256Signer(cfg *config.JWTConfig) (*RS256Signer, error) {
	if cfg == nil {
		return nil, errors.New("jwt config is required")
	}
	if cfg.PrivateKeyPath == "" {
		return nil, errors.New("private key path is empty")
	}

	block, err := readPEMBlock(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	priv, err := parseRSAPrivateKey(block)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return &RS256Signer{
		Priv: priv,
		Iss:  cfg.Issuer,
		Aud:  cfg.Audience,
	}, nil
}

// Signed token for sub valid for ttl, random jti
func (s *RS256Signer) Mint(sub string, ttl time.Duration) (string, error) {
	if sub == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.Iss,
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
	if s.Aud != "" {
		claims.Audience = jwt.ClaimStrings{s.Aud}
	}

	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.Priv)
}

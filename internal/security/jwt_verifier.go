package security

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"tokenpulse/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoBearerToken  = errors.New("authorization header must be: Bearer <token>")
	ErrInvalidToken   = errors.New("invalid token")
	ErrMissingSubject = errors.New("token has no subject")
)

// RS256 tokens for the metrics API. Audience/issuer are checked when set.
// A subject is required: rate limits and request logs are keyed by it.
type RS256Verifier struct {
	PubKey *rsa.PublicKey
	Aud    string
	Iss    string
	Leeway time.Duration
}

func NewRS256Verifier(cfg *config.JWTConfig) (*RS256Verifier, error) {
	if cfg == nil {
		return nil, errors.New("jwt config is required")
	}

	block, err := readPEMBlock(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}

	pub, err := parseRSAPublicKey(block)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = 30 * time.Second
	}

	return &RS256Verifier{
		PubKey: pub,
		Aud:    cfg.Audience,
		Iss:    cfg.Issuer,
		Leeway: leeway,
	}, nil
}

// Verifies the token from an Authorization header value
func (v *RS256Verifier) VerifyBearer(authHeader string) (*jwt.RegisteredClaims, error) {
	tokenStr, err := extractBearer(authHeader)
	if err != nil {
		return nil, err
	}
	return v.Verify(tokenStr)
}

func (v *RS256Verifier) Verify(tokenStr string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	if _, err := v.parser().ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.PubKey, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}

func (v *RS256Verifier) parser() *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), // only RS256
		jwt.WithLeeway(v.Leeway),
		jwt.WithIssuedAt(),           // check iat if exists
		jwt.WithExpirationRequired(), // exp is mandatory
	}
	if v.Aud != "" {
		opts = append(opts, jwt.WithAudience(v.Aud))
	}
	if v.Iss != "" {
		opts = append(opts, jwt.WithIssuer(v.Iss))
	}
	return jwt.NewParser(opts...)
}

func extractBearer(h string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrNoBearerToken
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrNoBearerToken
	}
	return token, nil
}

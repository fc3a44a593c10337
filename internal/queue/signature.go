// Package queue carries work between the API process and step executors:
// signed step callbacks in, artifact index jobs out.
package queue

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"runline/internal/apperr"
)

// SignatureHeader carries the callback signature token.
const SignatureHeader = "Runline-Signature"

const issuer = "runline-queue"

type signatureClaims struct {
	jwt.RegisteredClaims
	BodyHash string `json:"body_sha256"`
}

// Signer signs and verifies callback bodies with HS256 tokens whose claims
// bind the SHA-256 of the exact body bytes. Verification accepts the
// current key or the next key, so keys can be rotated without dropping
// in-flight deliveries.
type Signer struct {
	Key     []byte
	NextKey []byte
	TTL     time.Duration
	Now     func() time.Time
}

func NewSigner(key, nextKey string) Signer {
	s := Signer{Key: []byte(key)}
	if nextKey != "" {
		s.NextKey = []byte(nextKey)
	}
	return s
}

func (s Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Signer) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return 10 * time.Minute
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Sign returns a signature token for body.
func (s Signer) Sign(body []byte) (string, error) {
	if len(s.Key) == 0 {
		return "", apperr.New(apperr.EnvInvalid, "queue signing key is not configured")
	}
	now := s.now()
	claims := signatureClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl())),
		},
		BodyHash: bodyHash(body),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Key)
}

// Verify checks token against body before the body is parsed. Any failure
// is unauthorized.
func (s Signer) Verify(token string, body []byte) error {
	if token == "" {
		return apperr.New(apperr.Unauthorized, "missing %s header", SignatureHeader)
	}
	keys := [][]byte{s.Key}
	if len(s.NextKey) > 0 {
		keys = append(keys, s.NextKey)
	}
	var lastErr error
	for _, key := range keys {
		if len(key) == 0 {
			continue
		}
		claims, err := s.parse(token, key)
		if err != nil {
			lastErr = err
			continue
		}
		if claims.BodyHash != bodyHash(body) {
			return apperr.New(apperr.Unauthorized, "signature does not match body")
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no signing key configured")
	}
	return apperr.Wrap(apperr.Unauthorized, lastErr, "invalid queue signature")
}

func (s Signer) parse(token string, key []byte) (*signatureClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	claims := &signatureClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

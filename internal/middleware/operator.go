// Package middleware provides authentication, rate limiting and request
// logging for the regionflagz HTTP and gRPC transports. Operators present
// bearer tokens of the form "id.secret"; the server stores only a bcrypt hash
// of each secret.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const tokenHashCost = bcrypt.DefaultCost

var errUnknownOperator = errors.New("unknown operator token")

// HashToken returns a salted bcrypt hash for an operator secret.
func HashToken(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), tokenHashCost)
	if err != nil {
		return "", fmt.Errorf("hash operator token: %w", err)
	}
	return string(hash), nil
}

// TokenMatchesHash compares an operator secret against a stored hash.
func TokenMatchesHash(expectedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)) == nil
}

// GenerateToken returns a fresh "id.secret" token and the hash to configure
// for it.
func GenerateToken(id string) (token, hash string, err error) {
	if id == "" || strings.ContainsAny(id, ".:,") {
		return "", "", fmt.Errorf("operator id %q must be non-empty without '.', ':' or ','", id)
	}
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate operator token: %w", err)
	}
	secret := hex.EncodeToString(b)
	hash, err = HashToken(secret)
	if err != nil {
		return "", "", err
	}
	return id + "." + secret, hash, nil
}

// OperatorTokens validates "id.secret" bearer tokens against a fixed set of
// hashes. It is immutable and safe for concurrent use.
type OperatorTokens struct {
	hashes map[string]string
}

// NewOperatorTokens builds a validator from operator id to bcrypt hash.
func NewOperatorTokens(hashes map[string]string) *OperatorTokens {
	cp := make(map[string]string, len(hashes))
	for id, hash := range hashes {
		cp[id] = hash
	}
	return &OperatorTokens{hashes: cp}
}

// Len reports how many operators are configured.
func (o *OperatorTokens) Len() int {
	return len(o.hashes)
}

// ValidateToken returns the operator id owning token.
func (o *OperatorTokens) ValidateToken(_ context.Context, token string) (string, error) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return "", errInvalidAuthorizationHeader
	}
	hash, ok := o.hashes[id]
	if !ok || !TokenMatchesHash(hash, secret) {
		return "", errUnknownOperator
	}
	return id, nil
}

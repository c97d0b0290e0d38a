// Package auth issues and verifies the credentials that authorize removing a
// copy of a file from a bitstream replica.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RemovalTTL is how long removal credentials stay valid.
const RemovalTTL = 10 * time.Minute

const removeOperation = "remove_and_get"

var (
	// ErrInvalidCredentials is returned when credentials fail verification.
	ErrInvalidCredentials = errors.New("invalid removal credentials")
	// ErrNoSecret is returned when no signing secret is configured.
	ErrNoSecret = errors.New("no removal secret configured")
)

// RemovalClaims bind credentials to one copy of one file.
type RemovalClaims struct {
	Filename  string `json:"filename"`
	Checksum  string `json:"checksum"`
	Operation string `json:"operation"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies removal credentials with a shared HS256 secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer creates an issuer for secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// Issue returns credentials allowing the removal of the copy of filename
// whose checksum is checksum.
func (i *Issuer) Issue(filename, checksum string) (string, error) {
	if len(i.secret) == 0 {
		return "", ErrNoSecret
	}

	now := i.now()
	claims := RemovalClaims{
		Filename:  filename,
		Checksum:  checksum,
		Operation: removeOperation,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(RemovalTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign removal credentials: %w", err)
	}
	return signed, nil
}

// Verify checks that credentials are valid, unexpired and bound to filename
// and checksum.
func (i *Issuer) Verify(credentials, filename, checksum string) error {
	if len(i.secret) == 0 {
		return ErrNoSecret
	}

	token, err := jwt.ParseWithClaims(credentials, &RemovalClaims{}, i.getSecret,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	claims, ok := token.Claims.(*RemovalClaims)
	if !ok || !token.Valid {
		return ErrInvalidCredentials
	}
	if claims.Operation != removeOperation {
		return fmt.Errorf("%w: operation %q", ErrInvalidCredentials, claims.Operation)
	}
	if claims.Filename != filename || claims.Checksum != checksum {
		return fmt.Errorf("%w: not issued for %s with checksum %s", ErrInvalidCredentials, filename, checksum)
	}
	return nil
}

func (i *Issuer) getSecret(*jwt.Token) (any, error) {
	return i.secret, nil
}

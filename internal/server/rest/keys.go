package rest

import (
	"crypto/rsa"

	"github.com/golang-jwt/jwt/v5"
)

// ParseRSAPublicKey parses a PEM-encoded RSA public key (PKIX, "PUBLIC KEY"
// block) for use with JWTMiddleware. It is a thin wrapper around
// jwt.ParseRSAPublicKeyFromPEM so callers need only depend on this package.
func ParseRSAPublicKey(pem []byte) (*rsa.PublicKey, error) {
	return jwt.ParseRSAPublicKeyFromPEM(pem)
}

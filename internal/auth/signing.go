package auth

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

// signingKey is the key material used to sign and verify session tokens.
type signingKey struct {
	alg    jose.SignatureAlgorithm
	sign   any
	verify any
}

// hmacKey derives a fixed-size HS256 key from an operator supplied secret.
func hmacKey(secret string) signingKey {
	sum := sha256.Sum256([]byte(secret))
	return signingKey{alg: jose.HS256, sign: sum[:], verify: sum[:]}
}

// readSigningKey reads a PEM private key (PKCS#8, PKCS#1 or SEC 1) and picks
// the matching JWS algorithm.
func readSigningKey(filename string) (signingKey, error) {
	keyBytes, err := os.ReadFile(filename)
	if err != nil {
		return signingKey{}, fmt.Errorf("error reading signing key file: %w", err)
	}

	block, _ := pem.Decode(keyBytes)
	if block == nil {
		return signingKey{}, fmt.Errorf("failed to decode PEM block")
	}

	priv, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return signingKey{}, err
	}

	switch k := priv.(type) {
	case *rsa.PrivateKey:
		return signingKey{alg: jose.RS256, sign: k, verify: &k.PublicKey}, nil
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return signingKey{}, fmt.Errorf("unsupported curve: %s", k.Curve.Params().Name)
		}
		return signingKey{alg: jose.ES256, sign: k, verify: &k.PublicKey}, nil
	case ed25519.PrivateKey:
		return signingKey{alg: jose.EdDSA, sign: k, verify: k.Public()}, nil
	default:
		return signingKey{}, fmt.Errorf("unsupported key type: %T", priv)
	}
}

func parsePrivateKey(der []byte) (any, error) {
	if k, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	return nil, fmt.Errorf("signing key is not a PKCS#8, PKCS#1 or EC private key")
}

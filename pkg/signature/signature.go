// Package signature signs and verifies prescription canonical bytes with
// RSA-SHA256. It is stateless and safe for concurrent use across keys.
package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidKey    = errors.New("private key is invalid or malformed")
	ErrSigningFailed = errors.New("signing failed")
)

// NormalizePEM repairs the damage PEM blocks commonly suffer in transit:
// JSON-escaped newlines, Windows CRs, and a missing trailing newline.
func NormalizePEM(pemStr string) string {
	pemStr = strings.ReplaceAll(pemStr, `\r`, "\n")
	pemStr = strings.ReplaceAll(pemStr, "\r", "")
	pemStr = strings.ReplaceAll(pemStr, `\n`, "\n")
	pemStr = strings.TrimSpace(pemStr)
	if !strings.HasSuffix(pemStr, "\n") {
		pemStr += "\n"
	}
	return pemStr
}

// ParsePrivateKey accepts both the legacy PKCS#1 block (BEGIN RSA PRIVATE
// KEY) and the generic PKCS#8 block (BEGIN PRIVATE KEY).
func ParsePrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(NormalizePEM(pemStr)))
	if block == nil {
		return nil, ErrInvalidKey
	}

	if block.Type == "RSA PRIVATE KEY" {
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
	}
	return key, nil
}

// Sign computes an RSA PKCS#1 v1.5 signature over the SHA-256 digest of
// payload and returns it base64-encoded.
func Sign(privateKeyPEM string, payload []byte) (string, error) {
	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature against payload. A mismatch, a bad key,
// or undecodable input all return false; verification never errors.
func Verify(publicKeyPEM string, payload []byte, signatureB64 string) bool {
	block, _ := pem.Decode([]byte(NormalizePEM(publicKeyPEM)))
	if block == nil {
		return false
	}

	var pub *rsa.PublicKey
	if block.Type == "RSA PUBLIC KEY" {
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return false
		}
		pub = key
	} else {
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return false
		}
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return false
		}
		pub = key
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(payload)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}

// Hash returns the hex SHA-256 digest used as the persisted integrity hash
// and the anchored fingerprint.
func Hash(payload []byte) string {
	digest := sha256.Sum256(payload)
	return hex.EncodeToString(digest[:])
}

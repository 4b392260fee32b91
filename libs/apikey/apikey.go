package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Callback tokens are opaque bearer secrets handed to aggregators. Only the
// SHA-256 hash is persisted; lookups are by hash.
//
// Format: cb_<env>_<prefix>.<secret>

var ErrInvalidKey = errors.New("invalid callback token")

func Generate(env string) (token string, prefix string, hash string, err error) {
	prefix, err = generatePrefix()
	if err != nil {
		return "", "", "", err
	}
	secret, err := generateSecret()
	if err != nil {
		return "", "", "", err
	}
	token = fmt.Sprintf("cb_%s_%s.%s", env, prefix, secret)
	return token, prefix, Hash(token), nil
}

func Parse(token string) (env string, prefix string, secret string, err error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", "", "", ErrInvalidKey
	}
	head := parts[0]
	secret = parts[1]

	headParts := strings.SplitN(head, "_", 3)
	if len(headParts) != 3 || headParts[0] != "cb" {
		return "", "", "", ErrInvalidKey
	}
	env = headParts[1]
	prefix = headParts[2]
	if env == "" || prefix == "" || secret == "" {
		return "", "", "", ErrInvalidKey
	}
	return env, prefix, secret, nil
}

// Hash accepts any non-empty token, including partner-chosen ones that do not
// follow the cb_ format.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

func Verify(token, storedHash string) error {
	if strings.TrimSpace(token) == "" || storedHash == "" {
		return ErrInvalidKey
	}
	computed := Hash(token)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(strings.ToLower(storedHash))) != 1 {
		return ErrInvalidKey
	}
	return nil
}

func generatePrefix() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return strings.ToLower(enc.EncodeToString(buf)), nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

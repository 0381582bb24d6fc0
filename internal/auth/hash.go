package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for service-key hashing. The key is hashed once at
// startup and verified per request, so interactive-grade cost is enough.
const (
	keyHashTime    = 1
	keyHashMemory  = 64 * 1024 // KiB
	keyHashThreads = 4
	keyHashLen     = 32
	keyHashSalt    = 16
)

func deriveKey(key string, salt []byte) []byte {
	return argon2.IDKey([]byte(key), salt, keyHashTime, keyHashMemory, keyHashThreads, keyHashLen)
}

// HashAPIKey derives an Argon2id digest for a service API key. The salt is
// embedded in the result as "salt$digest", both base64.
func HashAPIKey(key string) (string, error) {
	salt := make([]byte, keyHashSalt)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	digest := deriveKey(key, salt)
	return base64.StdEncoding.EncodeToString(salt) + "$" +
		base64.StdEncoding.EncodeToString(digest), nil
}

// VerifyAPIKey checks a presented key against a HashAPIKey result.
func VerifyAPIKey(key, encoded string) (bool, error) {
	saltPart, digestPart, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, fmt.Errorf("auth: malformed key hash")
	}
	salt, err := base64.StdEncoding.DecodeString(saltPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(digestPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode digest: %w", err)
	}
	got := deriveKey(key, salt)
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// DummyVerify burns the same Argon2id cost as a real verification. Auth
// failure paths that skipped the real check call it so response timing does
// not reveal whether a service key is configured.
func DummyVerify() {
	deriveKey("dummy", make([]byte, keyHashSalt))
}

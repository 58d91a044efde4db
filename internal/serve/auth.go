package serve

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/argon2"

	"phobos.org.uk/relay/internal/api"
)

// Argon2id parameters
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// KeyStore holds the Argon2id hash of the status server API key. The
// plaintext key is hashed once at startup and never kept in memory.
type KeyStore struct {
	keyHash string
}

// NewKeyStore hashes the configured API key. An empty key disables
// authentication entirely.
func NewKeyStore(key string) (*KeyStore, error) {
	s := &KeyStore{}
	if key != "" {
		hash, err := hashKey(key)
		if err != nil {
			return nil, fmt.Errorf("hashing api key: %w", err)
		}
		s.keyHash = hash
	}
	return s, nil
}

// Enabled returns true if an API key is configured.
func (s *KeyStore) Enabled() bool {
	return s.keyHash != ""
}

// Validate checks a presented key against the stored hash.
func (s *KeyStore) Validate(key string) bool {
	if s.keyHash == "" {
		return false
	}
	return verifyKey(key, s.keyHash)
}

// Middleware rejects requests without a valid API key. A no-key store
// passes everything through.
func (s *KeyStore) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		if !s.Validate(requestKey(r)) {
			api.WriteError(w, http.StatusUnauthorized, api.ErrorUnauthorized, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestKey extracts the presented key from the Authorization bearer
// header or the X-API-Key header.
func requestKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// hashKey creates an Argon2id hash of the key.
func hashKey(key string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	// Encode as: $argon2id$v=19$m=65536,t=1,p=4$<base64-salt>$<base64-hash>
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads, b64Salt, b64Hash), nil
}

// verifyKey checks a key against an Argon2id hash.
func verifyKey(key, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var version int
	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(key), salt, time, memory, threads, uint32(len(expectedHash)))
	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1
}

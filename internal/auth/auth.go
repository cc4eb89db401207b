package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// prefixLen is the number of plaintext characters stored alongside the hash
// to identify a key without revealing it.
const prefixLen = 14

// ErrInvalidKey is returned when a bearer token matches no configured key.
var ErrInvalidKey = errors.New("invalid api key")

// Principal is an authenticated caller of the AI endpoints.
type Principal struct {
	ID     string
	Tenant string
}

// Key is a configured API key credential.
type Key struct {
	Principal string
	Tenant    string
	Prefix    string
	Hash      string // bcrypt
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 14 characters of the plaintext key
}

// Service authenticates bearer tokens against a fixed key set. Successful
// bcrypt verifications are remembered by SHA-256 digest so steady-state
// requests skip the bcrypt cost.
type Service struct {
	byPrefix map[string][]Key

	mu       sync.RWMutex
	verified map[string]*Principal
}

// NewService creates a new authentication service.
func NewService(keys []Key) *Service {
	byPrefix := make(map[string][]Key, len(keys))
	for _, k := range keys {
		byPrefix[k.Prefix] = append(byPrefix[k.Prefix], k)
	}
	return &Service{
		byPrefix: byPrefix,
		verified: make(map[string]*Principal),
	}
}

// Authenticate resolves a plaintext token to its principal.
func (s *Service) Authenticate(token string) (*Principal, error) {
	if len(token) < prefixLen {
		return nil, ErrInvalidKey
	}

	digest := HashKey(token)
	s.mu.RLock()
	p, ok := s.verified[digest]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	for _, k := range s.byPrefix[token[:prefixLen]] {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(token)) == nil {
			p := &Principal{ID: k.Principal, Tenant: k.Tenant}
			s.mu.Lock()
			s.verified[digest] = p
			s.mu.Unlock()
			return p, nil
		}
	}
	return nil, ErrInvalidKey
}

// GenerateAPIKey creates a new API key with the "okrai_" prefix followed by
// 32 URL-safe random characters. It returns the APIKey struct (containing the
// bcrypt hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext := "okrai_" + base64.RawURLEncoding.EncodeToString(b)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return APIKey{}, "", fmt.Errorf("hashing api key: %w", err)
	}

	key := APIKey{
		Hash:   string(hash),
		Prefix: plaintext[:prefixLen],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

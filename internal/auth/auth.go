// Package auth checks bearer tokens against a configured bcrypt hash.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// Verifier compares tokens with a bcrypt hash. Accepted tokens are cached by
// their SHA256 so repeated requests skip the bcrypt cost.
type Verifier struct {
	hash     []byte
	cacheTTL time.Duration

	cache   map[string]time.Time // sha256 of token -> expiry
	cacheMu sync.RWMutex
	logger  zerolog.Logger
}

// NewVerifier validates hash and returns a Verifier for it
func NewVerifier(hash string, cacheTTL time.Duration, logger zerolog.Logger) (*Verifier, error) {
	if !strings.HasPrefix(hash, "$2") {
		return nil, fmt.Errorf("token hash is not a bcrypt hash")
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid token hash: %w", err)
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Verifier{
		hash:     []byte(hash),
		cacheTTL: cacheTTL,
		cache:    make(map[string]time.Time),
		logger:   logger.With().Str("component", "auth").Logger(),
	}, nil
}

// Verify reports whether token matches the hash
func (v *Verifier) Verify(token string) bool {
	if token == "" {
		return false
	}
	key := cacheKey(token)
	now := time.Now()

	v.cacheMu.RLock()
	expiry, ok := v.cache[key]
	v.cacheMu.RUnlock()
	if ok && now.Before(expiry) {
		return true
	}

	if bcrypt.CompareHashAndPassword(v.hash, []byte(token)) != nil {
		return false
	}

	v.cacheMu.Lock()
	for k, exp := range v.cache {
		if now.After(exp) {
			delete(v.cache, k)
		}
	}
	v.cache[key] = now.Add(v.cacheTTL)
	v.cacheMu.Unlock()
	return true
}

// HashToken returns the bcrypt hash to configure for token
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// GenerateToken creates a random URL-safe token
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// cacheKey generates a cache key from a token (using SHA256 for fast lookup)
func cacheKey(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

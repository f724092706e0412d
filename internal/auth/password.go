package auth

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt cost used when none is configured.
const DefaultCost = bcrypt.DefaultCost

// HashPassword returns a salted bcrypt hash of password. A cost outside
// bcrypt's range falls back to DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// MaxPasswordBytes is the longest password bcrypt hashes in full.
const MaxPasswordBytes = 72

// CheckPassword reports whether password matches hash. The comparison is
// constant-time. Passwords over MaxPasswordBytes never match, since bcrypt
// would ignore the excess.
func CheckPassword(hash, password string) bool {
	if len(password) > MaxPasswordBytes {
		CheckAbsent(password)
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// CheckAbsent spends one bcrypt comparison for a login attempt on an unknown
// address, so it is not distinguishable by timing from a wrong password.
func CheckAbsent(password string) {
	dummyOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("absent"), DefaultCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

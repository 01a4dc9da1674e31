package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// legacySaltLen is the salt prefix length of legacy password hashes, stored
// as salt || base64(sha256(password + salt)).
const legacySaltLen = 20

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches stored, which is either a
// bcrypt hash or a legacy salted SHA-256 hash.
func CheckPassword(password, stored string) bool {
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	}
	if len(stored) <= legacySaltLen {
		return false
	}
	salt := stored[:legacySaltLen]
	sum := sha256.Sum256([]byte(password + salt))
	want := base64.StdEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(want), []byte(stored[legacySaltLen:])) == 1
}

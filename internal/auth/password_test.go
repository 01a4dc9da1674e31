package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestBcryptPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}
	if !CheckPassword("s3cret", hash) {
		t.Fatal("expected password to match its hash")
	}
	if CheckPassword("wrong", hash) {
		t.Fatal("expected wrong password to be rejected")
	}
}

func TestLegacySaltedPassword(t *testing.T) {
	salt := "0123456789abcdefghij"
	sum := sha256.Sum256([]byte("hunter2" + salt))
	stored := salt + base64.StdEncoding.EncodeToString(sum[:])

	if !CheckPassword("hunter2", stored) {
		t.Fatal("expected legacy hash to match")
	}
	if CheckPassword("hunter3", stored) {
		t.Fatal("expected wrong password to be rejected")
	}
	if CheckPassword("hunter2", salt) {
		t.Fatal("expected truncated hash to be rejected")
	}
}

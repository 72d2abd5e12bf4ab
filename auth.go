package main

import (
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// genSessionID returns an unguessable 128-bit session identifier.
func genSessionID() string {
	return uuid.NewString()
}

func hashPassword(p string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(p), bcrypt.DefaultCost)
	return string(b), err
}

// comparePassword performs a constant-time check of a plaintext password
// against a bcrypt hash. The plaintext is never logged.
func comparePassword(hash, p string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)) == nil
}

package protocol

import (
	"crypto/rand"
	"regexp"
)

const (
	codeLength   = 6
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var codePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// NewSessionCode generates a 6-character uppercase alphanumeric session code.
// The hosting device generates the code and supplies it on join.
func NewSessionCode() string {
	b := make([]byte, codeLength)
	rand.Read(b)
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b)
}

// ValidSessionCode reports whether code is a well-formed session identifier.
func ValidSessionCode(code string) bool {
	return codePattern.MatchString(code)
}

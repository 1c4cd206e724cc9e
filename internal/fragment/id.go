package fragment

import (
	"crypto/rand"
	"regexp"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var idPattern = regexp.MustCompile(`^[a-z]{2}-[a-z0-9]{4,8}$`)

// NewID generates a fragment id of the form {prefix}-{6 lowercase alnum}.
func NewID(prefix string) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		panic("fragment: rand failed: " + err.Error())
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return prefix + "-" + string(buf)
}

// ValidID reports whether id matches the fragment id wire format.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// IDPrefix returns the 2-character type prefix of a fragment id.
func IDPrefix(id string) string {
	if len(id) < 2 {
		return ""
	}
	return id[:2]
}

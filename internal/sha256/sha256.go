package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

func Hash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Short returns the first n hex characters of the string's hash
func Short(s string, n int) string {
	hash := Hash([]byte(s))
	if n <= 0 || n > len(hash) {
		return hash
	}
	return hash[:n]
}

package realtime

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRandomHex returns 2*nBytes hex characters of cryptographically secure
// randomness. Ticket values are minted from this. nBytes below 1 falls back
// to 16.
func NewRandomHex(nBytes int) string {
	if nBytes < 1 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand is documented not to fail on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(b)
}

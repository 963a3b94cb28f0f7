package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/vasiliy-maslov/ecommerce-orders/internal/apperr"
)

const checksumSeparator = "###"

var ErrInvalidChecksum = fmt.Errorf("%w: invalid checksum", apperr.ErrAuthenticationFailed)

// Signer produces and checks the provider's X-VERIFY checksums:
// hex(sha256(payload + path + saltKey)) + "###" + saltIndex.
type Signer struct {
	saltKey   string
	saltIndex int
}

func NewSigner(saltKey string, saltIndex int) Signer {
	return Signer{saltKey: saltKey, saltIndex: saltIndex}
}

// Sign authenticates an outbound request. payload is the base64 request body
// (empty for GET endpoints) and path the endpoint path.
func (s Signer) Sign(payload, path string) string {
	sum := sha256.Sum256([]byte(payload + path + s.saltKey))
	return hex.EncodeToString(sum[:]) + checksumSeparator + strconv.Itoa(s.saltIndex)
}

// Verify checks a callback checksum, computed over the base64 payload and
// the salt key only, in constant time.
func (s Signer) Verify(payload, checksum string) error {
	expected := s.Sign(payload, "")
	if subtle.ConstantTimeCompare([]byte(expected), []byte(checksum)) != 1 {
		return ErrInvalidChecksum
	}
	return nil
}

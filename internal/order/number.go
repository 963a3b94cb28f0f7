package order

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
)

// NewNumber builds a human readable order number, ORD-<unix millis>-<6 hex>.
// The suffix comes from a random UUID; the unique constraint on orders.number
// catches the rare collision and the caller retries.
func NewNumber(now time.Time) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("failed to generate order number: %w", err)
	}

	return fmt.Sprintf("ORD-%d-%s", now.UnixMilli(), strings.ToUpper(hex.EncodeToString(id[:3]))), nil
}

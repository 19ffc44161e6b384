package ledger

import (
	"crypto/rand"
	"fmt"
	"time"
)

const referenceCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newReference generates a transaction reference of the form
// TRX-YYYYMMDD-XXXXX. The random suffix comes from crypto/rand;
// the reference column's unique constraint catches the residual
// collision case.
func newReference(now time.Time) (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate reference: %w", err)
	}
	for i, b := range buf {
		buf[i] = referenceCharset[int(b)%len(referenceCharset)]
	}
	return fmt.Sprintf("TRX-%s-%s", now.Format("20060102"), buf), nil
}

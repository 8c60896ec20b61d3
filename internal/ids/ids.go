// Package ids generates opaque identifiers and mailbox filenames.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a random 32-character hex identifier, suitable for task ids,
// pairing ids, and worker session tokens.
func New() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// MailboxFilename returns a "<epoch_ms>-<rand6>.json" filename per the
// mailbox on-disk format (external interfaces, mailbox section).
func MailboxFilename(now time.Time) string {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%d-%s.json", now.UnixMilli(), hex.EncodeToString(buf))
}

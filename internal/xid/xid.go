// Package xid generates prefixed opaque identifiers for rows that have no
// natural key, such as price history and audit log entries.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns an identifier of the form "prefix-<unixnano>-<hex>". The
// timestamp keeps ids roughly sortable by creation time; the random suffix
// breaks ties within the same nanosecond.
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// Package idgen generates compact identifiers for sessions and deliveries.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"sync/atomic"
	"time"
)

var (
	sequence uint32

	// base32 without padding keeps IDs short and log-friendly.
	encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)
)

// New returns a 10-byte hybrid ID: 4 bytes of truncated unix timestamp,
// 2 bytes of an atomic sequence counter and 4 random bytes, base32-encoded
// to 16 characters. Unique enough for correlating log lines; not a
// cryptographic token.
func New() string {
	buf := make([]byte, 10)

	ts := uint32(time.Now().Unix())
	buf[0] = byte(ts >> 24)
	buf[1] = byte(ts >> 16)
	buf[2] = byte(ts >> 8)
	buf[3] = byte(ts)

	seq := atomic.AddUint32(&sequence, 1)
	buf[4] = byte(seq >> 8)
	buf[5] = byte(seq)

	if _, err := rand.Read(buf[6:]); err != nil {
		// Fall back to more timestamp bits; uniqueness still holds via the
		// sequence counter within this process.
		now := time.Now().UnixNano()
		buf[6] = byte(now >> 24)
		buf[7] = byte(now >> 16)
		buf[8] = byte(now >> 8)
		buf[9] = byte(now)
	}

	return encoding.EncodeToString(buf)
}

package helpers

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// HashContent returns the hex-encoded BLAKE3 digest of data. Used to
// identify message payloads in logs without dumping their content.
func HashContent(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

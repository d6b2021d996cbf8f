// Package chain computes the digests linking journal entries. It carries no
// database dependency so offline readers can verify an exported journal.
package chain

import (
	"encoding/binary"
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Link returns the hex blake3 digest of an entry given its predecessor.
func Link(prev string, seq uint64, eventType, attributes string) string {
	hasher := blake3.New(32, nil)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	hasher.Write([]byte(prev))
	hasher.Write(buf[:])
	hasher.Write([]byte(eventType))
	hasher.Write([]byte{0})
	hasher.Write([]byte(attributes))
	return hex.EncodeToString(hasher.Sum(nil))
}

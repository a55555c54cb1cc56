package badger

import (
	"encoding/binary"

	"github.com/poiesic/recall/core"
)

// Key prefixes for different data types
const (
	fragmentPrefix     = "frg:"
	fragmentHashPrefix = "frh:"
	fragmentIDSeq      = "frgseq"
	// dimensionKey records the embedding length every stored vector shares
	dimensionKey = "meta:dim"
)

// makeFragmentKey generates a key for a fragment by ID.
// Format: prefix + id, BigEndian so iteration follows id order
func makeFragmentKey(id core.ID) []byte {
	buf := make([]byte, len(fragmentPrefix)+8)
	offset := copy(buf, fragmentPrefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(id))
	return buf
}

// fragmentIDFromKey extracts the ID from a key built by makeFragmentKey.
func fragmentIDFromKey(key []byte) core.ID {
	return core.ID(binary.BigEndian.Uint64(key[len(fragmentPrefix):]))
}

// makeHashKey generates the uniqueness key for active content of an owner.
// Format: prefix + ownerID + 0x00 + contentHash
func makeHashKey(ownerID, contentHash string) []byte {
	buf := make([]byte, 0, len(fragmentHashPrefix)+len(ownerID)+1+len(contentHash))
	buf = append(buf, fragmentHashPrefix...)
	buf = append(buf, ownerID...)
	buf = append(buf, 0)
	buf = append(buf, contentHash...)
	return buf
}

package cas

import (
	"encoding/binary"
	"fmt"
	"os"

	"kiln/internal/dataid"
)

// encodeRefs renders a list of DataIDs as the CAS object wire format:
// a count prefix followed by a repeated fixed-width record, since
// every DataID has the same encoded size.
func encodeRefs(refs []dataid.DataID) []byte {
	out := make([]byte, 0, 8+len(refs)*dataid.Size)
	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], uint64(len(refs)))
	out = append(out, countBuf[:]...)
	for _, r := range refs {
		out = append(out, r.Bytes()...)
	}
	return out
}

func decodeRefs(b []byte) ([]dataid.DataID, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("cas: refs encoding too short (%d bytes)", len(b))
	}
	count := binary.BigEndian.Uint64(b[:8])
	rest := b[8:]
	if uint64(len(rest)) != count*uint64(dataid.Size) {
		return nil, fmt.Errorf("cas: refs encoding length mismatch: count=%d, remaining=%d", count, len(rest))
	}
	refs := make([]dataid.DataID, 0, count)
	for i := uint64(0); i < count; i++ {
		start := i * uint64(dataid.Size)
		id, err := dataid.FromBytes(rest[start : start+uint64(dataid.Size)])
		if err != nil {
			return nil, fmt.Errorf("cas: decode ref %d: %w", i, err)
		}
		refs = append(refs, id)
	}
	return refs, nil
}

func readRefs(path string) ([]dataid.DataID, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeRefs(b)
}

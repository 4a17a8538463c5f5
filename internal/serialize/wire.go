package serialize

import (
	"encoding/binary"
	"fmt"
)

// EncodeWire renders an AnySerializable as the bytes stored as a
// CASObject's data field: a length-prefixed type identifier followed
// by the value bytes, matching the length-prefixed framing of the CAS
// object wire format (see internal/cas/wire.go).
func EncodeWire(a AnySerializable) ([]byte, error) {
	idBytes := []byte(a.TypeIdentifier)
	out := make([]byte, 0, 8+len(idBytes)+len(a.Bytes))
	out = appendLenPrefixed(out, idBytes)
	out = append(out, a.Bytes...)
	return out, nil
}

// DecodeWire parses the framing EncodeWire produces.
func DecodeWire(b []byte) (AnySerializable, error) {
	if len(b) < 8 {
		return AnySerializable{}, fmt.Errorf("serialize: wire encoding too short (%d bytes)", len(b))
	}
	idLen := binary.BigEndian.Uint64(b[:8])
	rest := b[8:]
	if uint64(len(rest)) < idLen {
		return AnySerializable{}, fmt.Errorf("serialize: wire encoding truncated type identifier")
	}
	return AnySerializable{
		TypeIdentifier: string(rest[:idLen]),
		Bytes:          append([]byte(nil), rest[idLen:]...),
	}, nil
}

func appendLenPrefixed(out []byte, b []byte) []byte {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
	out = append(out, lenBuf[:]...)
	return append(out, b...)
}

package filetree

import (
	"encoding/binary"
	"fmt"
)

// encodeDirectory renders entries (already sorted by name) as the
// directory object's data payload: a length-prefixed record per entry.
// This is deliberately simple and stable rather than a generic
// self-describing format, since the only consumer is this package.
func encodeDirectory(entries []DirectoryEntry) []byte {
	var out []byte
	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], uint64(len(entries)))
	out = append(out, countBuf[:]...)
	for _, e := range entries {
		out = appendString(out, e.Name)
		out = appendUint64(out, uint64(e.Type))
		out = appendUint64(out, uint64(e.Size))
		out = appendUint64(out, uint64(e.PosixPermissions))
	}
	return out
}

func decodeDirectory(data []byte) ([]DirectoryEntry, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("filetree: directory payload too short")
	}
	count := binary.BigEndian.Uint64(data[:8])
	rest := data[8:]
	entries := make([]DirectoryEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		var name string
		var err error
		name, rest, err = readString(rest)
		if err != nil {
			return nil, fmt.Errorf("filetree: decode entry %d name: %w", i, err)
		}
		var typ, size, perm uint64
		typ, rest, err = readUint64(rest)
		if err != nil {
			return nil, fmt.Errorf("filetree: decode entry %d type: %w", i, err)
		}
		size, rest, err = readUint64(rest)
		if err != nil {
			return nil, fmt.Errorf("filetree: decode entry %d size: %w", i, err)
		}
		perm, rest, err = readUint64(rest)
		if err != nil {
			return nil, fmt.Errorf("filetree: decode entry %d perm: %w", i, err)
		}
		entries = append(entries, DirectoryEntry{
			Name:             name,
			Type:             EntryType(typ),
			Size:             int64(size),
			PosixPermissions: uint32(perm),
		})
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("filetree: trailing bytes after decoding %d entries", count)
	}
	return entries, nil
}

func appendUint64(out []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(out, buf[:]...)
}

func appendString(out []byte, s string) []byte {
	out = appendUint64(out, uint64(len(s)))
	return append(out, s...)
}

func readUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("buffer too short")
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}

func readString(b []byte) (string, []byte, error) {
	n, rest, err := readUint64(b)
	if err != nil {
		return "", nil, err
	}
	if uint64(len(rest)) < n {
		return "", nil, fmt.Errorf("buffer too short for string of length %d", n)
	}
	return string(rest[:n]), rest[n:], nil
}

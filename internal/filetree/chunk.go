package filetree

import (
	"context"
	"fmt"

	"kiln/internal/cas"
	"kiln/internal/dataid"
)

// FileHeader is the payload of a large-file object: a header
// describing the chunking strategy, with refs pointing at the
// successive chunk objects in order. All chunks except the last must
// be exactly ChunkSize bytes.
type FileHeader struct {
	Type        EntryType
	ChunkSize   int64
	Size        int64
	Compression string
}

func PutLargeFile(store cas.Database, data []byte, chunkSize int64, entryType EntryType) (dataid.DataID, error) {
	if chunkSize <= 0 {
		return dataid.DataID{}, fmt.Errorf("filetree: chunk size must be positive")
	}
	if int64(len(data)) <= chunkSize {
		return store.Put(context.Background(), nil, data)
	}

	var refs []dataid.DataID
	for offset := int64(0); offset < int64(len(data)); offset += chunkSize {
		end := offset + chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		chunkID, err := store.Put(context.Background(), nil, data[offset:end])
		if err != nil {
			return dataid.DataID{}, fmt.Errorf("filetree: store chunk at offset %d: %w", offset, err)
		}
		refs = append(refs, chunkID)
	}

	header := FileHeader{Type: entryType, ChunkSize: chunkSize, Size: int64(len(data))}
	headerBytes := encodeFileHeader(header)
	return store.Put(context.Background(), refs, headerBytes)
}

// GetLargeFile reassembles a file object previously written by
// PutLargeFile (or a plain leaf object) back into its bytes.
func GetLargeFile(store cas.Database, id dataid.DataID) ([]byte, error) {
	obj, ok, err := store.Get(context.Background(), id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("filetree: object %s not found", id)
	}
	if len(obj.Refs) == 0 {
		return obj.Data, nil
	}
	header, err := decodeFileHeader(obj.Data)
	if err != nil {
		return nil, fmt.Errorf("filetree: decode file header for %s: %w", id, err)
	}
	out := make([]byte, 0, header.Size)
	for i, ref := range obj.Refs {
		chunkObj, ok, err := store.Get(context.Background(), ref)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("filetree: chunk %d (%s) not found", i, ref)
		}
		isLast := i == len(obj.Refs)-1
		if !isLast && int64(len(chunkObj.Data)) != header.ChunkSize {
			return nil, fmt.Errorf("filetree: chunk %d has size %d, want %d", i, len(chunkObj.Data), header.ChunkSize)
		}
		out = append(out, chunkObj.Data...)
	}
	if int64(len(out)) != header.Size {
		return nil, fmt.Errorf("filetree: reassembled size %d does not match header size %d", len(out), header.Size)
	}
	return out, nil
}

func encodeFileHeader(h FileHeader) []byte {
	var out []byte
	out = appendUint64(out, uint64(h.Type))
	out = appendUint64(out, uint64(h.ChunkSize))
	out = appendUint64(out, uint64(h.Size))
	out = appendString(out, h.Compression)
	return out
}

func decodeFileHeader(b []byte) (FileHeader, error) {
	var h FileHeader
	typ, rest, err := readUint64(b)
	if err != nil {
		return h, err
	}
	chunkSize, rest, err := readUint64(rest)
	if err != nil {
		return h, err
	}
	size, rest, err := readUint64(rest)
	if err != nil {
		return h, err
	}
	compression, rest, err := readString(rest)
	if err != nil {
		return h, err
	}
	if len(rest) != 0 {
		return h, fmt.Errorf("trailing bytes in file header")
	}
	h.Type = EntryType(typ)
	h.ChunkSize = int64(chunkSize)
	h.Size = int64(size)
	h.Compression = compression
	return h, nil
}

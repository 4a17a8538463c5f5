// Package dataid implements the content identifier used throughout the
// content-addressed store: a kind-tagged BLAKE3 digest with a total
// order and a stable debug form.
package dataid

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"sort"

	"lukechampine.com/blake3"
)

// Kind distinguishes how a DataID's digest was produced. Only KindHash
// is defined today; the byte is reserved so future identifier flavours
// (e.g. a remote-addressed id) can be introduced without breaking the
// wire format.
type Kind byte

const (
	// KindHash marks a DataID whose digest is a direct BLAKE3 hash of
	// referenced content.
	KindHash Kind = 0
)

// Size is the total encoded length of a DataID: one kind byte followed
// by a 32-byte digest.
const Size = 1 + 32

// DataID is an opaque 33-byte content identifier: one leading kind byte
// followed by 32 raw hash bytes. Equal DataIDs denote equal referenced
// content.
type DataID struct {
	kind   Kind
	digest [32]byte
}

// Nil is the zero-value DataID. Identify never produces it (New does
// only when given the zero kind and an all-zero digest); it exists only as an explicit "no id" sentinel for callers that
// need one (e.g. an absent chained log).
var Nil DataID

// New constructs a DataID directly from a kind and a 32-byte digest.
// It does not hash anything; use Identify to derive an id from content.
func New(kind Kind, digest [32]byte) DataID {
	return DataID{kind: kind, digest: digest}
}

// Identify computes the DataID for a CASObject's content: the BLAKE3
// hash of the concatenation of each ref's encoded bytes followed by
// data. It performs no I/O and has no side effects, matching the CAS
// database's identify(refs, data) contract.
func Identify(refs []DataID, data []byte) DataID {
	h := blake3.New(32, nil)
	for _, r := range refs {
		h.Write(r.Bytes())
	}
	h.Write(data)
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return New(KindHash, digest)
}

// Kind reports the identifier's kind byte.
func (id DataID) Kind() Kind { return id.kind }

// Digest returns the raw 32-byte digest.
func (id DataID) Digest() [32]byte { return id.digest }

// IsZero reports whether id is the zero value.
func (id DataID) IsZero() bool { return id == Nil }

// Bytes returns the 33-byte wire encoding: kind byte then digest.
func (id DataID) Bytes() []byte {
	out := make([]byte, Size)
	out[0] = byte(id.kind)
	copy(out[1:], id.digest[:])
	return out
}

// FromBytes decodes a 33-byte wire encoding produced by Bytes.
func FromBytes(b []byte) (DataID, error) {
	if len(b) != Size {
		return DataID{}, fmt.Errorf("dataid: invalid length %d, want %d", len(b), Size)
	}
	var id DataID
	id.kind = Kind(b[0])
	copy(id.digest[:], b[1:])
	return id, nil
}

// String renders the debug form "<kind>~base64url(digest)", e.g.
// "0~<digest>" for a direct hash.
func (id DataID) String() string {
	return fmt.Sprintf("%d~%s", id.kind, base64.RawURLEncoding.EncodeToString(id.digest[:]))
}

// Equal reports whether id and other denote the same content.
func (id DataID) Equal(other DataID) bool {
	return id.kind == other.kind && id.digest == other.digest
}

// Less implements the DataID total order: lexicographic by length then
// bytes. Since all DataIDs share Size, this reduces to a byte-wise
// comparison of the encoded form.
func (id DataID) Less(other DataID) bool {
	return bytes.Compare(id.Bytes(), other.Bytes()) < 0
}

// Compare returns -1, 0, or 1 per the DataID total order.
func Compare(a, b DataID) int {
	return bytes.Compare(a.Bytes(), b.Bytes())
}

// MarshalText implements encoding.TextMarshaler using the debug form,
// so DataIDs serialise legibly inside JSON-encoded structures (graph
// files, trace events, cache pointer files).
func (id DataID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses the debug form produced by MarshalText.
func (id *DataID) UnmarshalText(text []byte) error {
	s := string(text)
	var kind int
	var rest string
	n, err := fmt.Sscanf(s, "%d~", &kind)
	if err != nil || n != 1 {
		return fmt.Errorf("dataid: invalid text form %q", s)
	}
	idx := bytes.IndexByte(text, '~')
	if idx < 0 {
		return fmt.Errorf("dataid: invalid text form %q", s)
	}
	rest = s[idx+1:]
	digestBytes, err := base64.RawURLEncoding.DecodeString(rest)
	if err != nil {
		return fmt.Errorf("dataid: invalid digest encoding: %w", err)
	}
	if len(digestBytes) != 32 {
		return fmt.Errorf("dataid: invalid digest length %d", len(digestBytes))
	}
	var digest [32]byte
	copy(digest[:], digestBytes)
	id.kind = Kind(kind)
	id.digest = digest
	return nil
}

// GobEncode implements gob.GobEncoder so a DataID round-trips through
// encoding/gob like any other field, even though kind/digest are
// unexported; without this, gob silently drops both.
func (id DataID) GobEncode() ([]byte, error) {
	return id.Bytes(), nil
}

// GobDecode implements gob.GobDecoder, the inverse of GobEncode.
func (id *DataID) GobDecode(b []byte) error {
	v, err := FromBytes(b)
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// SortDataIDs sorts ids in place by the total order, used anywhere a
// set of ids must be hashed or serialised deterministically.
func SortDataIDs(ids []DataID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

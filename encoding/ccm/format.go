// Package ccm implements the cell count matrix store: a single-file,
// immutable, sparse cell-by-feature matrix with random access to row and
// column postings and to per-row and per-feature metadata.
//
// The file is a recordio with zstd-transformed blocks in four sections:
// row-major postings, column-major postings, row metadata, and column
// metadata.  Postings blocks hold length-prefixed per-row (or per-column)
// groups of varint-delta-encoded (minor id, count) pairs.  The recordio
// trailer carries a JSON index of block byte offsets, protected by a magic
// number and a seahash, so any column's or row's block can be located and
// read without touching the rest of the file.  Writes are append-only;
// Finalize writes the trailer and is the single commit point.  A crashed
// or cancelled write leaves a file with no valid trailer, which Open
// rejects.
package ccm

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"blainsmith.com/go/seahash"
)

// Magic identifies a CCM trailer.
const Magic = uint64(0x63636d31_9d8a7b6c)

// Version is the current format version string.  Readers reject files
// written by a different major version.
const Version = "CCM1"

// ErrCorrupt is the classification for stores whose trailer, checksum, or
// header fails validation on open.  A corrupt store cannot be repaired;
// rebuild it from the source fragments.
var ErrCorrupt = errors.New("corrupt matrix store")

// blockIndexEntry locates one postings block.
type blockIndexEntry struct {
	// StartMajor is the major id (row for the row section, column for the
	// column section) of the first group in the block; LimitMajor is one
	// past the last.
	StartMajor int32
	LimitMajor int32
	// NumEntries is the number of (minor, count) pairs in the block.
	NumEntries int64
	// Offset is the recordio block location, as reported by the writer's
	// index callback and understood by Scanner.Seek.
	Offset uint64
}

// metaBlockIndexEntry locates one metadata block covering ids
// [Start, Limit).
type metaBlockIndexEntry struct {
	Start  int32
	Limit  int32
	Offset uint64
}

// chromEntry mirrors interval.Chrom in the trailer.
type chromEntry struct {
	Name   string
	Length int32
}

// storeIndex is the trailer of a CCM file.
type storeIndex struct {
	Version string
	Rows    int64
	Cols    int64
	// Entries is the number of stored (row, col) pairs; identical for the
	// row and column sections.
	Entries int64
	// Fragments/Malformed/DroppedIntervals record the ingestion totals the
	// run reported, for provenance.
	Fragments        int64
	Malformed        int64
	DroppedIntervals int64

	Chroms []chromEntry

	RowBlocks     []blockIndexEntry
	ColBlocks     []blockIndexEntry
	RowMetaBlocks []metaBlockIndexEntry
	ColMetaBlocks []metaBlockIndexEntry
}

// trailerFixedSize is the byte length of the fixed part preceding the JSON
// payload: magic and seahash, little endian.
const trailerFixedSize = 16

func marshalTrailer(index *storeIndex) ([]byte, error) {
	payload, err := json.Marshal(index)
	if err != nil {
		return nil, err
	}
	trailer := make([]byte, trailerFixedSize+len(payload))
	binary.LittleEndian.PutUint64(trailer[0:8], Magic)
	binary.LittleEndian.PutUint64(trailer[8:16], checksum(payload))
	copy(trailer[trailerFixedSize:], payload)
	return trailer, nil
}

func unmarshalTrailer(trailer []byte) (*storeIndex, error) {
	if len(trailer) < trailerFixedSize {
		return nil, fmt.Errorf("%w: trailer too short (%d bytes)", ErrCorrupt, len(trailer))
	}
	if magic := binary.LittleEndian.Uint64(trailer[0:8]); magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %x", ErrCorrupt, magic)
	}
	payload := trailer[trailerFixedSize:]
	if sum := binary.LittleEndian.Uint64(trailer[8:16]); sum != checksum(payload) {
		return nil, fmt.Errorf("%w: index checksum mismatch", ErrCorrupt)
	}
	index := &storeIndex{}
	if err := json.Unmarshal(payload, index); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if index.Version != Version {
		return nil, fmt.Errorf("%w: version %q, want %q", ErrCorrupt, index.Version, Version)
	}
	if index.Rows < 0 || index.Cols < 0 || index.Entries < 0 {
		return nil, fmt.Errorf("%w: negative dimension", ErrCorrupt)
	}
	return index, nil
}

func checksum(data []byte) uint64 {
	h := seahash.New()
	h.Write(data) // nolint: errcheck
	return h.Sum64()
}

package ccm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"

	"github.com/scgenomics/cellmat/interval"
)

// RowCount is one column posting: a row and its count.
type RowCount struct {
	Row   int32
	Count uint32
}

// ColCount is one row posting: a column and its count.
type ColCount struct {
	Col   int32
	Count uint32
}

// Store is a read-only handle on a finalized CCM file.  All methods are
// side-effect free and safe for concurrent use; each read opens its own
// scanner over the file.
type Store struct {
	path   string
	index  *storeIndex
	genome *interval.Genome

	rowSumsOnce sync.Once
	rowSums     []uint64
	rowSumsErr  error
	colSumsOnce sync.Once
	colSums     []uint64
	colSumsErr  error
}

// Open validates the trailer of the store at path and returns a handle.
// Header, checksum, or version mismatches return an error wrapping
// ErrCorrupt.
func Open(ctx context.Context, path string) (s *Store, err error) {
	recordiozstd.Init()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, path)
	}
	// Named return: a close error must not be lost on the success path.
	defer file.CloseAndReport(ctx, in, &err)
	rio := recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{})
	header := rio.Header()
	if err := rio.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if !header.HasTrailer() {
		return nil, fmt.Errorf("%w: %s: no trailer", ErrCorrupt, path)
	}
	index, err := unmarshalTrailer(rio.Trailer())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	chroms := make([]interval.Chrom, len(index.Chroms))
	for i, c := range index.Chroms {
		chroms[i] = interval.Chrom{Name: c.Name, Length: interval.PosType(c.Length)}
	}
	genome, err := interval.NewGenome(chroms)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return &Store{path: path, index: index, genome: genome}, nil
}

// Rows returns the number of matrix rows (cells).
func (s *Store) Rows() int { return int(s.index.Rows) }

// Cols returns the number of matrix columns (features).
func (s *Store) Cols() int { return int(s.index.Cols) }

// Entries returns the number of stored nonzero entries.
func (s *Store) Entries() int64 { return s.index.Entries }

// Genome returns the chromosome table the matrix was built against.
func (s *Store) Genome() *interval.Genome { return s.genome }

// IngestStats returns the provenance counters recorded at build time:
// accepted fragments, malformed lines, and dropped intervals.
func (s *Store) IngestStats() (fragments, malformed, droppedIntervals int64) {
	return s.index.Fragments, s.index.Malformed, s.index.DroppedIntervals
}

// readBlock reads and decompresses the recordio block at the given
// location.  The returned bytes are owned by the caller.
func (s *Store) readBlock(offset uint64) (data []byte, err error) {
	ctx := context.Background()
	in, err := file.Open(ctx, s.path)
	if err != nil {
		return nil, errors.E(err, s.path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	rio := recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{})
	rio.Seek(recordio.ItemLocation{Block: offset, Item: 0})
	if !rio.Scan() {
		if err := rio.Err(); err != nil {
			return nil, errors.E(err, s.path)
		}
		return nil, fmt.Errorf("%w: %s: no block at offset %d", ErrCorrupt, s.path, offset)
	}
	return append([]byte(nil), rio.Get().([]byte)...), nil
}

// findPostingsBlock returns the index entry of the postings block holding
// major's group, or nil if major has no postings.
func findPostingsBlock(blocks []blockIndexEntry, major int32) *blockIndexEntry {
	i := sort.Search(len(blocks), func(i int) bool { return blocks[i].StartMajor > major })
	if i == 0 {
		return nil
	}
	b := &blocks[i-1]
	if major >= b.LimitMajor {
		return nil
	}
	return b
}

// scanPostings decodes the groups of one postings block, calling visit for
// each (major, minor, count).  If only >= 0, groups of other majors are
// skipped without decoding.
func scanPostings(data []byte, startMajor int32, only int32, visit func(major, minor int32, count uint32)) {
	var b byteBuffer
	b.resetRead(data)
	// The first group's major delta is always zero relative to the block's
	// StartMajor, so a single accumulator covers every group.
	major := startMajor
	for b.remaining() > 0 {
		major += int32(b.Uvarint32())
		n := b.Uvarint64()
		byteLen := b.Uvarint64()
		if only >= 0 && major != only {
			b.RawBytes(int(byteLen))
			continue
		}
		var minor int32
		for i := uint64(0); i < n; i++ {
			minor += int32(b.Uvarint32())
			count := b.Uvarint32()
			visit(major, minor, count)
		}
		if only >= 0 {
			return
		}
	}
}

// Column returns the postings of column j: the rows with a nonzero count,
// in increasing row order.  A valid column with no entries returns nil.
func (s *Store) Column(j int) ([]RowCount, error) {
	if j < 0 || j >= s.Cols() {
		return nil, fmt.Errorf("ccm.Column %s: column %d out of range [0,%d)", s.path, j, s.Cols())
	}
	b := findPostingsBlock(s.index.ColBlocks, int32(j))
	if b == nil {
		return nil, nil
	}
	data, err := s.readBlock(b.Offset)
	if err != nil {
		return nil, err
	}
	var postings []RowCount
	scanPostings(data, b.StartMajor, int32(j), func(_, minor int32, count uint32) {
		postings = append(postings, RowCount{Row: minor, Count: count})
	})
	return postings, nil
}

// Row returns the postings of row i: the columns with a nonzero count, in
// increasing column order.  A valid row with no entries returns nil.
func (s *Store) Row(i int) ([]ColCount, error) {
	if i < 0 || i >= s.Rows() {
		return nil, fmt.Errorf("ccm.Row %s: row %d out of range [0,%d)", s.path, i, s.Rows())
	}
	b := findPostingsBlock(s.index.RowBlocks, int32(i))
	if b == nil {
		return nil, nil
	}
	data, err := s.readBlock(b.Offset)
	if err != nil {
		return nil, err
	}
	var postings []ColCount
	scanPostings(data, b.StartMajor, int32(i), func(_, minor int32, count uint32) {
		postings = append(postings, ColCount{Col: minor, Count: count})
	})
	return postings, nil
}

// decodeRowMetaBlock decodes one row metadata block, calling visit for
// each row in order.
func decodeRowMetaBlock(data []byte, start, limit int32, visit func(row int32, meta RowMeta)) {
	var b byteBuffer
	b.resetRead(data)
	var prev []byte
	for row := start; row < limit; row++ {
		prefix := int(b.Uvarint64())
		suffixLen := int(b.Uvarint64())
		barcode := make([]byte, prefix+suffixLen)
		copy(barcode, prev[:prefix])
		copy(barcode[prefix:], b.RawBytes(suffixLen))
		prev = barcode
		meta := RowMeta{
			Barcode:   string(barcode),
			Total:     b.Uvarint64(),
			Fragments: b.Uvarint64(),
		}
		visit(row, meta)
	}
}

// decodeColMetaBlock decodes one column metadata block.
func (s *Store) decodeColMetaBlock(data []byte, start, limit int32, visit func(col int32, meta ColMeta)) {
	var b byteBuffer
	b.resetRead(data)
	var prevStart int64
	for col := start; col < limit; col++ {
		chromID := int(b.Uvarint64())
		ivStart := prevStart + b.Varint64()
		length := b.Uvarint64()
		prevStart = ivStart
		meta := ColMeta{
			Interval: interval.Interval{
				Chrom: s.index.Chroms[chromID].Name,
				Start: interval.PosType(ivStart),
				End:   interval.PosType(ivStart + int64(length)),
			},
			Sum: b.Uvarint64(),
		}
		visit(col, meta)
	}
}

func findMetaBlock(blocks []metaBlockIndexEntry, id int32) *metaBlockIndexEntry {
	i := sort.Search(len(blocks), func(i int) bool { return blocks[i].Start > id })
	if i == 0 {
		return nil
	}
	b := &blocks[i-1]
	if id >= b.Limit {
		return nil
	}
	return b
}

// RowMeta returns the metadata record of row i.
func (s *Store) RowMeta(i int) (RowMeta, error) {
	if i < 0 || i >= s.Rows() {
		return RowMeta{}, fmt.Errorf("ccm.RowMeta %s: row %d out of range [0,%d)", s.path, i, s.Rows())
	}
	b := findMetaBlock(s.index.RowMetaBlocks, int32(i))
	if b == nil {
		return RowMeta{}, fmt.Errorf("%w: %s: no metadata block for row %d", ErrCorrupt, s.path, i)
	}
	data, err := s.readBlock(b.Offset)
	if err != nil {
		return RowMeta{}, err
	}
	var result RowMeta
	decodeRowMetaBlock(data, b.Start, int32(i)+1, func(row int32, meta RowMeta) {
		if row == int32(i) {
			result = meta
		}
	})
	return result, nil
}

// ColMeta returns the metadata record of column j.
func (s *Store) ColMeta(j int) (ColMeta, error) {
	if j < 0 || j >= s.Cols() {
		return ColMeta{}, fmt.Errorf("ccm.ColMeta %s: column %d out of range [0,%d)", s.path, j, s.Cols())
	}
	b := findMetaBlock(s.index.ColMetaBlocks, int32(j))
	if b == nil {
		return ColMeta{}, fmt.Errorf("%w: %s: no metadata block for column %d", ErrCorrupt, s.path, j)
	}
	data, err := s.readBlock(b.Offset)
	if err != nil {
		return ColMeta{}, err
	}
	var result ColMeta
	s.decodeColMetaBlock(data, b.Start, int32(j)+1, func(col int32, meta ColMeta) {
		if col == int32(j) {
			result = meta
		}
	})
	return result, nil
}

// ForEachRowMeta streams every row metadata record in row order.
func (s *Store) ForEachRowMeta(visit func(row int32, meta RowMeta)) error {
	for _, b := range s.index.RowMetaBlocks {
		data, err := s.readBlock(b.Offset)
		if err != nil {
			return err
		}
		decodeRowMetaBlock(data, b.Start, b.Limit, visit)
	}
	return nil
}

// ForEachColMeta streams every column metadata record in column order.
func (s *Store) ForEachColMeta(visit func(col int32, meta ColMeta)) error {
	for _, b := range s.index.ColMetaBlocks {
		data, err := s.readBlock(b.Offset)
		if err != nil {
			return err
		}
		s.decodeColMetaBlock(data, b.Start, b.Limit, visit)
	}
	return nil
}

package ccm

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/grailbio/base/vcontext"
	"v.io/x/lib/vlog"

	"github.com/scgenomics/cellmat/interval"
)

// DefaultMaxBlockSize is the default pre-compression postings block size.
const DefaultMaxBlockSize = 1 << 20

// WriteOpts defines options for NewWriter.
type WriteOpts struct {
	// MaxBlockSize limits the pre-compression size of a block.  A single
	// row's or column's postings never span blocks, so a block may exceed
	// this when one group alone does.  If <= 0, DefaultMaxBlockSize is
	// used.
	MaxBlockSize int

	// Transformers defines the recordio block transformers.  If empty,
	// {"zstd"} is used.
	Transformers []string
}

// RowMeta is the per-cell metadata record.
type RowMeta struct {
	Barcode string
	// Total is the sum of the row's matrix entries.
	Total uint64
	// Fragments is the number of fragment records accepted for the cell.
	Fragments uint64
}

// ColMeta is the per-feature metadata record.
type ColMeta struct {
	Interval interval.Interval
	// Sum is the sum of the column's matrix entries.
	Sum uint64
}

// Section ids, in required write order.
const (
	sectionRowPostings = iota
	sectionColPostings
	sectionRowMeta
	sectionColMeta
	numSections
)

var sectionNames = [numSections]string{"row postings", "column postings", "row metadata", "column metadata"}

// block is one buffered recordio block plus the index entry fields that
// are only known when the recordio layer reports its file offset.
type block struct {
	section    int
	start      int32
	limit      int32
	numEntries int64
	buf        *byteBuffer
}

// Writer builds a CCM file.  Sections must be written in order: row
// postings in increasing (row, col), column postings in increasing
// (col, row), then one RowMeta per row and one ColMeta per column.
// Finalize writes the trailer; without it the file is not a valid store.
//
// Any error is sticky and returned from Finalize.
type Writer struct {
	opts  WriteOpts
	path  string
	out   file.File
	rio   recordio.Writer
	err   errors.Once
	index storeIndex

	section int
	// Current postings group (one row's or column's entries).
	groupBuf   byteBuffer
	groupMajor int32 // -1 when no group is open
	groupN     int64
	prevMinor  int32
	// Current block being assembled.
	blockBuf        *byteBuffer
	blockStart      int32
	blockPrevMajor  int32
	blockEntries    int64
	sectionEntries  [numSections]int64
	lastMajor       int32 // last (major) written in the current section
	lastMinor       int32
	sectionHasPrev  bool
	rowMetaPrev      []byte // previous barcode, for prefix delta
	colMetaPrevStart int64  // previous column start, for varint delta
	rowMetaBlockLen  int    // records in the current meta block
	metaStart        int32

	chromIDs map[string]int

	indexMu sync.Mutex
	bufPool sync.Pool
}

// NewWriter creates a CCM writer for a matrix with the given dimensions.
// genome records the chromosome table column metadata refers to.
func NewWriter(path string, genome *interval.Genome, rows, cols int, opts WriteOpts) (*Writer, error) {
	if opts.MaxBlockSize <= 0 {
		opts.MaxBlockSize = DefaultMaxBlockSize
	}
	if len(opts.Transformers) == 0 {
		opts.Transformers = []string{recordiozstd.Name}
	}
	recordiozstd.Init()
	ctx := vcontext.Background()
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		opts:       opts,
		path:       path,
		out:        out,
		groupMajor: -1,
		bufPool:    sync.Pool{New: func() interface{} { return &byteBuffer{} }},
	}
	w.index.Version = Version
	w.index.Rows = int64(rows)
	w.index.Cols = int64(cols)
	w.chromIDs = make(map[string]int, genome.NumChroms())
	for i := 0; i < genome.NumChroms(); i++ {
		c := genome.Chrom(i)
		w.index.Chroms = append(w.index.Chroms, chromEntry{Name: c.Name, Length: int32(c.Length)})
		w.chromIDs[c.Name] = i
	}
	w.blockBuf = w.newBuf()
	w.rio = recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{
		Transformers: opts.Transformers,
		Marshal: func(scratch []byte, v interface{}) ([]byte, error) {
			return v.(*block).buf.Bytes(), nil
		},
		Index: w.indexCallback,
	})
	w.rio.AddHeader(recordio.KeyTrailer, true)
	return w, nil
}

func (w *Writer) newBuf() *byteBuffer {
	b := w.bufPool.Get().(*byteBuffer)
	b.reset()
	return b
}

func (w *Writer) indexCallback(loc recordio.ItemLocation, v interface{}) error {
	b := v.(*block)
	if loc.Item != 0 { // single-item-per-block recordio
		vlog.Fatal(loc)
	}
	w.indexMu.Lock()
	switch b.section {
	case sectionRowPostings:
		w.index.RowBlocks = append(w.index.RowBlocks, blockIndexEntry{
			StartMajor: b.start, LimitMajor: b.limit, NumEntries: b.numEntries, Offset: loc.Block})
	case sectionColPostings:
		w.index.ColBlocks = append(w.index.ColBlocks, blockIndexEntry{
			StartMajor: b.start, LimitMajor: b.limit, NumEntries: b.numEntries, Offset: loc.Block})
	case sectionRowMeta:
		w.index.RowMetaBlocks = append(w.index.RowMetaBlocks, metaBlockIndexEntry{
			Start: b.start, Limit: b.limit, Offset: loc.Block})
	case sectionColMeta:
		w.index.ColMetaBlocks = append(w.index.ColMetaBlocks, metaBlockIndexEntry{
			Start: b.start, Limit: b.limit, Offset: loc.Block})
	}
	w.indexMu.Unlock()
	w.bufPool.Put(b.buf)
	return nil
}

// advance moves the writer to the given section, closing out the previous
// one.  Sections may be empty but never revisited.
func (w *Writer) advance(section int) {
	for w.section < section {
		switch w.section {
		case sectionRowPostings, sectionColPostings:
			w.closeGroup()
			w.flushPostingsBlock()
		case sectionRowMeta, sectionColMeta:
			w.flushMetaBlock()
		}
		w.section++
		w.sectionHasPrev = false
		w.rowMetaPrev = w.rowMetaPrev[:0]
		w.colMetaPrevStart = 0
		w.metaStart = 0
	}
	if w.section != section {
		w.err.Set(fmt.Errorf("ccm.Writer %s: %s written after %s", w.path,
			sectionNames[section], sectionNames[w.section]))
	}
}

// PutRowEntry appends one row-major posting.  Calls must be in strictly
// increasing (row, col) order.
func (w *Writer) PutRowEntry(row, col int32, count uint32) {
	w.advance(sectionRowPostings)
	w.putPosting(row, col, count)
}

// PutColEntry appends one column-major posting.  Calls must be in strictly
// increasing (col, row) order, after all PutRowEntry calls.
func (w *Writer) PutColEntry(col, row int32, count uint32) {
	w.advance(sectionColPostings)
	w.putPosting(col, row, count)
}

func (w *Writer) putPosting(major, minor int32, count uint32) {
	if count == 0 {
		w.err.Set(fmt.Errorf("ccm.Writer %s: zero count at (%d,%d)", w.path, major, minor))
		return
	}
	if w.sectionHasPrev {
		if major < w.lastMajor || (major == w.lastMajor && minor <= w.lastMinor) {
			w.err.Set(fmt.Errorf("ccm.Writer %s: %s key (%d,%d) not increasing after (%d,%d)",
				w.path, sectionNames[w.section], major, minor, w.lastMajor, w.lastMinor))
			return
		}
	}
	w.sectionHasPrev = true
	w.lastMajor, w.lastMinor = major, minor
	if major != w.groupMajor {
		w.closeGroup()
		if w.blockBuf.Len() >= w.opts.MaxBlockSize {
			w.flushPostingsBlock()
		}
		w.groupMajor = major
		w.groupN = 0
		w.prevMinor = 0
		if w.blockEntries == 0 && w.groupBuf.Len() == 0 && w.blockBuf.Len() == 0 {
			w.blockStart = major
			w.blockPrevMajor = major
		}
	}
	if w.groupN == 0 {
		w.groupBuf.PutUvarint(uint64(minor))
	} else {
		w.groupBuf.PutUvarint(uint64(minor - w.prevMinor))
	}
	w.prevMinor = minor
	w.groupBuf.PutUvarint(uint64(count))
	w.groupN++
}

// closeGroup appends the open group, if any, to the block buffer:
// uvarint major delta, uvarint entry count, uvarint byte length, entries.
func (w *Writer) closeGroup() {
	if w.groupMajor < 0 {
		return
	}
	w.blockBuf.PutUvarint(uint64(w.groupMajor - w.blockPrevMajor))
	w.blockBuf.PutUvarint(uint64(w.groupN))
	w.blockBuf.PutUvarint(uint64(w.groupBuf.Len()))
	w.blockBuf.PutBytes(w.groupBuf.Bytes())
	w.blockPrevMajor = w.groupMajor
	w.blockEntries += w.groupN
	w.sectionEntries[w.section] += w.groupN
	w.groupBuf.reset()
	w.groupMajor = -1
	w.groupN = 0
}

func (w *Writer) flushPostingsBlock() {
	if w.blockEntries == 0 {
		return
	}
	b := &block{
		section:    w.section,
		start:      w.blockStart,
		limit:      w.blockPrevMajor + 1,
		numEntries: w.blockEntries,
		buf:        w.blockBuf,
	}
	w.rio.Append(b)
	w.rio.Flush()
	w.blockBuf = w.newBuf()
	w.blockEntries = 0
}

// PutRowMeta appends metadata for the next row.  Must be called exactly
// once per row, in row order, after the postings sections.
func (w *Writer) PutRowMeta(meta RowMeta) {
	w.advance(sectionRowMeta)
	prefix, delta := commonPrefix(string(w.rowMetaPrev), meta.Barcode)
	w.blockBuf.PutUvarint(uint64(prefix))
	w.blockBuf.PutUvarint(uint64(len(delta)))
	w.blockBuf.PutString(delta)
	w.blockBuf.PutUvarint(meta.Total)
	w.blockBuf.PutUvarint(meta.Fragments)
	w.rowMetaPrev = append(w.rowMetaPrev[:0], meta.Barcode...)
	w.finishMetaRecord()
}

// PutColMeta appends metadata for the next column, in column order.
func (w *Writer) PutColMeta(meta ColMeta) {
	w.advance(sectionColMeta)
	chromID, found := w.chromIDs[meta.Interval.Chrom]
	if !found {
		w.err.Set(fmt.Errorf("ccm.Writer %s: column chromosome %q not in genome", w.path, meta.Interval.Chrom))
		return
	}
	w.blockBuf.PutUvarint(uint64(chromID))
	w.blockBuf.PutVarint(int64(meta.Interval.Start) - w.colMetaPrevStart)
	w.colMetaPrevStart = int64(meta.Interval.Start)
	w.blockBuf.PutUvarint(uint64(meta.Interval.End - meta.Interval.Start))
	w.blockBuf.PutUvarint(meta.Sum)
	w.finishMetaRecord()
}

func (w *Writer) finishMetaRecord() {
	w.rowMetaBlockLen++
	w.sectionEntries[w.section]++
	if w.blockBuf.Len() >= w.opts.MaxBlockSize {
		w.flushMetaBlock()
	}
}

func (w *Writer) flushMetaBlock() {
	if w.rowMetaBlockLen == 0 {
		return
	}
	b := &block{
		section: w.section,
		start:   w.metaStart,
		limit:   w.metaStart + int32(w.rowMetaBlockLen),
		buf:     w.blockBuf,
	}
	w.rio.Append(b)
	w.rio.Flush()
	w.blockBuf = w.newBuf()
	w.metaStart = b.limit
	w.rowMetaBlockLen = 0
	// Deltas restart at block boundaries so a block can be decoded alone.
	w.rowMetaPrev = w.rowMetaPrev[:0]
	w.colMetaPrevStart = 0
}

// SetIngestStats records ingestion provenance counters in the trailer.
func (w *Writer) SetIngestStats(fragments, malformed, droppedIntervals int64) {
	w.index.Fragments = fragments
	w.index.Malformed = malformed
	w.index.DroppedIntervals = droppedIntervals
}

// Finalize validates section totals, writes the trailer, and closes the
// file.  It is the single commit point; on any error the file is left
// without a valid trailer and Open will reject it.
func (w *Writer) Finalize() error {
	ctx := vcontext.Background()
	w.advance(numSections - 1)
	w.flushMetaBlock()
	w.section = numSections
	w.rio.Wait()
	if w.sectionEntries[sectionRowPostings] != w.sectionEntries[sectionColPostings] {
		w.err.Set(fmt.Errorf("ccm.Writer %s: %d row-major vs %d column-major entries",
			w.path, w.sectionEntries[sectionRowPostings], w.sectionEntries[sectionColPostings]))
	}
	if n := w.sectionEntries[sectionRowMeta]; n != w.index.Rows {
		w.err.Set(fmt.Errorf("ccm.Writer %s: %d row metadata records, want %d", w.path, n, w.index.Rows))
	}
	if n := w.sectionEntries[sectionColMeta]; n != w.index.Cols {
		w.err.Set(fmt.Errorf("ccm.Writer %s: %d column metadata records, want %d", w.path, n, w.index.Cols))
	}
	w.index.Entries = w.sectionEntries[sectionRowPostings]
	if w.err.Err() == nil {
		trailer, err := marshalTrailer(&w.index)
		w.err.Set(err)
		if err == nil {
			w.rio.SetTrailer(trailer)
		}
	}
	w.err.Set(w.rio.Finish())
	w.err.Set(w.out.Close(ctx))
	return w.err.Err()
}

// commonPrefix returns the shared-prefix length of prev and cur, and cur's
// remainder.
func commonPrefix(prev, cur string) (int, string) {
	minLen := len(prev)
	if len(cur) < minLen {
		minLen = len(cur)
	}
	var i int
	for i = 0; i < minLen; i++ {
		if prev[i] != cur[i] {
			break
		}
	}
	return i, cur[i:]
}

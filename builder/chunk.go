package builder

import (
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/vcontext"
	"v.io/x/lib/vlog"
)

// Chunk files are the temp spill format of the builder.  A chunk is a
// recordio whose blocks each hold a run of fixed-size accumulator entries,
// snappy-compressed, sorted by cellKey with at most one entry per key:
//
//   key   uint64  // row<<32 | col
//   count uint32
//
// There is no padding between entries and no per-file index; chunks are
// only ever read back sequentially by the k-way merge and deleted
// afterwards.

// cellKey orders accumulator entries by (row, col).
type cellKey uint64

func makeKey(row, col int32) cellKey {
	return cellKey(uint64(uint32(row))<<32 | uint64(uint32(col)))
}

func (k cellKey) split() (row, col int32) {
	return int32(k >> 32), int32(k & 0xffffffff)
}

// transpose swaps the row and column halves of the key.  Sorting
// transposed keys yields column-major order.
func (k cellKey) transpose() cellKey {
	return k<<32 | k>>32
}

// entry is one accumulator cell.
type entry struct {
	key   cellKey
	count uint32
}

const entrySize = 12
const chunkBlockSize = 1 << 20 // pre-compression size of one chunk block

// chunkBlock is a reusable serialization buffer.
type chunkBlock []byte

// chunkBlockPool is a freepool of chunkBlocks shared between writers,
// readers, and the snappy coder.
type chunkBlockPool struct {
	sync.Pool
}

func newChunkBlockPool() *chunkBlockPool {
	return &chunkBlockPool{sync.Pool{New: func() interface{} { return chunkBlock{} }}}
}

func (p *chunkBlockPool) getBuf() chunkBlock {
	b := p.Get().(chunkBlock)
	if cap(b) < chunkBlockSize {
		b = make(chunkBlock, chunkBlockSize)
	} else {
		b = b[:chunkBlockSize]
	}
	return b
}

func (p *chunkBlockPool) putBuf(b chunkBlock) {
	p.Put(b)
}

// chunkWriter writes sorted entries to one chunk file.  Any error is
// reported through the shared errors.Once.
type chunkWriter struct {
	rio     recordio.Writer
	pool    *chunkBlockPool
	err     *errors.Once
	buf     chunkBlock
	n       int // bytes used in buf
	lastKey cellKey
	started bool
}

func newChunkWriter(out io.Writer, pool *chunkBlockPool, errReporter *errors.Once) *chunkWriter {
	w := &chunkWriter{
		pool: pool,
		err:  errReporter,
		buf:  pool.getBuf(),
	}
	w.rio = recordio.NewWriter(out, recordio.WriterOpts{
		Marshal: func(scratch []byte, v interface{}) ([]byte, error) {
			return v.(chunkBlock), nil
		},
		Index: func(loc recordio.ItemLocation, v interface{}) error {
			if loc.Item != 0 { // single-item-per-block recordio
				vlog.Fatal(loc)
			}
			return nil
		},
	})
	return w
}

func (w *chunkWriter) add(e entry) {
	if w.started && e.key <= w.lastKey {
		vlog.Fatalf("chunk key %x not increasing, last %x", e.key, w.lastKey)
	}
	w.started = true
	w.lastKey = e.key
	if len(w.buf)-w.n < entrySize {
		w.flush()
	}
	binary.LittleEndian.PutUint64(w.buf[w.n:], uint64(e.key))
	binary.LittleEndian.PutUint32(w.buf[w.n+8:], e.count)
	w.n += entrySize
}

func (w *chunkWriter) flush() {
	if w.n == 0 {
		return
	}
	compressBuf := w.pool.getBuf()
	out := snappy.Encode(compressBuf, w.buf[:w.n])
	w.rio.Append(chunkBlock(out))
	w.rio.Flush()
	w.rio.Wait() // Index callback has run; both buffers can be reused.
	w.pool.putBuf(compressBuf)
	w.n = 0
}

// finish flushes pending entries and finalizes the recordio.  The writer
// becomes invalid after the call.
func (w *chunkWriter) finish() {
	w.flush()
	w.pool.putBuf(w.buf)
	w.buf = nil
	w.err.Set(w.rio.Finish())
}

// chunkReader streams a chunk file back in key order.  Blocks are
// prefetched and decompressed by a background goroutine, as in the shard
// readers this format descends from.
type chunkReader struct {
	path   string
	rawIn  file.File
	rio    recordio.Scanner
	pool   *chunkBlockPool
	err    *errors.Once
	cur    entry
	buf    chunkBlock // block being parsed
	off    int        // parse offset into buf
	ch     chan chunkBlock
	closed chan struct{}
	// draining becomes 1 on drain(); tells the prefetch goroutine to quit.
	draining int32
	started  bool
	lastKey  cellKey
}

func newChunkReader(path string, pool *chunkBlockPool, errReporter *errors.Once) *chunkReader {
	r := &chunkReader{
		path:   path,
		pool:   pool,
		err:    errReporter,
		ch:     make(chan chunkBlock),
		closed: make(chan struct{}),
	}
	ctx := vcontext.Background()
	var err error
	r.rawIn, err = file.Open(ctx, path)
	if err != nil {
		r.err.Set(errors.E(err, path))
		close(r.ch)
		close(r.closed)
		return r
	}
	r.rio = recordio.NewScanner(r.rawIn.Reader(ctx), recordio.ScannerOpts{})
	go func() {
		r.asyncRead()
		r.err.Set(r.rawIn.Close(ctx))
		close(r.ch)
		close(r.closed)
	}()
	return r
}

func (r *chunkReader) asyncRead() {
	for r.rio.Scan() && atomic.LoadInt32(&r.draining) == 0 {
		decoded := r.pool.getBuf()
		decoded, err := snappy.Decode(decoded, r.rio.Get().([]byte))
		if err != nil {
			r.err.Set(errors.E(err, r.path))
			break
		}
		r.ch <- decoded // this may block
	}
	r.err.Set(r.rio.Err())
}

// scan advances to the next entry, returning false at end of chunk.
func (r *chunkReader) scan() bool {
	if r.off >= len(r.buf) {
		if r.buf != nil {
			r.pool.putBuf(r.buf)
			r.buf = nil
		}
		buf, ok := <-r.ch
		if !ok {
			return false
		}
		r.buf = buf
		r.off = 0
	}
	if len(r.buf)-r.off < entrySize {
		r.err.Set(errors.New(r.path + ": truncated chunk block"))
		return false
	}
	r.cur.key = cellKey(binary.LittleEndian.Uint64(r.buf[r.off:]))
	r.cur.count = binary.LittleEndian.Uint32(r.buf[r.off+8:])
	r.off += entrySize
	if r.started && r.cur.key <= r.lastKey {
		vlog.Fatalf("%s: chunk key %x decreased, last %x", r.path, r.cur.key, r.lastKey)
	}
	r.started = true
	r.lastKey = r.cur.key
	return true
}

// head returns the current entry.
//
// REQUIRES: scan() returned true.
func (r *chunkReader) head() entry { return r.cur }

// drain cleans up a reader abandoned before end of chunk.  Safe to call
// after a completed scan as well.
func (r *chunkReader) drain() {
	atomic.StoreInt32(&r.draining, 1)
	go func() {
		n := 0
		for buf := range r.ch {
			r.pool.putBuf(buf)
			n++
		}
		if n > 0 {
			vlog.VI(1).Infof("drain %v: dropped %d blocks", r.path, n)
		}
	}()
}

// wait blocks until the prefetch goroutine has exited and the file is
// closed.
func (r *chunkReader) wait() { <-r.closed }

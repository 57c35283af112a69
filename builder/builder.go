package builder

import (
	"errors"
	"os"
	"sort"
	"sync"

	gerrors "github.com/grailbio/base/errors"
	"v.io/x/lib/vlog"

	"github.com/scgenomics/cellmat/fragio"
	"github.com/scgenomics/cellmat/interval"
)

// DefaultMaxEntries is the default accumulator size, in entries, before a
// chunk is spilled to disk.
const DefaultMaxEntries = 4 << 20

// DefaultFlushParallelism is the default number of background chunk
// writers per Builder.
const DefaultFlushParallelism = 2

// Options controls a Builder.
type Options struct {
	// MaxEntries bounds the in-memory accumulator; exceeding it spills a
	// sorted chunk.  If <= 0, DefaultMaxEntries is used.
	MaxEntries int

	// FlushParallelism limits the number of background chunk writers.  Max
	// memory consumption grows linearly with this value.  If <= 0,
	// DefaultFlushParallelism is used.
	FlushParallelism int

	// TmpDir is the directory for chunk files.  "" means the system
	// default.
	TmpDir string
}

// Stats counts what one Builder saw.
type Stats struct {
	// Fragments is the number of accepted fragment records.
	Fragments int64
	// DroppedIntervals counts fragments rejected by the feature index
	// (bad coordinates or unknown chromosome).
	DroppedIntervals int64
	// UnknownBarcodes counts fragments whose barcode is absent from a
	// frozen registry.
	UnknownBarcodes int64

	// rowFragments counts accepted fragments per row.  Kept here rather
	// than on the registry so a shared frozen registry stays read-only
	// and each ingestion run gets its own counters.
	rowFragments map[int32]int64
}

func (s *Stats) add(other Stats) {
	s.Fragments += other.Fragments
	s.DroppedIntervals += other.DroppedIntervals
	s.UnknownBarcodes += other.UnknownBarcodes
	if s.rowFragments == nil {
		s.rowFragments = make(map[int32]int64)
	}
	for row, n := range other.rowFragments {
		s.rowFragments[row] += n
	}
}

// Builder accumulates (row, col, count) triples for one input stream,
// spilling sorted chunks to keep memory bounded.  A Builder is not safe
// for concurrent use; run one Builder per worker and merge their chunks.
//
// Example:
//   b := NewBuilder(index, registry, Options{})
//   for reader.Scan() {
//     b.Accept(reader.Fragment())
//   }
//   chunks, stats, err := b.Close()
//   .. merge chunks from all builders ..
type Builder struct {
	cursor   *interval.Cursor
	registry *Registry
	opts     Options
	acc      map[cellKey]uint32
	ids      []int32 // Resolve scratch
	pool     *chunkBlockPool
	err      gerrors.Once
	bgCh     chan []entry
	wg       sync.WaitGroup
	stats    Stats

	mu     sync.Mutex
	chunks []string
}

// NewBuilder creates a Builder resolving fragments against index and
// assigning rows from registry.
func NewBuilder(index *interval.FeatureIndex, registry *Registry, opts Options) *Builder {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.FlushParallelism <= 0 {
		opts.FlushParallelism = DefaultFlushParallelism
	}
	b := &Builder{
		cursor:   index.NewCursor(),
		registry: registry,
		opts:     opts,
		acc:      make(map[cellKey]uint32),
		pool:     newChunkBlockPool(),
		bgCh:     make(chan []entry, opts.FlushParallelism),
		stats:    Stats{rowFragments: make(map[int32]int64)},
	}
	for i := 0; i < opts.FlushParallelism; i++ {
		b.wg.Add(1)
		go func() {
			for batch := range b.bgCh {
				path := writeChunk(batch, b.opts.TmpDir, b.pool, &b.err)
				if path != "" {
					b.mu.Lock()
					b.chunks = append(b.chunks, path)
					b.mu.Unlock()
				}
			}
			b.wg.Done()
		}()
	}
	return b
}

// Accept resolves the fragment and increments the accumulator for every
// overlapped feature.  Invalid intervals and (under a frozen registry)
// unknown barcodes are counted and dropped, never fatal.
func (b *Builder) Accept(frag *fragio.Fragment) {
	var err error
	b.ids, err = b.cursor.Resolve(frag.Interval(), b.ids[:0])
	if err != nil {
		if !errors.Is(err, interval.ErrInvalidInterval) {
			b.err.Set(err)
			return
		}
		if b.stats.DroppedIntervals == 0 {
			vlog.Errorf("dropping invalid fragment interval (counted, further drops logged at V=1): %v", err)
		} else {
			vlog.VI(1).Infof("dropping invalid fragment interval: %v", err)
		}
		b.stats.DroppedIntervals++
		return
	}
	row, ok := b.registry.row(frag.Barcode)
	if !ok {
		b.stats.UnknownBarcodes++
		return
	}
	b.stats.Fragments++
	b.stats.rowFragments[row]++
	for _, id := range b.ids {
		b.acc[makeKey(row, id)] += frag.Count
	}
	if len(b.acc) >= b.opts.MaxEntries {
		b.startFlush()
	}
}

func (b *Builder) startFlush() {
	batch := make([]entry, 0, len(b.acc))
	for k, c := range b.acc {
		batch = append(batch, entry{key: k, count: c})
	}
	b.acc = make(map[cellKey]uint32)
	b.bgCh <- batch
}

// Close flushes the accumulator residue and waits for background writers.
// It returns the chunk file paths in no particular order; the caller owns
// their deletion (MergeChunks and Ingest both remove them).  After Close
// the Builder is invalid.
func (b *Builder) Close() ([]string, Stats, error) {
	if len(b.acc) > 0 {
		b.startFlush()
	}
	close(b.bgCh)
	b.wg.Wait()
	if err := b.err.Err(); err != nil {
		removeAll(b.chunks)
		return nil, b.stats, err
	}
	return b.chunks, b.stats, nil
}

// writeChunk sorts a batch by key and writes it to a fresh temp chunk
// file, returning the path ("" on error; the error lands in errReporter).
func writeChunk(batch []entry, tmpDir string, pool *chunkBlockPool, errReporter *gerrors.Once) string {
	sort.Slice(batch, func(i, j int) bool { return batch[i].key < batch[j].key })
	temp, err := os.CreateTemp(tmpDir, "cellmat-chunk-")
	if err != nil {
		errReporter.Set(err)
		return ""
	}
	vlog.VI(1).Infof("spilling %d entries to %s", len(batch), temp.Name())
	w := newChunkWriter(temp, pool, errReporter)
	for _, e := range batch {
		w.add(e)
	}
	w.finish()
	errReporter.Set(temp.Close())
	return temp.Name()
}

func removeAll(paths []string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil {
			vlog.Errorf("failed to remove chunk file %s: %v", path, err)
		}
	}
}

// MergeChunks merges sorted chunk files and calls emit once per distinct
// (row, col) key in increasing (row, col) order with counts summed across
// chunks.  The chunk files are consumed but not removed.
func MergeChunks(chunks []string, emit func(row, col int32, count uint32) error) error {
	errReporter := gerrors.Once{}
	pool := newChunkBlockPool()
	readers := make([]*chunkReader, len(chunks))
	for i, path := range chunks {
		readers[i] = newChunkReader(path, pool, &errReporter)
	}
	mergeReaders(readers, func(e entry) error {
		row, col := e.key.split()
		return emit(row, col, e.count)
	}, &errReporter)
	return errReporter.Err()
}

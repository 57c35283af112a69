package builder

import (
	"context"
	"fmt"
	"sync"

	gerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"

	"github.com/scgenomics/cellmat/encoding/ccm"
	"github.com/scgenomics/cellmat/fragio"
	"github.com/scgenomics/cellmat/interval"
)

// IngestOpts controls a full ingestion run.
type IngestOpts struct {
	// Inputs are the fragment files, each processed by its own worker.
	Inputs []string
	// Index is the read-only feature index shared by all workers.
	Index *interval.FeatureIndex
	// OutPath is the store destination.
	OutPath string

	// Registry, when non-nil, fixes the row universe (whitelist
	// ingestion); barcodes outside it are counted and dropped.  When nil,
	// a registry is built: a deterministic single-threaded pre-pass when
	// Deterministic is set or there are multiple inputs, a growable
	// registry otherwise.
	Registry *Registry
	// Deterministic forces the barcode pre-pass even for a single input,
	// making row ids reproducible across runs.
	Deterministic bool

	// Parallelism limits concurrent input workers.  If <= 0, one worker
	// per input.
	Parallelism int
	// MaxEntries and TmpDir are passed to each worker's Builder and to
	// the transpose spill.
	MaxEntries int
	TmpDir     string
}

// IngestStats is the end-of-run report.
type IngestStats struct {
	Stats
	// Malformed is the total count of unparseable input lines.
	Malformed int64
	Rows      int
	Cols      int
	// Entries is the number of nonzero matrix entries written.
	Entries int64
}

func (s IngestStats) String() string {
	return fmt.Sprintf("%d fragments (%d malformed lines, %d dropped intervals, %d unknown barcodes) -> %dx%d matrix, %d entries",
		s.Fragments, s.Malformed, s.DroppedIntervals, s.UnknownBarcodes, s.Rows, s.Cols, s.Entries)
}

// Ingest runs the full pipeline: per-file accumulation into sorted
// chunks, a row-major merge streamed into the store while re-spilling
// column-sorted chunks, a column-major merge, then metadata and finalize.
// Ingestion is idempotently restartable from scratch; the store only
// becomes valid when the final merge and metadata write commit.
func Ingest(ctx context.Context, opts IngestOpts) (IngestStats, error) {
	var stats IngestStats
	if len(opts.Inputs) == 0 {
		return stats, fmt.Errorf("builder.Ingest: no inputs")
	}
	registry := opts.Registry
	if registry == nil {
		if opts.Deterministic || len(opts.Inputs) > 1 {
			var err error
			if registry, err = ScanBarcodes(ctx, opts.Inputs); err != nil {
				return stats, err
			}
		} else {
			registry = NewRegistry()
		}
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 || parallelism > len(opts.Inputs) {
		parallelism = len(opts.Inputs)
	}
	if !registry.Frozen() && len(opts.Inputs) > 1 {
		// Concurrent growth is safe but assigns row ids in worker
		// completion order; only a frozen registry makes them reproducible.
		log.Printf("ingesting %d inputs against a growable registry; row ids will not be deterministic",
			len(opts.Inputs))
	}

	var mu sync.Mutex
	var chunks []string
	cleanupChunks := func() {
		mu.Lock()
		defer mu.Unlock()
		removeAll(chunks)
		chunks = nil
	}
	err := traverse.Each(parallelism, func(jobIdx int) error {
		b := NewBuilder(opts.Index, registry, Options{
			MaxEntries: opts.MaxEntries,
			TmpDir:     opts.TmpDir,
		})
		var malformed int64
		var err error
		for i := jobIdx; i < len(opts.Inputs) && err == nil; i += parallelism {
			var reader *fragio.FileReader
			if reader, err = fragio.Open(ctx, opts.Inputs[i]); err != nil {
				break
			}
			for reader.Scan() {
				b.Accept(reader.Fragment())
			}
			malformed += reader.Malformed()
			err = reader.Close()
		}
		workerChunks, workerStats, cerr := b.Close()
		if err == nil {
			err = cerr
		}
		if err != nil {
			removeAll(workerChunks)
			return err
		}
		mu.Lock()
		chunks = append(chunks, workerChunks...)
		stats.Stats.add(workerStats)
		stats.Malformed += malformed
		mu.Unlock()
		return nil
	})
	if err != nil {
		cleanupChunks()
		return stats, err
	}

	stats.Rows = registry.NumRows()
	stats.Cols = opts.Index.NumFeatures()
	entries, err := finalizeStore(ctx, opts, registry, chunks, &stats)
	cleanupChunks()
	if err != nil {
		// Best effort: never leave a half-written store behind.
		if rerr := file.Remove(ctx, opts.OutPath); rerr != nil {
			log.Error.Printf("remove partial store %s: %v", opts.OutPath, rerr)
		}
		return stats, err
	}
	stats.Entries = entries
	log.Printf("ingest done: %v", stats)
	return stats, nil
}

// finalizeStore merges the row-major chunks into the store while
// re-spilling transposed entries, merges those into the column-major
// section, and writes metadata.
func finalizeStore(ctx context.Context, opts IngestOpts, registry *Registry, rowChunks []string, stats *IngestStats) (int64, error) {
	rows, cols := registry.NumRows(), opts.Index.NumFeatures()
	w, err := ccm.NewWriter(opts.OutPath, opts.Index.Genome(), rows, cols, ccm.WriteOpts{})
	if err != nil {
		return 0, err
	}
	rowTotals := make([]uint64, rows)
	colSums := make([]uint64, cols)
	var entries int64
	committed := false
	defer func() {
		if !committed {
			// Release the output file; the half-written store carries no
			// valid trailer and the caller removes it.
			w.Finalize() // nolint: errcheck
		}
	}()

	spill := newTransposeSpiller(opts.MaxEntries, opts.TmpDir)
	defer spill.cleanup()
	err = MergeChunks(rowChunks, func(row, col int32, count uint32) error {
		w.PutRowEntry(row, col, count)
		rowTotals[row] += uint64(count)
		entries++
		return spill.add(entry{key: makeKey(row, col).transpose(), count: count})
	})
	if err != nil {
		return 0, err
	}
	colChunks, err := spill.finish()
	if err != nil {
		return 0, err
	}
	err = MergeChunks(colChunks, func(col, row int32, count uint32) error {
		w.PutColEntry(col, row, count)
		colSums[col] += uint64(count)
		return nil
	})
	if err != nil {
		return 0, err
	}

	for row := 0; row < rows; row++ {
		w.PutRowMeta(ccm.RowMeta{
			Barcode:   registry.Barcode(int32(row)),
			Total:     rowTotals[row],
			Fragments: uint64(stats.rowFragments[int32(row)]),
		})
	}
	for _, f := range opts.Index.Features() {
		w.PutColMeta(ccm.ColMeta{Interval: f.Interval, Sum: colSums[f.ID]})
	}
	w.SetIngestStats(stats.Fragments, stats.Malformed, stats.DroppedIntervals)
	committed = true
	return entries, w.Finalize()
}

// transposeSpiller buffers entries already keyed column-major and spills
// them as sorted chunks.  Keys are globally unique (they come out of a
// completed merge), so unlike the builder accumulator no map is needed.
type transposeSpiller struct {
	maxEntries int
	tmpDir     string
	pool       *chunkBlockPool
	err        gerrors.Once
	buf        []entry
	chunks     []string
}

func newTransposeSpiller(maxEntries int, tmpDir string) *transposeSpiller {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &transposeSpiller{
		maxEntries: maxEntries,
		tmpDir:     tmpDir,
		pool:       newChunkBlockPool(),
		buf:        make([]entry, 0, maxEntries),
	}
}

func (s *transposeSpiller) add(e entry) error {
	s.buf = append(s.buf, e)
	if len(s.buf) >= s.maxEntries {
		s.spill()
	}
	return s.err.Err()
}

func (s *transposeSpiller) spill() {
	if len(s.buf) == 0 {
		return
	}
	if path := writeChunk(s.buf, s.tmpDir, s.pool, &s.err); path != "" {
		s.chunks = append(s.chunks, path)
	}
	s.buf = s.buf[:0]
}

// finish spills the residue and hands over the chunk paths.  cleanup
// still removes them, so the caller need not on error.
func (s *transposeSpiller) finish() ([]string, error) {
	s.spill()
	return s.chunks, s.err.Err()
}

func (s *transposeSpiller) cleanup() {
	removeAll(s.chunks)
	s.chunks = nil
}

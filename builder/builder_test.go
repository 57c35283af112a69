package builder

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	gerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scgenomics/cellmat/fragio"
	"github.com/scgenomics/cellmat/interval"
)

func testIndex(t *testing.T) *interval.FeatureIndex {
	genome, err := interval.NewGenome([]interval.Chrom{
		{Name: "chr1", Length: 1000},
		{Name: "chr2", Length: 500},
	})
	require.NoError(t, err)
	index, err := interval.NewFeatureIndex([]interval.Interval{
		{Chrom: "chr1", Start: 0, End: 100},
		{Chrom: "chr1", Start: 50, End: 200},
		{Chrom: "chr2", Start: 0, End: 500},
	}, genome)
	require.NoError(t, err)
	return index
}

func frag(barcode, chrom string, start, end interval.PosType, count uint32) *fragio.Fragment {
	return &fragio.Fragment{
		Barcode: []byte(barcode),
		Chrom:   chrom,
		Start:   start,
		End:     end,
		Count:   count,
	}
}

// collect merges chunks into a flat "row:col=count" list for comparison.
func collect(t *testing.T, chunks []string) []string {
	var got []string
	require.NoError(t, MergeChunks(chunks, func(row, col int32, count uint32) error {
		got = append(got, fmt.Sprintf("%d:%d=%d", row, col, count))
		return nil
	}))
	return got
}

func TestChunkRoundTrip(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	// Enough entries to span several recordio blocks.
	const n = 300000
	rnd := rand.New(rand.NewSource(0))
	keys := make(map[cellKey]uint32, n)
	for len(keys) < n {
		keys[makeKey(rnd.Int31n(1000), rnd.Int31n(100000))] = uint32(rnd.Int31n(100)) + 1
	}
	batch := make([]entry, 0, n)
	want := make([]string, 0, n)
	for k, c := range keys {
		batch = append(batch, entry{key: k, count: c})
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].key < batch[j].key })
	for _, e := range batch {
		row, col := e.key.split()
		want = append(want, fmt.Sprintf("%d:%d=%d", row, col, e.count))
	}
	// writeChunk sorts internally; shuffle to prove it.
	rnd.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })

	errReporter := gerrors.Once{}
	path := writeChunk(batch, tempDir, newChunkBlockPool(), &errReporter)
	require.NoError(t, errReporter.Err())
	assert.Equal(t, want, collect(t, []string{path}))
}

func TestMergeSumsAcrossChunks(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	errReporter := gerrors.Once{}
	pool := newChunkBlockPool()
	chunks := []string{
		writeChunk([]entry{
			{makeKey(0, 0), 1},
			{makeKey(0, 5), 2},
			{makeKey(3, 1), 7},
		}, tempDir, pool, &errReporter),
		writeChunk([]entry{
			{makeKey(0, 5), 3},
			{makeKey(2, 9), 1},
			{makeKey(3, 1), 1},
		}, tempDir, pool, &errReporter),
		writeChunk([]entry{
			{makeKey(0, 5), 1},
		}, tempDir, pool, &errReporter),
	}
	require.NoError(t, errReporter.Err())
	assert.Equal(t,
		[]string{"0:0=1", "0:5=6", "2:9=1", "3:1=8"},
		collect(t, chunks))
}

func TestMergeEmpty(t *testing.T) {
	require.NoError(t, MergeChunks(nil, func(int32, int32, uint32) error {
		t.Fatal("emit on empty merge")
		return nil
	}))
}

func TestBuilderMatchesNaive(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	index := testIndex(t)
	registry := NewRegistry()
	// MaxEntries 2 forces a spill nearly every fragment.
	b := NewBuilder(index, registry, Options{MaxEntries: 2, TmpDir: tempDir})

	rnd := rand.New(rand.NewSource(1))
	barcodes := []string{"AAAA", "CCCC", "GGGG", "TTTT"}
	naive := map[cellKey]uint32{}
	for i := 0; i < 2000; i++ {
		bc := barcodes[rnd.Intn(len(barcodes))]
		start := interval.PosType(rnd.Int31n(900))
		f := frag(bc, "chr1", start, start+interval.PosType(rnd.Int31n(80))+1, uint32(rnd.Int31n(3))+1)
		b.Accept(f)
		ids, err := index.NewCursor().Resolve(f.Interval(), nil)
		require.NoError(t, err)
		row, ok := registry.row(f.Barcode)
		require.True(t, ok)
		for _, id := range ids {
			naive[makeKey(row, id)] += f.Count
		}
	}
	chunks, stats, err := b.Close()
	require.NoError(t, err)
	defer removeAll(chunks)
	assert.True(t, len(chunks) > 1)
	assert.Equal(t, int64(2000), stats.Fragments)
	assert.Equal(t, int64(0), stats.DroppedIntervals)

	got := map[cellKey]uint32{}
	require.NoError(t, MergeChunks(chunks, func(row, col int32, count uint32) error {
		got[makeKey(row, col)] = count
		return nil
	}))
	assert.Equal(t, naive, got)
}

func TestBuilderDrops(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	index := testIndex(t)
	registry, err := NewFrozenRegistry([]string{"AAAA"})
	require.NoError(t, err)
	b := NewBuilder(index, registry, Options{TmpDir: tempDir})

	b.Accept(frag("AAAA", "chr1", 10, 20, 1))   // ok
	b.Accept(frag("AAAA", "chr3", 10, 20, 1))   // unknown chromosome
	b.Accept(frag("AAAA", "chr1", 20, 10, 1))   // start >= end
	b.Accept(frag("AAAA", "chr1", 990, 2000, 1)) // past chromosome end
	b.Accept(frag("CCCC", "chr1", 10, 20, 1))   // unknown barcode
	// Fragment in a feature gap still counts as accepted; it just
	// produces no entries.
	b.Accept(frag("AAAA", "chr1", 300, 310, 1))

	chunks, stats, err := b.Close()
	require.NoError(t, err)
	defer removeAll(chunks)
	assert.Equal(t, int64(2), stats.Fragments)
	assert.Equal(t, int64(3), stats.DroppedIntervals)
	assert.Equal(t, int64(1), stats.UnknownBarcodes)
	assert.Equal(t, map[int32]int64{0: 2}, stats.rowFragments)
	assert.Equal(t, []string{"0:0=1"}, collect(t, chunks))
}

func TestRegistryGrowable(t *testing.T) {
	r := NewRegistry()
	row, ok := r.row([]byte("AAAA"))
	assert.True(t, ok)
	assert.Equal(t, int32(0), row)
	row, ok = r.row([]byte("CCCC"))
	assert.True(t, ok)
	assert.Equal(t, int32(1), row)
	row, ok = r.row([]byte("AAAA"))
	assert.True(t, ok)
	assert.Equal(t, int32(0), row)
	assert.Equal(t, 2, r.NumRows())
	assert.Equal(t, "CCCC", r.Barcode(1))
}

func TestRegistryFrozen(t *testing.T) {
	r, err := NewFrozenRegistry([]string{"GGGG", "AAAA"})
	require.NoError(t, err)
	row, ok := r.row([]byte("AAAA"))
	assert.True(t, ok)
	assert.Equal(t, int32(1), row)
	_, ok = r.row([]byte("TTTT"))
	assert.False(t, ok)

	_, err = NewFrozenRegistry([]string{"AAAA", "AAAA"})
	assert.Error(t, err)
}

func TestScanBarcodesDeterministic(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()

	paths := []string{
		filepath.Join(tempDir, "a.tsv"),
		filepath.Join(tempDir, "b.tsv"),
	}
	require.NoError(t, os.WriteFile(paths[0],
		[]byte("AAAA\tchr1\t0\t10\nCCCC\tchr1\t5\t15\nAAAA\tchr1\t7\t20\n"), 0600))
	require.NoError(t, os.WriteFile(paths[1],
		[]byte("TTTT\tchr2\t0\t10\nCCCC\tchr2\t5\t15\n"), 0600))

	r, err := ScanBarcodes(ctx, paths)
	require.NoError(t, err)
	assert.True(t, r.Frozen())
	require.Equal(t, 3, r.NumRows())
	// First-appearance order across inputs in argument order.
	assert.Equal(t, "AAAA", r.Barcode(0))
	assert.Equal(t, "CCCC", r.Barcode(1))
	assert.Equal(t, "TTTT", r.Barcode(2))
}

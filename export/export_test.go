package export

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scgenomics/cellmat/encoding/ccm"
	"github.com/scgenomics/cellmat/interval"
)

func buildStore(t *testing.T, path string) *ccm.Store {
	genome, err := interval.NewGenome([]interval.Chrom{{Name: "chr1", Length: 1000}})
	require.NoError(t, err)
	w, err := ccm.NewWriter(path, genome, 3, 2, ccm.WriteOpts{})
	require.NoError(t, err)
	//        col0 col1
	//  AAAA     2    .
	//  CCCC     .    1
	//  GGGG     1    3
	w.PutRowEntry(0, 0, 2)
	w.PutRowEntry(1, 1, 1)
	w.PutRowEntry(2, 0, 1)
	w.PutRowEntry(2, 1, 3)
	w.PutColEntry(0, 0, 2)
	w.PutColEntry(0, 2, 1)
	w.PutColEntry(1, 1, 1)
	w.PutColEntry(1, 2, 3)
	w.PutRowMeta(ccm.RowMeta{Barcode: "AAAA", Total: 2})
	w.PutRowMeta(ccm.RowMeta{Barcode: "CCCC", Total: 1})
	w.PutRowMeta(ccm.RowMeta{Barcode: "GGGG", Total: 4})
	w.PutColMeta(ccm.ColMeta{Interval: interval.Interval{Chrom: "chr1", Start: 0, End: 100}, Sum: 3})
	w.PutColMeta(ccm.ColMeta{Interval: interval.Interval{Chrom: "chr1", Start: 100, End: 200}, Sum: 4})
	require.NoError(t, w.Finalize())

	store, err := ccm.Open(vcontext.Background(), path)
	require.NoError(t, err)
	return store
}

func readLines(t *testing.T, path string, gzipped bool) []string {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var scanner *bufio.Scanner
	if gzipped {
		gz, err := gzip.NewReader(f)
		require.NoError(t, err)
		defer gz.Close()
		scanner = bufio.NewScanner(gz)
	} else {
		scanner = bufio.NewScanner(f)
	}
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestBED(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	store := buildStore(t, filepath.Join(tempDir, "m.ccm"))

	groups := map[string]string{
		"AAAA": "treated",
		"GGGG": "treated",
		"CCCC": "control",
		// No row for this barcode; must be ignored.
		"TTTT": "control",
	}
	require.NoError(t, BED(ctx, store, groups, tempDir, "sample_", ".bed"))

	treated := readLines(t, filepath.Join(tempDir, "sample_treated.bed"), false)
	sort.Strings(treated)
	assert.Equal(t, []string{
		"chr1\t0\t100\tAAAA",
		"chr1\t0\t100\tAAAA",
		"chr1\t0\t100\tGGGG",
		"chr1\t100\t200\tGGGG",
		"chr1\t100\t200\tGGGG",
		"chr1\t100\t200\tGGGG",
	}, treated)

	control := readLines(t, filepath.Join(tempDir, "sample_control.bed"), false)
	assert.Equal(t, []string{"chr1\t100\t200\tCCCC"}, control)
}

func TestBEDGzip(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	store := buildStore(t, filepath.Join(tempDir, "m.ccm"))

	groups := map[string]string{"AAAA": "all", "CCCC": "all", "GGGG": "all"}
	require.NoError(t, BED(ctx, store, groups, tempDir, "", ".bed.gz"))

	lines := readLines(t, filepath.Join(tempDir, "all.bed.gz"), true)
	// One line per count: 2+1+1+3.
	assert.Equal(t, 7, len(lines))
}

func TestBEDNoGroups(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	store := buildStore(t, filepath.Join(tempDir, "m.ccm"))

	require.NoError(t, BED(ctx, store, nil, tempDir, "x_", ".bed"))
	files, err := filepath.Glob(filepath.Join(tempDir, "x_*"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

package fragio

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scgenomics/cellmat/interval"
)

func readAll(t *testing.T, in string) ([]Fragment, *Reader) {
	r := NewReader(strings.NewReader(in), "test")
	var frags []Fragment
	for r.Scan() {
		f := *r.Fragment()
		f.Barcode = append([]byte(nil), f.Barcode...)
		frags = append(frags, f)
	}
	require.NoError(t, r.Err())
	return frags, r
}

func TestReadFragments(t *testing.T) {
	in := "AAAA\tchr1\t100\t200\t1\n" +
		"BBBB,chr1,150,250,2,+\n" +
		"CCCC chr2 0 50\n"
	frags, r := readAll(t, in)
	require.Len(t, frags, 3)
	assert.Equal(t, int64(0), r.Malformed())

	assert.Equal(t, "AAAA", string(frags[0].Barcode))
	assert.Equal(t, interval.Interval{Chrom: "chr1", Start: 100, End: 200}, frags[0].Interval())
	assert.Equal(t, uint32(1), frags[0].Count)
	assert.Equal(t, byte('.'), frags[0].Strand)

	assert.Equal(t, byte('+'), frags[1].Strand)
	assert.Equal(t, uint32(2), frags[1].Count)

	// Count column omitted defaults to 1.
	assert.Equal(t, uint32(1), frags[2].Count)
	assert.Equal(t, "chr2", frags[2].Chrom)
}

func TestMalformedLines(t *testing.T) {
	in := "AAAA\tchr1\t100\t200\t1\n" +
		"only,three,fields\n" + // wrong field count
		"BBBB\tchr1\tx\t200\t1\n" + // non-numeric start
		"CCCC\tchr1\t100\t200\t0\n" + // count < 1
		"DDDD\tchr1\t100\t200\t1\t*\n" + // bad strand
		"FFFF\tchr1\t100\t200\t1\t+\textra\n" + // trailing field after strand
		"\n" + // blank lines are not malformed
		"EEEE\tchr1\t300\t400\t1\n"
	frags, r := readAll(t, in)
	require.Len(t, frags, 2)
	assert.Equal(t, int64(5), r.Malformed())
	assert.Equal(t, "EEEE", string(frags[1].Barcode))
}

func TestCoordinateProblemsAreNotMalformed(t *testing.T) {
	// start >= end parses fine here; the feature index classifies it as an
	// invalid interval later.
	frags, r := readAll(t, "AAAA\tchr1\t200\t100\t1\n")
	require.Len(t, frags, 1)
	assert.Equal(t, int64(0), r.Malformed())
	assert.Equal(t, interval.PosType(200), frags[0].Start)
}

func TestUnorderedInput(t *testing.T) {
	// Interleaved barcodes and unsorted coordinates are fine.
	in := "AAAA\tchr2\t500\t600\t1\n" +
		"BBBB\tchr1\t0\t100\t1\n" +
		"AAAA\tchr1\t50\t150\t3\n"
	frags, r := readAll(t, in)
	require.Len(t, frags, 3)
	assert.Equal(t, int64(0), r.Malformed())
	assert.Equal(t, "AAAA", string(frags[2].Barcode))
	assert.Equal(t, uint32(3), frags[2].Count)
}

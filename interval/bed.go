package interval

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/gzip"
)

// ReadFeaturesBED reads the first three columns of a BED stream into an
// interval list suitable for NewFeatureIndex.  Extra columns are ignored;
// blank lines are skipped.  The input need not be sorted (the index sorts),
// but coordinates are not validated here; NewFeatureIndex does that against
// the genome.
func ReadFeaturesBED(reader io.Reader) ([]Interval, error) {
	scanner := bufio.NewScanner(reader)
	var features []Interval
	var tokens [3][]byte
	lineIdx := 0
	for scanner.Scan() {
		lineIdx++
		nToken := getTokens(tokens[:], scanner.Bytes())
		if nToken == 0 {
			continue
		}
		if nToken != 3 {
			return nil, fmt.Errorf("interval.ReadFeaturesBED: line %d has fewer tokens than expected", lineIdx)
		}
		start, err := strconv.Atoi(gunsafe.BytesToString(tokens[1]))
		if err != nil {
			return nil, fmt.Errorf("interval.ReadFeaturesBED: line %d: %v", lineIdx, err)
		}
		end, err := strconv.Atoi(gunsafe.BytesToString(tokens[2]))
		if err != nil {
			return nil, fmt.Errorf("interval.ReadFeaturesBED: line %d: %v", lineIdx, err)
		}
		if start < 0 || end > PosTypeMax {
			return nil, fmt.Errorf("interval.ReadFeaturesBED: line %d: coordinate out of range", lineIdx)
		}
		features = append(features, Interval{
			Chrom: string(tokens[0]),
			Start: PosType(start),
			End:   PosType(end),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return features, nil
}

// LoadFeaturesBED is a wrapper for ReadFeaturesBED that takes a path,
// transparently decompressing gzip.
func LoadFeaturesBED(path string) (features []Interval, err error) {
	ctx := vcontext.Background()
	var infile file.File
	if infile, err = file.Open(ctx, path); err != nil {
		return
	}
	defer func() {
		if cerr := infile.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	reader := io.Reader(infile.Reader(ctx))
	switch fileio.DetermineType(path) {
	case fileio.Gzip:
		if reader, err = gzip.NewReader(reader); err != nil {
			return
		}
	}
	return ReadFeaturesBED(reader)
}

// FixedBins tiles every chromosome of the genome with width-sized bins in
// chromosome-table order.  The last bin of each chromosome is truncated to
// the chromosome end.
func FixedBins(genome *Genome, width PosType) ([]Interval, error) {
	if width <= 0 {
		return nil, fmt.Errorf("interval.FixedBins: nonpositive bin width %d", width)
	}
	var bins []Interval
	for id := 0; id < genome.NumChroms(); id++ {
		c := genome.Chrom(id)
		for start := PosType(0); start < c.Length; start += width {
			end := start + width
			if end > c.Length {
				end = c.Length
			}
			bins = append(bins, Interval{Chrom: c.Name, Start: start, End: end})
		}
	}
	return bins, nil
}

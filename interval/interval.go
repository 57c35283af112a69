package interval

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/gzip"
)

// PosType is the coordinate type for genomic positions.
type PosType int32

// PosTypeMax is the maximum value representable by a PosType.
const PosTypeMax = math.MaxInt32

// ErrInvalidInterval is the classification for intervals with bad
// coordinates or an unknown chromosome.  Callers are expected to count and
// skip such intervals rather than abort.
var ErrInvalidInterval = errors.New("invalid genomic interval")

// Interval is a zero-based, closed-open genomic range.
type Interval struct {
	Chrom string
	Start PosType
	End   PosType
}

func (i Interval) String() string {
	return fmt.Sprintf("%s:%d-%d", i.Chrom, i.Start, i.End)
}

// Overlaps reports whether the two closed-open ranges share at least one
// base.  Chromosomes must already be equal; this is a pure coordinate test,
// so an interval abutting another (i.End == other.Start) does not overlap.
func (i Interval) Overlaps(other Interval) bool {
	return i.Start < other.End && other.Start < i.End
}

// Chrom describes one reference sequence.
type Chrom struct {
	Name   string
	Length PosType
}

// Genome is an ordered, immutable chromosome table.  It defines the set of
// chromosomes an Interval may legally name.
type Genome struct {
	chroms []Chrom
	ids    map[string]int
}

// NewGenome builds a Genome from an ordered chromosome list.
func NewGenome(chroms []Chrom) (*Genome, error) {
	g := &Genome{
		chroms: make([]Chrom, len(chroms)),
		ids:    make(map[string]int, len(chroms)),
	}
	for i, c := range chroms {
		if c.Name == "" {
			return nil, fmt.Errorf("interval.NewGenome: empty chromosome name at position %d", i)
		}
		if c.Length <= 0 {
			return nil, fmt.Errorf("interval.NewGenome: chromosome %s has nonpositive length %d", c.Name, c.Length)
		}
		if _, found := g.ids[c.Name]; found {
			return nil, fmt.Errorf("interval.NewGenome: duplicate chromosome %s", c.Name)
		}
		g.chroms[i] = c
		g.ids[c.Name] = i
	}
	return g, nil
}

// NumChroms returns the number of chromosomes.
func (g *Genome) NumChroms() int { return len(g.chroms) }

// Chrom returns the chromosome with the given dense id.
func (g *Genome) Chrom(id int) Chrom { return g.chroms[id] }

// ID returns the dense id for a chromosome name.
func (g *Genome) ID(name string) (int, bool) {
	id, found := g.ids[name]
	return id, found
}

// Validate classifies iv against the genome.  A non-nil return always wraps
// ErrInvalidInterval.
func (g *Genome) Validate(iv Interval) error {
	id, found := g.ids[iv.Chrom]
	if !found {
		return fmt.Errorf("%w: unknown chromosome %q", ErrInvalidInterval, iv.Chrom)
	}
	if iv.Start < 0 || iv.End <= iv.Start {
		return fmt.Errorf("%w: bad coordinates %v", ErrInvalidInterval, iv)
	}
	if iv.End > g.chroms[id].Length {
		return fmt.Errorf("%w: %v extends past chromosome end %d", ErrInvalidInterval, iv, g.chroms[id].Length)
	}
	return nil
}

// LoadChromSizes reads a two-column (name, length) chrom-sizes file,
// optionally gzipped, and returns the Genome it describes.
func LoadChromSizes(path string) (g *Genome, err error) {
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
	scanner := bufio.NewScanner(reader)
	var chroms []Chrom
	var tokens [2][]byte
	lineIdx := 0
	for scanner.Scan() {
		lineIdx++
		nToken := getTokens(tokens[:], scanner.Bytes())
		if nToken == 0 {
			continue
		}
		if nToken != 2 {
			err = fmt.Errorf("interval.LoadChromSizes %s: line %d has %d tokens, want 2", path, lineIdx, nToken)
			return
		}
		var length int
		if length, err = strconv.Atoi(gunsafe.BytesToString(tokens[1])); err != nil {
			return
		}
		if length <= 0 || length > PosTypeMax {
			err = fmt.Errorf("interval.LoadChromSizes %s: bad length %d on line %d", path, length, lineIdx)
			return
		}
		chroms = append(chroms, Chrom{Name: string(tokens[0]), Length: PosType(length)})
	}
	if err = scanner.Err(); err != nil {
		return
	}
	return NewGenome(chroms)
}

// getTokens identifies up to the first len(tokens) tokens from curLine,
// returning the number of tokens saved.  Any (group of) characters <= ' ',
// or a comma, is treated as a delimiter; fragment and BED inputs in the
// wild use tabs, spaces, or commas interchangeably.
func getTokens(tokens [][]byte, curLine []byte) int {
	posEnd := 0
	lineLen := len(curLine)
	for tokenIdx := range tokens {
		// Simple loops beat the standard library string-split functions for
		// short fixed-column lines; see the matching loop in the fragment
		// reader before changing one of them.
		pos := posEnd
		for ; pos != lineLen; pos++ {
			if curLine[pos] > ' ' && curLine[pos] != ',' {
				break
			}
		}
		if pos == lineLen {
			return tokenIdx
		}
		posEnd = pos
		for ; posEnd != lineLen; posEnd++ {
			if curLine[posEnd] <= ' ' || curLine[posEnd] == ',' {
				break
			}
		}
		tokens[tokenIdx] = curLine[pos:posEnd]
	}
	return len(tokens)
}

// Package fragio reads per-cell fragment streams: one record per line,
// fields barcode, chromosome, start, end, count and an optional strand,
// separated by tabs, spaces, or commas.  The reader makes no ordering or
// grouping assumptions; grouping by cell is the matrix builder's job.
package fragio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	gunsafe "github.com/grailbio/base/unsafe"

	"github.com/scgenomics/cellmat/interval"
)

// Fragment is a single observed interval attributed to one cell barcode.
// The Barcode slice is only valid until the next Scan call; callers that
// retain it must copy.
type Fragment struct {
	Barcode []byte
	Chrom   string
	Start   interval.PosType
	End     interval.PosType
	Count   uint32
	// Strand is '+', '-', or '.' when the input carries no strand column.
	// Both strands contribute to the same count.
	Strand byte
}

// Interval returns the fragment's genomic range.
func (f *Fragment) Interval() interval.Interval {
	return interval.Interval{Chrom: f.Chrom, Start: f.Start, End: f.End}
}

// Reader produces a lazy fragment sequence from one input stream.
// Malformed lines are counted and skipped; only stream-level failures
// surface through Err.
type Reader struct {
	name      string
	scanner   *bufio.Scanner
	frag      Fragment
	chromBuf  []byte
	lineIdx   int64
	malformed int64
	err       error
}

// maxLineSize bounds a single input line.  Fragment records are tiny; this
// exists so a binary file fed by mistake fails instead of allocating
// unboundedly.
const maxLineSize = 1 << 16

// NewReader creates a Reader over r.  name is used in diagnostics only.
func NewReader(r io.Reader, name string) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)
	return &Reader{name: name, scanner: scanner}
}

// Scan advances to the next well-formed fragment.  It returns false at end
// of stream or on a stream-level error; check Err afterwards.
func (r *Reader) Scan() bool {
	if r.err != nil {
		return false
	}
	for r.scanner.Scan() {
		r.lineIdx++
		line := r.scanner.Bytes()
		if isBlank(line) {
			continue
		}
		if r.parseLine(line) {
			return true
		}
		r.malformed++
	}
	if err := r.scanner.Err(); err != nil {
		r.err = errors.E(err, fmt.Sprintf("%s: line %d", r.name, r.lineIdx))
	}
	return false
}

// Fragment returns the current record.  Valid only after Scan returned
// true, and only until the next Scan call.
func (r *Reader) Fragment() *Fragment { return &r.frag }

// Malformed returns the number of unparseable lines skipped so far.
func (r *Reader) Malformed() int64 { return r.malformed }

// Err returns the first stream-level error encountered, if any.
func (r *Reader) Err() error { return r.err }

// Name returns the diagnostic name passed to NewReader.
func (r *Reader) Name() string { return r.name }

func (r *Reader) parseLine(line []byte) bool {
	// One slot more than the widest legal record, so a line with extra
	// trailing fields shows up as a seventh token and is rejected.
	var tokens [7][]byte
	nToken := getTokens(tokens[:], line)
	if nToken < 4 || nToken > 6 {
		return false
	}
	// Coordinate range problems (start >= end, past chromosome end) are the
	// index's business, counted as dropped intervals; only unparseable
	// numbers make a line malformed.
	start, err := strconv.Atoi(gunsafe.BytesToString(tokens[2]))
	if err != nil || start > interval.PosTypeMax || start < -interval.PosTypeMax {
		return false
	}
	end, err := strconv.Atoi(gunsafe.BytesToString(tokens[3]))
	if err != nil || end > interval.PosTypeMax || end < -interval.PosTypeMax {
		return false
	}
	count := 1
	if nToken >= 5 {
		if count, err = strconv.Atoi(gunsafe.BytesToString(tokens[4])); err != nil || count < 1 {
			return false
		}
	}
	strand := byte('.')
	if nToken == 6 {
		if len(tokens[5]) != 1 {
			return false
		}
		switch tokens[5][0] {
		case '+', '-', '.':
			strand = tokens[5][0]
		default:
			return false
		}
	}
	// The chromosome is interned per reader; fragment files repeat the same
	// name for long runs, so this allocates roughly once per chromosome.
	if gunsafe.BytesToString(r.chromBuf) != gunsafe.BytesToString(tokens[1]) {
		r.chromBuf = append(r.chromBuf[:0], tokens[1]...)
		r.frag.Chrom = string(tokens[1])
	}
	r.frag.Barcode = tokens[0]
	r.frag.Start = interval.PosType(start)
	r.frag.End = interval.PosType(end)
	r.frag.Count = uint32(count)
	r.frag.Strand = strand
	return true
}

func isBlank(line []byte) bool {
	for _, c := range line {
		if c > ' ' && c != ',' {
			return false
		}
	}
	return true
}

// getTokens is the same tokenizer the interval package uses for BED-like
// lines: any run of bytes <= ' ' or commas delimits tokens.
func getTokens(tokens [][]byte, curLine []byte) int {
	posEnd := 0
	lineLen := len(curLine)
	for tokenIdx := range tokens {
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

// A FileReader is a Reader bound to an opened file.
type FileReader struct {
	*Reader
	ctx        context.Context
	f          file.File
	decompress io.ReadCloser
}

// Open opens path, transparently decompressing compressed content, and
// returns a FileReader positioned at the first record.  Restarting a stream
// means calling Open again; there is no seek or resume.
func Open(ctx context.Context, path string) (*FileReader, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, path)
	}
	reader, _ := compress.NewReader(f.Reader(ctx))
	return &FileReader{
		Reader:     NewReader(reader, path),
		ctx:        ctx,
		f:          f,
		decompress: reader,
	}, nil
}

// Close releases the underlying file.
func (r *FileReader) Close() (err error) {
	if cerr := r.decompress.Close(); cerr != nil {
		err = cerr
	}
	if cerr := r.f.Close(r.ctx); cerr != nil && err == nil {
		err = cerr
	}
	if err == nil {
		err = r.Err()
	}
	return err
}

package builder

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	"github.com/scgenomics/cellmat/fragio"
)

// Registry assigns dense row ids to cell barcodes, first-seen-wins.
//
// A growable registry assigns ids as barcodes appear on one input stream;
// row order then follows that stream's first occurrences and is only
// reproducible if the stream is replayed identically.  For multi-file or
// parallel ingestion, build a frozen registry with ScanBarcodes first: the
// pre-pass records first-occurrence order over the inputs in list order,
// single-threaded, so row ids are deterministic across runs and across
// worker counts.  A frozen registry is read-only and safe to share.
type Registry struct {
	frozen   bool
	mu       sync.Mutex
	ids      map[string]int32
	barcodes []string
}

// NewRegistry creates an empty growable registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]int32)}
}

// NewFrozenRegistry creates a frozen registry with the given barcode order.
// Duplicate barcodes are an error.
func NewFrozenRegistry(barcodes []string) (*Registry, error) {
	r := &Registry{
		frozen:   true,
		ids:      make(map[string]int32, len(barcodes)),
		barcodes: make([]string, len(barcodes)),
	}
	for i, bc := range barcodes {
		if _, found := r.ids[bc]; found {
			return nil, fmt.Errorf("builder.NewFrozenRegistry: duplicate barcode %s", bc)
		}
		r.ids[bc] = int32(i)
		r.barcodes[i] = bc
	}
	return r, nil
}

// ScanBarcodes runs the deterministic pre-pass: it streams every input in
// list order on a single goroutine, recording barcode first occurrences,
// and returns the frozen registry.  Malformed lines are skipped the same
// way the ingestion pass skips them.
func ScanBarcodes(ctx context.Context, paths []string) (*Registry, error) {
	ids := make(map[string]int32)
	var barcodes []string
	for _, path := range paths {
		r, err := fragio.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		for r.Scan() {
			bc := r.Fragment().Barcode
			if _, found := ids[string(bc)]; !found {
				s := string(bc)
				ids[s] = int32(len(barcodes))
				barcodes = append(barcodes, s)
			}
		}
		if err := r.Close(); err != nil {
			return nil, err
		}
		log.Printf("scanned %s: %d distinct barcodes so far", path, len(barcodes))
	}
	return NewFrozenRegistry(barcodes)
}

// ReadBarcodeList reads a barcode whitelist: one barcode per line,
// optionally gzipped, blank lines skipped.  The line order becomes the row
// order when the result feeds NewFrozenRegistry.
func ReadBarcodeList(path string) (barcodes []string, err error) {
	ctx := vcontext.Background()
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, path)
	}
	defer file.CloseAndReport(ctx, f, &err)
	reader, _ := compress.NewReader(f.Reader(ctx))
	defer func() {
		if cerr := reader.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		bc := strings.TrimSpace(scanner.Text())
		if bc == "" {
			continue
		}
		barcodes = append(barcodes, bc)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.E(err, path)
	}
	return barcodes, nil
}

// Frozen reports whether the registry is frozen.
func (r *Registry) Frozen() bool { return r.frozen }

// NumRows returns the number of assigned rows.
func (r *Registry) NumRows() int {
	if r.frozen {
		return len(r.barcodes)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.barcodes)
}

// Barcode returns the barcode for a row id.
func (r *Registry) Barcode(row int32) string { return r.barcodes[row] }

// Barcodes returns all barcodes in row order.  Callers must not mutate the
// result, and must not call this on a growable registry that is still
// being fed.
func (r *Registry) Barcodes() []string { return r.barcodes }

// row resolves a barcode to its row id, assigning a fresh id in growable
// mode.  ok is false when the registry is frozen and the barcode is
// unknown; such fragments are dropped by the builder.  The lookup never
// mutates a frozen registry, so the same registry can back any number of
// ingestion runs.
func (r *Registry) row(barcode []byte) (int32, bool) {
	if r.frozen {
		row, found := r.ids[string(barcode)]
		return row, found
	}
	r.mu.Lock()
	row, found := r.ids[string(barcode)]
	if !found {
		s := string(barcode)
		row = int32(len(r.barcodes))
		r.ids[s] = row
		r.barcodes = append(r.barcodes, s)
	}
	r.mu.Unlock()
	return row, true
}

// Package export writes grouped BED files from a count matrix store.
// Cells are assigned to named groups (clusters, conditions); each group
// gets one BED file in which every nonzero matrix entry appears as one
// line per count, so downstream interval tools see per-cell multiplicity.
package export

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/scgenomics/cellmat/encoding/ccm"
	"github.com/scgenomics/cellmat/interval"
)

type member struct {
	row     int32
	barcode string
}

// BED exports one BED file per group under dir, named prefix+group+suffix.
// groups maps barcode to group name; barcodes present in the store but
// absent from groups are skipped.  A ".gz" suffix selects gzip output.
// Group files are written in parallel; any failure cancels the rest.
func BED(ctx context.Context, store *ccm.Store, groups map[string]string, dir, prefix, suffix string) error {
	members := map[string][]member{}
	var skipped int
	err := store.ForEachRowMeta(func(row int32, meta ccm.RowMeta) {
		group, found := groups[meta.Barcode]
		if !found {
			skipped++
			return
		}
		members[group] = append(members[group], member{row: row, barcode: meta.Barcode})
	})
	if err != nil {
		return err
	}
	if skipped > 0 {
		log.Printf("export: %d cells not assigned to any group", skipped)
	}
	features := make([]interval.Interval, store.Cols())
	if err := store.ForEachColMeta(func(col int32, meta ccm.ColMeta) {
		features[col] = meta.Interval
	}); err != nil {
		return err
	}

	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			path := filepath.Join(dir, prefix+name+suffix)
			if err := writeGroup(ctx, store, features, members[name], path); err != nil {
				return fmt.Errorf("export group %s: %v", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func writeGroup(ctx context.Context, store *ccm.Store, features []interval.Interval, members []member, path string) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	var w io.Writer = out.Writer(ctx)
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(w)
		w = gz
	}
	bw := bufio.NewWriter(w)
	var lines int64
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := store.Row(int(m.row))
		if err != nil {
			return err
		}
		for _, cc := range row {
			f := features[cc.Col]
			for n := uint32(0); n < cc.Count; n++ {
				if _, err := fmt.Fprintf(bw, "%s\t%d\t%d\t%s\n", f.Chrom, f.Start, f.End, m.barcode); err != nil {
					return err
				}
				lines++
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	log.Printf("export: wrote %d lines to %s", lines, path)
	return nil
}

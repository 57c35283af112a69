package main

// ccm-tool inspects and exports cell count matrix stores.
//
// Usage: ccm-tool -describe matrix.ccm
//        ccm-tool -row 12 matrix.ccm
//        ccm-tool -export-bed outdir -groups clusters.csv matrix.ccm

import (
	"bufio"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	"github.com/scgenomics/cellmat/encoding/ccm"
	"github.com/scgenomics/cellmat/export"
)

var (
	describeFlag = flag.Bool("describe", false, "Print store dimensions, chromosomes, and ingestion stats")
	rowFlag      = flag.Int("row", -1, "Print the postings and metadata of this row (cell)")
	colFlag      = flag.Int("col", -1, "Print the postings and metadata of this column (feature)")
	rowSumsFlag  = flag.Bool("row-sums", false, "Print per-row entry sums, one per line")
	colSumsFlag  = flag.Bool("col-sums", false, "Print per-column entry sums, one per line")

	exportBEDFlag = flag.String("export-bed", "", "Export grouped BED files into this directory")
	groupsFlag    = flag.String("groups", "", "CSV of barcode,group pairs assigning cells to export groups")
	prefixFlag    = flag.String("prefix", "", "Exported file name prefix")
	suffixFlag    = flag.String("suffix", ".bed.gz", "Exported file name suffix; .gz selects gzip")
)

func describe(out io.Writer, store *ccm.Store) {
	fragments, malformed, dropped := store.IngestStats()
	fmt.Fprintf(out, "rows (cells):\t%d\n", store.Rows())
	fmt.Fprintf(out, "cols (features):\t%d\n", store.Cols())
	fmt.Fprintf(out, "nonzero entries:\t%d\n", store.Entries())
	fmt.Fprintf(out, "fragments:\t%d\n", fragments)
	fmt.Fprintf(out, "malformed lines:\t%d\n", malformed)
	fmt.Fprintf(out, "dropped intervals:\t%d\n", dropped)
	genome := store.Genome()
	for i := 0; i < genome.NumChroms(); i++ {
		c := genome.Chrom(i)
		fmt.Fprintf(out, "chrom:\t%s\t%d\n", c.Name, c.Length)
	}
}

func printRow(out io.Writer, store *ccm.Store, i int) {
	meta, err := store.RowMeta(i)
	if err != nil {
		log.Panicf("row %d: %v", i, err)
	}
	fmt.Fprintf(out, "row %d\tbarcode=%s\ttotal=%d\tfragments=%d\n", i, meta.Barcode, meta.Total, meta.Fragments)
	postings, err := store.Row(i)
	if err != nil {
		log.Panicf("row %d: %v", i, err)
	}
	for _, p := range postings {
		fmt.Fprintf(out, "%d\t%d\n", p.Col, p.Count)
	}
}

func printCol(out io.Writer, store *ccm.Store, j int) {
	meta, err := store.ColMeta(j)
	if err != nil {
		log.Panicf("col %d: %v", j, err)
	}
	fmt.Fprintf(out, "col %d\t%v\tsum=%d\n", j, meta.Interval, meta.Sum)
	postings, err := store.Column(j)
	if err != nil {
		log.Panicf("col %d: %v", j, err)
	}
	for _, p := range postings {
		fmt.Fprintf(out, "%d\t%d\n", p.Row, p.Count)
	}
}

func printSums(out io.Writer, sums []uint64, err error) {
	if err != nil {
		log.Panicf("sums: %v", err)
	}
	for i, s := range sums {
		fmt.Fprintf(out, "%d\t%d\n", i, s)
	}
}

// readGroups parses a two-column barcode,group CSV.
func readGroups(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = 2
	groups := map[string]string{}
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		groups[record[0]] = record[1]
	}
	return groups, nil
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	flag.Usage = func() {
		os.Stderr.WriteString(`Usage: ccm-tool [flags] <store.ccm>

Inspects a cell count matrix store, or exports it as grouped BED files.
Exactly one of -describe, -row, -col, -row-sums, -col-sums, or -export-bed
must be given.
`)
		flag.PrintDefaults()
	}
	shutdown := grail.Init()
	defer shutdown()

	if len(flag.Args()) != 1 {
		flag.Usage()
		os.Exit(1)
	}
	path := flag.Arg(0)
	ctx := vcontext.Background()
	store, err := ccm.Open(ctx, path)
	if err != nil {
		log.Panicf("open %v: %v", path, err)
	}
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush() // nolint: errcheck

	switch {
	case *describeFlag:
		describe(out, store)
	case *rowFlag >= 0:
		printRow(out, store, *rowFlag)
	case *colFlag >= 0:
		printCol(out, store, *colFlag)
	case *rowSumsFlag:
		sums, err := store.RowSums()
		printSums(out, sums, err)
	case *colSumsFlag:
		sums, err := store.ColSums()
		printSums(out, sums, err)
	case *exportBEDFlag != "":
		if *groupsFlag == "" {
			log.Panicf("-export-bed requires -groups")
		}
		groups, err := readGroups(*groupsFlag)
		if err != nil {
			log.Panicf("read groups %v: %v", *groupsFlag, err)
		}
		if err := export.BED(ctx, store, groups, *exportBEDFlag, *prefixFlag, *suffixFlag); err != nil {
			log.Panicf("export: %v", err)
		}
	default:
		flag.Usage()
		os.Exit(1)
	}
}

package main

// ccm-build ingests fragment files into a cell count matrix store.
//
// Usage: ccm-build -chrom-sizes hg38.chrom.sizes -features peaks.bed -o out.ccm frags1.tsv.gz ...

import (
	"flag"
	"os"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	"github.com/scgenomics/cellmat/builder"
	"github.com/scgenomics/cellmat/interval"
)

var (
	chromSizesFlag  = flag.String("chrom-sizes", "", "Two-column chromosome sizes file (required)")
	featuresFlag    = flag.String("features", "", "BED file of features (peaks); mutually exclusive with -bin-size")
	binSizeFlag     = flag.Int("bin-size", 0, "Tile the genome with fixed-width bins of this many bases")
	outFlag         = flag.String("o", "", "Output store path (required)")
	tmpDirFlag      = flag.String("tmp-dir", "", "Directory for spilled chunk files; system default when empty")
	parallelismFlag = flag.Int("parallelism", 0, "Max concurrent input workers; one per input when <= 0")
	maxEntriesFlag  = flag.Int("max-entries", builder.DefaultMaxEntries,
		"In-memory accumulator entries per worker before spilling a chunk")
	deterministicFlag = flag.Bool("deterministic", false,
		"Force the single-threaded barcode pre-pass even for one input, making row ids reproducible")
	whitelistFlag = flag.String("whitelist", "",
		"Optional file with one barcode per line; fragments with other barcodes are dropped")
)

func loadFeatures(genome *interval.Genome) []interval.Interval {
	switch {
	case *featuresFlag != "" && *binSizeFlag > 0:
		log.Panicf("-features and -bin-size are mutually exclusive")
	case *featuresFlag != "":
		features, err := interval.LoadFeaturesBED(*featuresFlag)
		if err != nil {
			log.Panicf("load features %v: %v", *featuresFlag, err)
		}
		return features
	case *binSizeFlag > 0:
		features, err := interval.FixedBins(genome, interval.PosType(*binSizeFlag))
		if err != nil {
			log.Panicf("tile bins: %v", err)
		}
		return features
	}
	log.Panicf("one of -features or -bin-size is required")
	return nil
}

func loadWhitelist(path string) *builder.Registry {
	barcodes, err := builder.ReadBarcodeList(path)
	if err != nil {
		log.Panicf("load whitelist %v: %v", path, err)
	}
	registry, err := builder.NewFrozenRegistry(barcodes)
	if err != nil {
		log.Panicf("load whitelist %v: %v", path, err)
	}
	return registry
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	flag.Usage = func() {
		os.Stderr.WriteString(`Usage: ccm-build [flags] <fragment file...>

Reads per-cell fragment files (barcode, chrom, start, end[, count[, strand]]
per line, optionally gzipped), resolves each fragment against a feature set,
and writes the resulting sparse cell-by-feature count matrix to a single
store file. The feature set is either a BED file (-features) or fixed-width
genome bins (-bin-size).
`)
		flag.PrintDefaults()
	}
	shutdown := grail.Init()
	defer shutdown()

	inputs := flag.Args()
	if len(inputs) == 0 || *chromSizesFlag == "" || *outFlag == "" {
		flag.Usage()
		os.Exit(1)
	}
	genome, err := interval.LoadChromSizes(*chromSizesFlag)
	if err != nil {
		log.Panicf("load %v: %v", *chromSizesFlag, err)
	}
	index, err := interval.NewFeatureIndex(loadFeatures(genome), genome)
	if err != nil {
		log.Panicf("build feature index: %v", err)
	}
	opts := builder.IngestOpts{
		Inputs:        inputs,
		Index:         index,
		OutPath:       *outFlag,
		Deterministic: *deterministicFlag,
		Parallelism:   *parallelismFlag,
		MaxEntries:    *maxEntriesFlag,
		TmpDir:        *tmpDirFlag,
	}
	if *whitelistFlag != "" {
		opts.Registry = loadWhitelist(*whitelistFlag)
	}
	stats, err := builder.Ingest(vcontext.Background(), opts)
	if err != nil {
		log.Panicf("ingest: %v", err)
	}
	log.Printf("%v: %v", *outFlag, stats)
}

package interval

import (
	"fmt"
	"sort"
)

// Feature is an interval with the dense column id assigned at index build
// time.  Features are immutable once the index is constructed.
type Feature struct {
	Interval
	ID int32
}

// searchPosType returns the index of x in a[], or the position where x would
// be inserted if x isn't in a (this could be len(a)).  It's exactly the same
// as sort.SearchInt(), except for PosType.
func searchPosType(a []PosType, x PosType) int {
	return sort.Search(len(a), func(i int) bool { return a[i] >= x })
}

// fwdsearchPosType checks a[idx], then a[idx + 1], then a[idx + 3], then
// a[idx + 7], etc., and then uses binary search to finish the job.  It's
// usually a better choice than searchPosType when iterating.
func fwdsearchPosType(a []PosType, x PosType, idx int) int {
	nextIncr := 1
	startIdx := idx
	endIdx := len(a)
	for idx < endIdx {
		if a[idx] >= x {
			endIdx = idx
			break
		}
		startIdx = idx + 1
		idx += nextIncr
		nextIncr *= 2
	}
	for startIdx < endIdx {
		midIdx := int(uint(startIdx+endIdx) >> 1)
		if a[midIdx] >= x {
			endIdx = midIdx
		} else {
			startIdx = midIdx + 1
		}
	}
	return startIdx
}

// chromFeatures holds the features of one chromosome, sorted by start.
type chromFeatures struct {
	starts []PosType
	ends   []PosType
	// maxEnds[i] = max(ends[0..i]).  Nondecreasing, hence binary
	// searchable; needed because features themselves may overlap.
	maxEnds []PosType
	ids     []int32
}

// FeatureIndex maps intervals to the ids of all overlapping features.  The
// index is read-only after construction and may be shared freely across
// goroutines; per-query search state lives in Cursor.
type FeatureIndex struct {
	genome   *Genome
	perChrom []chromFeatures // indexed by genome chromosome id
	features []Feature       // all features; position == Feature.ID
}

// NewFeatureIndex validates and sorts the given intervals by (chromosome,
// start, end), assigns dense feature ids in that order, and builds the
// search structure.  Chromosome order follows the genome's chromosome
// table, not the order chromosomes appear in features.
func NewFeatureIndex(features []Interval, genome *Genome) (*FeatureIndex, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("interval.NewFeatureIndex: empty feature set")
	}
	type keyed struct {
		chromID int
		iv      Interval
	}
	sorted := make([]keyed, len(features))
	for i, iv := range features {
		if err := genome.Validate(iv); err != nil {
			return nil, err
		}
		chromID, _ := genome.ID(iv.Chrom)
		sorted[i] = keyed{chromID, iv}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].chromID != sorted[j].chromID {
			return sorted[i].chromID < sorted[j].chromID
		}
		if sorted[i].iv.Start != sorted[j].iv.Start {
			return sorted[i].iv.Start < sorted[j].iv.Start
		}
		return sorted[i].iv.End < sorted[j].iv.End
	})
	idx := &FeatureIndex{
		genome:   genome,
		perChrom: make([]chromFeatures, genome.NumChroms()),
		features: make([]Feature, len(sorted)),
	}
	for i, k := range sorted {
		id := int32(i)
		idx.features[i] = Feature{Interval: k.iv, ID: id}
		cf := &idx.perChrom[k.chromID]
		maxEnd := k.iv.End
		if n := len(cf.maxEnds); n > 0 && cf.maxEnds[n-1] > maxEnd {
			maxEnd = cf.maxEnds[n-1]
		}
		cf.starts = append(cf.starts, k.iv.Start)
		cf.ends = append(cf.ends, k.iv.End)
		cf.maxEnds = append(cf.maxEnds, maxEnd)
		cf.ids = append(cf.ids, id)
	}
	return idx, nil
}

// Genome returns the chromosome table the index was built against.
func (x *FeatureIndex) Genome() *Genome { return x.genome }

// NumFeatures returns the number of features (matrix columns).
func (x *FeatureIndex) NumFeatures() int { return len(x.features) }

// Feature returns the feature with the given id.
func (x *FeatureIndex) Feature(id int32) Feature { return x.features[id] }

// Features returns all features in id order.  The caller must not mutate
// the result.
func (x *FeatureIndex) Features() []Feature { return x.features }

// Cursor is a single-goroutine query handle over a shared FeatureIndex.  It
// caches the last queried chromosome and, when queries arrive in
// nondecreasing start order, gallops forward instead of re-running full
// binary searches.
type Cursor struct {
	index *FeatureIndex

	lastChrName  string
	lastChr      *chromFeatures
	lastStart    PosType
	lastLoIdx    int
	isSequential bool
}

// NewCursor creates a query cursor.  Cursors are cheap; create one per
// goroutine.
func (x *FeatureIndex) NewCursor() *Cursor {
	return &Cursor{index: x, lastChrName: ""}
}

// Resolve appends to dst the ids of every feature overlapping iv and
// returns the extended slice.  Multiple overlapping features are all
// reported.  A nil error with no appended ids means the interval is valid
// but covers no feature.  Invalid intervals return an error wrapping
// ErrInvalidInterval.
func (c *Cursor) Resolve(iv Interval, dst []int32) ([]int32, error) {
	x := c.index
	if iv.Chrom != c.lastChrName {
		id, found := x.genome.ID(iv.Chrom)
		if !found {
			return dst, fmt.Errorf("%w: unknown chromosome %q", ErrInvalidInterval, iv.Chrom)
		}
		c.lastChrName = iv.Chrom
		c.lastChr = &x.perChrom[id]
		c.isSequential = false
	}
	if err := x.genome.Validate(iv); err != nil {
		return dst, err
	}
	cf := c.lastChr
	if len(cf.starts) == 0 {
		return dst, nil
	}
	// Candidates start before iv.End; among them, keep those whose end is
	// past iv.Start.  maxEnds bounds the backward scan.
	var lo int
	if c.isSequential && iv.Start >= c.lastStart {
		lo = fwdsearchPosType(cf.maxEnds, iv.Start+1, c.lastLoIdx)
	} else {
		lo = searchPosType(cf.maxEnds, iv.Start+1)
	}
	c.lastStart = iv.Start
	c.lastLoIdx = lo
	c.isSequential = true
	hi := fwdsearchPosType(cf.starts, iv.End, lo)
	for i := lo; i < hi; i++ {
		if cf.ends[i] > iv.Start {
			dst = append(dst, cf.ids[i])
		}
	}
	return dst, nil
}

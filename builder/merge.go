package builder

import (
	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"v.io/x/lib/vlog"
)

// mergeLeaf wraps one chunkReader inside the merge tree.
type mergeLeaf struct {
	// seq is a number (0,1,2..) arbitrarily assigned to order leaves with
	// equal heads.
	seq    int
	reader *chunkReader
	done   bool // reader.scan() returned false?
}

func newMergeLeaf(seq int, reader *chunkReader) *mergeLeaf {
	leaf := mergeLeaf{seq: seq, reader: reader}
	if !leaf.reader.scan() {
		return nil
	}
	return &leaf
}

func (l *mergeLeaf) Compare(c1 llrb.Comparable) int {
	l1 := c1.(*mergeLeaf)
	k0 := l.reader.head().key
	k1 := l1.reader.head().key
	if k0 < k1 {
		return -1
	}
	if k0 > k1 {
		return 1
	}
	return l.seq - l1.seq
}

// mergeReaders K-way-merges the chunk readers and calls emit once per
// distinct key, in increasing key order, with counts of equal keys summed
// across chunks.  Summation is commutative and associative, so the result
// is independent of how entries were distributed over chunks.
func mergeReaders(readers []*chunkReader, emit func(e entry) error, errReporter *errors.Once) {
	// Sort the inputs using a binary tree.  The leaf at the top tends to
	// stay at the top for long runs of keys, so the tree maintains sorted
	// order in amortized O(1) instead of a heap's O(log K).
	leaves := llrb.Tree{}
	for i, reader := range readers {
		if l := newMergeLeaf(i, reader); l != nil {
			leaves.Insert(l)
		}
	}
	vlog.VI(1).Infof("merging %d chunks, %d nonempty", len(readers), leaves.Len())

	var pending entry
	havePending := false
	flushPending := func() bool {
		if !havePending {
			return true
		}
		havePending = false
		if err := emit(pending); err != nil {
			errReporter.Set(err)
			return false
		}
		return true
	}
	accumulate := func(e entry) bool {
		if havePending && pending.key == e.key {
			pending.count += e.count
			return true
		}
		if !flushPending() {
			return false
		}
		pending = e
		havePending = true
		return true
	}

	done := false
	for !done && leaves.Len() > 0 {
		// top is the smallest leaf; next the second smallest, nil if top is
		// alone.
		var top, next *mergeLeaf
		nth := 0
		leaves.Do(func(item llrb.Comparable) bool {
			nth++
			switch nth {
			case 1:
				top = item.(*mergeLeaf)
				return false
			case 2:
				next = item.(*mergeLeaf)
				return true
			default:
				vlog.Fatal(nth)
				return false
			}
		})
		// Read from top until it runs past next.
		for {
			if !accumulate(top.reader.head()) {
				done = true
				break
			}
			top.done = !top.reader.scan()
			if top.done || (next != nil && next.reader.head().key < top.reader.head().key) {
				break
			}
		}
		leaves.DeleteMin()
		if !top.done && !done {
			leaves.Insert(top)
		}
	}
	if !done {
		flushPending()
	}
	for _, reader := range readers {
		reader.drain()
	}
	for _, reader := range readers {
		reader.wait()
	}
}

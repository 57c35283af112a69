package ccm

import (
	"github.com/RoaringBitmap/roaring/v2"
)

// RowSums returns the per-row sums of matrix entries, length Rows().  The
// sums were computed at finalize time and live in the row metadata, so
// this is a metadata scan, not a matrix scan.  The result is cached and
// must not be mutated.
func (s *Store) RowSums() ([]uint64, error) {
	s.rowSumsOnce.Do(func() {
		sums := make([]uint64, s.Rows())
		s.rowSumsErr = s.ForEachRowMeta(func(row int32, meta RowMeta) {
			sums[row] = meta.Total
		})
		if s.rowSumsErr == nil {
			s.rowSums = sums
		}
	})
	return s.rowSums, s.rowSumsErr
}

// ColSums returns the per-column sums of matrix entries, length Cols().
// Cached like RowSums.
func (s *Store) ColSums() ([]uint64, error) {
	s.colSumsOnce.Do(func() {
		sums := make([]uint64, s.Cols())
		s.colSumsErr = s.ForEachColMeta(func(col int32, meta ColMeta) {
			sums[col] = meta.Sum
		})
		if s.colSumsErr == nil {
			s.colSums = sums
		}
	})
	return s.colSums, s.colSumsErr
}

// FilterRows returns the set of row ids whose metadata satisfies pred.
// Downstream stages combine these bitmaps to select cell subsets.
func (s *Store) FilterRows(pred func(meta RowMeta) bool) (*roaring.Bitmap, error) {
	result := roaring.New()
	err := s.ForEachRowMeta(func(row int32, meta RowMeta) {
		if pred(meta) {
			result.Add(uint32(row))
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

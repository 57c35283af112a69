package interval

import (
	"errors"
	"strings"
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func testGenome(t *testing.T) *Genome {
	g, err := NewGenome([]Chrom{
		{Name: "chr1", Length: 10000},
		{Name: "chr2", Length: 5000},
	})
	assert.NoError(t, err)
	return g
}

func TestResolveBasic(t *testing.T) {
	g := testGenome(t)
	idx, err := NewFeatureIndex([]Interval{
		{"chr1", 100, 200},
		{"chr1", 200, 300},
		{"chr2", 0, 1000},
	}, g)
	assert.NoError(t, err)
	expect.EQ(t, idx.NumFeatures(), 3)

	tests := []struct {
		query Interval
		want  []int32
	}{
		{Interval{"chr1", 100, 200}, []int32{0}},
		{Interval{"chr1", 150, 250}, []int32{0, 1}},
		{Interval{"chr1", 199, 200}, []int32{0}},
		// Abutting intervals do not overlap.
		{Interval{"chr1", 0, 100}, nil},
		{Interval{"chr1", 300, 400}, nil},
		{Interval{"chr2", 999, 1000}, []int32{2}},
		{Interval{"chr2", 1000, 1001}, nil},
	}
	for _, test := range tests {
		c := idx.NewCursor()
		got, err := c.Resolve(test.query, nil)
		assert.NoError(t, err)
		expect.EQ(t, got, test.want, "query %v", test.query)
	}
}

func TestResolveSequential(t *testing.T) {
	g := testGenome(t)
	idx, err := NewFeatureIndex([]Interval{
		{"chr1", 0, 100},
		{"chr1", 100, 200},
		{"chr1", 200, 300},
		{"chr1", 300, 400},
	}, g)
	assert.NoError(t, err)
	c := idx.NewCursor()
	// Nondecreasing starts exercise the galloping path; results must match
	// fresh cursors.
	queries := []Interval{
		{"chr1", 10, 20},
		{"chr1", 10, 150},
		{"chr1", 120, 130},
		{"chr1", 250, 350},
		{"chr1", 390, 400},
	}
	for _, q := range queries {
		got, err := c.Resolve(q, nil)
		assert.NoError(t, err)
		want, err := idx.NewCursor().Resolve(q, nil)
		assert.NoError(t, err)
		expect.EQ(t, got, want, "query %v", q)
	}
	// A backward query resets the sequential state.
	got, err := c.Resolve(Interval{"chr1", 0, 105}, nil)
	assert.NoError(t, err)
	expect.EQ(t, got, []int32{0, 1})
}

func TestResolveNestedFeatures(t *testing.T) {
	g := testGenome(t)
	// A long feature containing short ones: maxEnds differs from ends.
	idx, err := NewFeatureIndex([]Interval{
		{"chr1", 0, 5000},
		{"chr1", 100, 200},
		{"chr1", 3000, 3100},
	}, g)
	assert.NoError(t, err)
	c := idx.NewCursor()
	got, err := c.Resolve(Interval{"chr1", 2500, 2600}, nil)
	assert.NoError(t, err)
	expect.EQ(t, got, []int32{0})
	got, err = c.Resolve(Interval{"chr1", 3050, 3060}, nil)
	assert.NoError(t, err)
	expect.EQ(t, got, []int32{0, 2})
}

func TestResolveInvalid(t *testing.T) {
	g := testGenome(t)
	idx, err := NewFeatureIndex([]Interval{{"chr1", 100, 200}}, g)
	assert.NoError(t, err)
	c := idx.NewCursor()
	for _, iv := range []Interval{
		{"chrUn", 0, 10},
		{"chr1", 200, 200},
		{"chr1", 300, 200},
		{"chr1", -1, 10},
		{"chr1", 0, 10001},
	} {
		_, err := c.Resolve(iv, nil)
		expect.True(t, errors.Is(err, ErrInvalidInterval), "interval %v: %v", iv, err)
	}
}

func TestFeatureIDsSorted(t *testing.T) {
	g := testGenome(t)
	// Unsorted input; ids must follow (chrom, start) order.
	idx, err := NewFeatureIndex([]Interval{
		{"chr2", 0, 100},
		{"chr1", 500, 600},
		{"chr1", 100, 200},
	}, g)
	assert.NoError(t, err)
	expect.EQ(t, idx.Feature(0).Interval, Interval{"chr1", 100, 200})
	expect.EQ(t, idx.Feature(1).Interval, Interval{"chr1", 500, 600})
	expect.EQ(t, idx.Feature(2).Interval, Interval{"chr2", 0, 100})
}

func TestFixedBins(t *testing.T) {
	g := testGenome(t)
	bins, err := FixedBins(g, 4000)
	assert.NoError(t, err)
	expect.EQ(t, bins, []Interval{
		{"chr1", 0, 4000},
		{"chr1", 4000, 8000},
		{"chr1", 8000, 10000},
		{"chr2", 0, 4000},
		{"chr2", 4000, 5000},
	})
	_, err = FixedBins(g, 0)
	expect.NotNil(t, err)
}

func TestReadFeaturesBED(t *testing.T) {
	in := "chr1\t100\t200\tpeak0\n" +
		"\n" +
		"chr1,200,300\n" +
		"chr2 0 1000\n"
	features, err := ReadFeaturesBED(strings.NewReader(in))
	assert.NoError(t, err)
	expect.EQ(t, features, []Interval{
		{"chr1", 100, 200},
		{"chr1", 200, 300},
		{"chr2", 0, 1000},
	})

	_, err = ReadFeaturesBED(strings.NewReader("chr1\t100\n"))
	expect.NotNil(t, err)
	_, err = ReadFeaturesBED(strings.NewReader("chr1\tx\t200\n"))
	expect.NotNil(t, err)
}

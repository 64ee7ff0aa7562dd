package kg

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalDatasetAgainstAll(t *testing.T) {
	triplets := []Triplet{
		{Head: 0, Relation: 0, Tail: 1},
		{Head: 2, Relation: 1, Tail: 3},
		{Head: 4, Relation: 0, Tail: 0},
	}
	ds := NewEvalDataset("valid", triplets, 5, 2)
	require.Equal(t, 3, ds.Len())
	require.Equal(t, EvalAgainstAll, ds.Mode())

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 3)
	assert.Equal(t, []int32{0, 2}, tensors.MustCopyFlatData[int32](inputs[0]))
	assert.Equal(t, []int32{0, 1}, tensors.MustCopyFlatData[int32](inputs[1]))
	// The candidate row enumerates all entities and is shared by batches.
	assert.Equal(t, []int{1, 5}, inputs[2].Shape().Dimensions)
	assert.Equal(t, []int32{0, 1, 2, 3, 4}, tensors.MustCopyFlatData[int32](inputs[2]))
	require.Len(t, labels, 1)
	assert.Equal(t, []int32{1, 3}, tensors.MustCopyFlatData[int32](labels[0]))

	// The final batch holds the one remaining query, not a full batch.
	_, inputs, labels, err = ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int32{4}, tensors.MustCopyFlatData[int32](inputs[0]))
	assert.Equal(t, []int32{0}, tensors.MustCopyFlatData[int32](labels[0]))

	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)
	ds.Reset()
	_, inputs, _, err = ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 2}, tensors.MustCopyFlatData[int32](inputs[0]))
}

func TestEvalDatasetWithCandidates(t *testing.T) {
	triplets := []Triplet{
		{Head: 0, Relation: 0, Tail: 7},
		{Head: 1, Relation: 1, Tail: 9},
	}
	candidates := [][]int32{
		{5, 7, 8},
		{9, 2, 4},
	}
	correct := []int32{1, 0}
	ds := NewEvalDatasetWithCandidates("test", triplets, candidates, correct, 2)
	require.Equal(t, EvalWithCandidates, ds.Mode())

	triplet, cands, correctIdx := ds.At(1)
	assert.Equal(t, Triplet{Head: 1, Relation: 1, Tail: 9}, triplet)
	assert.Equal(t, []int32{9, 2, 4}, cands)
	assert.Equal(t, int32(0), correctIdx)

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, inputs[2].Shape().Dimensions)
	assert.Equal(t, []int32{5, 7, 8, 9, 2, 4}, tensors.MustCopyFlatData[int32](inputs[2]))
	require.Len(t, labels, 1)
	assert.Equal(t, []int32{1, 0}, tensors.MustCopyFlatData[int32](labels[0]))

	// Without correct indices the queries are inference-only: nil labels.
	ds = NewEvalDatasetWithCandidates("test", triplets, candidates, nil, 2)
	_, _, labels, err = ds.Yield()
	require.NoError(t, err)
	assert.Nil(t, labels)
	_, _, correctIdx = ds.At(0)
	assert.Equal(t, int32(-1), correctIdx)
}

func TestEvalDatasetValidation(t *testing.T) {
	triplets := []Triplet{{Head: 0, Relation: 0, Tail: 1}}
	require.Panics(t, func() { NewEvalDataset("bad", nil, 2, 1) })
	require.Panics(t, func() { NewEvalDataset("bad", triplets, 0, 1) })
	// Wrong number of candidate rows, misaligned rows, out-of-row correct
	// indices.
	require.Panics(t, func() {
		NewEvalDatasetWithCandidates("bad", triplets, [][]int32{{1, 2}, {3, 4}}, nil, 1)
	})
	twoTriplets := []Triplet{{Head: 0, Relation: 0, Tail: 1}, {Head: 1, Relation: 0, Tail: 2}}
	require.Panics(t, func() {
		NewEvalDatasetWithCandidates("bad", twoTriplets, [][]int32{{1, 2}, {3}}, nil, 1)
	})
	require.Panics(t, func() {
		NewEvalDatasetWithCandidates("bad", triplets, [][]int32{{1, 2}}, []int32{2}, 1)
	})
}

func TestFiltersSaveLoad(t *testing.T) {
	triplets := []Triplet{
		{Head: 0, Relation: 0, Tail: 1},
		{Head: 0, Relation: 0, Tail: 2},
		{Head: 3, Relation: 1, Tail: 1},
	}
	filters := BuildFilters(triplets)
	tails := filters.Tail[FilterKey{Entity: 0, Relation: 0}]
	assert.True(t, tails.Has(1) && tails.Has(2))
	assert.False(t, tails.Has(3))
	heads := filters.Head[FilterKey{Entity: 1, Relation: 1}]
	assert.True(t, heads.Has(3))

	filePath := filepath.Join(t.TempDir(), "filters.bin")
	require.NoError(t, filters.Save(filePath))
	loaded, err := LoadFilters(filePath)
	require.NoError(t, err)
	assert.Equal(t, filters.Head, loaded.Head)
	assert.Equal(t, filters.Tail, loaded.Tail)
}

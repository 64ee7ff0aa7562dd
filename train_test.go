package kgemb

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgemb/kgemb/kg"
)

func TestSidesFromName(t *testing.T) {
	assert.Equal(t, kg.CorruptHead, sidesFromName("head").Next())
	assert.Equal(t, kg.CorruptTail, sidesFromName("tail").Next())
	alternating := sidesFromName("alternating")
	assert.Equal(t, kg.CorruptTail, alternating.Next())
	assert.Equal(t, kg.CorruptHead, alternating.Next())
	require.Panics(t, func() { sidesFromName("both") })
}

func TestMakeTrainDataset(t *testing.T) {
	ctx := CreateDefaultContext()
	ctx.SetParam("batch_size", 2)
	ctx.SetParam("kge_num_negatives", 3)
	corpus := &Corpus{
		EntityNames:   []string{"e0", "e1", "e2", "e3"},
		RelationNames: []string{"r0", "r1"},
		Train: []kg.Triplet{
			{Head: 0, Relation: 0, Tail: 1},
			{Head: 2, Relation: 1, Tail: 3},
			{Head: 1, Relation: 0, Tail: 2},
		},
	}
	ds := makeTrainDataset(ctx, corpus, nil)
	spec, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Nil(t, labels)
	batch, ok := spec.(*kg.Batch)
	require.True(t, ok)
	assert.Equal(t, kg.NegBatch, batch.Mode)
	require.Len(t, inputs, 5)
	assert.Equal(t, []int{2, 3}, inputs[3].Shape().Dimensions) // negatives [B, K]
}

func TestMakeLossFn(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	ctx.SetParam(ParamLossKind, "hinge")
	lossExec := context.NewExec(backend, ctx, func(ctx *context.Context, logits *Node) *Node {
		return MakeLossFn(ctx)(nil, []*Node{logits})
	})
	// Positive and negative tied at 0: hinge loss is exactly the margin.
	loss := lossExec.Call(tensors.FromValue([][]float32{{0, 0}}))[0]
	assert.InDelta(t, 1.0, tensors.ToScalar[float32](loss), 1e-6)
}

func TestRankingMetricsString(t *testing.T) {
	m := &RankingMetrics{MRR: 0.5, HitsAt1: 0.25, HitsAt3: 0.5, HitsAt10: 1, NumQueries: 4}
	assert.Equal(t, "MRR=0.5000, Hits@1=0.2500, Hits@3=0.5000, Hits@10=1.0000 (4 queries)", m.String())
}

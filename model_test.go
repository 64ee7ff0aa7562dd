package kgemb

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgemb/kgemb/kg"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestScoreKindNames(t *testing.T) {
	assert.Equal(t, ScoreTransE, ScoreKindFromName("transe"))
	assert.Equal(t, ScoreDistMult, ScoreKindFromName("distmult"))
	require.Panics(t, func() { ScoreKindFromName("rotate") })
	assert.Equal(t, "transe", ScoreTransE.String())
	assert.Equal(t, "distmult", ScoreDistMult.String())
}

func TestScoreLogits(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{ParamGamma: 2.0})
	logitsExec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		head, relation, tail, negatives := inputs[0], inputs[1], inputs[2], inputs[3]
		return []*Node{
			ScoreTransE.Logits(ctx, head, relation, tail, negatives, kg.CorruptTail),
			ScoreTransE.Logits(ctx, head, relation, tail, negatives, kg.CorruptHead),
			ScoreDistMult.Logits(ctx, head, relation, tail, negatives, kg.CorruptTail),
			ScoreDistMult.Logits(ctx, head, relation, tail, negatives, kg.CorruptHead),
		}
	})

	// B=1, K=1, D=2; head+relation == tail exactly.
	outputs := logitsExec.Call([]*tensors.Tensor{
		tensors.FromValue([][]float32{{1, 0}}),
		tensors.FromValue([][]float32{{0, 1}}),
		tensors.FromValue([][]float32{{1, 1}}),
		tensors.FromValue([][][]float32{{{0, 0}}}),
	})
	// Positive: gamma - 0 = 2. Tail corruption: |h+r-neg| sums to 2 -> 0.
	assert.Equal(t, [][]float32{{2, 0}}, outputs[0].Value())
	// Head corruption: |neg+r-t| sums to 1 -> gamma-1 = 1.
	assert.Equal(t, [][]float32{{2, 1}}, outputs[1].Value())

	outputs = logitsExec.Call([]*tensors.Tensor{
		tensors.FromValue([][]float32{{1, 2}}),
		tensors.FromValue([][]float32{{3, 4}}),
		tensors.FromValue([][]float32{{5, 6}}),
		tensors.FromValue([][][]float32{{{1, 1}}}),
	})
	// Positive: 1*3*5 + 2*4*6 = 63. Tail: (h*r).neg = 3+8 = 11.
	assert.Equal(t, [][]float32{{63, 11}}, outputs[2].Value())
	// Head: (r*t).neg = 15+24 = 39.
	assert.Equal(t, [][]float32{{63, 39}}, outputs[3].Value())
}

func TestModelGraphShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	triplets := []kg.Triplet{
		{Head: 0, Relation: 0, Tail: 1},
		{Head: 2, Relation: 1, Tail: 3},
		{Head: 1, Relation: 0, Tail: 2},
	}
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamNumEntities:  4,
		ParamNumRelations: 2,
		ParamEmbeddingDim: 8,
		ParamScorer:       "distmult",
	})

	// Both corruption sides compile and keep the [B, 1+K] logits shape. One
	// exec per side: the batch spec is part of the graph, not of the inputs.
	for _, sides := range []kg.SideSequence{kg.TailOnly(), kg.HeadOnly()} {
		ds := kg.NewDataset("train", triplets, 4, 3, 2).
			WithCorruption(sides).
			Infinite()
		spec, inputs, _, err := ds.Yield()
		require.NoError(t, err)
		modelExec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
			return ModelGraph(ctx, spec, inputs)
		})
		outputs := modelExec.Call(inputs)
		require.Len(t, outputs, 1)
		assert.NoError(t, outputs[0].Shape().Check(dtypes.Float32, 2, 4))
	}
}

// seedEmbeddings fills the entity and relation tables with fixed values, so
// ranking results are exact.
func seedEmbeddings(ctx *context.Context, entities [][]float32, relations [][]float32) {
	ctx.In("embeddings").In("entity").VariableWithValue("embeddings", tensors.FromValue(entities))
	ctx.In("embeddings").In("relation").VariableWithValue("embeddings", tensors.FromValue(relations))
}

func TestEvalGraphRanks(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamNumEntities:  4,
		ParamNumRelations: 2,
		ParamEmbeddingDim: 2,
		ParamScorer:       "distmult",
	})
	// Entity ii embeds to (ii, 0); relations are all-ones, so the DistMult
	// score of candidate c for head h is h*c.
	seedEmbeddings(ctx,
		[][]float32{{0, 0}, {1, 0}, {2, 0}, {3, 0}},
		[][]float32{{1, 1}, {1, 1}})

	rankExec := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, inputs []*Node) *Node {
		return EvalGraph(ctx, inputs)
	})

	heads := tensors.FromValue([]int32{2, 1})
	relations := tensors.FromValue([]int32{0, 0})
	candidates := tensors.FromValue([][]int32{{0, 1, 2, 3}})
	correct := tensors.FromValue([]int32{1, 3})

	// Head 2 scores candidates (0, 2, 4, 6): entities 2 and 3 beat the true
	// tail 1. Head 1 scores (0, 1, 2, 3): nothing beats the true tail 3.
	mask := tensors.FromValue([][]float32{{0, 0, 0, 0}, {0, 0, 0, 0}})
	ranks := rankExec.Call([]*tensors.Tensor{heads, relations, candidates, correct, mask})[0]
	assert.Equal(t, []float32{3, 1}, ranks.Value())

	// Masking entity 3 out of the first query drops one competitor.
	mask = tensors.FromValue([][]float32{{0, 0, 0, 1}, {0, 0, 0, 0}})
	ranks = rankExec.Call([]*tensors.Tensor{heads, relations, candidates, correct, mask})[0]
	assert.Equal(t, []float32{2, 1}, ranks.Value())
}

func TestEvaluate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamNumEntities:  4,
		ParamNumRelations: 2,
		ParamEmbeddingDim: 2,
		ParamScorer:       "distmult",
		"eval_batch_size": 2,
	})
	seedEmbeddings(ctx,
		[][]float32{{0, 0}, {1, 0}, {2, 0}, {3, 0}},
		[][]float32{{1, 1}, {1, 1}})

	corpus := &Corpus{
		EntityNames:   []string{"e0", "e1", "e2", "e3"},
		RelationNames: []string{"r0", "r1"},
	}
	split := []kg.Triplet{
		{Head: 2, Relation: 0, Tail: 1}, // rank 3 (entities 2 and 3 score higher)
		{Head: 1, Relation: 0, Tail: 3}, // rank 1
	}

	metrics, err := Evaluate(backend, ctx, corpus, split, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, metrics.NumQueries)
	assert.InDelta(t, (1.0/3+1.0)/2, metrics.MRR, 1e-6)
	assert.InDelta(t, 0.5, metrics.HitsAt1, 1e-6)
	assert.InDelta(t, 1.0, metrics.HitsAt3, 1e-6)
	assert.InDelta(t, 1.0, metrics.HitsAt10, 1e-6)

	// Filtered: entity 3 is a known tail of (2, r0), so it no longer
	// outranks the first query's true tail.
	filters := &kg.Filters{
		Head: map[kg.FilterKey]sets.Set[int32]{},
		Tail: map[kg.FilterKey]sets.Set[int32]{
			{Entity: 2, Relation: 0}: sets.MakeWith[int32](1, 3),
		},
	}
	metrics, err = Evaluate(backend, ctx, corpus, split, filters)
	require.NoError(t, err)
	assert.InDelta(t, (1.0/2+1.0)/2, metrics.MRR, 1e-6)
}

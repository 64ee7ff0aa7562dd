package gnn

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestModelGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := testGraph()
	strategy := g.NewStrategy(2, 3)
	ds := strategy.NewDataset("train").Infinite()

	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamEmbeddingDim: 8,
		ParamNumNegatives: 4,
		ParamSoftsign:     true,
	})

	var spec any
	modelExec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return ModelGraph(ctx, spec, inputs)
	})

	var inputs []*tensors.Tensor
	var err error
	spec, inputs, _, err = ds.Yield()
	require.NoError(t, err)
	outputs := modelExec.Call(inputs)
	require.Len(t, outputs, 3)
	assert.NoError(t, outputs[0].Shape().Check(dtypes.Float32, 2, 5)) // logits [B, 1+K]
	assert.NoError(t, outputs[1].Shape().Check(dtypes.Float32, 2, 2, 8))
	assert.NoError(t, outputs[2].Shape().Check(dtypes.Float32, 2, 8))
}

func TestModelGraphWithHCL(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := testGraph()
	strategy := g.NewStrategy(3, 2, 2)
	ds := strategy.NewDataset("train").Infinite()

	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamEmbeddingDim: 4,
		ParamNumNegatives: 2,
		ParamLayerType:    "graphsage",
		ParamHCL:          true,
	})

	var spec any
	modelExec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return ModelGraph(ctx, spec, inputs)
	})

	var inputs []*tensors.Tensor
	var err error
	spec, inputs, _, err = ds.Yield()
	require.NoError(t, err)
	outputs := modelExec.Call(inputs)
	// logits, nfeat, srcNFeat + 3 per-level logits (raw embedding + 2 convs).
	require.Len(t, outputs, 6)
	for _, levelLogits := range outputs[3:] {
		assert.NoError(t, levelLogits.Shape().Check(dtypes.Float32, 3, 3))
	}
}

func TestLossKinds(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	ctx := context.New()
	ctx.SetParams(map[string]any{ParamHingeMargin: 1.0})
	lossExec := context.NewExec(backend, ctx, func(ctx *context.Context, logits *Node) []*Node {
		return []*Node{
			LossNCE.Apply(ctx, logits),
			LossHinge.Apply(ctx, logits),
			LossSoftmax.Apply(ctx, logits),
		}
	})

	// Row 0: a confident positive; row 1: positive and negative tied at 0.
	logits := tensors.FromValue([][]float32{
		{10, -10},
		{0, 0},
	})
	outputs := lossExec.Call(logits)
	nce := tensors.ToScalar[float32](outputs[0])
	hinge := tensors.ToScalar[float32](outputs[1])
	softmax := tensors.ToScalar[float32](outputs[2])

	// NCE row 0 ~ 0, row 1 = 2*log(2); mean ~ log(2).
	assert.InDelta(t, 0.6931, nce, 1e-3)
	// Hinge row 0: max(0, 1-10-10)=0; row 1: max(0, 1-0+0)=1; mean 0.5.
	assert.InDelta(t, 0.5, hinge, 1e-5)
	// Softmax row 0 ~ 0, row 1 = log(2); mean ~ log(2)/2.
	assert.InDelta(t, 0.3466, softmax, 1e-3)
}

func TestAssemble(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamLossKind:    "hinge",
		ParamAuxLossKind: "softmax",
	})
	assembleExec := context.NewExec(backend, ctx, func(ctx *context.Context, logits *Node) []*Node {
		predictions := &Predictions{
			Logits:    logits,
			HCLLogits: []*Node{logits, logits},
		}
		loss, vLoss := Assemble(ctx, predictions)
		return []*Node{loss, vLoss}
	})

	logits := tensors.FromValue([][]float32{{0, 0}})
	outputs := assembleExec.Call(logits)
	loss := tensors.ToScalar[float32](outputs[0])
	vLoss := tensors.ToScalar[float32](outputs[1])

	// hinge = 1, softmax = log(2), hcl = mean(hinge, hinge) = 1.
	assert.InDelta(t, 2.6931, loss, 1e-3)
	// 3 terms.
	assert.InDelta(t, loss/3, vLoss, 1e-5)
}

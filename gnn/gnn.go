// Package gnn implements contrastive training of graph node embeddings:
// sampled multi-hop neighborhoods ([Graph], [Strategy], [Dataset]), a
// forward pass assembling sparse embeddings and graph convolutions
// ([ModelGraph]), and the contrastive loss kinds ([LossKind]).
//
// The model scores each positive (source, destination) pair against
// negatives obtained by shuffling the destination features within the batch,
// never by resampling ids: one random permutation per negative.
package gnn

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
)

var (
	// ParamEmbeddingDim is the context hyperparameter with the dimension of
	// the node id and slot embeddings, which is also the dimension of the
	// convolved node states. The default is 64.
	ParamEmbeddingDim = "gnn_embedding_dim"

	// ParamLayerType selects the graph-convolution layer: "lightgcn" or
	// "graphsage". "gatne" is accepted as an alias for "lightgcn".
	// The default is "lightgcn".
	ParamLayerType = "gnn_layer_type"

	// ParamNumNegatives is the number of shuffled negatives scored against
	// each positive pair. The default is 5.
	ParamNumNegatives = "gnn_num_negatives"

	// ParamSoftsign, if true, applies a soft-sign normalization
	// (`x / (1+|x|)`) to the summed embedding features. The default is false.
	ParamSoftsign = "gnn_softsign"

	// ParamResidualAlpha is the residual mixing weight of the convolution
	// layers: the updated state is `alpha*state + (1-alpha)*update`.
	// The default is 0.9.
	ParamResidualAlpha = "gnn_residual_alpha"

	// ParamHCL, if true, additionally computes contrastive logits at every
	// convolution level (including the raw embeddings), for the
	// hierarchical contrastive loss term. The default is false.
	ParamHCL = "gnn_hcl"
)

// DType of the model.
var DType = dtypes.Float32

// LayerKind is the closed set of graph-convolution layer types.
type LayerKind int

const (
	// LayerLightGCN mixes each node's state with the plain mean of its
	// sampled neighbors' states. No kernel variables.
	LayerLightGCN LayerKind = iota

	// LayerGraphSAGE concatenates each node's state with the mean of its
	// sampled neighbors' states and projects through a dense layer.
	LayerGraphSAGE
)

// String implements fmt.Stringer.
func (k LayerKind) String() string {
	switch k {
	case LayerLightGCN:
		return "lightgcn"
	case LayerGraphSAGE:
		return "graphsage"
	}
	return "invalid"
}

// LayerKindFromName converts a layer type name to its [LayerKind]. It panics
// with a helpful message on unknown names.
func LayerKindFromName(name string) LayerKind {
	switch name {
	case "lightgcn", "gatne":
		return LayerLightGCN
	case "graphsage":
		return LayerGraphSAGE
	}
	Panicf("graph-convolution layer type %q not supported: valid values are \"lightgcn\" (alias \"gatne\") and \"graphsage\"", name)
	return LayerLightGCN
}

// Predictions are the outputs of one [Forward] pass, consumed by the loss
// assembly and discarded.
type Predictions struct {
	// Logits of each positive pair against its negatives, shaped
	// `[batchSize, 1+numNegatives]`, the positive in column 0.
	Logits *Node

	// NFeat holds the final features of the positive pairs, shaped
	// `[batchSize, 2, embeddingDim]`.
	NFeat *Node

	// SrcNFeat holds the final features of the pair sources, shaped
	// `[batchSize, embeddingDim]`. This is the embedding to dump when using
	// the model for inference.
	SrcNFeat *Node

	// HCLLogits holds per-convolution-level logits (level 0 is the raw
	// embedding sum), each shaped like Logits. Only set when [ParamHCL] is
	// enabled.
	HCLLogits []*Node
}

// Outputs flattens the predictions in the order [PredictionsFromOutputs]
// expects them back.
func (p *Predictions) Outputs() []*Node {
	outputs := make([]*Node, 0, 3+len(p.HCLLogits))
	outputs = append(outputs, p.Logits, p.NFeat, p.SrcNFeat)
	outputs = append(outputs, p.HCLLogits...)
	return outputs
}

// PredictionsFromOutputs rebuilds a [Predictions] from the model outputs.
func PredictionsFromOutputs(outputs []*Node) *Predictions {
	if len(outputs) < 3 {
		Panicf("expected at least 3 model outputs (logits, nfeat, srcNFeat), got %d", len(outputs))
	}
	return &Predictions{
		Logits:    outputs[0],
		NFeat:     outputs[1],
		SrcNFeat:  outputs[2],
		HCLLogits: outputs[3:],
	}
}

// ModelGraph builds the forward graph for one batch: it implements
// train.ModelFn. The `spec` must be the *[Strategy] yielded by the
// [Dataset], and the inputs follow the layout documented there.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	strategy, ok := spec.(*Strategy)
	if !ok {
		Panicf("expected spec to be a *gnn.Strategy, got %T", spec)
	}
	return Forward(ctx, strategy, inputs).Outputs()
}

// Forward computes the node features and contrastive logits for one batch.
//
// The feature of every vocabulary node is the sum of its id embedding and
// its slot embeddings, optionally soft-sign normalized, then convolved by
// one layer per sampled hop, deepest hop first, so information flows from
// the outermost sampled neighbors toward the positive pairs.
func Forward(ctx *context.Context, strategy *Strategy, inputs []*Node) *Predictions {
	g := inputs[0].Graph()
	graphData := strategy.Graph
	numSlots := len(graphData.Slots)
	numEdgeTypes := len(graphData.EdgeTypes)
	numHops := strategy.NumHops()
	wantInputs := 2 + numSlots + 2*numHops*numEdgeTypes
	if len(inputs) != wantInputs {
		Panicf("strategy %s expects %d input tensors, got %d", strategy, wantInputs, len(inputs))
	}
	vocab, finalIndex := inputs[0], inputs[1]
	slotInputs := inputs[2 : 2+numSlots]
	hopInputs := inputs[2+numSlots:]

	embeddingDim := context.GetParamOr(ctx, ParamEmbeddingDim, 64)
	ctxEmbed := ctx.In("embeddings")
	feature := layers.Embedding(ctxEmbed.In("node_id"), vocab,
		DType, int(graphData.NumNodes), embeddingDim, false)
	for ii, slot := range graphData.Slots {
		embedded := layers.Embedding(ctxEmbed.In("slot_"+slot.Name), slotInputs[ii],
			DType, int(slot.VocabSize), embeddingDim, false)
		feature = Add(feature, embedded)
	}
	if context.GetParamOr(ctx, ParamSoftsign, false) {
		feature = softsign(feature)
	}

	// One snapshot per convolution level, level 0 being the raw embeddings.
	levels := make([]*Node, 0, numHops+1)
	levels = append(levels, feature)

	layerKind := LayerKindFromName(context.GetParamOr(ctx, ParamLayerType, "lightgcn"))
	alpha := context.GetParamOr(ctx, ParamResidualAlpha, 0.9)
	for hop := numHops - 1; hop >= 0; hop-- {
		ctxLayer := ctx.In(fmt.Sprintf("conv_%d", hop))
		pooled := poolHop(feature, hopInputs, hop, numEdgeTypes)
		switch layerKind {
		case LayerLightGCN:
			feature = Add(MulScalar(feature, alpha), MulScalar(pooled, 1-alpha))
		case LayerGraphSAGE:
			state := Concatenate([]*Node{feature, pooled}, -1)
			state = layers.DenseWithBias(ctxLayer, state, embeddingDim)
			state = activations.ApplyFromContext(ctxLayer, state)
			feature = Add(MulScalar(feature, alpha), MulScalar(state, 1-alpha))
		}
		levels = append(levels, feature)
	}

	batchSize := strategy.BatchSize
	numNegatives := context.GetParamOr(ctx, ParamNumNegatives, 5)
	// One in-batch permutation per negative, shared across levels.
	permutations := make([]*Node, numNegatives)
	for ii := range permutations {
		permutations[ii] = ArgSort(ctx.RandomUniform(g, shapes.Make(DType, batchSize)), 0, false)
	}

	nfeat, srcFeat, logits := pairLogits(feature, finalIndex, batchSize, permutations)
	predictions := &Predictions{
		Logits:   logits,
		NFeat:    nfeat,
		SrcNFeat: srcFeat,
	}
	if context.GetParamOr(ctx, ParamHCL, false) && numHops > 0 {
		predictions.HCLLogits = make([]*Node, 0, len(levels))
		for _, level := range levels {
			_, _, levelLogits := pairLogits(level, finalIndex, batchSize, permutations)
			predictions.HCLLogits = append(predictions.HCLLogits, levelLogits)
		}
	}
	return predictions
}

// softsign computes `x / (1+|x|)`.
func softsign(x *Node) *Node {
	return Div(x, AddScalar(Abs(x), 1))
}

// poolHop mean-pools the sampled neighbor features of one hop into their
// target nodes, averaged across edge types. Nodes without incoming sampled
// edges at this hop pool to zero.
func poolHop(feature *Node, hopInputs []*Node, hop, numEdgeTypes int) *Node {
	var pooled *Node
	for et := 0; et < numEdgeTypes; et++ {
		sources := hopInputs[2*(hop*numEdgeTypes+et)]
		targets := hopInputs[2*(hop*numEdgeTypes+et)+1]
		part := poolNeighbors(feature, sources, targets)
		if pooled == nil {
			pooled = part
		} else {
			pooled = Add(pooled, part)
		}
	}
	if numEdgeTypes > 1 {
		pooled = DivScalar(pooled, float64(numEdgeTypes))
	}
	return pooled
}

// poolNeighbors computes the mean of the source node features per target
// node, given the sampled edge endpoints as local ids into `feature`.
func poolNeighbors(feature, edgesSource, edgesTarget *Node) *Node {
	g := feature.Graph()
	dtype := feature.DType()
	numNodes := feature.Shape().Dimensions[0]
	embeddingDim := feature.Shape().Dimensions[1]
	numEdges := edgesSource.Shape().Dimensions[0]
	edgesSource = InsertAxes(edgesSource, -1)
	edgesTarget = InsertAxes(edgesTarget, -1)

	values := Gather(feature, edgesSource)
	pooled := Scatter(edgesTarget, values, shapes.Make(dtype, numNodes, embeddingDim), false, false)
	ones := Ones(g, shapes.Make(dtype, numEdges, 1))
	counts := Scatter(edgesTarget, ones, shapes.Make(dtype, numNodes, 1), false, false)
	counts = MaxScalar(counts, 1) // To avoid division by 0.
	return Div(pooled, counts)
}

// pairLogits gathers the positive pairs' features from the node feature
// matrix and scores each source against its destination plus the shuffled
// destinations, one per permutation.
func pairLogits(feature, finalIndex *Node, batchSize int, permutations []*Node) (nfeat, srcFeat, logits *Node) {
	embeddingDim := feature.Shape().Dimensions[1]
	gathered := Gather(feature, InsertAxes(finalIndex, -1))
	nfeat = Reshape(gathered, batchSize, 2, embeddingDim)
	srcFeat = Squeeze(Slice(nfeat, AxisRange(), AxisElem(0), AxisRange()), 1)
	dstFeat := Squeeze(Slice(nfeat, AxisRange(), AxisElem(1), AxisRange()), 1)

	candidates := make([]*Node, 0, 1+len(permutations))
	candidates = append(candidates, dstFeat)
	for _, permutation := range permutations {
		candidates = append(candidates, Gather(dstFeat, InsertAxes(permutation, -1)))
	}
	stacked := Stack(candidates, 1) // [batchSize, 1+numNegatives, embeddingDim]
	logits = Einsum("bd,bkd->bk", srcFeat, stacked)
	return
}

package kgemb

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/kgemb/kgemb/gnn"
	"github.com/kgemb/kgemb/kg"
)

var (
	// ParamScorer selects the triplet scoring function: "transe" or
	// "distmult". The default is "transe".
	ParamScorer = "kge_scorer"

	// ParamEmbeddingDim is the dimension of the entity and relation
	// embeddings. The default is 200.
	ParamEmbeddingDim = "kge_embedding_dim"

	// ParamGamma is the margin added to [ScoreTransE] scores, so that good
	// triplets score positive. The default is 12.0.
	ParamGamma = "kge_gamma"

	// ParamLossKind selects the contrastive loss applied to the scorer's
	// logits: "nce", "hinge" or "softmax". The default is "nce".
	ParamLossKind = "kge_loss"

	// ParamNumEntities and ParamNumRelations size the embedding tables. They
	// have no useful default: Train sets them from the corpus dictionaries.
	ParamNumEntities  = "kge_num_entities"
	ParamNumRelations = "kge_num_relations"
)

// DType of the model.
var DType = dtypes.Float32

// ScoreKind is the closed set of triplet scoring functions. Higher scores
// mean more plausible triplets.
type ScoreKind int

const (
	// ScoreTransE scores a triplet as `gamma - sum(|head + relation - tail|)`,
	// relations as translations in embedding space.
	ScoreTransE ScoreKind = iota

	// ScoreDistMult scores a triplet as `sum(head * relation * tail)`, a
	// bilinear form with a diagonal relation matrix.
	ScoreDistMult
)

// String implements fmt.Stringer.
func (k ScoreKind) String() string {
	switch k {
	case ScoreTransE:
		return "transe"
	case ScoreDistMult:
		return "distmult"
	}
	return "invalid"
}

// ScoreKindFromName converts a scorer name to its [ScoreKind]. It panics with
// a helpful message on unknown names.
func ScoreKindFromName(name string) ScoreKind {
	switch name {
	case "transe":
		return ScoreTransE
	case "distmult":
		return ScoreDistMult
	}
	Panicf("scorer %q not supported: valid values are \"transe\" and \"distmult\"", name)
	return ScoreTransE
}

// entityEmbedding embeds entity ids of any shape, appending the embedding
// dimension. The table variable lives in the scope "embeddings/entity", so
// training and evaluation graphs share it.
func entityEmbedding(ctx *context.Context, ids *Node) *Node {
	numEntities := context.GetParamOr(ctx, ParamNumEntities, 0)
	if numEntities <= 0 {
		Panicf("hyperparameter %q must be set to the corpus' number of entities, got %d",
			ParamNumEntities, numEntities)
	}
	dim := context.GetParamOr(ctx, ParamEmbeddingDim, 200)
	return layers.Embedding(ctx.In("embeddings").In("entity"), ids, DType, numEntities, dim, false)
}

// relationEmbedding embeds relation ids, appending the embedding dimension.
func relationEmbedding(ctx *context.Context, ids *Node) *Node {
	numRelations := context.GetParamOr(ctx, ParamNumRelations, 0)
	if numRelations <= 0 {
		Panicf("hyperparameter %q must be set to the corpus' number of relations, got %d",
			ParamNumRelations, numRelations)
	}
	dim := context.GetParamOr(ctx, ParamEmbeddingDim, 200)
	return layers.Embedding(ctx.In("embeddings").In("relation"), ids, DType, numRelations, dim, false)
}

// ModelGraph builds the training forward graph for one batch: it implements
// train.ModelFn. The `spec` must be the *[kg.Batch] yielded by [kg.Dataset],
// and the inputs follow the layout documented there: `{heads[B],
// relations[B], tails[B], negatives[B,K], vocabulary[U]}`.
//
// It returns one output, the contrastive logits shaped `[B, 1+K]` with the
// true triplet's score in column 0, ready for [gnn.LossKind.Apply].
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	batch, ok := spec.(*kg.Batch)
	if !ok {
		Panicf("expected spec to be a *kg.Batch, got %T", spec)
	}
	if len(inputs) != 5 {
		Panicf("expected 5 input tensors (heads, relations, tails, negatives, vocabulary), got %d", len(inputs))
	}
	heads, relations, tails, negatives, vocab := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]

	// Only the batch's vocabulary rows are gathered from the embedding table;
	// heads, tails and negatives then index the result with local ids.
	vocabEmbed := entityEmbedding(ctx, vocab) // [U, D]
	head := Gather(vocabEmbed, InsertAxes(heads, -1))
	tail := Gather(vocabEmbed, InsertAxes(tails, -1))
	negative := Gather(vocabEmbed, InsertAxes(negatives, -1)) // [B, K, D]
	relation := relationEmbedding(ctx, relations)

	scorer := ScoreKindFromName(context.GetParamOr(ctx, ParamScorer, "transe"))
	return []*Node{scorer.Logits(ctx, head, relation, tail, negative, batch.Side)}
}

// Logits scores the true triplets and their corrupted versions, returning
// contrastive logits shaped `[B, 1+K]`, the true score in column 0.
//
// head, relation and tail are shaped `[B, D]` and negatives `[B, K, D]`. The
// side tells which endpoint the negatives replace.
func (k ScoreKind) Logits(ctx *context.Context, head, relation, tail, negatives *Node, side kg.CorruptionSide) *Node {
	var positive, corrupted *Node
	switch k {
	case ScoreTransE:
		gamma := context.GetParamOr(ctx, ParamGamma, 12.0)
		translated := Add(head, relation)
		positive = AddScalar(Neg(ReduceSum(Abs(Sub(translated, tail)), -1)), gamma)
		var diff *Node
		if side == kg.CorruptHead {
			diff = Add(negatives, InsertAxes(Sub(relation, tail), 1))
		} else {
			diff = Sub(InsertAxes(translated, 1), negatives)
		}
		corrupted = AddScalar(Neg(ReduceSum(Abs(diff), -1)), gamma)
	case ScoreDistMult:
		positive = ReduceSum(Mul(Mul(head, relation), tail), -1)
		query := Mul(head, relation)
		if side == kg.CorruptHead {
			query = Mul(relation, tail)
		}
		corrupted = Einsum("bd,bkd->bk", query, negatives)
	default:
		Panicf("scorer %d not supported", k)
	}
	return Concatenate([]*Node{InsertAxes(positive, -1), corrupted}, -1)
}

// EvalGraph builds the ranking graph for one evaluation batch. The inputs
// are `{heads[B], relations[B], candidates[Bc,C], correct[B], mask[B,C]}`,
// where Bc is either B or 1 (a shared candidate row, broadcast to the
// batch), correct is the index of the true entity within its candidate row,
// and mask is 1.0 at candidates to exclude from the ranking (filtered
// evaluation) and 0.0 elsewhere.
//
// It returns the rank of each true entity, shaped `[B]`: 1 plus the number
// of non-excluded candidates scoring strictly higher.
//
// To rank head predictions, feed the reversed query: tails as heads over a
// reciprocal relation id.
func EvalGraph(ctx *context.Context, inputs []*Node) *Node {
	if len(inputs) != 5 {
		Panicf("expected 5 input tensors (heads, relations, candidates, correct, mask), got %d", len(inputs))
	}
	heads, relations, candidates, correct, mask := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
	numCandidates := candidates.Shape().Dimensions[1]

	head := entityEmbedding(ctx, heads)           // [B, D]
	relation := relationEmbedding(ctx, relations) // [B, D]
	candidate := entityEmbedding(ctx, candidates) // [Bc, C, D]

	var scores *Node
	switch ScoreKindFromName(context.GetParamOr(ctx, ParamScorer, "transe")) {
	case ScoreTransE:
		gamma := context.GetParamOr(ctx, ParamGamma, 12.0)
		diff := Sub(InsertAxes(Add(head, relation), 1), candidate)
		scores = AddScalar(Neg(ReduceSum(Abs(diff), -1)), gamma)
	case ScoreDistMult:
		query := InsertAxes(Mul(head, relation), 1)
		scores = ReduceSum(Mul(query, candidate), -1)
	}

	// The true score is read before masking: the mask must not hide it.
	trueScore := ReduceSum(Mul(scores, OneHot(correct, numCandidates, DType)), -1)
	masked := Sub(scores, MulScalar(mask, 1e9))
	greater := ConvertDType(GreaterThan(masked, InsertAxes(trueScore, -1)), DType)
	return AddScalar(ReduceSum(greater, -1), 1)
}

// MakeLossFn adapts the loss configured in [ParamLossKind] to the trainer's
// loss interface. The labels are ignored: the true triplet's score is always
// column 0 of the logits.
func MakeLossFn(ctx *context.Context) train.LossFn {
	kind := gnn.LossKindFromName(context.GetParamOr(ctx, ParamLossKind, "nce"))
	return func(labels, predictions []*Node) *Node {
		_ = labels
		return kind.Apply(ctx, predictions[0])
	}
}

package gnn

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/nn"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

var (
	// ParamLossKind selects the base contrastive loss: "nce", "hinge" or
	// "softmax". The default is "nce".
	ParamLossKind = "gnn_loss"

	// ParamAuxLossKind optionally names a second loss kind added to the
	// base loss. Empty (the default) disables it.
	ParamAuxLossKind = "gnn_aux_loss"

	// ParamHingeMargin is the margin of [LossHinge]. The default is 1.0.
	ParamHingeMargin = "gnn_hinge_margin"
)

// LossKind is the closed set of contrastive losses over `[B, 1+K]` logits
// with the positive in column 0.
type LossKind int

const (
	// LossNCE treats each logit as an independent binary classification:
	// sigmoid cross-entropy with label 1 for the positive and 0 for the
	// negatives.
	LossNCE LossKind = iota

	// LossHinge penalizes each negative that scores within the margin of
	// the positive: `max(0, margin - positive + negative)`.
	LossHinge

	// LossSoftmax is the sampled-softmax loss: the negative log-likelihood
	// of the positive among the 1+K candidates.
	LossSoftmax
)

// String implements fmt.Stringer.
func (k LossKind) String() string {
	switch k {
	case LossNCE:
		return "nce"
	case LossHinge:
		return "hinge"
	case LossSoftmax:
		return "softmax"
	}
	return "invalid"
}

// LossKindFromName converts a loss name to its [LossKind]. It panics with a
// helpful message on unknown names.
func LossKindFromName(name string) LossKind {
	switch name {
	case "nce":
		return LossNCE
	case "hinge":
		return LossHinge
	case "softmax":
		return LossSoftmax
	}
	Panicf("loss kind %q not supported: valid values are \"nce\", \"hinge\" and \"softmax\"", name)
	return LossNCE
}

// Apply computes the batch-mean loss of contrastive logits shaped
// `[batchSize, 1+numNegatives]`, the positive in column 0. The result is a
// scalar.
func (k LossKind) Apply(ctx *context.Context, logits *Node) *Node {
	if logits.Rank() != 2 || logits.Shape().Dimensions[1] < 2 {
		Panicf("contrastive logits must be shaped [batchSize, 1+numNegatives], got %s", logits.Shape())
	}
	positive := Slice(logits, AxisRange(), AxisElem(0))      // [B, 1]
	negatives := Slice(logits, AxisRange(), AxisRangeToEnd(1)) // [B, K]
	var perExample *Node
	switch k {
	case LossNCE:
		positiveLoss := softplus(Neg(positive))
		negativeLoss := softplus(negatives)
		perExample = Add(ReduceSum(positiveLoss, -1), ReduceSum(negativeLoss, -1))
	case LossHinge:
		margin := context.GetParamOr(ctx, ParamHingeMargin, 1.0)
		violation := MaxScalar(AddScalar(Sub(negatives, positive), margin), 0)
		perExample = ReduceSum(violation, -1)
	case LossSoftmax:
		logProbabilities := nn.LogSoftmax(logits, -1)
		perExample = Neg(Squeeze(Slice(logProbabilities, AxisRange(), AxisElem(0)), 1))
	default:
		Panicf("loss kind %d not supported", k)
	}
	return ReduceMean(perExample)
}

// softplus computes `log(1+exp(x))` in its numerically stable form.
func softplus(x *Node) *Node {
	return Add(MaxScalar(x, 0), Log1P(Exp(Neg(Abs(x)))))
}

// Assemble combines the configured loss terms over the predictions of one
// forward pass: the base loss ([ParamLossKind]), an optional auxiliary loss
// ([ParamAuxLossKind]) and, when per-level logits are present, the
// hierarchical contrastive term (the base loss averaged over the levels).
//
// The returned loss drives the optimizer; vLoss is the loss divided by the
// number of terms, comparable across configurations, for reporting.
func Assemble(ctx *context.Context, predictions *Predictions) (loss, vLoss *Node) {
	baseKind := LossKindFromName(context.GetParamOr(ctx, ParamLossKind, "nce"))
	loss = baseKind.Apply(ctx, predictions.Logits)
	numTerms := 1

	if auxName := context.GetParamOr(ctx, ParamAuxLossKind, ""); auxName != "" {
		auxKind := LossKindFromName(auxName)
		loss = Add(loss, auxKind.Apply(ctx, predictions.Logits))
		numTerms++
	}

	if len(predictions.HCLLogits) > 0 {
		var hclLoss *Node
		for _, levelLogits := range predictions.HCLLogits {
			levelLoss := baseKind.Apply(ctx, levelLogits)
			if hclLoss == nil {
				hclLoss = levelLoss
			} else {
				hclLoss = Add(hclLoss, levelLoss)
			}
		}
		hclLoss = DivScalar(hclLoss, float64(len(predictions.HCLLogits)))
		loss = Add(loss, hclLoss)
		numTerms++
	}

	vLoss = DivScalar(loss, float64(numTerms))
	return
}

// MakeLossFn adapts [Assemble] to the trainer's loss interface. The labels
// are ignored: the contrastive targets are implicit in the logits layout.
func MakeLossFn(ctx *context.Context) train.LossFn {
	return func(labels, predictions []*Node) *Node {
		_ = labels
		loss, _ := Assemble(ctx, PredictionsFromOutputs(predictions))
		return loss
	}
}

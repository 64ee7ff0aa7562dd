package kgemb

import (
	"fmt"
	"io"
	"time"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"

	"github.com/kgemb/kgemb/gnn"
	"github.com/kgemb/kgemb/kg"
)

// ParamsExcludedFromLoading is the list of parameters (see
// CreateDefaultContext) that shouldn't be saved along on the models
// checkpoints, and may be overwritten in further training sessions.
var ParamsExcludedFromLoading = []string{
	"data_dir", "train_steps", "num_checkpoints",
}

// CreateDefaultContext sets the context with default hyperparameters to use
// with Train.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":     10_000,
		"num_checkpoints": 3,

		// batch_size for training.
		"batch_size": 1024,

		// eval_batch_size is small on purpose: each evaluation query scores
		// every entity, so the ranking graph grows with batch x entities.
		"eval_batch_size": 16,

		// Model parameters.
		ParamScorer:       "transe",
		ParamEmbeddingDim: 200,
		ParamGamma:        12.0,

		// Loss: one of "nce", "hinge" or "softmax".
		ParamLossKind:        "nce",
		gnn.ParamHingeMargin: 1.0,

		// Negative sampling parameters.
		"kge_num_negatives": 64,      // Negatives sampled per triplet.
		"kge_negative_mode": "batch", // "batch" or "full".
		"kge_corruption":    "alternating",
		"kge_filtered":      false, // Filtered negative sampling during training.
		"kge_filtered_eval": true,  // Exclude known-true entities from the ranking.

		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    1e-3,
		cosineschedule.ParamPeriodSteps: 0,
	})
	return ctx
}

// sidesFromName converts the "kge_corruption" hyperparameter to a fresh
// corruption-side sequence.
func sidesFromName(name string) kg.SideSequence {
	switch name {
	case "head":
		return kg.HeadOnly()
	case "tail":
		return kg.TailOnly()
	case "alternating":
		return kg.Alternating()
	}
	Panicf("corruption %q not supported: valid values are \"head\", \"tail\" and \"alternating\"", name)
	return nil
}

// makeTrainDataset builds the training dataset from the context
// hyperparameters, parallelized across CPU cores.
func makeTrainDataset(ctx *context.Context, corpus *Corpus, filters *kg.Filters) train.Dataset {
	batchSize := context.GetParamOr(ctx, "batch_size", 0)
	if batchSize <= 0 {
		Panicf("batch size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	numNegatives := context.GetParamOr(ctx, "kge_num_negatives", 64)
	ds := kg.NewDataset("train", corpus.Train, corpus.NumEntities(), numNegatives, batchSize).
		WithMode(kg.NegativeModeFromName(context.GetParamOr(ctx, "kge_negative_mode", "batch"))).
		WithCorruption(sidesFromName(context.GetParamOr(ctx, "kge_corruption", "alternating"))).
		Shuffle().
		Infinite()
	if filters != nil && context.GetParamOr(ctx, "kge_filtered", false) {
		ds = ds.WithFilters(filters)
	}
	return datasets.Freeing(datasets.Parallel(ds))
}

// Train a knowledge-graph embedding model with hyperparameters given in ctx,
// on the corpus stored in dataDir.
func Train(ctx *context.Context, dataDir, checkpointPath string, paramsSet []string, evaluateOnEnd bool, verbosity int) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	corpus := must.M1(LoadCorpus(dataDir))
	if verbosity >= 1 {
		fmt.Println(corpus)
	}

	// The embedding table sizes are corpus properties, not tunables.
	ctx.SetParam(ParamNumEntities, corpus.NumEntities())
	ctx.SetParam(ParamNumRelations, corpus.NumRelations())

	backend := backends.MustNew()
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	var filters *kg.Filters
	filteredEval := context.GetParamOr(ctx, "kge_filtered_eval", false)
	if filteredEval || context.GetParamOr(ctx, "kge_filtered", false) {
		filters = must.M1(Filters(corpus, dataDir))
	}
	trainDS := makeTrainDataset(ctx, corpus, filters)

	// Checkpoints saving.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromLoading...)...).
			Done())
		fmt.Printf("Checkpoint: %q\n", checkpoint.Dir())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	ctx = ctx.In("model") // Convention scope used for model creation.
	trainer := train.NewTrainer(backend, ctx, ModelGraph,
		MakeLossFn(ctx),
		optimizers.FromContext(ctx),
		nil, // trainMetrics
		nil) // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// Checkpoint saving: every 3 minutes of training.
	if checkpoint != nil {
		period := time.Minute * 3
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Loop for given number of steps.
	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
		if checkpoint != nil {
			must.M(checkpoint.Save())
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	if evaluateOnEnd {
		evalFilters := filters
		if !filteredEval {
			evalFilters = nil
		}
		for _, split := range []struct {
			name     string
			triplets []kg.Triplet
		}{
			{"valid", corpus.Valid},
			{"test", corpus.Test},
		} {
			metrics := must.M1(Evaluate(backend, ctx, corpus, split.triplets, evalFilters))
			fmt.Printf("%s:\t%s\n", split.name, metrics)
		}
	}
}

// RankingMetrics aggregates link-prediction ranking metrics over an
// evaluation split.
type RankingMetrics struct {
	// MRR is the mean reciprocal rank of the true entity.
	MRR float64

	// HitsAt1, HitsAt3 and HitsAt10 are the fractions of queries whose true
	// entity ranked within the top 1, 3 and 10.
	HitsAt1, HitsAt3, HitsAt10 float64

	// NumQueries evaluated.
	NumQueries int
}

// String implements fmt.Stringer.
func (m *RankingMetrics) String() string {
	return fmt.Sprintf("MRR=%.4f, Hits@1=%.4f, Hits@3=%.4f, Hits@10=%.4f (%d queries)",
		m.MRR, m.HitsAt1, m.HitsAt3, m.HitsAt10, m.NumQueries)
}

// Evaluate ranks the tail of every triplet of the split against all the
// corpus' entities and aggregates MRR and Hits@N. ctx must be the model
// scope used during training, with the trained variables. If filters is not
// nil, known-true tails other than each query's own are excluded from the
// ranking (filtered metrics).
func Evaluate(backend backends.Backend, ctx *context.Context, corpus *Corpus, split []kg.Triplet, filters *kg.Filters) (*RankingMetrics, error) {
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 16)
	evalDS := kg.NewEvalDataset("eval", split, corpus.NumEntities(), evalBatchSize)
	rankExec := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, inputs []*Node) *Node {
		return EvalGraph(ctx, inputs)
	})

	numEntities := corpus.NumEntities()
	metrics := &RankingMetrics{}
	for {
		_, inputs, labels, err := evalDS.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		tails := tensors.MustCopyFlatData[int32](labels[0])
		b := len(tails)

		// In all-entities mode the candidate row is the arange over entity
		// ids, so the correct index is the tail id itself.
		mask := make([]float32, b*numEntities)
		if filters != nil {
			heads := tensors.MustCopyFlatData[int32](inputs[0])
			relations := tensors.MustCopyFlatData[int32](inputs[1])
			for ii := range tails {
				known := filters.Tail[kg.FilterKey{Entity: heads[ii], Relation: relations[ii]}]
				for entity := range known {
					if entity == tails[ii] {
						continue
					}
					mask[ii*numEntities+int(entity)] = 1
				}
			}
		}
		maskT := tensors.FromFlatDataAndDimensions(mask, b, numEntities)

		ranks := rankExec.Call([]*tensors.Tensor{inputs[0], inputs[1], inputs[2], labels[0], maskT})[0]
		for _, rank := range tensors.MustCopyFlatData[float32](ranks) {
			metrics.NumQueries++
			metrics.MRR += 1 / float64(rank)
			if rank <= 1 {
				metrics.HitsAt1++
			}
			if rank <= 3 {
				metrics.HitsAt3++
			}
			if rank <= 10 {
				metrics.HitsAt10++
			}
		}
	}
	if metrics.NumQueries == 0 {
		return nil, errors.New("evaluation dataset yielded no queries")
	}
	n := float64(metrics.NumQueries)
	metrics.MRR /= n
	metrics.HitsAt1 /= n
	metrics.HitsAt3 /= n
	metrics.HitsAt10 /= n
	return metrics, nil
}

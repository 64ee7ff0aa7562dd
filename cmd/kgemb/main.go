// kgemb trains and evaluates knowledge-graph embedding models (TransE,
// DistMult) on triplet datasets in the entities.dict/relations.dict +
// train/valid/test.txt layout.
//
// Hyperparameters are set with --set, e.g.:
//
//	kgemb --data=~/data/fb15k-237 --checkpoint=transe_base \
//	    --set="kge_scorer=transe;kge_num_negatives=256;train_steps=100000"
package main

import (
	"flag"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/kgemb/kgemb"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/tmp/kgemb", "Directory with the dataset files (entities.dict, relations.dict, train/valid/test.txt).")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the validation and test splits in the end.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
)

func main() {
	ctx := kgemb.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	err := exceptions.TryCatch[error](func() {
		kgemb.Train(ctx, *flagDataDir, *flagCheckpoint, paramsSet, *flagEval, *flagVerbosity)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

package kg

import (
	"fmt"
	"io"
	"sync"

	humanize "github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// EvalMode selects the shape of an [EvalDataset]'s candidate sets.
type EvalMode int

const (
	// EvalAgainstAll ranks each query's true entity against the whole entity
	// range: the candidate set is implicit and shared by all queries.
	EvalAgainstAll EvalMode = iota

	// EvalWithCandidates ranks each query against its own pre-supplied
	// candidate list, optionally annotated with the index of the correct
	// candidate within that list.
	EvalWithCandidates
)

// String implements fmt.Stringer.
func (m EvalMode) String() string {
	switch m {
	case EvalAgainstAll:
		return "all-entities"
	case EvalWithCandidates:
		return "candidate-lists"
	}
	return "invalid"
}

// EvalModeFromName converts a mode name ("all" or "candidates") to its
// [EvalMode]. It panics with a helpful message on unknown names.
func EvalModeFromName(name string) EvalMode {
	switch name {
	case "all":
		return EvalAgainstAll
	case "candidates":
		return EvalWithCandidates
	}
	Panicf("evaluation mode %q not supported: valid values are \"all\" and \"candidates\"", name)
	return EvalAgainstAll
}

// EvalDataset yields evaluation batches for ranking metrics (MRR, Hits@N).
// It implements the [train.Dataset] interface.
//
// In [EvalAgainstAll] mode, Yield returns inputs `{heads[B], relations[B],
// candidates[1,numEntities]}` and labels `{tails[B]}`: the candidate row is
// the same arange over all entities in every batch, built lazily on the
// first Yield, and the ranking graph scores every entity per query.
//
// In [EvalWithCandidates] mode, Yield returns inputs `{heads[B],
// relations[B], candidates[B,C]}` and, if correct indices were supplied,
// labels `{correct[B]}` indexing into each candidate row; otherwise labels
// are nil (inference-only queries).
//
// Unlike the training [Dataset], the final batch may be smaller than the
// batch size, so no query is dropped; it costs at most one extra graph
// compilation.
type EvalDataset struct {
	name        string
	mode        EvalMode
	triplets    []Triplet
	numEntities int
	batchSize   int

	candidates [][]int32
	correct    []int32

	mu        sync.Mutex
	position  int
	exhausted bool

	allCandidates *tensors.Tensor
}

var _ train.Dataset = (*EvalDataset)(nil)

// NewEvalDataset creates an [EvalAgainstAll] evaluation dataset: each triplet
// is a query whose tail is ranked against all numEntities entities.
func NewEvalDataset(name string, triplets []Triplet, numEntities, batchSize int) *EvalDataset {
	if len(triplets) == 0 {
		Panicf("NewEvalDataset(%q): no triplets given", name)
	}
	if numEntities <= 0 || batchSize <= 0 {
		Panicf("NewEvalDataset(%q): numEntities=%d and batchSize=%d must be > 0", name, numEntities, batchSize)
	}
	return &EvalDataset{
		name:        name,
		mode:        EvalAgainstAll,
		triplets:    triplets,
		numEntities: numEntities,
		batchSize:   batchSize,
	}
}

// NewEvalDatasetWithCandidates creates an [EvalWithCandidates] evaluation
// dataset: query ii is ranked against candidates[ii] only. All candidate
// rows must have the same length. correct, if not nil, gives per query the
// index of the true entity within its candidate row and must have one entry
// per triplet; pass nil for inference-only queries.
func NewEvalDatasetWithCandidates(name string, triplets []Triplet, candidates [][]int32, correct []int32, batchSize int) *EvalDataset {
	if len(triplets) == 0 {
		Panicf("NewEvalDatasetWithCandidates(%q): no triplets given", name)
	}
	if len(candidates) != len(triplets) {
		Panicf("NewEvalDatasetWithCandidates(%q): %d candidate rows for %d triplets",
			name, len(candidates), len(triplets))
	}
	if correct != nil && len(correct) != len(triplets) {
		Panicf("NewEvalDatasetWithCandidates(%q): %d correct indices for %d triplets",
			name, len(correct), len(triplets))
	}
	if batchSize <= 0 {
		Panicf("NewEvalDatasetWithCandidates(%q): batchSize=%d must be > 0", name, batchSize)
	}
	width := len(candidates[0])
	for ii, row := range candidates {
		if len(row) != width {
			Panicf("NewEvalDatasetWithCandidates(%q): candidate row %d has %d entries, row 0 has %d: rows must be aligned",
				name, ii, len(row), width)
		}
		if correct != nil && (correct[ii] < 0 || int(correct[ii]) >= width) {
			Panicf("NewEvalDatasetWithCandidates(%q): correct index %d of query %d is outside its candidate row of %d entries",
				name, correct[ii], ii, width)
		}
	}
	return &EvalDataset{
		name:       name,
		mode:       EvalWithCandidates,
		triplets:   triplets,
		batchSize:  batchSize,
		candidates: candidates,
		correct:    correct,
	}
}

// Mode returns how candidates are organized.
func (ds *EvalDataset) Mode() EvalMode { return ds.mode }

// Len returns the number of evaluation queries.
func (ds *EvalDataset) Len() int { return len(ds.triplets) }

// At returns query ii: its triplet, its candidate entities (nil in
// [EvalAgainstAll] mode, where all entities are candidates) and the index of
// the correct candidate (-1 when not annotated).
func (ds *EvalDataset) At(ii int) (t Triplet, candidates []int32, correct int32) {
	t = ds.triplets[ii]
	correct = -1
	if ds.mode == EvalWithCandidates {
		candidates = ds.candidates[ii]
		if ds.correct != nil {
			correct = ds.correct[ii]
		}
	}
	return
}

// Name implements train.Dataset.
func (ds *EvalDataset) Name() string { return ds.name }

// String returns an informative description of the dataset.
func (ds *EvalDataset) String() string {
	return fmt.Sprintf("EvalDataset %q: %s queries, batchSize=%d, candidates=%s",
		ds.name, humanize.Comma(int64(len(ds.triplets))), ds.batchSize, ds.mode)
}

// Reset implements train.Dataset.
func (ds *EvalDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.position = 0
	ds.exhausted = false
}

// Yield implements train.Dataset. See the [EvalDataset] documentation for
// the shape of the yielded inputs and labels.
func (ds *EvalDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	if ds.exhausted || ds.position >= len(ds.triplets) {
		ds.exhausted = true
		ds.mu.Unlock()
		return nil, nil, nil, io.EOF
	}
	from := ds.position
	to := min(from+ds.batchSize, len(ds.triplets))
	ds.position = to
	if to >= len(ds.triplets) {
		ds.exhausted = true
	}
	ds.mu.Unlock()

	b := to - from
	heads := make([]int32, b)
	relations := make([]int32, b)
	tails := make([]int32, b)
	for ii, t := range ds.triplets[from:to] {
		heads[ii], relations[ii], tails[ii] = t.Head, t.Relation, t.Tail
	}
	inputs = []*tensors.Tensor{
		tensors.FromValue(heads),
		tensors.FromValue(relations),
	}

	switch ds.mode {
	case EvalAgainstAll:
		inputs = append(inputs, ds.allEntitiesRow())
		labels = []*tensors.Tensor{tensors.FromValue(tails)}
	case EvalWithCandidates:
		flat := make([]int32, 0, b*len(ds.candidates[from]))
		for _, row := range ds.candidates[from:to] {
			flat = append(flat, row...)
		}
		inputs = append(inputs, tensors.FromFlatDataAndDimensions(flat, b, len(ds.candidates[from])))
		if ds.correct != nil {
			labels = []*tensors.Tensor{tensors.FromValue(ds.correct[from:to])}
		}
	}
	return ds, inputs, labels, nil
}

// allEntitiesRow lazily builds the shared `[1, numEntities]` arange of
// candidate ids. It is only materialized if the dataset is actually used.
func (ds *EvalDataset) allEntitiesRow() *tensors.Tensor {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.allCandidates == nil {
		all := make([]int32, ds.numEntities)
		for ii := range all {
			all[ii] = int32(ii)
		}
		ds.allCandidates = tensors.FromFlatDataAndDimensions(all, 1, ds.numEntities)
	}
	return ds.allCandidates
}

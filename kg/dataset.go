package kg

import (
	"fmt"
	"io"
	"math/rand/v2"
	"sync"

	humanize "github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Batch is the `spec` yielded with every training batch. The model graph
// depends on both fields -- head and tail corruption place negatives on
// different endpoints -- so it doubles as the graph cache key.
type Batch struct {
	// Side tells which endpoint the negatives of this batch corrupt.
	Side CorruptionSide

	// Mode tells where the negatives were sampled from.
	Mode NegativeMode
}

// String implements fmt.Stringer. The result keys compiled graphs in the
// trainer, so it is distinct per (Side, Mode) combination.
func (b *Batch) String() string {
	return fmt.Sprintf("corrupt=%s/negatives=%s", b.Side, b.Mode)
}

// Dataset yields training batches of knowledge-graph triplets with sampled
// negatives. It implements the [train.Dataset] interface.
//
// Every batch is collated as follows:
//
//  1. The batch's triplets are split into head, relation and tail arrays.
//  2. A candidate pool is chosen: the batch's own unique entities
//     ([NegBatch]) or the whole entity universe ([NegFull]).
//  3. For each triplet, numNegatives entities are drawn uniformly from the
//     pool ([SampleUniform]), excluding the known-true entities of its
//     query when filters are set.
//  4. Every entity id touched by the batch -- heads, tails and negatives --
//     is reindexed into the compact local range `[0, U)`, where U is the
//     size of the batch's vocabulary ([GroupIndex]).
//  5. Yield returns inputs `{heads[B], relations[B], tails[B],
//     negatives[B,K], vocabulary[U]}` as Int32 tensors, nil labels, and a
//     [*Batch] spec carrying the corruption side. The consumer gathers the
//     vocabulary rows from its embedding table and indexes the result with
//     the local ids. Relations are never reindexed.
//
// Batches have a fixed size: a trailing remainder smaller than the batch
// size is dropped at the end of each epoch, so in [NegBatch] mode every
// tensor but the vocabulary keeps a constant shape across batches.
//
// The Dataset is re-entrant, so it can be wrapped in [datasets.Parallel]:
// the cursor and the side sequence advance under an internal lock, and
// collation itself runs unlocked.
type Dataset struct {
	name         string
	triplets     []Triplet
	numEntities  int
	numNegatives int
	batchSize    int

	mode      NegativeMode
	sides     SideSequence
	filters   *Filters
	maxRounds int
	shuffle   bool
	numEpochs int

	mu           sync.Mutex
	frozen       bool
	currentEpoch int
	startOfEpoch bool
	exhausted    bool
	position     int
	order        []int32
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a training dataset over the given triplets.
//
// numEntities is the size of the entity id space, numNegatives the number of
// negatives sampled per triplet, and batchSize the number of triplets per
// yielded batch.
//
// The returned dataset corrupts tails only, samples negatives in [NegBatch]
// mode without filtering, and yields one epoch. Use the With*, Shuffle,
// Infinite and Epochs methods to change that before the first Yield.
func NewDataset(name string, triplets []Triplet, numEntities, numNegatives, batchSize int) *Dataset {
	if len(triplets) == 0 {
		Panicf("NewDataset(%q): no triplets given", name)
	}
	if numEntities <= 0 || numNegatives <= 0 || batchSize <= 0 {
		Panicf("NewDataset(%q): numEntities=%d, numNegatives=%d and batchSize=%d must all be > 0",
			name, numEntities, numNegatives, batchSize)
	}
	if batchSize > len(triplets) {
		Panicf("NewDataset(%q): batchSize=%d is larger than the number of triplets (%d)",
			name, batchSize, len(triplets))
	}
	return &Dataset{
		name:         name,
		triplets:     triplets,
		numEntities:  numEntities,
		numNegatives: numNegatives,
		batchSize:    batchSize,
		mode:         NegBatch,
		sides:        TailOnly(),
		maxRounds:    DefaultMaxSampleRounds,
		numEpochs:    1,
		startOfEpoch: true,
	}
}

func (ds *Dataset) assertNotFrozen() {
	if ds.frozen {
		Panicf("cannot configure Dataset %q after it started yielding batches", ds.name)
	}
}

// WithMode sets where negatives are sampled from. The default is [NegBatch].
// It returns the Dataset to allow cascading configuration calls.
func (ds *Dataset) WithMode(mode NegativeMode) *Dataset {
	ds.assertNotFrozen()
	if mode != NegBatch && mode != NegFull {
		Panicf("Dataset %q: negative sampling mode %d not supported", ds.name, mode)
	}
	ds.mode = mode
	return ds
}

// WithCorruption sets the sequence of corruption sides, one element per
// batch. The default is [TailOnly]. Use [Alternating] to corrupt heads and
// tails by turns. The sequence must not be shared with another Dataset.
func (ds *Dataset) WithCorruption(sides SideSequence) *Dataset {
	ds.assertNotFrozen()
	if sides == nil {
		Panicf("Dataset %q: nil SideSequence", ds.name)
	}
	ds.sides = sides
	return ds
}

// WithFilters enables filtered negative sampling: no sampled negative will
// collide with a known-true entity of its (kept endpoint, relation) query.
func (ds *Dataset) WithFilters(filters *Filters) *Dataset {
	ds.assertNotFrozen()
	if filters == nil || filters.Head == nil || filters.Tail == nil {
		Panicf("Dataset %q: filters must be non-nil with both Head and Tail maps, see BuildFilters", ds.name)
	}
	ds.filters = filters
	return ds
}

// WithMaxSampleRounds bounds the rejection-sampling rounds per triplet when
// filtering is enabled. The default is [DefaultMaxSampleRounds].
func (ds *Dataset) WithMaxSampleRounds(n int) *Dataset {
	ds.assertNotFrozen()
	if n <= 0 {
		Panicf("Dataset %q: max sample rounds must be > 0, got %d", ds.name, n)
	}
	ds.maxRounds = n
	return ds
}

// Shuffle configures the dataset to shuffle the triplet order. It reshuffles
// at the start of every epoch.
func (ds *Dataset) Shuffle() *Dataset {
	ds.assertNotFrozen()
	ds.shuffle = true
	return ds
}

// Epochs configures the dataset to yield the given number of epochs.
// The default is 1.
func (ds *Dataset) Epochs(n int) *Dataset {
	ds.assertNotFrozen()
	if n <= 0 {
		Panicf("Dataset %q: Epochs(n) requires n > 0, got %d", ds.name, n)
	}
	ds.numEpochs = n
	return ds
}

// Infinite configures the dataset to loop over epochs indefinitely.
func (ds *Dataset) Infinite() *Dataset {
	ds.assertNotFrozen()
	ds.numEpochs = -1
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumBatchesPerEpoch returns how many batches one epoch yields. The trailing
// remainder of triplets that doesn't fill a batch is dropped.
func (ds *Dataset) NumBatchesPerEpoch() int {
	return len(ds.triplets) / ds.batchSize
}

// String returns an informative description of the dataset.
func (ds *Dataset) String() string {
	return fmt.Sprintf("Dataset %q: %s triplets, %s entities, batchSize=%d, %d %s negatives per triplet (filtered=%v)",
		ds.name, humanize.Comma(int64(len(ds.triplets))), humanize.Comma(int64(ds.numEntities)),
		ds.batchSize, ds.numNegatives, ds.mode, ds.filters != nil)
}

// Reset implements train.Dataset: it restarts an exhausted dataset from the
// first epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.frozen = true
	ds.startOfEpoch = true
	ds.exhausted = false
	ds.currentEpoch = 0
}

// Yield implements train.Dataset. See the [Dataset] documentation for the
// shape of the yielded inputs.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	ds.frozen = true
	batch := make([]Triplet, 0, ds.batchSize)
	for len(batch) == 0 {
		if ds.exhausted {
			ds.mu.Unlock()
			return nil, nil, nil, io.EOF
		}
		if ds.startOfEpoch {
			ds.startEpoch()
		}
		if len(ds.order)-ds.position < ds.batchSize {
			ds.epochFinished()
			continue
		}
		for _, idx := range ds.order[ds.position : ds.position+ds.batchSize] {
			batch = append(batch, ds.triplets[idx])
		}
		ds.position += ds.batchSize
		if len(ds.order)-ds.position < ds.batchSize {
			ds.epochFinished()
		}
	}
	side := ds.sides.Next()
	ds.mu.Unlock()

	inputs, err = ds.collate(batch, side)
	if err != nil {
		return nil, nil, nil, err
	}
	return &Batch{Side: side, Mode: ds.mode}, inputs, nil, nil
}

// startEpoch resets the cursor and, if configured, reshuffles the order.
// It must be called with the mutex held.
func (ds *Dataset) startEpoch() {
	ds.startOfEpoch = false
	ds.position = 0
	if ds.order == nil {
		ds.order = xslices.Iota[int32](0, len(ds.triplets))
	}
	if !ds.shuffle {
		return
	}
	n := len(ds.order)
	for ii := range ds.order {
		jj := rand.IntN(n)
		ds.order[ii], ds.order[jj] = ds.order[jj], ds.order[ii]
	}
}

// epochFinished must be called with the mutex held.
func (ds *Dataset) epochFinished() {
	ds.startOfEpoch = true
	ds.currentEpoch++
	if ds.numEpochs > 0 && ds.currentEpoch >= ds.numEpochs {
		ds.exhausted = true
	}
}

// collate turns a batch of triplets into the yielded tensors, corrupting the
// given side. It reads only the dataset's frozen configuration, so
// concurrent collations are safe.
func (ds *Dataset) collate(batch []Triplet, side CorruptionSide) ([]*tensors.Tensor, error) {
	b := len(batch)
	heads := make([]int32, b)
	relations := make([]int32, b)
	tails := make([]int32, b)
	for ii, t := range batch {
		heads[ii], relations[ii], tails[ii] = t.Head, t.Relation, t.Tail
	}

	var reindex *Reindex
	var pool []int32
	domainSize := ds.numEntities
	if ds.mode == NegBatch {
		// The batch's own entities are the candidate pool. The same
		// vocabulary already covers every id the batch can produce.
		reindex = GroupIndex(heads, tails)
		pool = reindex.Vocabulary()
		domainSize = len(pool)
	}

	var filterByKey map[FilterKey]sets.Set[int32]
	if ds.filters != nil {
		filterByKey = ds.filters.forSide(side)
	}

	negatives := make([][]int32, b)
	for ii, t := range batch {
		var filter sets.Set[int32]
		if filterByKey != nil {
			key := FilterKey{Entity: t.Head, Relation: t.Relation}
			if side == CorruptHead {
				key.Entity = t.Tail
			}
			filter = filterByKey[key]
		}
		sampled, err := SampleUniform(ds.numNegatives, domainSize, pool, filter, ds.maxRounds)
		if err != nil {
			return nil, errors.WithMessagef(err, "sampling %s negatives for triplet (%d, %d, %d)",
				side, t.Head, t.Relation, t.Tail)
		}
		negatives[ii] = sampled
	}

	if ds.mode == NegFull {
		// The pool was the whole entity universe: only now that heads, tails
		// and negatives are all known can the vocabulary be compacted.
		groups := make([][]int32, 0, b+2)
		groups = append(groups, heads, tails)
		groups = append(groups, negatives...)
		reindex = GroupIndex(groups...)
	}

	negativesLocal := make([]int32, 0, b*ds.numNegatives)
	for _, row := range negatives {
		negativesLocal = append(negativesLocal, reindex.Apply(row)...)
	}

	return []*tensors.Tensor{
		tensors.FromValue(reindex.Apply(heads)),
		tensors.FromValue(relations),
		tensors.FromValue(reindex.Apply(tails)),
		tensors.FromFlatDataAndDimensions(negativesLocal, b, ds.numNegatives),
		tensors.FromValue(reindex.Vocabulary()),
	}, nil
}

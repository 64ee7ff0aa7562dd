package gnn

import (
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"sync"

	humanize "github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/xslices"

	"github.com/kgemb/kgemb/kg"
)

// Strategy describes how batches are sampled from a [Graph]: the number of
// positive edges per batch and how many neighbors to sample per node at each
// hop. It is created once with [Graph.NewStrategy] (freezing the Graph) and
// shared by the datasets created from it.
//
// The Strategy is the `spec` yielded with every batch: [ModelGraph] reads
// the batch layout from it.
type Strategy struct {
	// Graph being sampled. Frozen once the strategy exists.
	Graph *Graph

	// BatchSize is the number of positive (source, destination) edge pairs
	// per batch.
	BatchSize int

	// SampleCounts gives the number of neighbors sampled (with replacement)
	// per node at each hop. Its length is the graph-convolution depth.
	SampleCounts []int
}

// NewStrategy freezes the Graph and returns a sampling strategy: batches of
// batchSize positive edges, with len(sampleCounts) hops of neighbor sampling
// around them.
//
// sampleCounts may be empty, in which case batches carry only the positive
// pairs and the model runs without graph convolutions.
func (g *Graph) NewStrategy(batchSize int, sampleCounts ...int) *Strategy {
	if len(g.EdgeTypes) == 0 {
		Panicf("Graph.NewStrategy: no edge types added to the Graph")
	}
	if batchSize <= 0 {
		Panicf("Graph.NewStrategy: batchSize=%d must be > 0", batchSize)
	}
	for _, count := range sampleCounts {
		if count <= 0 {
			Panicf("Graph.NewStrategy: sample counts must be > 0, got %v", sampleCounts)
		}
	}
	g.Frozen = true
	return &Strategy{Graph: g, BatchSize: batchSize, SampleCounts: sampleCounts}
}

// NumHops is the graph-convolution depth.
func (s *Strategy) NumHops() int { return len(s.SampleCounts) }

// String implements fmt.Stringer. The result keys compiled graphs in the
// trainer.
func (s *Strategy) String() string {
	parts := make([]string, 0, len(s.SampleCounts))
	for _, count := range s.SampleCounts {
		parts = append(parts, fmt.Sprintf("%d", count))
	}
	return fmt.Sprintf("batch=%d/hops=[%s]/edgeTypes=%d/slots=%d",
		s.BatchSize, strings.Join(parts, ","), len(s.Graph.EdgeTypes), len(s.Graph.Slots))
}

// Dataset yields training batches of positive edges with sampled multi-hop
// neighborhoods. It implements the [train.Dataset] interface; the `spec` it
// yields is its *[Strategy].
//
// Every batch is collated to a flat list of Int32 tensors:
//
//  1. `vocabulary[U]`: the sorted unique global ids of every node the batch
//     touched ([kg.GroupIndex]); all other tensors hold local ids into it.
//  2. `finalIndex[2*B]`: the local ids of the positive pairs, interleaved
//     (source, destination, source, destination, ...).
//  3. One `slot[U]` tensor per Graph slot: the slot's feature id for each
//     vocabulary node.
//  4. Per hop, per edge type: `sources[E]` and `targets[E]`, the endpoints
//     of the sampled edges. Hop 0 targets the seed nodes, hop 1 targets hop
//     0's sampled neighbors, and so on. E is fixed given the batch size:
//     neighbors are sampled with replacement, and nodes without neighbors
//     contribute self-loops.
//
// Like the knowledge-graph [kg.Dataset], a trailing remainder smaller than
// the batch size is dropped at the end of each epoch, and Yield is safe for
// concurrent use.
type Dataset struct {
	name     string
	strategy *Strategy
	pairs    [][2]int32

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

// NewDataset creates a dataset yielding batches sampled per the strategy.
// The positive pairs are the union of all the Graph's edges, in all its edge
// types. By default it yields one epoch in the graph's edge order; see
// [Dataset.Shuffle], [Dataset.Epochs] and [Dataset.Infinite].
func (s *Strategy) NewDataset(name string) *Dataset {
	totalEdges := 0
	for _, et := range s.Graph.EdgeTypes {
		totalEdges += et.NumEdges()
	}
	if totalEdges < s.BatchSize {
		Panicf("Strategy.NewDataset(%q): batchSize=%d is larger than the number of edges (%d)",
			name, s.BatchSize, totalEdges)
	}
	pairs := make([][2]int32, 0, totalEdges)
	for _, et := range s.Graph.EdgeTypes {
		var start int32
		for src := int32(0); src < int32(len(et.Starts)); src++ {
			for _, tgt := range et.Targets[start:et.Starts[src]] {
				pairs = append(pairs, [2]int32{src, tgt})
			}
			start = et.Starts[src]
		}
	}
	return &Dataset{
		name:         name,
		strategy:     s,
		pairs:        pairs,
		numEpochs:    1,
		startOfEpoch: true,
	}
}

func (ds *Dataset) assertNotFrozen() {
	if ds.frozen {
		Panicf("cannot configure Dataset %q after it started yielding batches", ds.name)
	}
}

// Shuffle configures the dataset to shuffle the positive pair order. It
// reshuffles at the start of every epoch.
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

// NumBatchesPerEpoch returns how many batches one epoch yields.
func (ds *Dataset) NumBatchesPerEpoch() int {
	return len(ds.pairs) / ds.strategy.BatchSize
}

// String returns an informative description of the dataset.
func (ds *Dataset) String() string {
	return fmt.Sprintf("Dataset %q: %s positive pairs over %s nodes, %s",
		ds.name, humanize.Comma(int64(len(ds.pairs))),
		humanize.Comma(int64(ds.strategy.Graph.NumNodes)), ds.strategy)
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
	batchSize := ds.strategy.BatchSize
	ds.mu.Lock()
	ds.frozen = true
	batch := make([][2]int32, 0, batchSize)
	for len(batch) == 0 {
		if ds.exhausted {
			ds.mu.Unlock()
			return nil, nil, nil, io.EOF
		}
		if ds.startOfEpoch {
			ds.startEpoch()
		}
		if len(ds.order)-ds.position < batchSize {
			ds.epochFinished()
			continue
		}
		for _, idx := range ds.order[ds.position : ds.position+batchSize] {
			batch = append(batch, ds.pairs[idx])
		}
		ds.position += batchSize
		if len(ds.order)-ds.position < batchSize {
			ds.epochFinished()
		}
	}
	ds.mu.Unlock()
	return ds.strategy, ds.collate(batch), nil, nil
}

// startEpoch and epochFinished must be called with the mutex held.
func (ds *Dataset) startEpoch() {
	ds.startOfEpoch = false
	ds.position = 0
	if ds.order == nil {
		ds.order = xslices.Iota[int32](0, len(ds.pairs))
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

func (ds *Dataset) epochFinished() {
	ds.startOfEpoch = true
	ds.currentEpoch++
	if ds.numEpochs > 0 && ds.currentEpoch >= ds.numEpochs {
		ds.exhausted = true
	}
}

// hopEdges holds the sampled edges of one hop for one edge type, in global
// node ids until the final reindexing.
type hopEdges struct {
	sources, targets []int32
}

// collate samples the multi-hop neighborhoods of the batch's positive pairs
// and reindexes everything to a batch-local id space. It reads only frozen
// state, so concurrent collations are safe.
func (ds *Dataset) collate(batch [][2]int32) []*tensors.Tensor {
	graph := ds.strategy.Graph
	seeds := make([]int32, 0, 2*len(batch))
	for _, pair := range batch {
		seeds = append(seeds, pair[0], pair[1])
	}

	groups := [][]int32{seeds}
	frontier := seeds
	hops := make([][]hopEdges, 0, len(ds.strategy.SampleCounts))
	for _, count := range ds.strategy.SampleCounts {
		perType := make([]hopEdges, 0, len(graph.EdgeTypes))
		nextFrontier := make([]int32, 0, len(frontier)*count*len(graph.EdgeTypes))
		for _, et := range graph.EdgeTypes {
			he := hopEdges{
				sources: make([]int32, 0, len(frontier)*count),
				targets: make([]int32, 0, len(frontier)*count),
			}
			for _, node := range frontier {
				neighbors := et.NeighborsOf(node)
				for range count {
					// Isolated nodes contribute self-loops, keeping the
					// edge tensors at a fixed shape.
					neighbor := node
					if len(neighbors) > 0 {
						neighbor = neighbors[rand.IntN(len(neighbors))]
					}
					he.sources = append(he.sources, neighbor)
					he.targets = append(he.targets, node)
				}
			}
			nextFrontier = append(nextFrontier, he.sources...)
			perType = append(perType, he)
		}
		hops = append(hops, perType)
		frontier = nextFrontier
		groups = append(groups, frontier)
	}

	reindex := kg.GroupIndex(groups...)
	vocab := reindex.Vocabulary()

	inputs := make([]*tensors.Tensor, 0, 2+len(graph.Slots)+2*len(hops)*len(graph.EdgeTypes))
	inputs = append(inputs,
		tensors.FromValue(vocab),
		tensors.FromValue(reindex.Apply(seeds)))
	for _, slot := range graph.Slots {
		slotIDs := make([]int32, len(vocab))
		for ii, globalID := range vocab {
			slotIDs[ii] = slot.Values[globalID]
		}
		inputs = append(inputs, tensors.FromValue(slotIDs))
	}
	for _, perType := range hops {
		for _, he := range perType {
			inputs = append(inputs,
				tensors.FromValue(reindex.Apply(he.sources)),
				tensors.FromValue(reindex.Apply(he.targets)))
		}
	}
	return inputs
}

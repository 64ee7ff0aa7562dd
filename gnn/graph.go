package gnn

import (
	"encoding/gob"
	"math"
	"os"
	"sort"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Graph stores the full graph data to sample training batches from: a dense
// universe of nodes connected by one or more typed edge sets, plus optional
// discrete feature slots attached to every node.
//
// Edges of each type are stored in compressed sparse row format, sorted by
// source node, so neighbor lookups are a slice indexing away.
//
// There are 3 phases when using a Graph:
//
// (1) Specify the full graph data with [AddEdgeType] and [AddSlot].
//
// (2) Create a sampling [Strategy] with [Graph.NewStrategy], fixing the batch
// size and the number of neighbors sampled per hop. This freezes the Graph.
//
// (3) Create datasets from the strategy with [Strategy.NewDataset] and feed
// them to a training loop, with [ModelGraph] (or a model like it) on the
// other end.
//
// All the information kept by Graph is available for reading, but avoid
// changing it directly, and instead use the provided methods.
type Graph struct {
	// NumNodes is the size of the node id space: all node ids are dense
	// indices in `[0, NumNodes)`.
	NumNodes int32

	// EdgeTypes in the order they were added. Sampling and the yielded batch
	// tensors follow this order.
	EdgeTypes []*EdgeType

	// Slots in the order they were added.
	Slots []*Slot

	// Frozen is set once a Strategy is created: the Graph can no longer be
	// changed.
	Frozen bool
}

// EdgeType holds the edges of one type in CSR form.
type EdgeType struct {
	Name string

	// Starts has one entry per source node (shifted by 1): it points past
	// the end of that node's neighbor list in Targets. For source node `i`
	// the neighbor list is `Targets[Starts[i-1]:Starts[i]]`, with the start
	// taken as 0 when `i == 0`.
	Starts []int32

	// Targets lists the target nodes, grouped by source node.
	Targets []int32
}

// Slot is one discrete feature attached to every node: a sparse id (e.g. a
// category) embedded by the model and summed into the node feature vector.
type Slot struct {
	Name string

	// VocabSize is the size of the slot's id space.
	VocabSize int32

	// Values holds one feature id per node.
	Values []int32
}

// NumEdges of this type.
func (et *EdgeType) NumEdges() int { return len(et.Targets) }

// NeighborsOf returns the target nodes of the given source node. Don't
// modify the returned slice, it's in use by the Graph.
func (et *EdgeType) NeighborsOf(src int32) []int32 {
	if src < 0 || int(src) >= len(et.Starts) {
		Panicf("invalid node id %d for edge type %q (%d nodes)", src, et.Name, len(et.Starts))
	}
	var start int32
	if src > 0 {
		start = et.Starts[src-1]
	}
	return et.Targets[start:et.Starts[src]]
}

// NewGraph creates an empty Graph over a dense node id space of the given
// size. A sparse id space (e.g. random 64-bit hashes) is not supported:
// map ids to a dense range first.
func NewGraph(numNodes int) *Graph {
	if numNodes <= 0 {
		Panicf("NewGraph: numNodes=%d must be > 0", numNodes)
	}
	if numNodes > math.MaxInt32 {
		Panicf("Graph uses int32 node ids, numNodes=%d is too large", numNodes)
	}
	return &Graph{NumNodes: int32(numNodes)}
}

func (g *Graph) assertNotFrozen() {
	if g.Frozen {
		Panicf("Graph is frozen, that is, a Strategy was already created with NewStrategy() and hence it can no longer be modified")
	}
}

// AddEdgeType adds one edge set to the Graph, given as an `(Int32)[N, 2]`
// tensor of (source, target) pairs.
//
// If `reverse` is true, the edges are interpreted in the opposite direction:
// column 1 as the source and column 0 as the target. Add the same tensor
// twice, once reversed, for a symmetric (undirected) relation.
//
// The tensor's contents are sorted in place by the source column, but the
// edge information itself is preserved.
func (g *Graph) AddEdgeType(name string, edges *tensors.Tensor, reverse bool) {
	g.assertNotFrozen()
	if g.EdgeTypeByName(name) != nil {
		Panicf("edge type %q already added to the Graph", name)
	}
	if edges.Rank() != 2 || edges.DType() != dtypes.Int32 ||
		edges.Shape().Dimensions[1] != 2 || edges.Shape().Dimensions[0] == 0 {
		Panicf("invalid edges shape %s for AddEdgeType(%q): it must be shaped like (Int32)[N, 2]",
			edges.Shape(), name)
	}
	columnSrc, columnTgt := 0, 1
	if reverse {
		columnSrc, columnTgt = 1, 0
	}

	tensors.MustMutableFlatData[int32](edges, func(edgesData []int32) {
		sort.Sort(&pairsToSort{data: edgesData, sortColumn: columnSrc})

		numEdges := int32(edges.Shape().Dimensions[0])
		et := &EdgeType{
			Name:    name,
			Starts:  make([]int32, g.NumNodes),
			Targets: make([]int32, numEdges),
		}
		currentSrc := int32(0)
		for row := int32(0); row < numEdges; row++ {
			src, tgt := edgesData[row<<1+int32(columnSrc)], edgesData[row<<1+int32(columnTgt)]
			if src < 0 || src >= g.NumNodes {
				Panicf("edge type %q has an edge with source node %d, but the Graph only has %d nodes",
					name, src, g.NumNodes)
			}
			if tgt < 0 || tgt >= g.NumNodes {
				Panicf("edge type %q has an edge with target node %d, but the Graph only has %d nodes",
					name, tgt, g.NumNodes)
			}
			et.Targets[row] = tgt
			for currentSrc < src {
				et.Starts[currentSrc] = row
				currentSrc++
			}
		}
		for ; currentSrc < g.NumNodes; currentSrc++ {
			et.Starts[currentSrc] = numEdges
		}
		g.EdgeTypes = append(g.EdgeTypes, et)
	})
}

// EdgeTypeByName returns the named edge type, or nil if it wasn't added.
func (g *Graph) EdgeTypeByName(name string) *EdgeType {
	for _, et := range g.EdgeTypes {
		if et.Name == name {
			return et
		}
	}
	return nil
}

// AddSlot attaches one discrete feature to every node: values must hold one
// feature id per node, each in `[0, vocabSize)`.
func (g *Graph) AddSlot(name string, vocabSize int, values []int32) {
	g.assertNotFrozen()
	if vocabSize <= 0 || vocabSize > math.MaxInt32 {
		Panicf("AddSlot(%q): vocabSize=%d out of range", name, vocabSize)
	}
	if len(values) != int(g.NumNodes) {
		Panicf("AddSlot(%q): %d values for %d nodes", name, len(values), g.NumNodes)
	}
	for node, id := range values {
		if id < 0 || id >= int32(vocabSize) {
			Panicf("AddSlot(%q): node %d has feature id %d, outside the slot's vocabulary of %d",
				name, node, id, vocabSize)
		}
	}
	g.Slots = append(g.Slots, &Slot{Name: name, VocabSize: int32(vocabSize), Values: values})
}

type pairsToSort struct {
	data       []int32
	sortColumn int
}

func (p *pairsToSort) Len() int { return len(p.data) / 2 }
func (p *pairsToSort) Less(i, j int) bool {
	return p.data[i<<1+p.sortColumn] < p.data[j<<1+p.sortColumn]
}
func (p *pairsToSort) Swap(i, j int) {
	for column := 0; column < 2; column++ {
		p.data[i<<1+column], p.data[j<<1+column] = p.data[j<<1+column], p.data[i<<1+column]
	}
}

// Save the Graph in binary format: building the CSR form sorts every edge
// set, so large graphs cache it on disk.
func (g *Graph) Save(filePath string) (err error) {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save Graph", filePath)
	}
	enc := gob.NewEncoder(file)
	if err = enc.Encode(g); err != nil {
		return errors.WithMessagef(err, "encoding Graph to save to %q", filePath)
	}
	if err = file.Close(); err != nil {
		return errors.Wrapf(err, "closing %q, where Graph was saved", filePath)
	}
	return nil
}

// Load a Graph previously saved with [Graph.Save]. If filePath doesn't
// exist, it returns an error that can be checked with [os.IsNotExist].
func Load(filePath string) (g *Graph, err error) {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "trying to load Graph from %q", filePath)
	}
	dec := gob.NewDecoder(file)
	g = &Graph{}
	if err = dec.Decode(g); err != nil {
		return nil, errors.Wrapf(err, "trying to decode Graph from %q", filePath)
	}
	_ = file.Close()
	return g, nil
}

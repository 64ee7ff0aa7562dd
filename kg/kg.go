// Package kg implements datasets for knowledge-graph triplet training.
//
// A knowledge graph is a collection of (head, relation, tail) triplets over a
// fixed entity and relation id space. Training embedding models on it is
// contrastive: each true triplet is scored against negative triplets obtained
// by corrupting its head or its tail with sampled entities.
//
// The two dataset types here implement the gomlx [train.Dataset] interface:
//
//   - [Dataset] yields training batches: it draws negative entities per
//     triplet (uniformly, optionally filtered against known-true triplets),
//     reindexes all entities touched by the batch into a compact batch-local
//     id space, and converts everything to tensors ready for embedding-table
//     lookups.
//   - [EvalDataset] yields evaluation batches: each query triplet together
//     with its candidate entities (either the full entity range, or
//     pre-supplied per-query candidate lists).
//
// Negative candidates can be drawn from the entities present in the current
// batch ([NegBatch]) or from the whole entity universe ([NegFull]). Which
// endpoint gets corrupted is controlled by a [SideSequence], making the
// head/tail alternation an explicit part of the dataset contract.
package kg

import (
	. "github.com/gomlx/exceptions"
)

// Triplet is one (head, relation, tail) fact of a knowledge graph.
// All ids are dense indices: entities in `[0, numEntities)` and relations in
// `[0, numRelations)`.
type Triplet struct {
	Head, Relation, Tail int32
}

// NegativeMode selects where negative entities are sampled from.
type NegativeMode int

const (
	// NegBatch samples negatives from the entities present in the current
	// batch (its unique heads and tails).
	NegBatch NegativeMode = iota

	// NegFull samples negatives from the whole entity universe.
	NegFull
)

// String implements fmt.Stringer.
func (m NegativeMode) String() string {
	switch m {
	case NegBatch:
		return "batch"
	case NegFull:
		return "full"
	}
	return "invalid"
}

// NegativeModeFromName converts a mode name ("batch" or "full") to its
// [NegativeMode]. It panics with a helpful message on unknown names.
func NegativeModeFromName(name string) NegativeMode {
	switch name {
	case "batch":
		return NegBatch
	case "full":
		return NegFull
	}
	Panicf("negative sampling mode %q not supported: valid values are \"batch\" and \"full\"", name)
	return NegBatch
}

// CorruptionSide tells which endpoint of a triplet is replaced by the
// sampled negatives.
type CorruptionSide int

const (
	// CorruptHead replaces the head: negatives are scored as (neg, r, t).
	CorruptHead CorruptionSide = iota

	// CorruptTail replaces the tail: negatives are scored as (h, r, neg).
	CorruptTail
)

// String implements fmt.Stringer.
func (s CorruptionSide) String() string {
	switch s {
	case CorruptHead:
		return "head"
	case CorruptTail:
		return "tail"
	}
	return "invalid"
}

// SideSequence determines the corruption side used by each successive batch
// of a [Dataset]. It replaces the hidden per-dataset alternation counter of
// similar pipelines with an explicit, injectable contract: the order of
// sides is fully determined by the sequence value handed to
// [Dataset.WithCorruption].
//
// Next is called once per collated batch, under the dataset's lock: a
// sequence implementation itself doesn't need to be safe for concurrent use,
// but it must not be shared by two datasets.
type SideSequence interface {
	Next() CorruptionSide
}

// constantSide always corrupts the same endpoint.
type constantSide CorruptionSide

func (s constantSide) Next() CorruptionSide { return CorruptionSide(s) }

// HeadOnly returns a [SideSequence] that always corrupts heads.
func HeadOnly() SideSequence { return constantSide(CorruptHead) }

// TailOnly returns a [SideSequence] that always corrupts tails.
func TailOnly() SideSequence { return constantSide(CorruptTail) }

// alternatingSides corrupts heads and tails by turns.
type alternatingSides struct {
	step int
}

// Next counts calls starting at 1 and corrupts tails on odd calls: the first
// batch corrupts tails, the second heads, and so on, strictly alternating.
func (s *alternatingSides) Next() CorruptionSide {
	s.step++
	if s.step%2 == 0 {
		return CorruptHead
	}
	return CorruptTail
}

// Alternating returns a [SideSequence] that strictly alternates the
// corruption side every batch, starting with [CorruptTail].
func Alternating() SideSequence { return &alternatingSides{} }

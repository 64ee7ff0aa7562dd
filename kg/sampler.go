package kg

import (
	"math/rand/v2"
	"slices"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// ErrSamplingExhausted is returned when rejection sampling cannot collect
// enough unfiltered negatives within the configured number of rounds --
// typically because the filter set covers (almost) the whole candidate pool.
var ErrSamplingExhausted = errors.New("negative sampling exhausted: candidate pool is (almost) fully filtered")

// DefaultMaxSampleRounds is the default bound on rejection-sampling rounds
// used by [SampleUniform]. Each round draws `2*k` candidates, so the bound is
// only ever reached under pathological filter density.
const DefaultMaxSampleRounds = 100

// SampleUniform draws k negative entity ids uniformly, with replacement, from
// a candidate domain of size n. If candidates is not nil, the drawn indices
// are positions into it (and len(candidates) must be n); otherwise the
// indices themselves are the returned ids.
//
// Without a filter the result is a plain uniform draw: ids may repeat, and
// nothing prevents a draw from colliding with the true entity of the triplet
// being corrupted.
//
// With a filter it rejection-samples: each round draws 2*k candidates, drops
// those present in filter and accumulates the survivors until at least k are
// collected, then truncates to exactly k. After maxRounds rounds without k
// survivors it gives up with [ErrSamplingExhausted] -- pass maxRounds <= 0
// for [DefaultMaxSampleRounds].
func SampleUniform(k, n int, candidates []int32, filter sets.Set[int32], maxRounds int) ([]int32, error) {
	if k <= 0 || n <= 0 {
		Panicf("SampleUniform(k=%d, n=%d): both k and n must be > 0", k, n)
	}
	if candidates != nil && len(candidates) != n {
		Panicf("SampleUniform given %d candidates but domain size n=%d", len(candidates), n)
	}
	if filter == nil {
		sampled := make([]int32, k)
		for ii := range sampled {
			sampled[ii] = int32(rand.IntN(n))
		}
		if candidates != nil {
			for ii, idx := range sampled {
				sampled[ii] = candidates[idx]
			}
		}
		return sampled, nil
	}

	if maxRounds <= 0 {
		maxRounds = DefaultMaxSampleRounds
	}
	sampled := make([]int32, 0, 2*k)
	for round := 0; len(sampled) < k; round++ {
		if round >= maxRounds {
			return nil, errors.WithMessagef(ErrSamplingExhausted,
				"collected %d of %d negatives after %d rounds (filter size %d, domain size %d)",
				len(sampled), k, maxRounds, len(filter), n)
		}
		for range 2 * k {
			id := int32(rand.IntN(n))
			if candidates != nil {
				id = candidates[id]
			}
			if filter.Has(id) {
				continue
			}
			sampled = append(sampled, id)
		}
	}
	return sampled[:k], nil
}

// Reindex is a bijection between a set of global entity ids and the compact
// local range `[0, Size())`. Local ids follow the sorted order of the global
// ids, so reindexing is deterministic given the same inputs.
//
// It is built per batch by [GroupIndex] and discarded once the batch tensors
// are materialized.
type Reindex struct {
	vocab []int32
	index map[int32]int32
}

// GroupIndex builds a [Reindex] over the union of the given id slices: the
// vocabulary is the sorted set of unique ids across all groups.
func GroupIndex(groups ...[]int32) *Reindex {
	total := 0
	for _, group := range groups {
		total += len(group)
	}
	vocab := make([]int32, 0, total)
	for _, group := range groups {
		vocab = append(vocab, group...)
	}
	slices.Sort(vocab)
	vocab = slices.Compact(vocab)

	index := make(map[int32]int32, len(vocab))
	for localID, globalID := range vocab {
		index[globalID] = int32(localID)
	}
	return &Reindex{vocab: vocab, index: index}
}

// Size returns the number of unique ids in the vocabulary.
func (r *Reindex) Size() int { return len(r.vocab) }

// Vocabulary returns the sorted unique global ids: indexing it by a local id
// recovers the original global id. Don't modify the returned slice, it's
// in use by the Reindex.
func (r *Reindex) Vocabulary() []int32 { return r.vocab }

// Lookup maps one global id to its local id. The id must have been part of
// the slices given to [GroupIndex]: looking up an absent id is an invariant
// violation and panics.
func (r *Reindex) Lookup(globalID int32) int32 {
	localID, found := r.index[globalID]
	if !found {
		Panicf("id %d is not part of this batch's vocabulary (%d unique ids)", globalID, len(r.vocab))
	}
	return localID
}

// Apply maps a slice of global ids to a newly allocated slice of local ids.
func (r *Reindex) Apply(globalIDs []int32) []int32 {
	localIDs := make([]int32, len(globalIDs))
	for ii, id := range globalIDs {
		localIDs[ii] = r.Lookup(id)
	}
	return localIDs
}

package kg

import (
	"encoding/gob"
	"os"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// FilterKey identifies the filter set of one query: the endpoint that is
// kept plus the relation. For head corruption the key is (tail, relation);
// for tail corruption it is (head, relation).
type FilterKey struct {
	Entity, Relation int32
}

// Filters holds the known-true entities of a knowledge graph, used to
// exclude true triplets from negative-sampling pools ("filtered" sampling in
// the KGE literature). It is immutable for the lifetime of the datasets that
// share it.
type Filters struct {
	// Head maps (tail, relation) to the set of true heads.
	Head map[FilterKey]sets.Set[int32]

	// Tail maps (head, relation) to the set of true tails.
	Tail map[FilterKey]sets.Set[int32]
}

// BuildFilters indexes the given triplets -- typically the union of the
// train, validation and test splits -- into head and tail filter sets.
func BuildFilters(triplets []Triplet) *Filters {
	f := &Filters{
		Head: make(map[FilterKey]sets.Set[int32]),
		Tail: make(map[FilterKey]sets.Set[int32]),
	}
	for _, t := range triplets {
		headKey := FilterKey{Entity: t.Tail, Relation: t.Relation}
		heads, found := f.Head[headKey]
		if !found {
			heads = sets.Make[int32]()
			f.Head[headKey] = heads
		}
		heads.Insert(t.Head)

		tailKey := FilterKey{Entity: t.Head, Relation: t.Relation}
		tails, found := f.Tail[tailKey]
		if !found {
			tails = sets.Make[int32]()
			f.Tail[tailKey] = tails
		}
		tails.Insert(t.Tail)
	}
	return f
}

// forSide returns the filter map applicable to the given corruption side.
func (f *Filters) forSide(side CorruptionSide) map[FilterKey]sets.Set[int32] {
	if side == CorruptHead {
		return f.Head
	}
	return f.Tail
}

// Save stores the filters in binary format: building them from scratch scans
// every triplet, so large datasets cache them on disk.
func (f *Filters) Save(filePath string) (err error) {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save filters", filePath)
	}
	enc := gob.NewEncoder(file)
	if err = enc.Encode(f); err != nil {
		return errors.WithMessagef(err, "encoding filters to save to %q", filePath)
	}
	if err = file.Close(); err != nil {
		return errors.Wrapf(err, "closing %q, where filters were saved", filePath)
	}
	return nil
}

// LoadFilters loads filters previously saved with [Filters.Save].
// If filePath doesn't exist, it returns an error that can be checked with
// [os.IsNotExist].
func LoadFilters(filePath string) (f *Filters, err error) {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "trying to load filters from %q", filePath)
	}
	dec := gob.NewDecoder(file)
	f = &Filters{}
	if err = dec.Decode(f); err != nil {
		return nil, errors.Wrapf(err, "trying to decode filters from %q", filePath)
	}
	_ = file.Close()
	return f, nil
}

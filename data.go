// Package kgemb trains knowledge-graph embeddings on GoMLX.
//
// It glues together the triplet dataset layer in [kg] (negative sampling,
// batch reindexing), the contrastive losses in [gnn], and a closed set of
// triplet scorers ([ScoreTransE], [ScoreDistMult]) into Train/Eval entry
// points driven by context hyperparameters.
//
// Datasets are directories in the usual dictionary+splits layout:
//
//	entities.dict     "<id>\t<name>" per line
//	relations.dict    "<id>\t<name>" per line
//	train.txt         "<head>\t<relation>\t<tail>" names per line
//	valid.txt, test.txt
package kgemb

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/kgemb/kgemb/kg"
)

// Corpus is a knowledge-graph dataset loaded from disk: the entity and
// relation dictionaries plus the three triplet splits, all converted to
// dense ids.
type Corpus struct {
	// EntityNames and RelationNames map dense ids back to names.
	EntityNames, RelationNames []string

	// Train, Valid and Test splits.
	Train, Valid, Test []kg.Triplet
}

// NumEntities in the corpus dictionary.
func (c *Corpus) NumEntities() int { return len(c.EntityNames) }

// NumRelations in the corpus dictionary.
func (c *Corpus) NumRelations() int { return len(c.RelationNames) }

// AllTriplets returns the concatenation of the train, valid and test splits,
// the usual input to [kg.BuildFilters].
func (c *Corpus) AllTriplets() []kg.Triplet {
	all := make([]kg.Triplet, 0, len(c.Train)+len(c.Valid)+len(c.Test))
	all = append(all, c.Train...)
	all = append(all, c.Valid...)
	all = append(all, c.Test...)
	return all
}

// String returns an informative description of the corpus.
func (c *Corpus) String() string {
	return fmt.Sprintf("Corpus: %s entities, %s relations, triplets train=%s/valid=%s/test=%s",
		humanize.Comma(int64(c.NumEntities())), humanize.Comma(int64(c.NumRelations())),
		humanize.Comma(int64(len(c.Train))), humanize.Comma(int64(len(c.Valid))),
		humanize.Comma(int64(len(c.Test))))
}

// LoadCorpus reads a dataset directory (see the package documentation for
// the layout).
func LoadCorpus(dir string) (*Corpus, error) {
	dir = fsutil.MustReplaceTildeInDir(dir)
	entities, entityNames, err := readDict(path.Join(dir, "entities.dict"))
	if err != nil {
		return nil, err
	}
	relations, relationNames, err := readDict(path.Join(dir, "relations.dict"))
	if err != nil {
		return nil, err
	}
	c := &Corpus{EntityNames: entityNames, RelationNames: relationNames}
	for _, split := range []struct {
		file string
		dst  *[]kg.Triplet
	}{
		{"train.txt", &c.Train},
		{"valid.txt", &c.Valid},
		{"test.txt", &c.Test},
	} {
		*split.dst, err = readTriplets(path.Join(dir, split.file), entities, relations)
		if err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("loaded %s from %q", c, dir)
	return c, nil
}

// readDict reads an "<id>\t<name>" dictionary file. Ids must form the dense
// range [0, numLines).
func readDict(filePath string) (nameToID map[string]int32, names []string, err error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening dictionary %q", filePath)
	}
	defer func() { _ = file.Close() }()

	nameToID = make(map[string]int32)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) != 2 {
			return nil, nil, errors.Errorf("%q line %d: expected \"<id>\\t<name>\", got %q", filePath, lineNum, line)
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, nil, errors.Wrapf(err, "%q line %d: parsing id %q", filePath, lineNum, parts[0])
		}
		name := parts[1]
		if _, found := nameToID[name]; found {
			return nil, nil, errors.Errorf("%q line %d: duplicate name %q", filePath, lineNum, name)
		}
		if id != len(names) {
			return nil, nil, errors.Errorf("%q line %d: ids must be dense and in order, expected %d, got %d",
				filePath, lineNum, len(names), id)
		}
		nameToID[name] = int32(id)
		names = append(names, name)
	}
	if err = scanner.Err(); err != nil {
		return nil, nil, errors.Wrapf(err, "reading dictionary %q", filePath)
	}
	if len(names) == 0 {
		return nil, nil, errors.Errorf("dictionary %q is empty", filePath)
	}
	return nameToID, names, nil
}

// readTriplets reads a "<head>\t<relation>\t<tail>" split file, mapping
// names through the dictionaries.
func readTriplets(filePath string, entities, relations map[string]int32) ([]kg.Triplet, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening triplets %q", filePath)
	}
	defer func() { _ = file.Close() }()

	var triplets []kg.Triplet
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) != 3 {
			return nil, errors.Errorf("%q line %d: expected \"<head>\\t<relation>\\t<tail>\", got %q",
				filePath, lineNum, line)
		}
		head, found := entities[parts[0]]
		if !found {
			return nil, errors.Errorf("%q line %d: unknown entity %q", filePath, lineNum, parts[0])
		}
		relation, found := relations[parts[1]]
		if !found {
			return nil, errors.Errorf("%q line %d: unknown relation %q", filePath, lineNum, parts[1])
		}
		tail, found := entities[parts[2]]
		if !found {
			return nil, errors.Errorf("%q line %d: unknown entity %q", filePath, lineNum, parts[2])
		}
		triplets = append(triplets, kg.Triplet{Head: head, Relation: relation, Tail: tail})
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading triplets %q", filePath)
	}
	return triplets, nil
}

// filtersCacheFile is stored next to the dataset files.
const filtersCacheFile = "filters.bin"

// Filters returns the known-true filter sets over all three splits, cached
// on disk in dir: building them scans every triplet, loading is one gob
// decode.
func Filters(c *Corpus, dir string) (*kg.Filters, error) {
	dir = fsutil.MustReplaceTildeInDir(dir)
	cachePath := path.Join(dir, filtersCacheFile)
	filters, err := kg.LoadFilters(cachePath)
	if err == nil {
		klog.V(1).Infof("loaded filters cache from %q", cachePath)
		return filters, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	filters = kg.BuildFilters(c.AllTriplets())
	if err = filters.Save(cachePath); err != nil {
		return nil, err
	}
	klog.V(1).Infof("built filters for %s triplets, cached to %q",
		humanize.Comma(int64(len(c.AllTriplets()))), cachePath)
	return filters, nil
}

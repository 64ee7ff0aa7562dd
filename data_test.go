package kgemb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgemb/kgemb/kg"
)

func writeCorpusFiles(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"entities.dict":  "0\talice\n1\tbob\n2\tcarol\n3\tdan\n",
		"relations.dict": "0\tknows\n1\tlikes\n",
		"train.txt":      "alice\tknows\tbob\ncarol\tlikes\tdan\nbob\tknows\tcarol\n",
		"valid.txt":      "alice\tlikes\tcarol\n",
		"test.txt":       "dan\tknows\talice\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func TestLoadCorpus(t *testing.T) {
	dir := writeCorpusFiles(t)
	c, err := LoadCorpus(dir)
	require.NoError(t, err)

	assert.Equal(t, 4, c.NumEntities())
	assert.Equal(t, 2, c.NumRelations())
	assert.Equal(t, []string{"alice", "bob", "carol", "dan"}, c.EntityNames)
	assert.Equal(t, []kg.Triplet{
		{Head: 0, Relation: 0, Tail: 1},
		{Head: 2, Relation: 1, Tail: 3},
		{Head: 1, Relation: 0, Tail: 2},
	}, c.Train)
	assert.Equal(t, []kg.Triplet{{Head: 0, Relation: 1, Tail: 2}}, c.Valid)
	assert.Equal(t, []kg.Triplet{{Head: 3, Relation: 0, Tail: 0}}, c.Test)
	assert.Len(t, c.AllTriplets(), 5)
	assert.Contains(t, c.String(), "4 entities")
}

func TestLoadCorpusErrors(t *testing.T) {
	_, err := LoadCorpus(filepath.Join(t.TempDir(), "no-such-dir"))
	require.Error(t, err)

	// Entity ids must be dense and in order.
	dir := writeCorpusFiles(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "entities.dict"), []byte("0\talice\n2\tbob\n"), 0644))
	_, err = LoadCorpus(dir)
	require.ErrorContains(t, err, "dense")

	// Names in the splits must resolve through the dictionaries.
	dir = writeCorpusFiles(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "train.txt"), []byte("alice\tknows\teve\n"), 0644))
	_, err = LoadCorpus(dir)
	require.ErrorContains(t, err, `unknown entity "eve"`)
}

func TestFilters(t *testing.T) {
	dir := writeCorpusFiles(t)
	c, err := LoadCorpus(dir)
	require.NoError(t, err)

	filters, err := Filters(c, dir)
	require.NoError(t, err)
	// alice-knows has the single known tail bob.
	require.True(t, filters.Tail[kg.FilterKey{Entity: 0, Relation: 0}].Has(1))
	// bob is the known head of knows-bob.
	require.True(t, filters.Head[kg.FilterKey{Entity: 1, Relation: 0}].Has(0))

	// Cached on disk, and the second call loads the same maps back.
	_, err = os.Stat(filepath.Join(dir, filtersCacheFile))
	require.NoError(t, err)
	reloaded, err := Filters(c, dir)
	require.NoError(t, err)
	assert.Equal(t, filters.Tail, reloaded.Tail)
	assert.Equal(t, filters.Head, reloaded.Head)
}

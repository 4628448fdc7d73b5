package filtered

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/triekv/pkg/common/iterator"
)

func source(keys ...string) *iterator.SliceIterator {
	ks := make([][]byte, len(keys))
	vs := make([][]byte, len(keys))
	for i, k := range keys {
		ks[i] = []byte(k)
		vs[i] = []byte(k + "!")
	}
	return iterator.NewSliceIterator(ks, vs)
}

func keys(it iterator.Iterator) []string {
	var out []string
	for ok := it.SeekToFirst(); ok; ok = it.Next() {
		out = append(out, string(it.Key()))
	}
	return out
}

func TestSuffixIterator(t *testing.T) {
	it := NewSuffixIterator(source("a.log", "b.txt", "c.log", "d"), []byte(".log"))
	assert.Equal(t, []string{"a.log", "c.log"}, keys(it))
	assert.NoError(t, it.Err())
	assert.NoError(t, it.Close())
}

func TestContainsFilter(t *testing.T) {
	it := NewFilteredIterator(source("user/1/name", "user/2/mail", "user/3/name"), ContainsFilterFunc([]byte("name")))
	assert.Equal(t, []string{"user/1/name", "user/3/name"}, keys(it))
}

func TestFilteredSeek(t *testing.T) {
	it := NewSuffixIterator(source("a1", "b2", "c1", "d2"), []byte("1"))

	require.True(t, it.Seek([]byte("b")))
	assert.Equal(t, "c1", string(it.Key()))
	assert.Equal(t, "c1!", string(it.Value()))

	assert.False(t, it.Next())
	assert.False(t, it.Valid())
}

func TestFilteredNoMatches(t *testing.T) {
	it := NewSuffixIterator(source("a", "b"), []byte("z"))
	assert.False(t, it.SeekToFirst())
	assert.Empty(t, keys(it))
}

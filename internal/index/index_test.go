package index

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T, metadata []byte) (*Index, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.index")
	idx, err := Open(path, metadata, Options{FlushDelay: time.Millisecond})
	require.NoError(t, err)
	return idx, path
}

func addN(t *testing.T, idx *Index, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := idx.Add(Entry{Number: int64(i), Position: int64(i * 10), Size: 20, Partition: 1}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, idx.Flush())
}

func TestSequentialAppendAndRead(t *testing.T) {
	idx, _ := openTestIndex(t, nil)
	defer idx.Close()

	addN(t, idx, 100)

	all, err := idx.All()
	require.NoError(t, err)
	require.Len(t, all, 100)
	for i, e := range all {
		require.Equal(t, int64(i+1), e.Number)
	}
}

func TestRandomRead(t *testing.T) {
	idx, _ := openTestIndex(t, nil)
	defer idx.Close()
	addN(t, idx, 10)

	e, ok, err := idx.Get(5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(5), e.Number)

	_, ok, err = idx.Get(0)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = idx.Get(11)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRangeFromEnd(t *testing.T) {
	idx, _ := openTestIndex(t, nil)
	defer idx.Close()
	addN(t, idx, 50)

	last15 := int64(-15)
	entries, ok, err := idx.Range(last15, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, entries, 15)
	require.Equal(t, int64(36), entries[0].Number)
	require.Equal(t, int64(50), entries[14].Number)

	to := int64(-15)
	entries, ok, err = idx.Range(1, &to)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, entries, 35)
	require.Equal(t, int64(1), entries[0].Number)
	require.Equal(t, int64(35), entries[34].Number)
}

func TestBinarySearchFind(t *testing.T) {
	idx, _ := openTestIndex(t, nil)
	defer idx.Close()
	for i := 1; i <= 50; i++ {
		_, err := idx.Add(Entry{Number: int64(2 * i)}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, idx.Flush())

	n, err := idx.Find(25)
	require.NoError(t, err)
	require.Equal(t, int64(12), n)

	n, err = idx.Find(100)
	require.NoError(t, err)
	require.Equal(t, int64(50), n)

	n, err = idx.Find(0)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	n, err = idx.Find(50)
	require.NoError(t, err)
	require.Equal(t, int64(25), n)
}

func TestFindOnEmptyIndex(t *testing.T) {
	idx, _ := openTestIndex(t, nil)
	defer idx.Close()

	n, err := idx.Find(42)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestTruncateMidBufferThenReopen(t *testing.T) {
	idx, path := openTestIndex(t, nil)
	for i := 1; i <= 50; i++ {
		_, err := idx.Add(Entry{Number: int64(i)}, nil)
		require.NoError(t, err)
	}
	// not yet closed/flushed explicitly; Truncate flushes first.
	require.NoError(t, idx.Truncate(25))
	require.Equal(t, int64(25), idx.Len())
	require.NoError(t, idx.Close())

	idx2, err := Open(path, nil, Options{})
	require.NoError(t, err)
	defer idx2.Close()
	require.Equal(t, int64(25), idx2.Len())

	_, ok, err := idx2.Get(26)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTruncateNoOpPastLength(t *testing.T) {
	idx, _ := openTestIndex(t, nil)
	defer idx.Close()
	addN(t, idx, 10)

	require.NoError(t, idx.Truncate(100))
	require.Equal(t, int64(10), idx.Len())
}

func TestMetadataMismatchOnReopen(t *testing.T) {
	idx, path := openTestIndex(t, []byte(`{"kind":"primary"}`))
	require.NoError(t, idx.Close())

	_, err := Open(path, []byte(`{"kind":"secondary"}`), Options{})
	require.Error(t, err)

	idx2, err := Open(path, []byte(`{"kind":"primary"}`), Options{})
	require.NoError(t, err)
	require.NoError(t, idx2.Close())

	idx3, err := Open(path, nil, Options{})
	require.NoError(t, err)
	require.NoError(t, idx3.Close())
}

func TestCloseBeforeScheduledFlushPreservesLength(t *testing.T) {
	idx, path := openTestIndex(t, nil)
	_, err := idx.Add(Entry{Number: 1}, nil)
	require.NoError(t, err)
	// Close immediately, before the debounce timer would have fired.
	require.NoError(t, idx.Close())

	idx2, err := Open(path, nil, Options{})
	require.NoError(t, err)
	defer idx2.Close()
	require.Equal(t, int64(1), idx2.Len())
}

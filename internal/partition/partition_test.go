package partition

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func filepathOpenAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
}

func openTestPartition(t *testing.T, opts Options) (*Partition, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.part")
	if opts.FlushDelay == 0 {
		opts.FlushDelay = time.Millisecond
	}
	p, err := Open(path, "test", opts)
	require.NoError(t, err)
	return p, path
}

func waitFlush(t *testing.T, p *Partition) {
	t.Helper()
	require.NoError(t, p.Flush())
}

func TestWriteReadRoundTrip(t *testing.T) {
	p, _ := openTestPartition(t, Options{})
	defer p.Close()

	pos, err := p.Write([]byte("hello"), nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), pos)

	data, ok, err := p.ReadFrom(pos, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", string(data))
}

func TestWriteReadAfterReopen(t *testing.T) {
	p, path := openTestPartition(t, Options{})
	pos, err := p.Write([]byte("persisted"), nil)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	p2, err := Open(path, "test", Options{})
	require.NoError(t, err)
	defer p2.Close()

	data, ok, err := p2.ReadFrom(pos, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "persisted", string(data))
}

func TestReadFromPastEndReturnsFalse(t *testing.T) {
	p, _ := openTestPartition(t, Options{})
	defer p.Close()

	_, ok, err := p.ReadFrom(0, 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExpectedSizeMismatch(t *testing.T) {
	p, _ := openTestPartition(t, Options{})
	defer p.Close()

	pos, err := p.Write([]byte("abc"), nil)
	require.NoError(t, err)
	waitFlush(t, p)

	_, _, err = p.ReadFrom(pos, 99)
	require.Error(t, err)
}

func TestIteratorYieldsInOrder(t *testing.T) {
	p, _ := openTestPartition(t, Options{})
	defer p.Close()

	docs := []string{"one", "two", "three"}
	for _, d := range docs {
		_, err := p.Write([]byte(d), nil)
		require.NoError(t, err)
	}
	waitFlush(t, p)

	it := p.Iterator(0)
	var got []string
	for it.Next() {
		got = append(got, string(it.Document()))
	}
	require.NoError(t, it.Err())
	require.Equal(t, docs, got)
}

func TestTruncateIsNoOpPastSize(t *testing.T) {
	p, _ := openTestPartition(t, Options{})
	defer p.Close()

	pos, err := p.Write([]byte("abc"), nil)
	require.NoError(t, err)
	waitFlush(t, p)
	sizeBefore := p.Size()

	require.NoError(t, p.Truncate(sizeBefore+100))
	require.Equal(t, sizeBefore, p.Size())

	_, ok, err := p.ReadFrom(pos, 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTruncateShrinksAndHidesDocuments(t *testing.T) {
	p, _ := openTestPartition(t, Options{})
	defer p.Close()

	pos1, err := p.Write([]byte("first"), nil)
	require.NoError(t, err)
	waitFlush(t, p)
	pos2, err := p.Write([]byte("second"), nil)
	require.NoError(t, err)
	waitFlush(t, p)

	require.NoError(t, p.Truncate(pos2))

	_, ok, err := p.ReadFrom(pos1, 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = p.ReadFrom(pos2, 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteOnClosedPartitionFails(t *testing.T) {
	p, _ := openTestPartition(t, Options{})
	require.NoError(t, p.Close())

	_, err := p.Write([]byte("x"), nil)
	require.Error(t, err)
}

func TestOnFlushCallbackRunsAfterFlush(t *testing.T) {
	p, _ := openTestPartition(t, Options{})
	defer p.Close()

	done := make(chan struct{})
	_, err := p.Write([]byte("x"), func() { close(done) })
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onFlush callback never ran")
	}
}

func TestRecoverTruncatesTornWrite(t *testing.T) {
	p, path := openTestPartition(t, Options{})
	_, err := p.Write([]byte("whole"), nil)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	// Simulate a torn write: a length prefix claiming more bytes than
	// actually follow it.
	f, err := filepathOpenAppend(path)
	require.NoError(t, err)
	_, err = f.Write(append(encodeLength(20), []byte("short")...))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	p2, err := Open(path, "test", Options{Reclaim: true})
	require.NoError(t, err)
	defer p2.Close()

	it := p2.Iterator(0)
	var got []string
	for it.Next() {
		got = append(got, string(it.Document()))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"whole"}, got)
}

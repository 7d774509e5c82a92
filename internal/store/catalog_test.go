package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCatalogPersistsStreamsAndPartitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.streams")
	c, err := OpenCatalog(path)
	require.NoError(t, err)

	require.NoError(t, c.PutStream(streamRecord{
		Name:        "placed-orders",
		MatcherKind: "metadata",
		MatcherSrc:  []byte(`{"kind":"placed"}`),
		MatcherHMAC: []byte("fp"),
		CreatedAt:   time.Now(),
	}))
	require.NoError(t, c.PutPartition(partitionRecord{Name: "orders", CreatedAt: time.Now()}))
	require.NoError(t, c.Close())

	c2, err := OpenCatalog(path)
	require.NoError(t, err)
	defer c2.Close()

	streams, err := c2.AllStreams()
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.Equal(t, "placed-orders", streams[0].Name)

	partitions, err := c2.AllPartitions()
	require.NoError(t, err)
	require.Len(t, partitions, 1)
	require.Equal(t, "orders", partitions[0].Name)
}

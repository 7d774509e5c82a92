package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nesprt/eventstore/internal/eventerr"
)

func openTestStore(t *testing.T, opts Options) *EventStore {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	opts.PartitionOptions.FlushDelay = time.Millisecond
	opts.IndexOptions.FlushDelay = time.Millisecond
	s, err := Open(opts)
	require.NoError(t, err)
	return s
}

func TestCommitAssignsDenseStreamVersions(t *testing.T) {
	s := openTestStore(t, Options{})
	defer s.Close()

	_, err := s.Commit("orders", [][]byte{[]byte("a"), []byte("b")}, ExpectAny(), nil)
	require.NoError(t, err)
	res, err := s.Commit("orders", [][]byte{[]byte("c")}, ExpectAny(), nil)
	require.NoError(t, err)
	require.Equal(t, int64(3), res.LastSeqNo)

	idx, ok := s.StreamIndex("orders")
	require.True(t, ok)
	require.Equal(t, int64(3), idx.Len())
}

func TestOptimisticConcurrency(t *testing.T) {
	s := openTestStore(t, Options{})
	defer s.Close()

	_, err := s.Commit("acct", [][]byte{[]byte("e1"), []byte("e2"), []byte("e3")}, ExpectEmptyStream(), nil)
	require.NoError(t, err)

	_, err = s.Commit("acct", [][]byte{[]byte("e4")}, ExpectVersion(2), nil)
	require.Error(t, err)
	var concErr *eventerr.OptimisticConcurrencyError
	require.ErrorAs(t, err, &concErr)

	res, err := s.Commit("acct", [][]byte{[]byte("e4")}, ExpectVersion(3), nil)
	require.NoError(t, err)

	idx, _ := s.StreamIndex("acct")
	entry, ok, err := idx.Get(4)
	require.NoError(t, err)
	require.True(t, ok)
	_, metadata, err := s.ReadDocument(entry)
	require.NoError(t, err)
	sv, _ := toInt(metadata["streamVersion"])
	require.Equal(t, 4, sv)
	require.Equal(t, int64(4), res.LastSeqNo)
}

func TestCreateStreamReplaysExistingDocuments(t *testing.T) {
	s := openTestStore(t, Options{MatcherSecret: []byte("secret")})
	defer s.Close()

	_, err := s.Commit("orders", [][]byte{[]byte(`{"kind":"placed"}`)}, ExpectAny(), map[string]interface{}{"kind": "placed"})
	require.NoError(t, err)
	_, err = s.Commit("orders", [][]byte{[]byte(`{"kind":"shipped"}`)}, ExpectAny(), map[string]interface{}{"kind": "shipped"})
	require.NoError(t, err)

	err = s.CreateStream("placed-orders", MetadataEquals(map[string]interface{}{"kind": "placed"}))
	require.NoError(t, err)

	idx, ok := s.StreamIndex("placed-orders")
	require.True(t, ok)
	require.Equal(t, int64(1), idx.Len())

	_, err = s.Commit("orders", [][]byte{[]byte(`{"kind":"placed"}`)}, ExpectAny(), map[string]interface{}{"kind": "placed"})
	require.NoError(t, err)
	require.Equal(t, int64(2), idx.Len())
}

func TestCreateStreamDuplicateNameFails(t *testing.T) {
	s := openTestStore(t, Options{MatcherSecret: []byte("secret")})
	defer s.Close()

	require.NoError(t, s.CreateStream("placed", MetadataEquals(map[string]interface{}{"k": "v"})))
	err := s.CreateStream("placed", MetadataEquals(map[string]interface{}{"k": "v"}))
	require.Error(t, err)
	var existsErr *eventerr.StreamExistsError
	require.ErrorAs(t, err, &existsErr)
}

func TestGetEventStreamLastOne(t *testing.T) {
	s := openTestStore(t, Options{})
	defer s.Close()

	_, err := s.Commit("orders", [][]byte{[]byte("x")}, ExpectAny(), nil)
	require.NoError(t, err)

	es, err := s.GetEventStream("orders")
	require.NoError(t, err)
	events, err := es.Last(1).Events()
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "x", string(events[0].Payload))
}

func TestBuilderThrowsAfterIterationBegins(t *testing.T) {
	s := openTestStore(t, Options{})
	defer s.Close()

	_, err := s.Commit("orders", [][]byte{[]byte("x"), []byte("y")}, ExpectAny(), nil)
	require.NoError(t, err)

	es, err := s.GetEventStream("orders")
	require.NoError(t, err)
	require.True(t, es.Next())
	es.FromStart()
	require.Error(t, es.Err())
}

func TestReopenPreservesCatalogAndData(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Dir: dir, MatcherSecret: []byte("secret")}
	s := openTestStore(t, opts)
	_, err := s.Commit("orders", [][]byte{[]byte("a"), []byte("b")}, ExpectAny(), nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateStream("tagged", MetadataEquals(map[string]interface{}{"t": 1})))
	require.NoError(t, s.Close())

	s2 := openTestStore(t, opts)
	defer s2.Close()
	require.Equal(t, int64(2), s2.Primary().Len())
	_, ok := s2.StreamIndex("tagged")
	require.True(t, ok)
}

func TestLockHeldByAnotherWriterFails(t *testing.T) {
	dir := t.TempDir()
	s1 := openTestStore(t, Options{Dir: dir})
	defer s1.Close()

	_, err := Open(Options{Dir: dir, PartitionOptions: s1.opts.PartitionOptions})
	require.Error(t, err)
	var lockErr *eventerr.LockHeldError
	require.ErrorAs(t, err, &lockErr)
}

func TestReindexRebuildsIndexesFromPartitions(t *testing.T) {
	s := openTestStore(t, Options{})
	_, err := s.Commit("orders", [][]byte{[]byte("a"), []byte("b"), []byte("c")}, ExpectAny(), nil)
	require.NoError(t, err)
	require.NoError(t, s.primary.Truncate(1))

	require.NoError(t, s.Reindex())
	require.Equal(t, int64(3), s.primary.Len())
	require.NoError(t, s.Close())
}

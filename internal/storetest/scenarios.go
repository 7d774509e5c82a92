package storetest

import (
	"fmt"

	"github.com/nesprt/eventstore/internal/store"
)

// TestCommit_SequentialAppendAndRead exercises end-to-end scenario 1:
// appending a batch of events and reading them back in order through the
// primary index.
func (s *Suite) TestCommit_SequentialAppendAndRead() {
	payloads := make([][]byte, 100)
	for i := range payloads {
		payloads[i] = []byte(fmt.Sprintf("event-%d", i+1))
	}
	_, err := s.store.Commit("seq", payloads, store.ExpectAny(), nil)
	s.Require().NoError(err)

	es, err := s.store.GetEventStream("seq")
	s.Require().NoError(err)
	events, err := es.Events()
	s.Require().NoError(err)
	s.Require().Len(events, 100)
	for i, e := range events {
		s.Equal(fmt.Sprintf("event-%d", i+1), string(e.Payload))
	}
}

// TestCommit_OptimisticConcurrency exercises end-to-end scenario 6.
func (s *Suite) TestCommit_OptimisticConcurrency() {
	_, err := s.store.Commit("acct", [][]byte{[]byte("e1"), []byte("e2"), []byte("e3")}, store.ExpectVersion(0), nil)
	s.Require().NoError(err)

	_, err = s.store.Commit("acct", [][]byte{[]byte("e4")}, store.ExpectVersion(2), nil)
	s.Require().Error(err)

	_, err = s.store.Commit("acct", [][]byte{[]byte("e4")}, store.ExpectVersion(3), nil)
	s.Require().NoError(err)

	idx, ok := s.store.StreamIndex("acct")
	s.Require().True(ok)
	s.Equal(int64(4), idx.Len())
}

// TestJoin_PreservesGlobalInsertionOrder exercises end-to-end scenario 7.
func (s *Suite) TestJoin_PreservesGlobalInsertionOrder() {
	_, err := s.store.Commit("foo", [][]byte{[]byte("A")}, store.ExpectAny(), nil)
	s.Require().NoError(err)
	_, err = s.store.Commit("bar", [][]byte{[]byte("B")}, store.ExpectAny(), nil)
	s.Require().NoError(err)
	_, err = s.store.Commit("foo", [][]byte{[]byte("C")}, store.ExpectAny(), nil)
	s.Require().NoError(err)

	js, err := store.NewJoinEventStream(s.store, "foobar", []string{"foo", "bar"}, nil, nil)
	s.Require().NoError(err)
	events, err := js.Events()
	s.Require().NoError(err)

	got := make([]string, len(events))
	for i, e := range events {
		got[i] = string(e.Payload)
	}
	s.Equal([]string{"A", "B", "C"}, got)
}

// TestEventStream_EmptyStreamIsEmpty exercises the boundary-behavior
// property for an empty stream.
func (s *Suite) TestEventStream_EmptyStreamIsEmpty() {
	_, err := s.store.Commit("only", [][]byte{[]byte("x")}, store.ExpectAny(), nil)
	s.Require().NoError(err)
	s.Require().NoError(s.store.CreateStream("never-matches", store.MetadataEquals(map[string]interface{}{"nope": true})))

	es, err := s.store.GetEventStream("never-matches")
	s.Require().NoError(err)
	events, err := es.Events()
	s.Require().NoError(err)
	s.Empty(events)
}

// TestReindex_RecoversFromDamagedPrimaryIndex covers the supplemented
// reindex operation: the primary index can be rebuilt purely from
// partition contents.
func (s *Suite) TestReindex_RecoversFromDamagedPrimaryIndex() {
	_, err := s.store.Commit("orders", [][]byte{[]byte("a"), []byte("b"), []byte("c")}, store.ExpectAny(), nil)
	s.Require().NoError(err)

	s.Require().NoError(s.store.Primary().Truncate(1))
	s.Require().NoError(s.store.Reindex())
	s.Equal(int64(3), s.store.Primary().Len())
}

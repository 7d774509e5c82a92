package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJoinEventStreamPreservesGlobalOrder(t *testing.T) {
	s := openTestStore(t, Options{})
	defer s.Close()

	_, err := s.Commit("foo", [][]byte{[]byte("A")}, ExpectAny(), nil)
	require.NoError(t, err)
	_, err = s.Commit("bar", [][]byte{[]byte("B")}, ExpectAny(), nil)
	require.NoError(t, err)
	_, err = s.Commit("foo", [][]byte{[]byte("C")}, ExpectAny(), nil)
	require.NoError(t, err)

	js, err := NewJoinEventStream(s, "foobar", []string{"foo", "bar"}, nil, nil)
	require.NoError(t, err)
	events, err := js.Events()
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, []string{"A", "B", "C"}, payloadStrings(events))

	js2, err := NewJoinEventStream(s, "foobar", []string{"foo", "bar"}, nil, nil)
	require.NoError(t, err)
	backEvents, err := js2.Backwards().Events()
	require.NoError(t, err)
	require.Equal(t, []string{"C", "B", "A"}, payloadStrings(backEvents))
}

func TestJoinEventStreamRequiresStreamsAndStore(t *testing.T) {
	s := openTestStore(t, Options{})
	defer s.Close()

	_, err := NewJoinEventStream(s, "j", nil, nil, nil)
	require.Error(t, err)

	_, err = NewJoinEventStream(nil, "j", []string{"foo"}, nil, nil)
	require.Error(t, err)
}

func payloadStrings(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = string(r.Payload)
	}
	return out
}

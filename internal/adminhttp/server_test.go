package adminhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nesprt/eventstore/internal/store"
)

func openTestStore(t *testing.T) *store.EventStore {
	t.Helper()
	s, err := store.Open(store.Options{Dir: t.TempDir(), MatcherSecret: []byte("secret")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHealthz(t *testing.T) {
	srv := New(openTestStore(t))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestListStreamsAndStreamDetail(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Commit("orders", [][]byte{[]byte("a"), []byte("b")}, store.ExpectAny(), nil)
	require.NoError(t, err)

	srv := New(s)

	req := httptest.NewRequest(http.MethodGet, "/streams", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.EqualValues(t, 2, body["primaryLength"])

	req = httptest.NewRequest(http.MethodGet, "/streams/orders", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.EqualValues(t, 2, body["length"])
}

func TestStreamDetailUnknownStreamIs404(t *testing.T) {
	srv := New(openTestStore(t))

	req := httptest.NewRequest(http.MethodGet, "/streams/nope", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamEventsHonorsLastLimit(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Commit("orders", [][]byte{[]byte("a"), []byte("b"), []byte("c")}, store.ExpectAny(), nil)
	require.NoError(t, err)

	srv := New(s)

	req := httptest.NewRequest(http.MethodGet, "/streams/orders/events?last=2", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var events []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 2)
}

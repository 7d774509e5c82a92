package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConsumerExactlyOnceDelivery(t *testing.T) {
	s := openTestStore(t, Options{})
	defer s.Close()

	for i := 0; i < 3; i++ {
		_, err := s.Commit("ticks", [][]byte{[]byte("tick")}, ExpectAny(), map[string]interface{}{"d": 1})
		require.NoError(t, err)
	}

	c, err := NewConsumer(s, "ticks", "counter", map[string]interface{}{"v": 0.0})
	require.NoError(t, err)

	processed := make(chan struct{}, 3)
	c.OnData(func(ctx *HandlerContext) error {
		prev, _ := c.State().(map[string]interface{})
		v, _ := toFloat(prev["v"])
		ctx.SetState(map[string]interface{}{"v": v + 1})
		processed <- struct{}{}
		return nil
	})

	for i := 0; i < 3; i++ {
		select {
		case <-processed:
		case <-time.After(time.Second):
			t.Fatal("consumer did not process all events")
		}
	}

	require.Equal(t, int64(3), c.Position())
	state, _ := c.State().(map[string]interface{})
	v, _ := toFloat(state["v"])
	require.Equal(t, float64(3), v)
}

func TestConsumerResumesFromPersistedPosition(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Options{Dir: dir})
	_, err := s.Commit("ticks", [][]byte{[]byte("a"), []byte("b")}, ExpectAny(), nil)
	require.NoError(t, err)

	c, err := NewConsumer(s, "ticks", "cur", nil)
	require.NoError(t, err)
	done := make(chan struct{}, 2)
	c.OnData(func(ctx *HandlerContext) error { done <- struct{}{}; return nil })
	<-done
	<-done
	require.Equal(t, int64(2), c.Position())
	c.Destroy()
	require.NoError(t, s.Close())

	s2 := openTestStore(t, Options{Dir: dir})
	defer s2.Close()
	c2, err := NewConsumer(s2, "ticks", "cur", nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), c2.Position())
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palemoky/discord-relay/internal/transport"
)

func TestPeerRegistry_InsertIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewPeerRegistry(0)

	added, err := r.Insert("zmq:a")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = r.Insert("zmq:a")
	require.NoError(t, err)
	assert.False(t, added)

	assert.Equal(t, 1, r.Len())
	assert.True(t, r.contains("zmq:a"))
}

func TestPeerRegistry_RemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewPeerRegistry(0)
	_, _ = r.Insert("zmq:a")

	r.Remove("zmq:a")
	r.Remove("zmq:a")
	r.Remove("zmq:never")

	assert.Equal(t, 0, r.Len())
	assert.False(t, r.contains("zmq:a"))
}

func TestPeerRegistry_Capacity(t *testing.T) {
	t.Parallel()

	r := NewPeerRegistry(2)
	_, _ = r.Insert("zmq:a")
	_, _ = r.Insert("zmq:b")

	added, err := r.Insert("zmq:c")
	assert.False(t, added)
	assert.ErrorIs(t, err, ErrRegistryFull)

	// 已有节点重复注册不受上限影响
	added, err = r.Insert("zmq:a")
	assert.False(t, added)
	assert.NoError(t, err)

	r.Remove("zmq:b")
	added, err = r.Insert("zmq:c")
	assert.True(t, added)
	assert.NoError(t, err)
}

func TestPeerRegistry_NegativeCapacityMeansUnbounded(t *testing.T) {
	t.Parallel()

	r := NewPeerRegistry(-5)
	for i := 0; i < 100; i++ {
		_, err := r.Insert(transport.NewPeerID("zmq", string(rune('a'+i%26))+string(rune('0'+i/26))))
		require.NoError(t, err)
	}
	assert.Equal(t, 100, r.Len())
}

func TestPeerRegistry_Snapshot(t *testing.T) {
	t.Parallel()

	r := NewPeerRegistry(0)
	_, _ = r.Insert("zmq:a")
	_, _ = r.Insert("ws:b")

	snap := r.Snapshot()
	assert.ElementsMatch(t, []transport.PeerID{"zmq:a", "ws:b"}, snap)

	// 副本与注册表互不影响
	snap[0] = "changed"
	assert.True(t, r.contains("zmq:a"))
	assert.True(t, r.contains("ws:b"))
}

func TestPeerRegistry_FanOutEvictsFailures(t *testing.T) {
	t.Parallel()

	r := NewPeerRegistry(0)
	_, _ = r.Insert("zmq:a")
	_, _ = r.Insert("zmq:b")
	_, _ = r.Insert("zmq:c")

	boom := errors.New("closed")
	var visited []transport.PeerID
	res := r.FanOut(func(id transport.PeerID) error {
		visited = append(visited, id)
		if id == "zmq:b" {
			return boom
		}
		return nil
	})

	assert.ElementsMatch(t, []transport.PeerID{"zmq:a", "zmq:b", "zmq:c"}, visited)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 2, res.Delivered)
	require.Len(t, res.Evicted, 1)
	assert.Equal(t, transport.PeerID("zmq:b"), res.Evicted[0].Peer)
	assert.ErrorIs(t, res.Evicted[0].Err, boom)

	assert.ElementsMatch(t, []transport.PeerID{"zmq:a", "zmq:c"}, r.Snapshot())
}

func TestPeerRegistry_FanOutAllFail(t *testing.T) {
	t.Parallel()

	r := NewPeerRegistry(0)
	_, _ = r.Insert("zmq:a")
	_, _ = r.Insert("zmq:b")

	res := r.FanOut(func(transport.PeerID) error { return errors.New("down") })
	assert.Equal(t, 0, res.Delivered)
	assert.Len(t, res.Evicted, 2)
	assert.Equal(t, 0, r.Len())
}

func TestPeerRegistry_FanOutEmpty(t *testing.T) {
	t.Parallel()

	r := NewPeerRegistry(0)
	called := false
	res := r.FanOut(func(transport.PeerID) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.Equal(t, FanOutResult{}, res)
}

func TestPeerRegistry_Concurrent(t *testing.T) {
	t.Parallel()

	r := NewPeerRegistry(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		id := transport.NewPeerID("zmq", string(rune('A'+i)))
		go func() {
			defer wg.Done()
			_, _ = r.Insert(id)
		}()
		go func() {
			defer wg.Done()
			r.FanOut(func(transport.PeerID) error { return nil })
		}()
		go func() {
			defer wg.Done()
			_ = r.Snapshot()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}

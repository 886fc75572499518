package events

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_DeliversToEverySubscriber(t *testing.T) {
	h := NewHub(4)
	a, unsubA := h.Subscribe()
	b, unsubB := h.Subscribe()
	defer unsubA()
	defer unsubB()
	require.Equal(t, 2, h.Len())

	ev, err := New(TypeState, map[string]string{"status": "idle"})
	require.NoError(t, err)
	require.NoError(t, h.Publish(context.Background(), ev))

	assert.Equal(t, TypeState, (<-a).Type)
	assert.Equal(t, TypeState, (<-b).Type)
}

func TestHub_DropsWhenFull(t *testing.T) {
	h := NewHub(1)
	ch, unsub := h.Subscribe()
	defer unsub()

	ev, _ := New(TypePeers, nil)
	require.NoError(t, h.Publish(context.Background(), ev))
	require.NoError(t, h.Publish(context.Background(), ev))

	assert.Len(t, ch, 1)
	assert.Equal(t, uint64(1), h.Dropped())
}

func TestHub_UnsubscribeClosesOnce(t *testing.T) {
	h := NewHub(1)
	ch, unsub := h.Subscribe()
	unsub()
	unsub()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, h.Len())
}

func TestHub_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	h := NewHub(2)
	ev, _ := New(TypeState, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		_, unsub := h.Subscribe()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = h.Publish(context.Background(), ev)
			}
		}()
		go func() {
			defer wg.Done()
			unsub()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Len())
}

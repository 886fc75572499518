package redis

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestClient_KeyNames(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer rdb.Close()

	c := NewWithClient(rdb, nil, "", 0)
	assert.Equal(t, "litmus:state", c.StateKey())
	assert.Equal(t, "litmus:events", c.Channel())
	assert.Equal(t, "litmus:events:stream", c.Stream())

	c = NewWithClient(rdb, nil, "testnet", 0)
	assert.Equal(t, "testnet:state", c.StateKey())
}

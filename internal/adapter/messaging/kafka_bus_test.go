package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishRejectsUnencodableEvent(t *testing.T) {
	bus := NewKafkaBus([]string{"localhost:9092"}, zap.NewNop(), time.Second, 0)

	// Channels cannot be marshalled; the failure surfaces before any network
	// write is attempted.
	err := bus.Publish(context.Background(), "order.events", "k", make(chan int))
	require.Error(t, err)

	assert.NoError(t, bus.Close())
}

func TestWriterReusedPerTopic(t *testing.T) {
	bus := NewKafkaBus([]string{"localhost:9092"}, zap.NewNop(), time.Second, 0)
	defer bus.Close()

	w1 := bus.writer("order.events")
	w2 := bus.writer("order.events")
	w3 := bus.writer("cart.events")

	assert.Same(t, w1, w2)
	assert.NotSame(t, w1, w3)
	assert.Equal(t, "order.events", w1.Topic)
}

func TestCloseWithoutActivity(t *testing.T) {
	bus := NewKafkaBus([]string{"localhost:9092"}, zap.NewNop(), time.Second, 0)
	assert.NoError(t, bus.Close())
}

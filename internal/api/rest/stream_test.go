package rest

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
)

func TestMonitorStream_SlowClientDropped(t *testing.T) {
	monitor := newTestMonitor(t)
	stream := NewMonitorStream(monitor, slog.New(slog.NewTextHandler(testWriter{t}, nil)))

	fast := &streamClient{id: uuid.New(), send: make(chan []byte, 8), stream: stream}
	slow := &streamClient{id: uuid.New(), send: make(chan []byte, 1), stream: stream}
	stream.clients[fast.id] = fast
	stream.clients[slow.id] = slow

	// The slow client's buffer fills after one push; the second push must
	// disconnect it instead of blocking the fan-out.
	stream.pushSnapshot()
	stream.pushSnapshot()

	assert.Equal(t, 1, stream.ClientCount())
	_, stillThere := stream.clients[fast.id]
	assert.True(t, stillThere)

	var msg StreamMessage
	require.NoError(t, json.Unmarshal(<-fast.send, &msg))
	assert.Equal(t, "dashboard", msg.Type)

	// Closed send channel signals the write pump to shut the connection.
	<-slow.send
	_, open := <-slow.send
	assert.False(t, open)
}

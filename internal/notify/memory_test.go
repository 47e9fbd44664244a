package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := NewMemory()
	id1, err := pub.Publish(context.Background(), "jobs.completed", map[string]string{"id": "a"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)

	id2, err := pub.Publish(context.Background(), "jobs.failed", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "jobs.completed", msgs[0].Topic)
	assert.Equal(t, "jobs.failed", msgs[1].Topic)

	// Messages returns a copy.
	msgs[0].Topic = "modified"
	assert.Equal(t, "jobs.completed", pub.Messages()[0].Topic)
}

func TestNoopPublisher(t *testing.T) {
	t.Parallel()

	id, err := NoopPublisher{}.Publish(context.Background(), "any", nil)
	require.NoError(t, err)
	assert.Empty(t, id)
}

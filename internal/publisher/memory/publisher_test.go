package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "scrape-complete", map[string]string{"task_id": "t1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "scrape-complete", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "memory-1", msgs[0].ID)
	require.Equal(t, "payload", msgs[1].Payload)

	msgs[0].Topic = "modified"
	require.Equal(t, "scrape-complete", pub.Messages()[0].Topic)
}

func TestPublisherRejectsAfterClose(t *testing.T) {
	t.Parallel()

	pub := New()
	require.NoError(t, pub.Close())
	_, err := pub.Publish(context.Background(), "topic", "x")
	require.ErrorIs(t, err, ErrClosed)
	require.Empty(t, pub.Messages())
}

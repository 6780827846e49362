package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "crawl-sessions", map[string]string{"status": "completed"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	<-pub.Published()

	id2, err := pub.Publish(context.Background(), "crawl-audit", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "crawl-sessions", msgs[0].Topic)
	require.Equal(t, "crawl-audit", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "crawl-sessions", pub.Messages()[0].Topic, "Messages must return a copy")
}

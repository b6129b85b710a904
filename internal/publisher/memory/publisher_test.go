package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "pagetest-complete", pagetest.Event{JobID: "a"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "pagetest-complete", pagetest.Event{JobID: "b"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "a", msgs[0].Payload.(pagetest.Event).JobID)

	msgs[0].Topic = "modified"
	require.NotEqual(t, "modified", pub.Messages()[0].Topic, "Messages() should return a copy")
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("boom")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "t", "payload")
	require.ErrorIs(t, err, boom)
	require.Empty(t, pub.Messages())

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "t", "payload")
	require.NoError(t, err)
}

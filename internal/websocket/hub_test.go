package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/songforge/internal/events"
	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/model"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func receive(t *testing.T, c *Client) model.WSUpdateMessage {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		require.True(t, ok, "send channel closed")
		var msg model.WSUpdateMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return model.WSUpdateMessage{}
	}
}

func TestHubForwardsToSubscribers(t *testing.T) {
	hub, _ := startHub(t)
	client := hub.Subscribe("job-1", "owner-1")
	other := hub.Subscribe("job-2", "owner-1")

	hub.Forward(events.Event{Kind: events.KindJob, ID: "job-1", OwnerID: "owner-1", Status: model.JobStatusProcessing, Progress: 45})

	msg := receive(t, client)
	assert.Equal(t, model.WSMessageTypeUpdate, msg.Type)
	assert.Equal(t, "job-1", msg.ID)
	assert.Equal(t, 45, msg.Progress)

	select {
	case <-other.Send:
		t.Fatal("subscriber of another id received the update")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubFiltersForeignOwner(t *testing.T) {
	hub, _ := startHub(t)
	stranger := hub.Subscribe("job-1", "owner-2")
	owner := hub.Subscribe("job-1", "owner-1")

	hub.Forward(events.Event{Kind: events.KindJob, ID: "job-1", OwnerID: "owner-1", Status: model.JobStatusCompleted, Progress: 100})

	assert.Equal(t, model.JobStatusCompleted, receive(t, owner).Status)
	select {
	case <-stranger.Send:
		t.Fatal("foreign owner received the update")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubUnsubscribeAndShutdown(t *testing.T) {
	hub, cancel := startHub(t)
	client := hub.Subscribe("job-1", "")
	require.Eventually(t, func() bool { return hub.Subscribers("job-1") == 1 }, time.Second, 5*time.Millisecond)

	hub.Unsubscribe(client)
	require.Eventually(t, func() bool { return hub.Subscribers("job-1") == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-client.Send
	assert.False(t, ok)

	live := hub.Subscribe("job-2", "")
	cancel()
	select {
	case _, ok := <-live.Send:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("client not closed on shutdown")
	}

	// After shutdown subscribe and unsubscribe must not block.
	late := hub.Subscribe("job-3", "")
	hub.Unsubscribe(late)
}

package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDripEvent(t *testing.T) {
	requested := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	event := NewDripEvent("user-1", "5Grw", "success", true, requested, 1500*time.Millisecond)

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "drips.success", event.Subject())
	assert.Equal(t, time.UTC, event.RequestedAt.Location())
	assert.Equal(t, int64(1500), event.DurationMS)

	other := NewDripEvent("user-1", "5Grw", "success", true, requested, 0)
	assert.NotEqual(t, event.ID, other.ID)
}

func TestDripEvent_JSON(t *testing.T) {
	event := NewDripEvent("user-1", "5Grw", "funding_failed", false, time.Now(), time.Second)
	event.Chains = []ChainResult{
		{Network: "rococo", Address: "5Grw", Success: false, Nonces: []uint64{4}, Error: "pool full"},
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "funding_failed", decoded["status"])
	assert.Equal(t, false, decoded["success"])

	chains := decoded["chains"].([]any)
	require.Len(t, chains, 1)
	assert.Equal(t, "rococo", chains[0].(map[string]any)["network"])
	assert.NotContains(t, chains[0].(map[string]any), "tx_hashes")
}

func TestMockPublisher(t *testing.T) {
	ctx := context.Background()
	mock := NewMockPublisher()

	require.NoError(t, mock.PublishDrip(ctx, NewDripEvent("a", "x", "success", true, time.Now(), 0)))
	require.NoError(t, mock.PublishDrip(ctx, NewDripEvent("b", "y", "rate_limited", false, time.Now(), 0)))
	assert.Equal(t, 2, mock.GetPublishedEventCount())
	assert.Len(t, mock.GetPublishedEventsForRequester("a"), 1)

	mock.SetPublishError(errors.New("nats down"))
	assert.Error(t, mock.PublishDrip(ctx, NewDripEvent("a", "x", "success", true, time.Now(), 0)))
	assert.Equal(t, 2, mock.GetPublishedEventCount())

	require.NoError(t, mock.Close())
	assert.True(t, mock.IsClosed())

	mock.Reset()
	assert.Zero(t, mock.GetPublishedEventCount())
	assert.False(t, mock.IsClosed())
}

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "drips.*", SubjectFor(""))
	assert.Equal(t, "drips.rate_limited", SubjectFor("rate_limited"))
}

func TestMockSubscriber(t *testing.T) {
	sub := NewMockSubscriber()
	ctx, cancel := context.WithCancel(context.Background())

	all, err := sub.Subscribe(ctx, "")
	require.NoError(t, err)
	failed, err := sub.Subscribe(ctx, "funding_failed")
	require.NoError(t, err)

	sub.Emit(NewDripEvent("user-1", "5Grw", "success", true, time.Now(), 0))

	got := <-all
	assert.Equal(t, "success", got.Status)
	select {
	case ev := <-failed:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-all
		return !ok
	}, time.Second, 10*time.Millisecond)

	sub.SetSubscribeError(errors.New("no stream"))
	_, err = sub.Subscribe(context.Background(), "")
	assert.Error(t, err)
}

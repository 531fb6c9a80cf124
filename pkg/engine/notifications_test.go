package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpunion/chorus/pkg/types"
)

func TestNotifications_OrderAndUnread(t *testing.T) {
	n := NewNotifications(testOptions(nil))
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	post := types.Post{ID: "p1", Content: "my lunch"}

	for i, id := range []types.ResponseID{"r1", "r2", "r3"} {
		n.ResponseCompleted(post, types.AIResponse{
			ID:        id,
			PostID:    post.ID,
			Content:   "reply " + string(id),
			Status:    types.StatusCompleted,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Character: &types.AICharacter{ID: "alpha", Name: "Alpha"},
		})
	}
	require.True(t, n.HasUnread())

	all := n.List(false)
	require.Len(t, all, 3)
	assert.Equal(t, types.ResponseID("r3"), all[0].ResponseID)
	assert.Equal(t, types.ResponseID("r1"), all[2].ResponseID)
	assert.Equal(t, "my lunch", all[0].PostContent)
	assert.False(t, all[0].Read)

	n.ClearUnread()
	assert.False(t, n.HasUnread())
	assert.Empty(t, n.List(true))
	assert.Len(t, n.List(false), 3)

	n.ResponseCompleted(post, types.AIResponse{ID: "r4", Timestamp: base.Add(time.Hour)})
	unread := n.List(true)
	require.Len(t, unread, 1)
	assert.Equal(t, types.ResponseID("r4"), unread[0].ResponseID)

	n.Reset()
	assert.False(t, n.HasUnread())
	assert.Empty(t, n.List(false))
}

func TestNotifications_OnePerCompletedResponse(t *testing.T) {
	h := newHarness(t, echoGen())
	post := types.Post{ID: "p1", Content: "beach day"}

	h.engine.GenerateResponses(context.Background(), post, h.chars(t, "alpha", "beta"))
	h.engine.Wait()

	notes := h.engine.Notifications(true)
	require.Len(t, notes, 2)
	for _, n := range notes {
		assert.Equal(t, post.ID, n.PostID)
		assert.Equal(t, "beach day", n.PostContent)
		assert.NotEmpty(t, n.ID)
	}
}

func TestNotifications_ResetOnUserChange(t *testing.T) {
	h := newHarness(t, echoGen())
	h.engine.GenerateResponses(context.Background(), types.Post{ID: "p1"}, h.chars(t, "alpha"))
	h.engine.Wait()
	require.True(t, h.engine.HasUnread())

	h.session.SetUser("user-1")
	assert.True(t, h.engine.HasUnread(), "same user keeps notifications")

	h.session.SetUser("user-2")
	assert.False(t, h.engine.HasUnread())
	assert.Empty(t, h.engine.Notifications(false))
}

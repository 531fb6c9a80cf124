package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpunion/chorus/pkg/store"
	"github.com/cpunion/chorus/pkg/types"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{Generator: echoGen()}, Options{})
	assert.Error(t, err)
	_, err = New(Deps{Storage: newFakeStorage()}, Options{})
	assert.Error(t, err)
}

func TestPublishPost(t *testing.T) {
	h := newHarness(t, echoGen())
	ctx := context.Background()

	post, placeholders, err := h.engine.PublishPost(ctx, types.Post{Content: "  Flying to Lisbon  ", Tag: "Travel"})
	require.NoError(t, err)
	assert.NotEmpty(t, post.ID)
	assert.Equal(t, "user-1", post.UserID)
	assert.Equal(t, "Flying to Lisbon", post.Content)
	assert.Equal(t, []types.CharacterID{"delta", "alpha", "beta", "gamma"}, characterIDs(placeholders))
	h.engine.Wait()

	stored, err := h.engine.Post(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, "Delta says hi", stored.AIResponse)
	assert.Len(t, h.engine.Notifications(false), 4)
}

func TestPublishPost_Unauthorized(t *testing.T) {
	h := newHarness(t, echoGen())
	h.session.SignOut()
	_, _, err := h.engine.PublishPost(context.Background(), types.Post{Content: "hi"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestResponses_LazyLoadFromPostRecord(t *testing.T) {
	h := newHarness(t, echoGen())
	ctx := context.Background()
	post := types.Post{ID: "p9", Content: "quiet morning"}
	require.NoError(t, h.storage.Insert(ctx, store.TablePosts, store.EncodePost(post)))

	assert.Empty(t, h.engine.Responses(ctx, post.ID))
	h.engine.Wait()

	resps := h.engine.Responses(ctx, post.ID)
	assert.Equal(t, []types.CharacterID{"alpha", "beta", "gamma"}, characterIDs(resps))
	for _, r := range resps {
		assert.Equal(t, types.StatusCompleted, r.Status)
	}
}

func TestResponses_UnknownPost(t *testing.T) {
	h := newHarness(t, echoGen())
	assert.Empty(t, h.engine.Responses(context.Background(), "nope"))
	h.engine.Wait()
	assert.Empty(t, h.gen.Calls())
}

func TestThread_DegradesOnBrokenLinks(t *testing.T) {
	h := newHarness(t, echoGen())
	h.engine.replies.mu.Lock()
	h.engine.replies.replies["r1"] = []types.CommentReply{
		{ID: "a", ResponseID: "r1", ReplyToID: "b"},
		{ID: "b", ResponseID: "r1", ReplyToID: "a"},
		{ID: "c", ResponseID: "r1"},
	}
	h.engine.replies.mu.Unlock()

	forest := h.engine.Thread("r1")
	assert.ElementsMatch(t, []types.ReplyID{"a", "b", "c"}, forest.Flatten())
	assert.NotEmpty(t, forest.Errors)
}

func TestResponse_LoadsFromStorage(t *testing.T) {
	h := newHarness(t, echoGen())
	ctx := context.Background()
	post := types.Post{ID: "p1", Content: "hello"}
	require.NoError(t, h.storage.Insert(ctx, store.TablePosts, store.EncodePost(post)))
	ch, _ := h.catalog.Get("beta")
	require.NoError(t, h.storage.Insert(ctx, store.TableResponses, store.EncodeResponse(types.AIResponse{
		ID: "r-old", PostID: "p1", Content: "hey", Status: types.StatusCompleted, Character: ch,
	})))

	resp, err := h.engine.Response(ctx, "r-old")
	require.NoError(t, err)
	assert.Equal(t, "Beta", resp.Character.Name)
	assert.Len(t, h.engine.generations.Responses("p1"), 1)

	_, err = h.engine.Response(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Package engine coordinates AI responses to posts, the reply threads under
// them and the notifications they raise.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cpunion/chorus/pkg/character"
	"github.com/cpunion/chorus/pkg/image"
	"github.com/cpunion/chorus/pkg/llm"
	"github.com/cpunion/chorus/pkg/session"
	"github.com/cpunion/chorus/pkg/store"
	"github.com/cpunion/chorus/pkg/thread"
	"github.com/cpunion/chorus/pkg/types"
)

// Deps are the collaborators injected into the coordinators.
type Deps struct {
	Storage   store.Storage
	Generator llm.Generator
	Images    image.Resolver     // default: image.None
	Catalog   *character.Catalog // default: character.DefaultCatalog()
	Session   *session.Session   // default: signed-out session
}

func (d Deps) withDefaults() Deps {
	if d.Images == nil {
		d.Images = image.None{}
	}
	if d.Catalog == nil {
		d.Catalog = character.DefaultCatalog()
	}
	if d.Session == nil {
		d.Session = session.New("")
	}
	return d
}

// Engine wires Generations, Replies and Notifications together.
type Engine struct {
	storage store.Storage
	catalog *character.Catalog
	session *session.Session
	logger  zerolog.Logger

	generations   *Generations
	replies       *Replies
	notifications *Notifications

	wg sync.WaitGroup
}

// New creates an engine. Storage and Generator are required.
func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Storage == nil {
		return nil, errors.New("engine: storage is required")
	}
	if deps.Generator == nil {
		return nil, errors.New("engine: generator is required")
	}
	deps = deps.withDefaults()
	opts = opts.withDefaults()

	limiter := opts.limiter()
	notes := NewNotifications(opts)
	gens := NewGenerations(deps, notes, limiter, opts)
	e := &Engine{
		storage:       deps.Storage,
		catalog:       deps.Catalog,
		session:       deps.Session,
		logger:        opts.Logger.With().Str("component", "engine").Logger(),
		generations:   gens,
		replies:       NewReplies(deps, gens, limiter, opts),
		notifications: notes,
	}
	deps.Session.OnChange(func(prev, next string) {
		e.logger.Debug().Str("prev", prev).Str("next", next).Msg("acting user changed, clearing notifications")
		notes.Reset()
	})
	return e, nil
}

// Catalog returns the character catalog in use.
func (e *Engine) Catalog() *character.Catalog { return e.catalog }

// Session returns the acting-user session.
func (e *Engine) Session() *session.Session { return e.session }

// PublishPost stores a new post by the acting user and asks the eligible
// characters to respond. It returns the stored post and the placeholders.
func (e *Engine) PublishPost(ctx context.Context, post types.Post) (types.Post, []types.AIResponse, error) {
	userID, ok := e.session.CurrentUser()
	if !ok {
		return types.Post{}, nil, ErrUnauthorized
	}
	post.Content = strings.TrimSpace(post.Content)
	if post.Content == "" && !post.HasImage {
		return types.Post{}, nil, errors.New("post needs content or an image")
	}
	if post.ID == "" {
		post.ID = types.PostID(e.generations.opts.NewID())
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = e.generations.opts.Now()
	}
	post.UserID = userID

	if err := e.storage.Insert(ctx, store.TablePosts, store.EncodePost(post)); err != nil {
		return types.Post{}, nil, asStorageError("insert", store.TablePosts, err)
	}
	placeholders := e.generations.GenerateResponses(ctx, post, e.catalog.Eligible(post))
	return post, placeholders, nil
}

// Post reads a post record.
func (e *Engine) Post(ctx context.Context, postID types.PostID) (types.Post, error) {
	recs, err := e.storage.Select(ctx, store.TablePosts, store.Filter{"id": string(postID)})
	if err != nil {
		return types.Post{}, asStorageError("select", store.TablePosts, err)
	}
	if len(recs) == 0 {
		return types.Post{}, fmt.Errorf("post %s: %w", postID, ErrNotFound)
	}
	return store.DecodePost(recs[len(recs)-1])
}

// Responses returns the current responses of postID. When none are known
// the post is looked up and loaded in the background.
func (e *Engine) Responses(ctx context.Context, postID types.PostID) []types.AIResponse {
	out := e.generations.Responses(postID)
	if len(out) > 0 {
		return out
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		bg := context.WithoutCancel(ctx)
		post, err := e.Post(bg, postID)
		if err != nil {
			e.logger.Warn().Err(err).Str("post_id", string(postID)).Msg("cannot load responses")
			return
		}
		if err := e.generations.EnsureResponsesLoaded(bg, post); err != nil {
			e.logger.Warn().Err(err).Str("post_id", string(postID)).Msg("background response load failed")
		}
	}()
	return out
}

// Response finds a response by id, loading its post's responses from
// storage when it is not in memory.
func (e *Engine) Response(ctx context.Context, responseID types.ResponseID) (types.AIResponse, error) {
	if resp, ok := e.generations.Response(responseID); ok {
		return resp, nil
	}
	recs, err := e.storage.Select(ctx, store.TableResponses, store.Filter{"id": string(responseID)})
	if err != nil {
		return types.AIResponse{}, asStorageError("select", store.TableResponses, err)
	}
	if len(recs) == 0 {
		return types.AIResponse{}, fmt.Errorf("response %s: %w", responseID, ErrNotFound)
	}
	stored, err := store.DecodeResponse(recs[0], e.catalog.Get)
	if err != nil {
		return types.AIResponse{}, err
	}
	post, err := e.Post(ctx, stored.PostID)
	if err != nil {
		return types.AIResponse{}, err
	}
	if err := e.generations.EnsureResponsesLoaded(ctx, post); err != nil {
		return types.AIResponse{}, err
	}
	if resp, ok := e.generations.Response(responseID); ok {
		return resp, nil
	}
	return stored, nil
}

// EnsureResponsesLoaded is Generations.EnsureResponsesLoaded.
func (e *Engine) EnsureResponsesLoaded(ctx context.Context, post types.Post) error {
	return e.generations.EnsureResponsesLoaded(ctx, post)
}

// GenerateResponses is Generations.GenerateResponses.
func (e *Engine) GenerateResponses(ctx context.Context, post types.Post, characters []*types.AICharacter) []types.AIResponse {
	return e.generations.GenerateResponses(ctx, post, characters)
}

// RetryResponse is Generations.RetryResponse.
func (e *Engine) RetryResponse(ctx context.Context, post types.Post, characterID types.CharacterID) []types.AIResponse {
	return e.generations.RetryResponse(ctx, post, characterID)
}

// Replies returns the thread under responseID, loading it lazily.
func (e *Engine) Replies(responseID types.ResponseID) []types.CommentReply {
	return e.replies.Replies(responseID)
}

// AddUserReply is Replies.AddUserReply.
func (e *Engine) AddUserReply(ctx context.Context, responseID types.ResponseID, content string, parent types.AIResponse, replyToID types.ReplyID) (types.CommentReply, error) {
	return e.replies.AddUserReply(ctx, responseID, content, parent, replyToID)
}

// RetryReply resolves the owning response, from storage if needed, and
// retries the failed reply. An unknown response is a no-op.
func (e *Engine) RetryReply(ctx context.Context, responseID types.ResponseID, replyID types.ReplyID) error {
	if _, ok := e.session.CurrentUser(); !ok {
		return ErrUnauthorized
	}
	parent, err := e.Response(ctx, responseID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.replies.RetryReply(ctx, responseID, replyID, parent)
}

// ForceReloadReplies is Replies.ForceReloadReplies.
func (e *Engine) ForceReloadReplies(ctx context.Context, responseID types.ResponseID) error {
	return e.replies.ForceReloadReplies(ctx, responseID)
}

// EnsureRepliesLoaded is Replies.EnsureRepliesLoaded.
func (e *Engine) EnsureRepliesLoaded(ctx context.Context, responseID types.ResponseID) error {
	return e.replies.EnsureRepliesLoaded(ctx, responseID)
}

// IsReplyPending is Replies.IsPending.
func (e *Engine) IsReplyPending(responseID types.ResponseID) bool {
	return e.replies.IsPending(responseID)
}

// Thread builds the reply tree of responseID from the replies in memory.
func (e *Engine) Thread(responseID types.ResponseID) thread.Forest {
	forest := thread.Build(e.replies.Snapshot(responseID))
	for _, derr := range forest.Errors {
		e.logger.Warn().Str("response_id", string(responseID)).Err(derr).Msg("malformed reply thread")
	}
	return forest
}

// Notifications lists notifications, newest first.
func (e *Engine) Notifications(onlyUnread bool) []types.Notification {
	return e.notifications.List(onlyUnread)
}

// HasUnread reports whether any notification is unread.
func (e *Engine) HasUnread() bool { return e.notifications.HasUnread() }

// ClearUnread marks every notification read.
func (e *Engine) ClearUnread() { e.notifications.ClearUnread() }

// Reset drops all notifications.
func (e *Engine) Reset() { e.notifications.Reset() }

// Wait blocks until every background task has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
	e.generations.Wait()
	e.replies.Wait()
}

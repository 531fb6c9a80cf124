package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/cpunion/chorus/pkg/activity"
	"github.com/cpunion/chorus/pkg/character"
	"github.com/cpunion/chorus/pkg/image"
	"github.com/cpunion/chorus/pkg/llm"
	"github.com/cpunion/chorus/pkg/session"
	"github.com/cpunion/chorus/pkg/store"
	"github.com/cpunion/chorus/pkg/types"
)

// ResponseLookup resolves the response a reply thread hangs off.
type ResponseLookup interface {
	Response(id types.ResponseID) (types.AIResponse, bool)
}

// Replies owns the reply threads under responses and the AI side of every
// exchange.
type Replies struct {
	storage   store.Storage
	gen       llm.Generator
	images    image.Resolver
	catalog   *character.Catalog
	session   *session.Session
	responses ResponseLookup
	limiter   *rate.Limiter
	opts      Options
	logger    zerolog.Logger

	mu      sync.Mutex
	replies map[types.ResponseID][]types.CommentReply
	pending map[types.ResponseID]int
	loaded  map[types.ResponseID]bool
	// retired holds failed replies superseded by RetryReply. Reloads skip
	// them even before their tombstone reaches storage.
	retired map[types.ReplyID]struct{}

	loads singleflight.Group
	wg    sync.WaitGroup
}

// NewReplies creates a reply coordinator. Image lookups are wrapped with the
// ImageRetry policy.
func NewReplies(deps Deps, responses ResponseLookup, limiter *rate.Limiter, opts Options) *Replies {
	deps = deps.withDefaults()
	opts = opts.withDefaults()
	if limiter == nil {
		limiter = opts.limiter()
	}
	logger := opts.Logger.With().Str("component", "replies").Logger()
	return &Replies{
		storage:   deps.Storage,
		gen:       deps.Generator,
		images:    image.NewRetrying(deps.Images, opts.ImageRetry, logger),
		catalog:   deps.Catalog,
		session:   deps.Session,
		responses: responses,
		limiter:   limiter,
		opts:      opts,
		logger:    logger,
		replies:   make(map[types.ResponseID][]types.CommentReply),
		pending:   make(map[types.ResponseID]int),
		loaded:    make(map[types.ResponseID]bool),
		retired:   make(map[types.ReplyID]struct{}),
	}
}

// AddUserReply stores a reply by the acting user and asks the character that
// owns parent to answer it in the background. replyToID, when set, must name
// a reply of the same response.
func (r *Replies) AddUserReply(ctx context.Context, responseID types.ResponseID, content string, parent types.AIResponse, replyToID types.ReplyID) (types.CommentReply, error) {
	userID, ok := r.session.CurrentUser()
	if !ok {
		return types.CommentReply{}, ErrUnauthorized
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return types.CommentReply{}, ErrEmptyReply
	}
	if parent.ID == "" {
		parent, _ = r.responses.Response(responseID)
	}

	if replyToID != "" {
		if err := r.EnsureRepliesLoaded(ctx, responseID); err != nil {
			return types.CommentReply{}, err
		}
		if !r.hasReply(responseID, replyToID) {
			return types.CommentReply{}, ErrInvalidReplyTarget
		}
	}

	reply := types.CommentReply{
		ID:          types.ReplyID(r.opts.NewID()),
		ResponseID:  responseID,
		UserID:      userID,
		Content:     content,
		IsUserReply: true,
		Timestamp:   r.opts.Now(),
		Status:      types.StatusCompleted,
		ReplyToID:   replyToID,
	}
	if err := r.storage.Insert(ctx, store.TableReplies, store.EncodeReply(reply)); err != nil {
		r.logger.Error().Err(err).Str("response_id", string(responseID)).Msg("failed to persist user reply")
		return types.CommentReply{}, asStorageError("insert", store.TableReplies, err)
	}

	r.mu.Lock()
	r.replies[responseID] = append(r.replies[responseID], reply)
	r.pending[responseID]++
	r.wg.Add(1)
	r.mu.Unlock()

	go r.answer(context.WithoutCancel(ctx), responseID, reply, parent)
	return reply, nil
}

// RetryReply replaces a failed AI reply with a fresh attempt at answering
// the user reply it was meant for. parent is looked up when its ID is empty.
// It does nothing when the owning response can no longer be resolved.
func (r *Replies) RetryReply(ctx context.Context, responseID types.ResponseID, replyID types.ReplyID, parent types.AIResponse) error {
	if _, ok := r.session.CurrentUser(); !ok {
		return ErrUnauthorized
	}
	if parent.ID == "" {
		var ok bool
		if parent, ok = r.responses.Response(responseID); !ok {
			return nil
		}
	}
	if err := r.EnsureRepliesLoaded(ctx, responseID); err != nil {
		return err
	}

	r.mu.Lock()
	list := r.replies[responseID]
	idx := slices.IndexFunc(list, func(c types.CommentReply) bool { return c.ID == replyID })
	if idx < 0 {
		r.mu.Unlock()
		return nil
	}
	failed := list[idx]
	if failed.IsUserReply || failed.Status != types.StatusFailed {
		r.mu.Unlock()
		return ErrNotRetryable
	}
	uidx := slices.IndexFunc(list, func(c types.CommentReply) bool { return c.ID == failed.ReplyToID })
	if uidx < 0 {
		r.mu.Unlock()
		return nil
	}
	userReply := list[uidx]
	r.replies[responseID] = slices.Delete(slices.Clone(list), idx, idx+1)
	r.retired[replyID] = struct{}{}
	r.pending[responseID]++
	r.wg.Add(1)
	r.mu.Unlock()

	err := r.storage.Update(ctx, store.TableReplies,
		store.Filter{"id": string(replyID)},
		store.Record{"status": string(types.StatusRetried)})
	if err != nil {
		r.persistFailed(responseID, replyID, err)
	}

	go r.answer(context.WithoutCancel(ctx), responseID, userReply, parent)
	return nil
}

// answer produces the AI reply to userReply. The pending count taken by the
// caller is released on every path.
func (r *Replies) answer(ctx context.Context, responseID types.ResponseID, userReply types.CommentReply, parent types.AIResponse) {
	defer r.wg.Done()
	defer r.release(responseID)

	logger := r.logger.With().Str("response_id", string(responseID)).Logger()
	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("reply generation panicked")
		}
	}()

	ch := parent.Character
	if ch == nil {
		logger.Warn().Msg("response has no character, skipping reply")
		return
	}
	if fresh, ok := r.catalog.Get(ch.ID); ok {
		ch = fresh
	}

	reply := types.CommentReply{
		ID:         types.ReplyID(r.opts.NewID()),
		ResponseID: responseID,
		Character:  ch,
		ReplyToID:  userReply.ID,
		Status:     types.StatusCompleted,
	}
	ev := activity.Event{
		Kind:        activity.KindReplyCompleted,
		PostID:      string(parent.PostID),
		ResponseID:  string(responseID),
		CharacterID: string(ch.ID),
	}

	prompt := character.ReplyPrompt(ch, parent.Content, userReply.Content)
	text, usedImage, err := r.generateRecovered(ctx, parent.PostID, prompt)
	ev.UsedImage = usedImage
	if err == nil {
		reply.Content = text
	} else if salvaged, ok := llm.Salvage(err, r.gen); ok && !errors.Is(err, errGenerationPanic) {
		logger.Warn().Err(err).Msg("reply generation failed, using salvaged content")
		reply.Content = salvaged
		reply.Salvaged = true
		ev.Kind = activity.KindReplySalvaged
		ev.Error = err.Error()
	} else {
		logger.Warn().Err(err).Msg("reply generation failed")
		reply.Content = ReplyApology
		reply.Status = types.StatusFailed
		ev.Kind = activity.KindReplyFailed
		ev.Error = err.Error()
	}
	reply.Timestamp = r.opts.Now()
	ev.ReplyID = string(reply.ID)

	if err := r.storage.Insert(ctx, store.TableReplies, store.EncodeReply(reply)); err != nil {
		r.persistFailed(responseID, reply.ID, err)
	}

	r.mu.Lock()
	r.replies[responseID] = append(r.replies[responseID], reply)
	r.mu.Unlock()

	r.opts.record(ev)
}

// generateRecovered runs generate and reports a panic as an error.
func (r *Replies) generateRecovered(ctx context.Context, postID types.PostID, prompt string) (text string, usedImage bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Str("post_id", string(postID)).Msg("reply generation panicked")
			text, usedImage, err = "", false, fmt.Errorf("%w: %v", errGenerationPanic, p)
		}
	}()
	return r.generate(ctx, postID, prompt)
}

// generate tries the post image first and falls back to text only.
func (r *Replies) generate(ctx context.Context, postID types.PostID, prompt string) (string, bool, error) {
	img, err := r.images.Fetch(ctx, postID)
	if err != nil {
		r.logger.Warn().Err(err).Str("post_id", string(postID)).Msg("image lookup failed")
	}
	if img != nil {
		text, err := r.call(ctx, prompt, img)
		if err == nil {
			return text, true, nil
		}
		r.logger.Warn().Err(err).Str("post_id", string(postID)).Msg("image reply failed, retrying with text only")
	}
	text, err := r.call(ctx, prompt, nil)
	return text, false, err
}

func (r *Replies) call(ctx context.Context, prompt string, img *types.Image) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	text, err := r.gen.Generate(ctx, prompt, img)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty reply from generator")
	}
	return text, nil
}

func (r *Replies) release(responseID types.ResponseID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[responseID] <= 1 {
		delete(r.pending, responseID)
		return
	}
	r.pending[responseID]--
}

func (r *Replies) persistFailed(responseID types.ResponseID, replyID types.ReplyID, err error) {
	r.logger.Error().
		Err(err).
		Str("response_id", string(responseID)).
		Str("reply_id", string(replyID)).
		Msg("failed to persist reply")
	r.opts.record(activity.Event{
		Kind:       activity.KindPersistFailed,
		ResponseID: string(responseID),
		ReplyID:    string(replyID),
		Table:      string(store.TableReplies),
		Error:      err.Error(),
	})
}

// EnsureRepliesLoaded loads the thread of responseID once.
func (r *Replies) EnsureRepliesLoaded(ctx context.Context, responseID types.ResponseID) error {
	r.mu.Lock()
	loaded := r.loaded[responseID]
	r.mu.Unlock()
	if loaded {
		return nil
	}
	return r.ForceReloadReplies(ctx, responseID)
}

// ForceReloadReplies reads the thread of responseID from storage. Replies
// only held in memory, such as those whose persistence failed, are kept.
func (r *Replies) ForceReloadReplies(ctx context.Context, responseID types.ResponseID) error {
	_, err, _ := r.loads.Do(string(responseID), func() (any, error) {
		recs, err := r.storage.Select(ctx, store.TableReplies, store.Filter{"response_id": string(responseID)})
		if err != nil {
			r.logger.Error().Err(err).Str("response_id", string(responseID)).Msg("failed to load replies")
			return nil, asStorageError("select", store.TableReplies, err)
		}

		stored := make([]types.CommentReply, 0, len(recs))
		for _, rec := range recs {
			reply, err := store.DecodeReply(rec, r.catalog.Get)
			if err != nil {
				r.logger.Warn().Err(err).Msg("skipping malformed reply record")
				continue
			}
			if reply.Status == types.StatusRetried {
				continue
			}
			stored = append(stored, reply)
		}

		r.mu.Lock()
		stored = slices.DeleteFunc(stored, func(c types.CommentReply) bool {
			_, gone := r.retired[c.ID]
			return gone
		})
		r.replies[responseID] = merge(stored, r.replies[responseID])
		r.loaded[responseID] = true
		r.mu.Unlock()
		return nil, nil
	})
	return err
}

// merge appends the in-memory replies missing from stored and orders the
// result by time, keeping storage order for ties.
func merge(stored, memory []types.CommentReply) []types.CommentReply {
	seen := make(map[types.ReplyID]struct{}, len(stored))
	for _, c := range stored {
		seen[c.ID] = struct{}{}
	}
	out := stored
	for _, c := range memory {
		if _, ok := seen[c.ID]; !ok {
			out = append(out, c)
		}
	}
	slices.SortStableFunc(out, func(a, b types.CommentReply) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

// Replies returns a snapshot of the thread of responseID. An unloaded thread
// is loaded in the background.
func (r *Replies) Replies(responseID types.ResponseID) []types.CommentReply {
	r.mu.Lock()
	out := slices.Clone(r.replies[responseID])
	loaded := r.loaded[responseID]
	if !loaded {
		r.wg.Add(1)
	}
	r.mu.Unlock()

	if !loaded {
		go func() {
			defer r.wg.Done()
			if err := r.EnsureRepliesLoaded(context.Background(), responseID); err != nil {
				r.logger.Warn().Err(err).Str("response_id", string(responseID)).Msg("background reply load failed")
			}
		}()
	}
	return out
}

// Snapshot returns the replies of responseID held in memory. It never loads.
func (r *Replies) Snapshot(responseID types.ResponseID) []types.CommentReply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.replies[responseID])
}

// IsPending reports whether an AI reply is being generated for responseID.
func (r *Replies) IsPending(responseID types.ResponseID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[responseID] > 0
}

// Wait blocks until all background work has finished.
func (r *Replies) Wait() {
	r.wg.Wait()
}

func (r *Replies) hasReply(responseID types.ResponseID, replyID types.ReplyID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.ContainsFunc(r.replies[responseID], func(c types.CommentReply) bool {
		return c.ID == replyID
	})
}

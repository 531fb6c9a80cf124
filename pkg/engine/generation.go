package engine

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/cpunion/chorus/pkg/activity"
	"github.com/cpunion/chorus/pkg/character"
	"github.com/cpunion/chorus/pkg/image"
	"github.com/cpunion/chorus/pkg/llm"
	"github.com/cpunion/chorus/pkg/store"
	"github.com/cpunion/chorus/pkg/types"
)

// Generations owns the responses of every post and makes sure a character
// answers a post at most once.
type Generations struct {
	storage store.Storage
	gen     llm.Generator
	images  image.Resolver
	catalog *character.Catalog
	notes   *Notifications
	limiter *rate.Limiter
	opts    Options
	logger  zerolog.Logger

	mu        sync.Mutex
	responses map[types.PostID][]types.AIResponse
	responded map[types.PostID]map[types.CharacterID]struct{}
	pending   map[types.PostID]map[types.CharacterID]struct{}
	primary   map[types.PostID]bool
	changed   chan struct{} // closed and replaced on every state change

	loads singleflight.Group
	wg    sync.WaitGroup
}

// NewGenerations creates a generation coordinator. A nil limiter means
// no rate limit.
func NewGenerations(deps Deps, notes *Notifications, limiter *rate.Limiter, opts Options) *Generations {
	deps = deps.withDefaults()
	opts = opts.withDefaults()
	if notes == nil {
		notes = NewNotifications(opts)
	}
	if limiter == nil {
		limiter = opts.limiter()
	}
	return &Generations{
		storage:   deps.Storage,
		gen:       deps.Generator,
		images:    deps.Images,
		catalog:   deps.Catalog,
		notes:     notes,
		limiter:   limiter,
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "generations").Logger(),
		responses: make(map[types.PostID][]types.AIResponse),
		responded: make(map[types.PostID]map[types.CharacterID]struct{}),
		pending:   make(map[types.PostID]map[types.CharacterID]struct{}),
		primary:   make(map[types.PostID]bool),
		changed:   make(chan struct{}),
	}
}

// EnsureResponsesLoaded makes sure responses for post are in memory. Known
// posts only wait, bounded by PendingWait, for pending entries. Unknown
// posts are loaded from storage, and when storage has nothing and the post
// carries no primary response, eligible characters are asked to respond.
func (g *Generations) EnsureResponsesLoaded(ctx context.Context, post types.Post) error {
	g.mu.Lock()
	known := len(g.responses[post.ID]) > 0
	g.mu.Unlock()

	if known {
		g.waitPending(ctx, post.ID)
		return nil
	}

	_, err, _ := g.loads.Do(string(post.ID), func() (any, error) {
		return nil, g.loadOrGenerate(ctx, post)
	})
	return err
}

func (g *Generations) loadOrGenerate(ctx context.Context, post types.Post) error {
	recs, err := g.storage.Select(ctx, store.TableResponses, store.Filter{"post_id": string(post.ID)})
	if err != nil {
		g.logger.Error().Err(err).Str("post_id", string(post.ID)).Msg("failed to load responses")
		return asStorageError("select", store.TableResponses, err)
	}

	stored := g.decode(recs)
	if len(stored) > 0 {
		g.adopt(post.ID, stored)
		return nil
	}
	if post.AIResponse != "" {
		return nil
	}
	g.GenerateResponses(ctx, post, g.catalog.Eligible(post))
	return nil
}

// decode keeps the last stored response of each character.
func (g *Generations) decode(recs []store.Record) []types.AIResponse {
	out := make([]types.AIResponse, 0, len(recs))
	index := make(map[types.CharacterID]int)
	for _, rec := range recs {
		resp, err := store.DecodeResponse(rec, g.catalog.Get)
		if err != nil {
			g.logger.Warn().Err(err).Msg("skipping malformed response record")
			continue
		}
		if resp.Status == "" {
			resp.Status = types.StatusCompleted
		}
		if resp.Status != types.StatusCompleted {
			continue
		}
		if i, ok := index[resp.CharacterID()]; ok {
			out[i] = resp
			continue
		}
		index[resp.CharacterID()] = len(out)
		out = append(out, resp)
	}
	return out
}

func (g *Generations) adopt(postID types.PostID, stored []types.AIResponse) {
	g.mu.Lock()
	defer g.mu.Unlock()

	present := make(map[types.CharacterID]struct{})
	for _, r := range g.responses[postID] {
		present[r.CharacterID()] = struct{}{}
	}
	for _, r := range stored {
		if _, ok := present[r.CharacterID()]; ok {
			continue
		}
		present[r.CharacterID()] = struct{}{}
		g.responses[postID] = append(g.responses[postID], r)
		g.respondedSet(postID)[r.CharacterID()] = struct{}{}
	}
	g.notifyLocked()
}

// waitPending blocks until postID has no pending entry, PendingWait elapses
// or ctx is done.
func (g *Generations) waitPending(ctx context.Context, postID types.PostID) {
	timer := time.NewTimer(g.opts.PendingWait)
	defer timer.Stop()
	for {
		g.mu.Lock()
		busy := len(g.pending[postID]) > 0
		changed := g.changed
		g.mu.Unlock()
		if !busy {
			return
		}
		select {
		case <-changed:
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// GenerateResponses targets the characters that have neither responded nor
// are in flight for post. It returns the pending placeholders it created;
// generation continues in the background, one character at a time.
func (g *Generations) GenerateResponses(ctx context.Context, post types.Post, characters []*types.AICharacter) []types.AIResponse {
	g.mu.Lock()
	placeholders := g.scheduleLocked(post.ID, characters)
	g.mu.Unlock()

	g.launch(ctx, post, placeholders)
	return slices.Clone(placeholders)
}

// RetryResponse drops the response of characterID and generates a new one.
// It does nothing while that character is still in flight.
func (g *Generations) RetryResponse(ctx context.Context, post types.Post, characterID types.CharacterID) []types.AIResponse {
	ch, ok := g.catalog.Get(characterID)

	g.mu.Lock()
	if _, busy := g.pending[post.ID][characterID]; busy {
		g.mu.Unlock()
		return nil
	}
	kept := make([]types.AIResponse, 0, len(g.responses[post.ID]))
	for _, r := range g.responses[post.ID] {
		if r.CharacterID() == characterID {
			if !ok && r.Character != nil {
				ch, ok = r.Character.Clone(), true
			}
			continue
		}
		kept = append(kept, r)
	}
	if !ok {
		g.mu.Unlock()
		g.logger.Warn().Str("character_id", string(characterID)).Msg("retry for unknown character")
		return nil
	}
	g.responses[post.ID] = kept
	delete(g.responded[post.ID], characterID)
	placeholders := g.scheduleLocked(post.ID, []*types.AICharacter{ch})
	g.mu.Unlock()

	g.launch(ctx, post, placeholders)
	return slices.Clone(placeholders)
}

// scheduleLocked appends a placeholder for every character not yet
// responded, pending or holding a resolved response. Caller holds g.mu.
func (g *Generations) scheduleLocked(postID types.PostID, characters []*types.AICharacter) []types.AIResponse {
	skip := make(map[types.CharacterID]struct{})
	for id := range g.responded[postID] {
		skip[id] = struct{}{}
	}
	for id := range g.pending[postID] {
		skip[id] = struct{}{}
	}
	for _, r := range g.responses[postID] {
		if r.Status != types.StatusPending {
			skip[r.CharacterID()] = struct{}{}
		}
	}

	var placeholders []types.AIResponse
	for _, ch := range characters {
		if ch == nil || ch.ID == "" {
			continue
		}
		if _, ok := skip[ch.ID]; ok {
			continue
		}
		skip[ch.ID] = struct{}{}
		g.pendingSet(postID)[ch.ID] = struct{}{}

		ph := types.AIResponse{
			ID:        types.ResponseID(g.opts.NewID()),
			PostID:    postID,
			Content:   ThinkingMarker,
			Status:    types.StatusPending,
			Timestamp: g.opts.Now(),
			Character: ch.Clone(),
		}
		g.responses[postID] = append(g.responses[postID], ph)
		placeholders = append(placeholders, ph)
	}
	if len(placeholders) > 0 {
		g.notifyLocked()
	}
	return placeholders
}

func (g *Generations) launch(ctx context.Context, post types.Post, placeholders []types.AIResponse) {
	if len(placeholders) == 0 {
		return
	}
	g.wg.Add(1)
	go g.run(context.WithoutCancel(ctx), post, placeholders)
}

// run resolves placeholders strictly in order, staggering the calls.
func (g *Generations) run(ctx context.Context, post types.Post, placeholders []types.AIResponse) {
	defer g.wg.Done()

	g.logger.Info().
		Str("post_id", string(post.ID)).
		Int("characters", len(placeholders)).
		Msg("generating responses")

	img := g.fetchImage(ctx, post)
	for i, ph := range placeholders {
		if i > 0 {
			_ = sleep(ctx, time.Duration(i)*g.opts.StaggerDelay)
		}
		g.generateOne(ctx, post, img, ph)
	}
}

func (g *Generations) fetchImage(ctx context.Context, post types.Post) *types.Image {
	if !post.HasImage {
		return nil
	}
	img, err := g.images.Fetch(ctx, post.ID)
	if err != nil {
		g.logger.Warn().Err(err).Str("post_id", string(post.ID)).Msg("image unavailable, generating from text")
		return nil
	}
	return img
}

func (g *Generations) generateOne(ctx context.Context, post types.Post, img *types.Image, ph types.AIResponse) {
	resp := g.produce(ctx, post, img, ph)
	g.resolve(post.ID, resp)

	if resp.Status != types.StatusCompleted {
		return
	}
	g.persist(ctx, post, resp)
	g.notes.ResponseCompleted(post, resp)
}

// produce calls the generator. Any failure, including a panic, yields a
// failed response carrying the apology.
func (g *Generations) produce(ctx context.Context, post types.Post, img *types.Image, ph types.AIResponse) (resp types.AIResponse) {
	resp = ph
	resp.Status = types.StatusFailed
	resp.Content = ResponseApology
	logger := g.logger.With().
		Str("post_id", string(post.ID)).
		Str("character_id", string(ph.CharacterID())).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("response generation panicked")
			resp.Status = types.StatusFailed
			resp.Content = ResponseApology
			resp.Timestamp = g.opts.Now()
		}
	}()

	g.opts.record(activity.Event{
		Kind:        activity.KindGenerationStarted,
		PostID:      string(post.ID),
		ResponseID:  string(ph.ID),
		CharacterID: string(ph.CharacterID()),
		UsedImage:   img != nil,
	})

	var (
		text string
		err  error
	)
	if err = g.limiter.Wait(ctx); err == nil {
		text, err = g.gen.Generate(ctx, character.ResponsePrompt(ph.Character, post), img)
	}
	resp.Timestamp = g.opts.Now()
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		logger.Warn().Err(err).Msg("response generation failed")
		g.opts.record(activity.Event{
			Kind:        activity.KindResponseFailed,
			PostID:      string(post.ID),
			ResponseID:  string(ph.ID),
			CharacterID: string(ph.CharacterID()),
			Error:       errString(err),
		})
		return resp
	}

	resp.Status = types.StatusCompleted
	resp.Content = text
	return resp
}

// resolve replaces the placeholder in place and releases the pending flag.
func (g *Generations) resolve(postID types.PostID, resp types.AIResponse) {
	g.mu.Lock()
	defer g.mu.Unlock()

	list := g.responses[postID]
	for i := range list {
		if list[i].ID == resp.ID {
			list[i] = resp
			break
		}
	}
	if resp.Status == types.StatusCompleted {
		g.respondedSet(postID)[resp.CharacterID()] = struct{}{}
	}
	if set := g.pending[postID]; set != nil {
		delete(set, resp.CharacterID())
		if len(set) == 0 {
			delete(g.pending, postID)
		}
	}
	g.notifyLocked()
}

// persist stores a completed response. Failures keep the in-memory copy and
// are reported once.
func (g *Generations) persist(ctx context.Context, post types.Post, resp types.AIResponse) {
	if err := g.storage.Insert(ctx, store.TableResponses, store.EncodeResponse(resp)); err != nil {
		g.persistFailed(store.TableResponses, post.ID, resp.ID, err)
	}

	g.mu.Lock()
	setPrimary := post.AIResponse == "" && !g.primary[post.ID]
	if setPrimary {
		g.primary[post.ID] = true
	}
	g.mu.Unlock()

	if setPrimary {
		err := g.storage.Update(ctx, store.TablePosts,
			store.Filter{"id": string(post.ID)},
			store.Record{"ai_response": resp.Content})
		if err != nil {
			g.persistFailed(store.TablePosts, post.ID, resp.ID, err)
		}
	}

	g.logger.Info().
		Str("post_id", string(post.ID)).
		Str("character_id", string(resp.CharacterID())).
		Msg("response completed")
	g.opts.record(activity.Event{
		Kind:        activity.KindResponseCompleted,
		PostID:      string(post.ID),
		ResponseID:  string(resp.ID),
		CharacterID: string(resp.CharacterID()),
	})
}

func (g *Generations) persistFailed(table store.Table, postID types.PostID, respID types.ResponseID, err error) {
	g.logger.Error().
		Err(err).
		Str("table", string(table)).
		Str("post_id", string(postID)).
		Msg("failed to persist response")
	g.opts.record(activity.Event{
		Kind:       activity.KindPersistFailed,
		PostID:     string(postID),
		ResponseID: string(respID),
		Table:      string(table),
		Error:      err.Error(),
	})
}

// Responses returns a snapshot of the responses of postID in display order.
func (g *Generations) Responses(postID types.PostID) []types.AIResponse {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.responses[postID])
}

// Response looks a response up by id.
func (g *Generations) Response(id types.ResponseID) (types.AIResponse, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, list := range g.responses {
		for _, r := range list {
			if r.ID == id {
				return r, true
			}
		}
	}
	return types.AIResponse{}, false
}

// Responded returns the characters that completed a response to postID.
func (g *Generations) Responded(postID types.PostID) []types.CharacterID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.CharacterID, 0, len(g.responded[postID]))
	for id := range g.responded[postID] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// HasPending reports whether any character is still generating for postID.
func (g *Generations) HasPending(postID types.PostID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending[postID]) > 0
}

// Wait blocks until all background generation has finished.
func (g *Generations) Wait() {
	g.wg.Wait()
}

func (g *Generations) pendingSet(postID types.PostID) map[types.CharacterID]struct{} {
	set := g.pending[postID]
	if set == nil {
		set = make(map[types.CharacterID]struct{})
		g.pending[postID] = set
	}
	return set
}

func (g *Generations) respondedSet(postID types.PostID) map[types.CharacterID]struct{} {
	set := g.responded[postID]
	if set == nil {
		set = make(map[types.CharacterID]struct{})
		g.responded[postID] = set
	}
	return set
}

func (g *Generations) notifyLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

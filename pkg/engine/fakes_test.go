package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cpunion/chorus/pkg/activity"
	"github.com/cpunion/chorus/pkg/character"
	"github.com/cpunion/chorus/pkg/retry"
	"github.com/cpunion/chorus/pkg/session"
	"github.com/cpunion/chorus/pkg/store"
	"github.com/cpunion/chorus/pkg/types"
)

// fakeStorage is an in-memory store with injectable failures.
type fakeStorage struct {
	*store.JSONStore

	mu         sync.Mutex
	failInsert map[store.Table]error
	failSelect error
	selects    int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{JSONStore: store.NewJSONStore(""), failInsert: map[store.Table]error{}}
}

func (f *fakeStorage) Insert(ctx context.Context, table store.Table, rec store.Record) error {
	f.mu.Lock()
	err := f.failInsert[table]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.JSONStore.Insert(ctx, table, rec)
}

func (f *fakeStorage) Select(ctx context.Context, table store.Table, filter store.Filter) ([]store.Record, error) {
	f.mu.Lock()
	f.selects++
	err := f.failSelect
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.JSONStore.Select(ctx, table, filter)
}

func (f *fakeStorage) setInsertError(table store.Table, err error) {
	f.mu.Lock()
	f.failInsert[table] = err
	f.mu.Unlock()
}

func (f *fakeStorage) count(t *testing.T, table store.Table, filter store.Filter) int {
	t.Helper()
	recs, err := f.JSONStore.Select(context.Background(), table, filter)
	require.NoError(t, err)
	return len(recs)
}

type genCall struct {
	prompt   string
	hasImage bool
}

// fakeGenerator answers through fn and records every call.
type fakeGenerator struct {
	mu    sync.Mutex
	calls []genCall
	raw   string
	fn    func(prompt string, img *types.Image) (string, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, img *types.Image) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, genCall{prompt: prompt, hasImage: img != nil})
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return "ok", nil
	}
	return fn(prompt, img)
}

func (f *fakeGenerator) LastRawResponse() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.raw, f.raw != ""
}

func (f *fakeGenerator) setRaw(raw string) {
	f.mu.Lock()
	f.raw = raw
	f.mu.Unlock()
}

func (f *fakeGenerator) Calls() []genCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]genCall(nil), f.calls...)
}

// speaker returns the character name a prompt addresses.
func speaker(prompt string) string {
	for _, name := range []string{"Alpha", "Beta", "Gamma", "Delta", "Fallback"} {
		if strings.Contains(prompt, "You are "+name+",") {
			return name
		}
	}
	return ""
}

// echoGen answers "<name> says hi" for every character.
func echoGen() *fakeGenerator {
	return &fakeGenerator{fn: func(prompt string, _ *types.Image) (string, error) {
		return speaker(prompt) + " says hi", nil
	}}
}

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	img   *types.Image
	err   error
}

func (f *fakeResolver) Fetch(ctx context.Context, postID types.PostID) (*types.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.img, f.err
}

func testCatalog(t *testing.T) *character.Catalog {
	t.Helper()
	mk := func(id, name string, topics ...string) *types.AICharacter {
		return &types.AICharacter{
			ID:              types.CharacterID(id),
			Name:            name,
			Avatar:          "*",
			BackgroundStory: name + " likes posts.",
			ReplyFormat:     "One sentence.",
			Topics:          topics,
		}
	}
	c, err := character.NewCatalog([]*types.AICharacter{
		mk("alpha", "Alpha", types.TopicAll),
		mk("beta", "Beta", types.TopicAll),
		mk("gamma", "Gamma", types.TopicAll),
		mk("delta", "Delta", "Travel"),
		mk("fallback", "Fallback"),
	}, character.Roles{Default: "fallback"})
	require.NoError(t, err)
	return c
}

func testOptions(act activity.Logger) Options {
	nop := zerolog.Nop()
	if act == nil {
		act = activity.Nop{}
	}
	var seq int
	var mu sync.Mutex
	return Options{
		StaggerDelay: -1,
		PendingWait:  100 * time.Millisecond,
		ImageRetry:   retry.Config{Attempts: 3, BaseDelay: time.Millisecond},
		Logger:       &nop,
		Activity:     act,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("id-%03d", seq)
		},
	}
}

type harness struct {
	storage  *fakeStorage
	gen      *fakeGenerator
	images   *fakeResolver
	catalog  *character.Catalog
	session  *session.Session
	activity *activity.Memory
	engine   *Engine
}

func newHarness(t *testing.T, gen *fakeGenerator) *harness {
	t.Helper()
	h := &harness{
		storage:  newFakeStorage(),
		gen:      gen,
		images:   &fakeResolver{},
		catalog:  testCatalog(t),
		session:  session.New("user-1"),
		activity: &activity.Memory{},
	}
	e, err := New(Deps{
		Storage:   h.storage,
		Generator: h.gen,
		Images:    h.images,
		Catalog:   h.catalog,
		Session:   h.session,
	}, testOptions(h.activity))
	require.NoError(t, err)
	h.engine = e
	t.Cleanup(e.Wait)
	return h
}

// reopen builds a second engine over storage sharing the harness
// collaborators, as after a restart.
func (h *harness) reopen(t *testing.T, storage store.Storage) *Engine {
	t.Helper()
	opts := testOptions(h.activity)
	var seq atomic.Int32
	opts.NewID = func() string { return fmt.Sprintf("next-%03d", seq.Add(1)) }
	e, err := New(Deps{
		Storage:   storage,
		Generator: h.gen,
		Images:    h.images,
		Catalog:   h.catalog,
		Session:   h.session,
	}, opts)
	require.NoError(t, err)
	t.Cleanup(e.Wait)
	return e
}

func (h *harness) chars(t *testing.T, ids ...types.CharacterID) []*types.AICharacter {
	t.Helper()
	out := make([]*types.AICharacter, 0, len(ids))
	for _, id := range ids {
		ch, ok := h.catalog.Get(id)
		require.True(t, ok, id)
		out = append(out, ch)
	}
	return out
}

func characterIDs(resps []types.AIResponse) []types.CharacterID {
	out := make([]types.CharacterID, 0, len(resps))
	for _, r := range resps {
		out = append(out, r.CharacterID())
	}
	return out
}

package character

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpunion/chorus/pkg/types"
)

func ids(chars []*types.AICharacter) []types.CharacterID {
	out := make([]types.CharacterID, 0, len(chars))
	for _, c := range chars {
		out = append(out, c.ID)
	}
	return out
}

func TestEligible_FoodImagePost(t *testing.T) {
	c := DefaultCatalog()
	post := types.Post{ID: "p1", Content: "Sunday plans", Tag: "Food", HasImage: true}

	got := ids(c.Eligible(post))
	assert.Equal(t, []types.CharacterID{
		IDImageSpecialist, IDFoodSpecialist, "chef-marco", "nina", "sunny", "ollie",
	}, got)
}

func TestEligible_Deterministic(t *testing.T) {
	c := DefaultCatalog()
	post := types.Post{ID: "p1", Content: "Homemade ramen tonight", Tag: "Cooking", HasImage: true}

	first := c.Eligible(post)
	second := c.Eligible(post)
	assert.Equal(t, ids(first), ids(second))
}

func TestEligible_FoodKeywordWithoutTag(t *testing.T) {
	c := DefaultCatalog()

	got := ids(c.Eligible(types.Post{Content: "Best PIZZA in town", HasImage: true}))
	assert.Equal(t, []types.CharacterID{IDImageSpecialist, IDFoodSpecialist, "sunny", "ollie"}, got)

	got = ids(c.Eligible(types.Post{Content: "Sunset at the pier", HasImage: true}))
	assert.Equal(t, []types.CharacterID{IDImageSpecialist, "sunny", "ollie"}, got)
}

func TestEligible_FoodKeywordNeedsImage(t *testing.T) {
	c := DefaultCatalog()
	got := ids(c.Eligible(types.Post{Content: "pizza again"}))
	assert.NotContains(t, got, IDFoodSpecialist)
	assert.NotContains(t, got, IDImageSpecialist)
}

func TestEligible_TagMatchIsCaseInsensitive(t *testing.T) {
	c := DefaultCatalog()
	got := ids(c.Eligible(types.Post{Content: "Meet my cat", Tag: "pets"}))
	assert.Equal(t, []types.CharacterID{"momo", "sunny", "ollie"}, got)
}

func TestEligible_NoDuplicates(t *testing.T) {
	c := DefaultCatalog()
	got := ids(c.Eligible(types.Post{Content: "post-run smoothie", Tag: "Fitness", HasImage: true}))
	seen := map[types.CharacterID]bool{}
	for _, id := range got {
		require.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
	assert.Equal(t, []types.CharacterID{IDImageSpecialist, "nina", "coach-lee", "sunny", "ollie"}, got)
}

const smallCatalog = `
image_specialist: lens
default: helper
characters:
  - id: lens
    name: Lens
    topics: [image, Food]
  - id: cook
    name: Cook
    topics: [Food]
  - id: helper
    name: Helper
`

func TestEligible_ImageSpecialistSkippedByTagRule(t *testing.T) {
	c, err := ParseCatalog([]byte(smallCatalog))
	require.NoError(t, err)

	got := ids(c.Eligible(types.Post{Content: "soup", Tag: "Food"}))
	assert.Equal(t, []types.CharacterID{"cook"}, got)
}

func TestEligible_FallsBackToDefault(t *testing.T) {
	c, err := ParseCatalog([]byte(smallCatalog))
	require.NoError(t, err)

	got := ids(c.Eligible(types.Post{Content: "hello"}))
	assert.Equal(t, []types.CharacterID{"helper"}, got)
}

func TestParseCatalog_Errors(t *testing.T) {
	_, err := ParseCatalog([]byte("characters: []"))
	assert.Error(t, err)

	_, err = ParseCatalog([]byte(`
default: ghost
characters:
  - id: a
    name: A
`))
	assert.Error(t, err)

	_, err = ParseCatalog([]byte(`
default: a
characters:
  - id: a
  - id: a
`))
	assert.Error(t, err)
}

func TestCatalog_GetReturnsCopy(t *testing.T) {
	c := DefaultCatalog()
	ch, ok := c.Get("sunny")
	require.True(t, ok)
	ch.Topics[0] = "mutated"

	again, _ := c.Get("sunny")
	assert.Equal(t, types.TopicAll, again.Topics[0])
}

func TestPrompts_IncludeCharacterTraits(t *testing.T) {
	ch, _ := DefaultCatalog().Get("kai")
	p := ResponsePrompt(ch, types.Post{Content: "Night train to Vienna", Tag: "Travel", HasImage: true})
	for _, want := range []string{ch.Name, ch.Avatar, ch.BackgroundStory, ch.ReplyFormat, "Night train to Vienna", "Travel", "photo"} {
		assert.True(t, strings.Contains(p, want), "prompt missing %q", want)
	}

	r := ReplyPrompt(ch, "Vienna is lovely", "Any tips?")
	assert.Contains(t, r, "Vienna is lovely")
	assert.Contains(t, r, "Any tips?")
}

func TestWriteCatalog_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "characters.yaml")
	require.NoError(t, WriteCatalog(path, DefaultCatalog()))

	loaded, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, ids(DefaultCatalog().All()), ids(loaded.All()))

	post := types.Post{Tag: "Food", HasImage: true, Content: "pizza night"}
	assert.Equal(t, ids(DefaultCatalog().Eligible(post)), ids(loaded.Eligible(post)))
}

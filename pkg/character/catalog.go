// Package character holds the registry of AI characters and the rule that
// decides which of them react to a post.
package character

import (
	"fmt"
	"strings"

	"github.com/cpunion/chorus/pkg/types"
)

// Well-known character ids in the built-in catalog.
const (
	IDImageSpecialist types.CharacterID = "iris"
	IDFoodSpecialist  types.CharacterID = "basil"
	IDDefault         types.CharacterID = "sage"
)

var defaultCharacters = []*types.AICharacter{
	{
		ID:              IDImageSpecialist,
		Name:            "Iris",
		Avatar:          "📷",
		BackgroundStory: "A street photographer who has spent twenty years noticing light, framing and the small details other people walk past.",
		ReplyFormat:     "Two or three sentences. Mention one concrete visual detail from the photo.",
		Topics:          []string{types.TopicImage},
	},
	{
		ID:              IDFoodSpecialist,
		Name:            "Basil",
		Avatar:          "🍜",
		BackgroundStory: "A food critic who grew up in a family restaurant and can guess a recipe from a single photo.",
		ReplyFormat:     "A short tasting note followed by one question about the dish.",
		Topics:          []string{types.TopicImage},
	},
	{
		ID:              "chef-marco",
		Name:            "Chef Marco",
		Avatar:          "👨‍🍳",
		BackgroundStory: "A retired line cook who now teaches weekend cooking classes and loves swapping kitchen tricks.",
		ReplyFormat:     "Warm and practical. Offer one cooking tip.",
		Topics:          []string{"Food", "Cooking", "Baking"},
	},
	{
		ID:              "nina",
		Name:            "Nina",
		Avatar:          "🥗",
		BackgroundStory: "A sports nutritionist who believes every meal can be both joyful and balanced.",
		ReplyFormat:     "Encouraging, one nutrition insight, no lecturing.",
		Topics:          []string{"Food", "Fitness"},
	},
	{
		ID:              "kai",
		Name:            "Kai",
		Avatar:          "🧭",
		BackgroundStory: "A backpacker who has crossed forty countries on trains and buses and collects stories from strangers.",
		ReplyFormat:     "Curious tone, relate to a travel memory.",
		Topics:          []string{"Travel"},
	},
	{
		ID:              "momo",
		Name:            "Momo",
		Avatar:          "🐾",
		BackgroundStory: "A shelter volunteer with three rescued cats and strong opinions about belly rubs.",
		ReplyFormat:     "Playful, short, at most one emoji.",
		Topics:          []string{"Pets"},
	},
	{
		ID:              "coach-lee",
		Name:            "Coach Lee",
		Avatar:          "🏃",
		BackgroundStory: "A marathon coach who cares more about consistency than personal records.",
		ReplyFormat:     "Motivating, one actionable suggestion.",
		Topics:          []string{"Fitness"},
	},
	{
		ID:              "sunny",
		Name:            "Sunny",
		Avatar:          "🌻",
		BackgroundStory: "The cheerful friend who always shows up first in the comments.",
		ReplyFormat:     "One or two upbeat sentences.",
		Topics:          []string{types.TopicAll},
	},
	{
		ID:              "ollie",
		Name:            "Ollie",
		Avatar:          "🦉",
		BackgroundStory: "A thoughtful librarian who likes to ask the question behind the question.",
		ReplyFormat:     "A brief reflection ending with a gentle question.",
		Topics:          []string{types.TopicAll},
	},
	{
		ID:              IDDefault,
		Name:            "Sage",
		Avatar:          "💬",
		BackgroundStory: "A friendly generalist who keeps every conversation going.",
		ReplyFormat:     "Friendly and concise.",
		Topics:          nil,
	},
}

var foodTags = []string{"food", "cooking", "baking", "restaurant", "recipe"}

var foodKeywords = []string{
	"food", "meal", "breakfast", "lunch", "dinner", "brunch", "snack",
	"recipe", "cook", "bake", "delicious", "tasty", "yummy", "dessert", "cake",
	"pizza", "noodle", "ramen", "sushi", "burger", "salad", "soup", "coffee",
	"restaurant", "cafe",
}

// Catalog is a read-only registry of characters.
type Catalog struct {
	characters      []*types.AICharacter
	byID            map[types.CharacterID]*types.AICharacter
	imageSpecialist types.CharacterID
	foodSpecialist  types.CharacterID
	defaultID       types.CharacterID
}

// Roles names the characters with a special place in the eligibility rule.
type Roles struct {
	ImageSpecialist types.CharacterID
	FoodSpecialist  types.CharacterID
	Default         types.CharacterID
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(defaultCharacters, Roles{
		ImageSpecialist: IDImageSpecialist,
		FoodSpecialist:  IDFoodSpecialist,
		Default:         IDDefault,
	})
	if err != nil {
		panic(err)
	}
	return c
}

// NewCatalog validates and builds a catalog. Characters are cloned.
func NewCatalog(chars []*types.AICharacter, roles Roles) (*Catalog, error) {
	c := &Catalog{
		characters:      make([]*types.AICharacter, 0, len(chars)),
		byID:            make(map[types.CharacterID]*types.AICharacter, len(chars)),
		imageSpecialist: roles.ImageSpecialist,
		foodSpecialist:  roles.FoodSpecialist,
		defaultID:       roles.Default,
	}
	for _, ch := range chars {
		if ch == nil || ch.ID == "" {
			return nil, fmt.Errorf("character without id")
		}
		if _, dup := c.byID[ch.ID]; dup {
			return nil, fmt.Errorf("duplicate character id: %s", ch.ID)
		}
		clone := ch.Clone()
		c.characters = append(c.characters, clone)
		c.byID[clone.ID] = clone
	}
	for _, id := range []types.CharacterID{roles.ImageSpecialist, roles.FoodSpecialist, roles.Default} {
		if id == "" {
			continue
		}
		if _, ok := c.byID[id]; !ok {
			return nil, fmt.Errorf("unknown character id in roles: %s", id)
		}
	}
	if roles.Default == "" {
		return nil, fmt.Errorf("default character is required")
	}
	return c, nil
}

// Get returns a copy of the character with the given id.
func (c *Catalog) Get(id types.CharacterID) (*types.AICharacter, bool) {
	ch, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	return ch.Clone(), true
}

// All returns copies of every character in catalog order.
func (c *Catalog) All() []*types.AICharacter {
	out := make([]*types.AICharacter, 0, len(c.characters))
	for _, ch := range c.characters {
		out = append(out, ch.Clone())
	}
	return out
}

// Eligible returns the characters that should react to post, in a stable
// order. The result is never empty and holds each character at most once.
func (c *Catalog) Eligible(post types.Post) []*types.AICharacter {
	out := make([]*types.AICharacter, 0, 4)
	seen := make(map[types.CharacterID]struct{})
	add := func(ch *types.AICharacter) {
		if ch == nil {
			return
		}
		if _, ok := seen[ch.ID]; ok {
			return
		}
		seen[ch.ID] = struct{}{}
		out = append(out, ch.Clone())
	}

	if post.HasImage {
		add(c.byID[c.imageSpecialist])
		if isFoodTag(post.Tag) || mentionsFood(post.Content) {
			add(c.byID[c.foodSpecialist])
		}
	}

	if tag := strings.TrimSpace(post.Tag); tag != "" {
		for _, ch := range c.characters {
			// Image specialists only join through the image rule.
			if ch.HasTopic(types.TopicImage) {
				continue
			}
			if ch.HasTopic(tag) {
				add(ch)
			}
		}
	}

	for _, ch := range c.characters {
		if ch.HasTopic(types.TopicAll) {
			add(ch)
		}
	}

	if len(out) == 0 {
		add(c.byID[c.defaultID])
	}
	return out
}

func isFoodTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return false
	}
	for _, t := range foodTags {
		if t == tag {
			return true
		}
	}
	return false
}

func mentionsFood(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range foodKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

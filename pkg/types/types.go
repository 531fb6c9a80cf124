// Package types defines core types for the Chorus response engine.
package types

import (
	"strings"
	"time"
)

// PostID identifies a user post.
type PostID string

// ResponseID identifies a character's top-level response to a post.
type ResponseID string

// ReplyID identifies a comment reply inside a response thread.
type ReplyID string

// CharacterID identifies an AI character.
type CharacterID string

// Special topic values understood by the eligibility rule.
const (
	TopicAll   = "all"   // Responds to every post
	TopicImage = "image" // Responds only to posts carrying an image
)

// Status is the lifecycle state of a generated entity.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusRetried marks a failed AI reply that was superseded by a retry.
	// Storage has no delete, so the record is kept and filtered on load.
	StatusRetried Status = "retried"
)

// Post is a user post that characters react to.
type Post struct {
	ID       PostID `json:"id"`
	UserID   string `json:"user_id,omitempty"`
	Content  string `json:"content"`
	Tag      string `json:"tag,omitempty"`
	HasImage bool   `json:"has_image"`

	// AIResponse is the primary response already attached to the post, if any.
	AIResponse string    `json:"ai_response,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AICharacter defines a simulated persona and the topics it reacts to.
type AICharacter struct {
	ID              CharacterID `json:"id" yaml:"id"`
	Name            string      `json:"name" yaml:"name"`
	Avatar          string      `json:"avatar" yaml:"avatar"`
	BackgroundStory string      `json:"background_story" yaml:"background_story"`
	ReplyFormat     string      `json:"reply_format" yaml:"reply_format"`
	Topics          []string    `json:"topics" yaml:"topics"`
}

// HasTopic reports whether the character lists topic. Tags are matched
// case-insensitively.
func (c *AICharacter) HasTopic(topic string) bool {
	if c == nil {
		return false
	}
	for _, t := range c.Topics {
		if strings.EqualFold(t, topic) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the character.
func (c *AICharacter) Clone() *AICharacter {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Topics = append([]string(nil), c.Topics...)
	return &clone
}

// AIResponse is one character's reaction to a post.
type AIResponse struct {
	ID        ResponseID   `json:"id"`
	PostID    PostID       `json:"post_id"`
	Content   string       `json:"content"`
	Status    Status       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Character *AICharacter `json:"character,omitempty"`
}

// CharacterID returns the id of the owning character, or "" when absent.
func (r AIResponse) CharacterID() CharacterID {
	if r.Character == nil {
		return ""
	}
	return r.Character.ID
}

// CommentReply is a threaded comment under a response, written by the user
// or by the character that owns the response.
type CommentReply struct {
	ID          ReplyID      `json:"id"`
	ResponseID  ResponseID   `json:"response_id"`
	UserID      string       `json:"user_id,omitempty"`
	Content     string       `json:"content"`
	IsUserReply bool         `json:"is_user_reply"`
	Timestamp   time.Time    `json:"timestamp"`
	Status      Status       `json:"status"`
	Character   *AICharacter `json:"character,omitempty"` // nil iff IsUserReply
	ReplyToID   ReplyID      `json:"reply_to_id,omitempty"`

	// Salvaged is set when the content was recovered from a failed call.
	Salvaged bool `json:"salvaged,omitempty"`
}

// Notification tells the user a character has responded to one of their posts.
type Notification struct {
	ID          string       `json:"id"`
	PostID      PostID       `json:"post_id"`
	PostContent string       `json:"post_content"`
	ResponseID  ResponseID   `json:"response_id"`
	Character   *AICharacter `json:"character,omitempty"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	Read        bool         `json:"read"`
}

// Image is raw image data attached to a post.
type Image struct {
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type"`
}

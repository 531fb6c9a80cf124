package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cpunion/chorus/pkg/types"
)

// CharacterLookup resolves a stored character id.
type CharacterLookup func(id types.CharacterID) (*types.AICharacter, bool)

// EncodePost converts a post to a record.
func EncodePost(p types.Post) Record {
	return Record{
		"id":          string(p.ID),
		"user_id":     p.UserID,
		"content":     p.Content,
		"tag":         p.Tag,
		"has_image":   p.HasImage,
		"ai_response": p.AIResponse,
		"created_at":  formatTime(p.CreatedAt),
	}
}

// DecodePost converts a record back to a post.
func DecodePost(rec Record) (types.Post, error) {
	id := str(rec, "id")
	if id == "" {
		return types.Post{}, fmt.Errorf("post record without id")
	}
	return types.Post{
		ID:         types.PostID(id),
		UserID:     str(rec, "user_id"),
		Content:    str(rec, "content"),
		Tag:        str(rec, "tag"),
		HasImage:   boolean(rec, "has_image"),
		AIResponse: str(rec, "ai_response"),
		CreatedAt:  parseTime(str(rec, "created_at")),
	}, nil
}

// EncodeResponse converts a response to a record.
func EncodeResponse(r types.AIResponse) Record {
	return Record{
		"id":           string(r.ID),
		"post_id":      string(r.PostID),
		"content":      r.Content,
		"status":       string(r.Status),
		"timestamp":    formatTime(r.Timestamp),
		"character_id": string(r.CharacterID()),
	}
}

// DecodeResponse converts a record back to a response.
func DecodeResponse(rec Record, lookup CharacterLookup) (types.AIResponse, error) {
	id := str(rec, "id")
	if id == "" {
		return types.AIResponse{}, fmt.Errorf("response record without id")
	}
	return types.AIResponse{
		ID:        types.ResponseID(id),
		PostID:    types.PostID(str(rec, "post_id")),
		Content:   str(rec, "content"),
		Status:    types.Status(str(rec, "status")),
		Timestamp: parseTime(str(rec, "timestamp")),
		Character: resolveCharacter(str(rec, "character_id"), lookup),
	}, nil
}

// EncodeReply converts a reply to a record.
func EncodeReply(r types.CommentReply) Record {
	charID := ""
	if r.Character != nil {
		charID = string(r.Character.ID)
	}
	return Record{
		"id":            string(r.ID),
		"response_id":   string(r.ResponseID),
		"user_id":       r.UserID,
		"content":       r.Content,
		"is_user_reply": r.IsUserReply,
		"timestamp":     formatTime(r.Timestamp),
		"status":        string(r.Status),
		"character_id":  charID,
		"reply_to_id":   string(r.ReplyToID),
		"salvaged":      r.Salvaged,
	}
}

// DecodeReply converts a record back to a reply.
func DecodeReply(rec Record, lookup CharacterLookup) (types.CommentReply, error) {
	id := str(rec, "id")
	if id == "" {
		return types.CommentReply{}, fmt.Errorf("reply record without id")
	}
	r := types.CommentReply{
		ID:          types.ReplyID(id),
		ResponseID:  types.ResponseID(str(rec, "response_id")),
		UserID:      str(rec, "user_id"),
		Content:     str(rec, "content"),
		IsUserReply: boolean(rec, "is_user_reply"),
		Timestamp:   parseTime(str(rec, "timestamp")),
		Status:      types.Status(str(rec, "status")),
		ReplyToID:   types.ReplyID(str(rec, "reply_to_id")),
		Salvaged:    boolean(rec, "salvaged"),
	}
	if !r.IsUserReply {
		r.Character = resolveCharacter(str(rec, "character_id"), lookup)
	}
	return r, nil
}

func resolveCharacter(id string, lookup CharacterLookup) *types.AICharacter {
	if id == "" {
		return nil
	}
	if lookup != nil {
		if ch, ok := lookup(types.CharacterID(id)); ok {
			return ch
		}
	}
	// Keep the identity even when the catalog no longer knows it.
	return &types.AICharacter{ID: types.CharacterID(id), Name: id}
}

func str(rec Record, key string) string {
	switch v := rec[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func boolean(rec Record, key string) bool {
	switch v := rec[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	default:
		return false
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

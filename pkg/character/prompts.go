package character

import (
	"fmt"
	"strings"

	"github.com/cpunion/chorus/pkg/types"
)

// ResponsePrompt builds the prompt asking ch to react to post.
func ResponsePrompt(ch *types.AICharacter, post types.Post) string {
	var sb strings.Builder

	sb.WriteString(identityPrompt(ch))

	sb.WriteString("\n\n## The post\n")
	if post.Tag != "" {
		sb.WriteString(fmt.Sprintf("Tag: %s\n", post.Tag))
	}
	content := strings.TrimSpace(post.Content)
	if content == "" {
		content = "(no text)"
	}
	sb.WriteString(fmt.Sprintf("Content: %s\n", content))
	if post.HasImage {
		sb.WriteString("The post includes a photo. If it is attached, react to what you see in it.\n")
	}

	sb.WriteString("\n## Task\n")
	sb.WriteString("Write your comment on this post, staying in character. ")
	sb.WriteString("Reply with the comment text only.\n")

	return sb.String()
}

// ReplyPrompt builds the prompt asking ch to answer a user who replied to
// one of its responses.
func ReplyPrompt(ch *types.AICharacter, responseContent, userReply string) string {
	var sb strings.Builder

	sb.WriteString(identityPrompt(ch))

	sb.WriteString("\n\n## Conversation\n")
	sb.WriteString(fmt.Sprintf("Your earlier comment: %s\n", strings.TrimSpace(responseContent)))
	sb.WriteString(fmt.Sprintf("The user replied: %s\n", strings.TrimSpace(userReply)))

	sb.WriteString("\n## Task\n")
	sb.WriteString("Answer the user's reply in one short message, staying in character. ")
	sb.WriteString("Reply with the message text only.\n")

	return sb.String()
}

func identityPrompt(ch *types.AICharacter) string {
	return fmt.Sprintf(`# %s %s

You are %s, a member of a friendly social feed.

## Background
%s

## Reply format
%s`,
		ch.Avatar,
		ch.Name,
		ch.Name,
		strings.TrimSpace(ch.BackgroundStory),
		strings.TrimSpace(ch.ReplyFormat),
	)
}

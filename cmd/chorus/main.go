// Command chorus publishes posts, collects character responses and runs
// reply threads from the terminal.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cpunion/chorus/pkg/activity"
	"github.com/cpunion/chorus/pkg/character"
	"github.com/cpunion/chorus/pkg/config"
	"github.com/cpunion/chorus/pkg/store"
	"github.com/cpunion/chorus/pkg/types"
)

var (
	cfgFile string
	userID  string
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "chorus",
		Short: "AI characters that respond to your posts",
		Long: `Chorus picks the characters that should react to a post, collects
their responses once per character and keeps threaded conversations
going under every response.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./chorus.toml or $HOME/.chorus.toml)")
	rootCmd.PersistentFlags().StringVar(&userID, "user", envOr("CHORUS_USER", "local"), "acting user id")

	rootCmd.AddCommand(
		initCmd(),
		postCmd(),
		retryCmd(),
		replyCmd(),
		retryReplyCmd(),
		threadCmd(),
		notificationsCmd(),
		charactersCmd(),
		activityCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// withApp builds the app for one command run and waits for background work
// before closing it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfgFile, userID)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.engine.Wait()
	return fn(ctx, a)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write a sample config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "chorus.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.InitConfig(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}

func postCmd() *cobra.Command {
	var (
		tag       string
		imagePath string
	)
	cmd := &cobra.Command{
		Use:   "post <content>",
		Short: "Publish a post and print the character responses",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				post := types.Post{
					ID:      types.PostID(uuid.NewString()),
					Content: strings.Join(args, " "),
					Tag:     tag,
				}
				if imagePath != "" {
					if err := a.attachImage(post.ID, imagePath); err != nil {
						return err
					}
					post.HasImage = true
				}

				post, placeholders, err := a.engine.PublishPost(ctx, post)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "post %s: %d characters responding\n", post.ID, len(placeholders))
				a.engine.Wait()
				printResponses(out, a.engine.Responses(ctx, post.ID))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "post tag, e.g. Food or Travel")
	cmd.Flags().StringVar(&imagePath, "image", "", "image file to attach")
	return cmd
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <post-id> <character-id>",
		Short: "Regenerate one character's response to a post",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				post, err := a.engine.Post(ctx, types.PostID(args[0]))
				if err != nil {
					return err
				}
				if err := a.engine.EnsureResponsesLoaded(ctx, post); err != nil {
					return err
				}
				if len(a.engine.RetryResponse(ctx, post, types.CharacterID(args[1]))) == 0 {
					return fmt.Errorf("nothing to retry for %s", args[1])
				}
				a.engine.Wait()
				printResponses(cmd.OutOrStdout(), a.engine.Responses(ctx, post.ID))
				return nil
			})
		},
	}
}

func replyCmd() *cobra.Command {
	var replyTo string
	cmd := &cobra.Command{
		Use:   "reply <response-id> <content>",
		Short: "Reply to a response and print the thread",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				responseID := types.ResponseID(args[0])
				parent, err := a.engine.Response(ctx, responseID)
				if err != nil {
					return err
				}
				if err := a.engine.EnsureRepliesLoaded(ctx, responseID); err != nil {
					return err
				}
				content := strings.Join(args[1:], " ")
				if _, err := a.engine.AddUserReply(ctx, responseID, content, parent, types.ReplyID(replyTo)); err != nil {
					return err
				}
				a.engine.Wait()
				printThread(cmd.OutOrStdout(), a, parent)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&replyTo, "to", "", "reply id to nest under")
	return cmd
}

func retryReplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-reply <response-id> <reply-id>",
		Short: "Retry a failed character reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				responseID := types.ResponseID(args[0])
				parent, err := a.engine.Response(ctx, responseID)
				if err != nil {
					return err
				}
				if err := a.engine.RetryReply(ctx, responseID, types.ReplyID(args[1])); err != nil {
					return err
				}
				a.engine.Wait()
				printThread(cmd.OutOrStdout(), a, parent)
				return nil
			})
		},
	}
}

func threadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "thread <response-id>",
		Short: "Print the reply thread under a response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				responseID := types.ResponseID(args[0])
				parent, err := a.engine.Response(ctx, responseID)
				if err != nil {
					return err
				}
				if err := a.engine.ForceReloadReplies(ctx, responseID); err != nil {
					return err
				}
				printThread(cmd.OutOrStdout(), a, parent)
				return nil
			})
		},
	}
}

func notificationsCmd() *cobra.Command {
	var onlyUnread, markRead bool
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Catch up on your posts and list the responses that arrived",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				recs, err := a.storage.Select(ctx, store.TablePosts, store.Filter{"user_id": userID})
				if err != nil {
					return err
				}
				for _, rec := range recs {
					post, err := store.DecodePost(rec)
					if err != nil {
						continue
					}
					if err := a.engine.EnsureResponsesLoaded(ctx, post); err != nil {
						return err
					}
				}
				a.engine.Wait()

				out := cmd.OutOrStdout()
				notes := a.engine.Notifications(onlyUnread)
				if len(notes) == 0 {
					fmt.Fprintln(out, "no new responses")
				}
				for _, n := range notes {
					name := ""
					if n.Character != nil {
						name = n.Character.Name
					}
					fmt.Fprintf(out, "%s  %s on %q: %s\n", n.Timestamp.Format("Jan 2 15:04"), name, truncate(n.PostContent, 40), n.Content)
				}
				if markRead {
					a.engine.ClearUnread()
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&onlyUnread, "unread", false, "only unread notifications")
	cmd.Flags().BoolVar(&markRead, "clear", false, "mark listed notifications read")
	return cmd
}

func charactersCmd() *cobra.Command {
	var (
		tag      string
		content  string
		hasImage bool
		export   string
	)
	cmd := &cobra.Command{
		Use:   "characters",
		Short: "List characters, or those eligible for a post with --tag/--content/--image",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				catalog := a.engine.Catalog()
				if export != "" {
					return character.WriteCatalog(export, catalog)
				}
				chars := catalog.All()
				if tag != "" || content != "" || hasImage {
					chars = catalog.Eligible(types.Post{Tag: tag, Content: content, HasImage: hasImage})
				}
				out := cmd.OutOrStdout()
				for _, ch := range chars {
					fmt.Fprintf(out, "%s %-12s %-10s %s\n", ch.Avatar, ch.ID, ch.Name, strings.Join(ch.Topics, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "post tag")
	cmd.Flags().StringVar(&content, "content", "", "post text")
	cmd.Flags().BoolVar(&hasImage, "image", false, "post carries an image")
	cmd.Flags().StringVar(&export, "export", "", "write the catalog as YAML to this path")
	return cmd
}

func activityCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show recent engine events from a segmented activity log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cfg.Log.Activity == "" || strings.HasSuffix(cfg.Log.Activity, ".jsonl") {
				return fmt.Errorf("log.activity must name a segment directory")
			}
			events, err := activity.ReadRecent(cfg.Log.Activity, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ev := range events {
				fmt.Fprintf(out, "%s  %-20s post=%s response=%s reply=%s character=%s %s\n",
					ev.Timestamp.Format(time.RFC3339), ev.Kind, ev.PostID, ev.ResponseID, ev.ReplyID, ev.CharacterID, ev.Error)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events, 0 for all")
	return cmd
}

// attachImage copies src into the image directory under the post id.
func (a *app) attachImage(postID types.PostID, src string) error {
	if a.imageDir == "" {
		return fmt.Errorf("images.dir is not configured")
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	if err := os.MkdirAll(a.imageDir, 0755); err != nil {
		return err
	}
	ext := strings.ToLower(filepath.Ext(src))
	if ext == "" {
		ext = ".jpg"
	}
	return os.WriteFile(filepath.Join(a.imageDir, string(postID)+ext), data, 0644)
}

func printResponses(out io.Writer, resps []types.AIResponse) {
	for _, r := range resps {
		name := ""
		if r.Character != nil {
			name = r.Character.Avatar + " " + r.Character.Name
		}
		fmt.Fprintf(out, "\n[%s] %s (%s)\n%s\n", r.ID, name, r.Status, r.Content)
	}
}

func printThread(out io.Writer, a *app, parent types.AIResponse) {
	printResponses(out, []types.AIResponse{parent})

	byID := make(map[types.ReplyID]types.CommentReply)
	for _, r := range a.engine.Replies(parent.ID) {
		byID[r.ID] = r
	}
	forest := a.engine.Thread(parent.ID)
	for _, id := range forest.Flatten() {
		r := byID[id]
		who := "you"
		if !r.IsUserReply && r.Character != nil {
			who = r.Character.Name
		}
		marker := ""
		switch {
		case r.Status == types.StatusFailed:
			marker = " (failed, retry with: chorus retry-reply " + string(parent.ID) + " " + string(r.ID) + ")"
		case r.Salvaged:
			marker = " (recovered)"
		}
		fmt.Fprintf(out, "%s- %s: %s%s\n", strings.Repeat("  ", forest.DepthOf[id]+1), who, r.Content, marker)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

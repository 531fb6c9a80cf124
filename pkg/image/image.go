// Package image resolves the picture attached to a post.
package image

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/h2non/filetype"
	"github.com/rs/zerolog"

	"github.com/cpunion/chorus/pkg/retry"
	"github.com/cpunion/chorus/pkg/types"
)

// ErrNotFound is returned when a post has no resolvable image.
var ErrNotFound = errors.New("image not found")

// Resolver looks up the image attached to a post. A nil image with a nil
// error means the post has no image.
type Resolver interface {
	Fetch(ctx context.Context, postID types.PostID) (*types.Image, error)
}

var extensions = []string{".jpg", ".jpeg", ".png", ".webp", ".gif"}

// DirResolver reads images named <postID>.<ext> from a directory.
type DirResolver struct {
	dir string
}

// NewDirResolver creates a resolver rooted at dir.
func NewDirResolver(dir string) *DirResolver {
	return &DirResolver{dir: dir}
}

// Fetch returns the first matching file. Files that are not images are
// treated as missing.
func (r *DirResolver) Fetch(ctx context.Context, postID types.PostID) (*types.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if postID == "" || filepath.Base(string(postID)) != string(postID) {
		return nil, fmt.Errorf("invalid post id %q", postID)
	}

	for _, ext := range extensions {
		path := filepath.Join(r.dir, string(postID)+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		kind, err := filetype.Match(data)
		if err != nil || !filetype.IsImage(data) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return &types.Image{Data: data, MIMEType: kind.MIME.Value}, nil
	}
	return nil, nil
}

// Retrying retries transient lookup failures. A missing image is not retried.
type Retrying struct {
	next   Resolver
	cfg    retry.Config
	logger zerolog.Logger
}

// NewRetrying wraps next with the given retry policy.
func NewRetrying(next Resolver, cfg retry.Config, logger zerolog.Logger) *Retrying {
	return &Retrying{next: next, cfg: cfg, logger: logger}
}

// Fetch calls the wrapped resolver until it answers or attempts run out.
func (r *Retrying) Fetch(ctx context.Context, postID types.PostID) (*types.Image, error) {
	var img *types.Image
	res := retry.Do(ctx, r.cfg, r.logger.With().Str("post_id", string(postID)).Logger(), func(int) error {
		got, err := r.next.Fetch(ctx, postID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		img = got
		return nil
	})
	if res.LastError != nil {
		return nil, fmt.Errorf("fetch image for %s after %d attempts: %w", postID, res.Attempts, res.LastError)
	}
	return img, nil
}

// None resolves nothing.
type None struct{}

// Fetch always reports no image.
func (None) Fetch(context.Context, types.PostID) (*types.Image, error) { return nil, nil }

package engine

import (
	"slices"
	"sync"
	"time"

	"github.com/cpunion/chorus/pkg/types"
)

// Notifications records one notification per completed response.
type Notifications struct {
	mu     sync.Mutex
	items  []types.Notification
	unread bool

	now   func() time.Time
	newID func() string
}

// NewNotifications creates an empty tracker.
func NewNotifications(opts Options) *Notifications {
	opts = opts.withDefaults()
	return &Notifications{now: opts.Now, newID: opts.NewID}
}

// ResponseCompleted records that resp answered post.
func (n *Notifications) ResponseCompleted(post types.Post, resp types.AIResponse) {
	ts := resp.Timestamp
	if ts.IsZero() {
		ts = n.now()
	}
	item := types.Notification{
		ID:          n.newID(),
		PostID:      post.ID,
		PostContent: post.Content,
		ResponseID:  resp.ID,
		Character:   resp.Character.Clone(),
		Content:     resp.Content,
		Timestamp:   ts,
	}

	n.mu.Lock()
	n.items = append(n.items, item)
	n.unread = true
	n.mu.Unlock()
}

// List returns notifications, newest first.
func (n *Notifications) List(onlyUnread bool) []types.Notification {
	n.mu.Lock()
	out := make([]types.Notification, 0, len(n.items))
	for _, item := range n.items {
		if onlyUnread && item.Read {
			continue
		}
		out = append(out, item)
	}
	n.mu.Unlock()

	slices.SortStableFunc(out, func(a, b types.Notification) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return out
}

// ClearUnread marks everything read.
func (n *Notifications) ClearUnread() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.items {
		n.items[i].Read = true
	}
	n.unread = false
}

// Reset drops all notifications. Called when the acting user changes.
func (n *Notifications) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = nil
	n.unread = false
}

// HasUnread reports whether any notification is unread.
func (n *Notifications) HasUnread() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.unread
}

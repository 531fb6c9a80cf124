package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionChange(t *testing.T) {
	s := New("")
	_, ok := s.CurrentUser()
	assert.False(t, ok)

	var seen [][2]string
	s.OnChange(func(prev, next string) {
		seen = append(seen, [2]string{prev, next})
	})

	s.SetUser("alice")
	s.SetUser("alice")
	s.SetUser("bob")
	s.SignOut()

	assert.Equal(t, [][2]string{{"", "alice"}, {"alice", "bob"}, {"bob", ""}}, seen)
	_, ok = s.CurrentUser()
	assert.False(t, ok)
}

func TestListenerMayReadSession(t *testing.T) {
	s := New("alice")
	var current string
	s.OnChange(func(_, _ string) {
		current, _ = s.CurrentUser()
	})
	s.SetUser("bob")
	assert.Equal(t, "bob", current)
}

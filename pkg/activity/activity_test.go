package activity

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "activity.jsonl")
	l, err := NewJSONLLogger(path)
	require.NoError(t, err)

	require.NoError(t, l.Log(Event{Kind: KindResponseCompleted, PostID: "p1", CharacterID: "sage"}))
	require.NoError(t, l.Log(Event{Kind: KindPersistFailed, Table: "ai_responses", Error: "disk full"}))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var got []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, KindResponseCompleted, got[0].Kind)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Equal(t, "disk full", got[1].Error)
}

func TestMemoryCount(t *testing.T) {
	var m Memory
	_ = m.Log(Event{Kind: KindReplyFailed})
	_ = m.Log(Event{Kind: KindReplyFailed})
	_ = m.Log(Event{Kind: KindReplySalvaged})
	assert.Equal(t, 2, m.Count(KindReplyFailed))
	assert.Len(t, m.Events(), 3)
}

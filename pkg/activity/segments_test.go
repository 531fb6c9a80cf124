package activity

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentedLogger_Rotates(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenSegmented(dir, 2)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Log(Event{Kind: KindReplyCompleted, ReplyID: fmt.Sprintf("c%d", i)}))
	}
	require.NoError(t, l.Close())

	m, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, m.Total)
	require.Len(t, m.Segments, 3)
	assert.Equal(t, []int{2, 2, 1}, []int{m.Segments[0].Events, m.Segments[1].Events, m.Segments[2].Events})

	recent, err := ReadRecent(dir, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "c2", recent[0].ReplyID)
	assert.Equal(t, "c4", recent[2].ReplyID)
}

func TestSegmentedLogger_ResumesAndRebuilds(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenSegmented(dir, 3)
	require.NoError(t, err)
	require.NoError(t, l.Log(Event{Kind: KindResponseCompleted}))
	require.NoError(t, l.Close())

	// Resume the same segment.
	l, err = OpenSegmented(dir, 3)
	require.NoError(t, err)
	require.NoError(t, l.Log(Event{Kind: KindResponseFailed}))
	require.NoError(t, l.Close())

	m, err := LoadManifest(dir)
	require.NoError(t, err)
	require.Len(t, m.Segments, 1)
	assert.Equal(t, 2, m.Segments[0].Events)

	// Losing the manifest rebuilds it from the segments.
	require.NoError(t, os.Remove(filepath.Join(dir, manifestFile)))
	l, err = OpenSegmented(dir, 3)
	require.NoError(t, err)
	require.NoError(t, l.Log(Event{Kind: KindReplyFailed}))
	require.NoError(t, l.Close())

	all, err := ReadRecent(dir, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, KindReplyFailed, all[2].Kind)

	assert.Error(t, l.Log(Event{Kind: KindReplyFailed}))
}

func TestSegmentSeq(t *testing.T) {
	assert.Equal(t, 12, segmentSeq("activity-000012.jsonl"))
	assert.Equal(t, 0, segmentSeq("manifest.json"))
	assert.Equal(t, 0, segmentSeq("activity-x.jsonl"))
}

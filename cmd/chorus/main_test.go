package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chorus.toml")
	content := `
[llm]
provider = "mock"

[generation]
stagger = "0s"
pending_wait = "50ms"

[store]
driver = "json"
path = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[log]
level = "disabled"
activity = "` + filepath.ToSlash(filepath.Join(dir, "activity")) + `"
segment_size = 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func run(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestCharactersCommand(t *testing.T) {
	cfgFile = writeConfig(t)
	userID = "tester"

	all := run(t, charactersCmd())
	assert.Contains(t, all, "iris")
	assert.Contains(t, all, "sage")

	eligible := run(t, charactersCmd(), "--tag", "Food", "--image")
	assert.Contains(t, eligible, "iris")
	assert.Contains(t, eligible, "basil")
	assert.Contains(t, eligible, "chef-marco")
	assert.NotContains(t, eligible, "kai")
}

func TestPostCommand(t *testing.T) {
	cfgFile = writeConfig(t)
	userID = "tester"

	out := run(t, postCmd(), "Sunny", "afternoon", "in", "the", "park")
	assert.Contains(t, out, "characters responding")
	assert.Contains(t, out, "Sunny")

	events := run(t, activityCmd(), "--limit", "0")
	assert.Contains(t, events, "generation_started")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
}

package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leaktk/nps/pkg/config"
	"github.com/leaktk/nps/pkg/response"
	"github.com/leaktk/nps/pkg/supervisor"
)

func TestRootCommand(t *testing.T) {
	root := rootCommand()

	for _, name := range []string{"run", "worker", "enqueue", "reap", "findings", "version"} {
		t.Run(name, func(t *testing.T) {
			cmd, _, err := root.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, cmd.Name())
		})
	}

	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestCollectArchives(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"a-1.0.0.tgz", "nested/b-2.0.0.tgz", "nested/readme.md"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0600))
	}

	t.Run("Directory", func(t *testing.T) {
		archives, err := collectArchives([]string{dir})
		require.NoError(t, err)
		assert.Equal(t, []string{
			filepath.Join(dir, "a-1.0.0.tgz"),
			filepath.Join(dir, "nested", "b-2.0.0.tgz"),
		}, archives)
	})

	t.Run("ExplicitFile", func(t *testing.T) {
		// Files given by name are queued whatever their extension
		archives, err := collectArchives([]string{filepath.Join(dir, "nested", "readme.md")})
		require.NoError(t, err)
		assert.Equal(t, []string{filepath.Join(dir, "nested", "readme.md")}, archives)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := collectArchives([]string{filepath.Join(dir, "missing")})
		assert.ErrorIs(t, err, response.ErrNotFound)
	})
}

func TestFindingsCommandToFilter(t *testing.T) {
	cmd := findingsCommand()

	filter, err := findingsCommandToFilter(cmd)
	require.NoError(t, err)
	assert.Nil(t, filter.Ignore)
	assert.Nil(t, filter.FalsePositive)
	assert.Equal(t, 50, filter.Limit)

	require.NoError(t, cmd.Flags().Set("package", "leftpad"))
	require.NoError(t, cmd.Flags().Set("found-by", "grep"))
	require.NoError(t, cmd.Flags().Set("ignored", "false"))
	require.NoError(t, cmd.Flags().Set("limit", "5"))

	filter, err = findingsCommandToFilter(cmd)
	require.NoError(t, err)
	assert.Equal(t, "leftpad", filter.PackageName)
	assert.Equal(t, "grep", filter.FoundBy)
	assert.Equal(t, 5, filter.Limit)
	require.NotNil(t, filter.Ignore)
	assert.False(t, *filter.Ignore)
	assert.Nil(t, filter.FalsePositive)
}

func TestStartWorkerUnknownRole(t *testing.T) {
	err := startWorker(context.Background(), config.DefaultConfig(), supervisor.Role("master"))
	assert.Error(t, err)
}

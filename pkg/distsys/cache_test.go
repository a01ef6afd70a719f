package distsys

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTaskList(base string) TaskList {
	return TaskList{
		"build": {
			Short: "build",
			Desc:  "build the distributions",
			Base:  base,
			Deps:  []string{"test"},
			Env:   map[string]string{"DIST_VERSION": "0.1.0"},
			Cmds: []TaskCmd{
				TaskCmdScript{TaskName: "build", Content: "echo sdist"},
				TaskCmdScript{TaskName: "build", Content: "echo bdist", Index: 1},
			},
		},
		"test": {
			Short: "test",
			Base:  base,
			Cmds:  []TaskCmd{TaskCmdScript{TaskName: "test", Content: "true"}},
		},
	}
}

func TestCacheRoundtrip(t *testing.T) {
	dir := t.TempDir()
	cacheFile := filepath.Join(dir, ".task-cache")
	options := map[string]string{"version": "0.1.0"}

	require.NoError(t, WriteCache(cacheFile, options, sampleTaskList(dir)))

	readOptions, tasks, err := ReadCache(cacheFile)
	require.NoError(t, err)

	assert.Equal(t, options, readOptions)
	require.Contains(t, tasks, "build")
	require.Contains(t, tasks, "test")
	assert.Equal(t, []string{"test"}, tasks["build"].Deps)
	require.Len(t, tasks["build"].Cmds, 2)

	// the cached tasks still run
	err = RunTask(testContext(), dir, "build", tasks, false, false)
	assert.NoError(t, err)
}

func TestCacheIsFresh(t *testing.T) {
	dir := t.TempDir()
	scriptFile := filepath.Join(dir, "tasks.star")
	cacheFile := filepath.Join(dir, ".task-cache")
	options := map[string]string{"version": "0.1.0"}

	require.NoError(t, os.WriteFile(scriptFile, []byte("# tasks"), 0600))
	require.NoError(t, WriteCache(cacheFile, options, sampleTaskList(dir)))

	// age the script below the cache
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(scriptFile, old, old))

	tasks, fresh := CacheIsFresh(cacheFile, scriptFile, options)
	require.True(t, fresh)
	assert.Contains(t, tasks, "build")

	// different options invalidate the cache
	_, fresh = CacheIsFresh(cacheFile, scriptFile, map[string]string{"version": "2.0.0"})
	assert.False(t, fresh)

	// a newer script invalidates the cache
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(scriptFile, future, future))
	_, fresh = CacheIsFresh(cacheFile, scriptFile, options)
	assert.False(t, fresh)

	// a missing cache is never fresh
	_, fresh = CacheIsFresh(filepath.Join(dir, "missing"), scriptFile, options)
	assert.False(t, fresh)
}

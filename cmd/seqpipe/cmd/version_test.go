package cmd

import (
	"encoding/json"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureStdout runs fn with os.Stdout swapped for a pipe and returns
// everything fn printed. Not safe for parallel tests.
func captureStdout(t *testing.T, fn func() error) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = old }()

	fnErr := fn()
	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, fnErr)
	return string(out)
}

func TestVersionCommand(t *testing.T) {
	oldVersion, oldCommit, oldDate := appVersion, appCommit, appDate
	t.Cleanup(func() { SetVersion(oldVersion, oldCommit, oldDate) })
	SetVersion("v1.2.3", "abc123def", "2024-01-15")

	t.Run("text output", func(t *testing.T) {
		versionJSON = false
		out := captureStdout(t, func() error {
			return versionCmd.RunE(versionCmd, nil)
		})
		assert.Contains(t, out, "seqpipe v1.2.3")
		assert.Contains(t, out, "commit: abc123def")
		assert.Contains(t, out, "built:  2024-01-15")
	})

	t.Run("json output", func(t *testing.T) {
		versionJSON = true
		defer func() { versionJSON = false }()
		out := captureStdout(t, func() error {
			return versionCmd.RunE(versionCmd, nil)
		})
		var got map[string]string
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, "v1.2.3", got["version"])
		assert.Equal(t, "abc123def", got["commit"])
		assert.Equal(t, "2024-01-15", got["date"])
	})
}

func TestVersionCommandRegistered(t *testing.T) {
	t.Parallel()
	found := false
	for _, c := range rootCmd.Commands() {
		if c.Name() == "version" {
			found = true
			break
		}
	}
	assert.True(t, found, "version should be registered on the root command")
}

func TestGetVersion(t *testing.T) {
	oldVersion, oldCommit, oldDate := appVersion, appCommit, appDate
	t.Cleanup(func() { SetVersion(oldVersion, oldCommit, oldDate) })

	SetVersion("v9.9.9", "deadbeef", "2025-06-01")
	assert.Equal(t, "v9.9.9", GetVersion())
}

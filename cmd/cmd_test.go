package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeLCD(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.lcd")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestTestDirectivesAcceptsValidProgram(t *testing.T) {
	path := writeLCD(t, `
		allow "^https?://example\.com/";
		seed "https://example.com/";
		select h1 { title: first(text); }
	`)

	root := newRootCmd()
	root.SetArgs([]string{"test-directives", path})
	require.NoError(t, root.Execute())
}

func TestTestDirectivesRejectsBadProgram(t *testing.T) {
	path := writeLCD(t, `allow "([unclosed";`)

	root := newRootCmd()
	root.SetArgs([]string{"test-directives", path})
	err := root.Execute()
	require.Error(t, err)

	var exit *exitError
	require.ErrorAs(t, err, &exit)
	require.Equal(t, ExitCompile, exit.code)
}

package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crewflow/crewflow/runtime/agent/toolerrors"
)

func call(t *testing.T, w *Write, in writeInput) (string, error) {
	t.Helper()
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	return w.Call(context.Background(), raw)
}

func TestWriteCreatesAndAppends(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWrite(dir)
	require.NoError(t, err)

	out, err := call(t, w, writeInput{FilePath: "reports/summary.md", Text: "# Summary\n"})
	require.NoError(t, err)
	require.Equal(t, "File written successfully to reports/summary.md.", out)
	_, err = call(t, w, writeInput{FilePath: "reports/summary.md", Text: "more\n", Append: true})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "reports", "summary.md"))
	require.NoError(t, err)
	require.Equal(t, "# Summary\nmore\n", string(got))

	_, err = call(t, w, writeInput{FilePath: "reports/summary.md", Text: "new"})
	require.NoError(t, err)
	got, err = os.ReadFile(filepath.Join(dir, "reports", "summary.md"))
	require.NoError(t, err)
	require.Equal(t, "new", string(got))
}

func TestWriteRejectsEscapes(t *testing.T) {
	w, err := NewWrite(t.TempDir())
	require.NoError(t, err)
	for _, p := range []string{"../outside.txt", "/etc/passwd", "a/../../b"} {
		_, err := call(t, w, writeInput{FilePath: p, Text: "x"})
		require.True(t, toolerrors.Is(err), p)
		require.Contains(t, err.Error(), "access denied", p)
	}
}

func TestNewWriteRequiresRoot(t *testing.T) {
	_, err := NewWrite("")
	require.Error(t, err)
}

package digest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSumIsDeterministic(t *testing.T) {
	path := writeTemp(t, "hello world")
	a, err := Sum(path, 0)
	require.NoError(t, err)
	b, err := Sum(path, 0)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 128)
	require.Equal(t, strings.ToLower(a), a)
}

func TestSumRespectsByteBudget(t *testing.T) {
	path := writeTemp(t, strings.Repeat("a", 100))
	full, err := Sum(path, 0)
	require.NoError(t, err)
	capped, err := Sum(path, 10)
	require.NoError(t, err)
	require.NotEqual(t, full, capped)

	prefixPath := writeTemp(t, strings.Repeat("a", 10))
	prefixSum, err := Sum(prefixPath, 0)
	require.NoError(t, err)
	require.Equal(t, prefixSum, capped)
}

func TestSumShortFileHashesFully(t *testing.T) {
	path := writeTemp(t, "tiny")
	withBudget, err := Sum(path, 1024)
	require.NoError(t, err)
	withoutBudget, err := Sum(path, 0)
	require.NoError(t, err)
	require.Equal(t, withoutBudget, withBudget)
}

func TestSumMissingFile(t *testing.T) {
	_, err := Sum(filepath.Join(t.TempDir(), "nope"), 0)
	require.Error(t, err)
	var digestErr *Error
	require.ErrorAs(t, err, &digestErr)
}

package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestWalkFindsNestedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"))
	writeFile(t, filepath.Join(root, "sub", "b.txt"))

	files := Walk(Source{ParentDirectory: root})
	require.Len(t, files, 2)
}

func TestWalkSkipsConfiguredDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.txt"))
	writeFile(t, filepath.Join(root, ".git", "config"))
	writeFile(t, filepath.Join(root, "node_modules", "pkg", "index.js"))

	files := Walk(Source{ParentDirectory: root, SkipDirs: []string{".git", "node_modules"}})
	require.Len(t, files, 1)
	require.Equal(t, filepath.Join(root, "keep.txt"), files[0])
}

func TestWalkRespectsMaxDepth(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "top.txt"))
	writeFile(t, filepath.Join(root, "a", "nested.txt"))
	writeFile(t, filepath.Join(root, "a", "b", "deep.txt"))

	files := Walk(Source{ParentDirectory: root, MaxDepth: 1})
	require.Len(t, files, 2)
}

func TestWalkSkipsSymlinks(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.txt")
	writeFile(t, target)
	link := filepath.Join(root, "link.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	files := Walk(Source{ParentDirectory: root})
	require.Len(t, files, 1)
	require.Equal(t, target, files[0])
}

func TestWalkAllKeysByParent(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	writeFile(t, filepath.Join(rootA, "a.txt"))
	writeFile(t, filepath.Join(rootB, "b.txt"))

	result := WalkAll([]Source{{ParentDirectory: rootA}, {ParentDirectory: rootB}})
	require.Len(t, result[rootA], 1)
	require.Len(t, result[rootB], 1)
}

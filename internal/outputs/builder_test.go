package outputs

import (
	"os"
	"path/filepath"
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/cas"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/digest"
)

var fn = digest.SHA256()

func mustDigest(t *testing.T, m proto.Message) digest.Digest {
	t.Helper()
	d, _, err := fn.ComputeMessage(m)
	require.NoError(t, err)
	return d
}

func readTree(t *testing.T, blobs cas.BlobSet, d digest.Digest) *remoteexecution.Tree {
	t.Helper()
	src, ok := blobs[d]
	require.True(t, ok, "tree blob %s missing", d)
	ms, ok := src.(*cas.MessageSource)
	require.True(t, ok)

	tree := &remoteexecution.Tree{}
	require.NoError(t, proto.Unmarshal(ms.Bytes(), tree))
	return tree
}

func writeFile(t *testing.T, path string, data string, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), perm))
	require.NoError(t, os.Chmod(path, perm))
}

func TestEmptyOutputDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "foo"), 0o755))

	result := &remoteexecution.ActionResult{}
	blobs, err := NewBuilder(fn).BuildOutputs(result, root, nil, []string{"foo"})
	require.NoError(t, err)

	emptyTreeDigest := mustDigest(t, &remoteexecution.Tree{Root: &remoteexecution.Directory{}})
	assert.Contains(t, blobs, emptyTreeDigest)

	require.Len(t, result.OutputDirectories, 1)
	assert.True(t, proto.Equal(&remoteexecution.OutputDirectory{
		Path:       "foo",
		TreeDigest: emptyTreeDigest.ToProto(),
	}, result.OutputDirectories[0]))
}

func TestOutputDirectoryWithFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "foo", "bar"), "", 0o644)

	result := &remoteexecution.ActionResult{}
	blobs, err := NewBuilder(fn).BuildOutputs(result, root, nil, []string{"foo"})
	require.NoError(t, err)

	tree := &remoteexecution.Tree{
		Root: &remoteexecution.Directory{
			Files: []*remoteexecution.FileNode{{
				Name:   "bar",
				Digest: fn.Empty().ToProto(),
			}},
		},
	}
	treeDigest := mustDigest(t, tree)

	assert.Contains(t, blobs, fn.Empty())
	assert.Contains(t, blobs, treeDigest)

	require.Len(t, result.OutputDirectories, 1)
	assert.Equal(t, "foo", result.OutputDirectories[0].Path)
	assert.True(t, proto.Equal(treeDigest.ToProto(), result.OutputDirectories[0].TreeDigest))
}

func TestNestedOutputDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "foo", "bar", "baz"), "", 0o644)

	result := &remoteexecution.ActionResult{}
	blobs, err := NewBuilder(fn).BuildOutputs(result, root, nil, []string{"foo"})
	require.NoError(t, err)

	sub := &remoteexecution.Directory{
		Files: []*remoteexecution.FileNode{{Name: "baz", Digest: fn.Empty().ToProto()}},
	}
	tree := &remoteexecution.Tree{
		Root: &remoteexecution.Directory{
			Directories: []*remoteexecution.DirectoryNode{{
				Name:   "bar",
				Digest: mustDigest(t, sub).ToProto(),
			}},
		},
		Children: []*remoteexecution.Directory{sub},
	}
	treeDigest := mustDigest(t, tree)

	assert.Contains(t, blobs, fn.Empty())
	assert.Contains(t, blobs, treeDigest)
	assert.Contains(t, blobs, mustDigest(t, sub))

	require.Len(t, result.OutputDirectories, 1)
	assert.True(t, proto.Equal(treeDigest.ToProto(), result.OutputDirectories[0].TreeDigest))
	assert.True(t, proto.Equal(tree, readTree(t, blobs, treeDigest)))
}

func TestMissingOutputsAreOmitted(t *testing.T) {
	root := t.TempDir()

	result := &remoteexecution.ActionResult{}
	blobs, err := NewBuilder(fn).BuildOutputs(result, root, []string{"a.out"}, []string{"foo"})
	require.NoError(t, err)

	assert.Empty(t, blobs)
	assert.Empty(t, result.OutputFiles)
	assert.Empty(t, result.OutputDirectories)
}

func TestOnlyEmptySubdirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "out", "a"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "out", "b"), 0o755))

	result := &remoteexecution.ActionResult{}
	blobs, err := NewBuilder(fn).BuildOutputs(result, root, nil, []string{"out"})
	require.NoError(t, err)

	treeDigest, err := digest.FromProto(result.OutputDirectories[0].TreeDigest)
	require.NoError(t, err)

	// The empty Directory snapshot has the empty digest and is shared by a
	// and b; the root Directory only lives inside the Tree.
	assert.Len(t, blobs, 2)
	assert.Contains(t, blobs, fn.Empty())
	assert.Contains(t, blobs, treeDigest)

	tree := readTree(t, blobs, treeDigest)
	assert.Len(t, tree.Root.Directories, 2)
	assert.Len(t, tree.Children, 1)
	assert.NotContains(t, blobs, mustDigest(t, tree.Root))
}

func TestOutputPathsMustStayInsideExecRoot(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "exec")
	require.NoError(t, os.Mkdir(root, 0o755))
	writeFile(t, filepath.Join(base, "secret"), "do not upload", 0o644)
	require.NoError(t, os.Mkdir(filepath.Join(base, "private"), 0o755))

	cases := []struct {
		name        string
		outputFiles []string
		outputDirs  []string
	}{
		{"file above root", []string{"../secret"}, nil},
		{"file via inner dotdot", []string{"sub/../../secret"}, nil},
		{"absolute file", []string{filepath.Join(base, "secret")}, nil},
		{"directory above root", nil, []string{"../private"}},
		{"absolute directory", nil, []string{filepath.Join(base, "private")}},
		{"empty path", []string{""}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := &remoteexecution.ActionResult{}
			blobs, err := NewBuilder(fn).BuildOutputs(result, root, tc.outputFiles, tc.outputDirs)
			require.ErrorIs(t, err, ErrInvalidPath)
			assert.Nil(t, blobs)
			assert.Empty(t, result.OutputFiles)
			assert.Empty(t, result.OutputDirectories)
		})
	}
}

func TestOutputFileIsDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "foo"), 0o755))

	blobs, err := NewBuilder(fn).BuildOutputs(&remoteexecution.ActionResult{}, root, []string{"foo"}, nil)
	require.ErrorIs(t, err, ErrTypeMismatch)
	assert.Nil(t, blobs)

	var tm *TypeMismatchError
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, "foo", tm.Path)
	assert.Equal(t, "file", tm.Declared)
}

func TestOutputDirectoryIsFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "foo"), "", 0o644)

	blobs, err := NewBuilder(fn).BuildOutputs(&remoteexecution.ActionResult{}, root, nil, []string{"foo"})
	require.ErrorIs(t, err, ErrTypeMismatch)
	assert.Nil(t, blobs)
}

func TestMismatchAbortsAfterEarlierOutputs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ok.txt"), "fine", 0o644)
	require.NoError(t, os.Mkdir(filepath.Join(root, "bad"), 0o755))

	blobs, err := NewBuilder(fn).BuildOutputs(&remoteexecution.ActionResult{}, root, []string{"ok.txt", "bad"}, nil)
	require.ErrorIs(t, err, ErrTypeMismatch)
	assert.Nil(t, blobs, "no partial blob set on abort")
}

func TestOutputFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "bin", "tool"), "#!/bin/sh\n", 0o755)
	writeFile(t, filepath.Join(root, "out", "a.txt"), "same", 0o644)
	writeFile(t, filepath.Join(root, "out", "b.txt"), "same", 0o644)

	result := &remoteexecution.ActionResult{}
	blobs, err := NewBuilder(fn).BuildOutputs(result, root, []string{"bin/tool", "out/a.txt", "out/b.txt"}, nil)
	require.NoError(t, err)

	require.Len(t, result.OutputFiles, 3)
	assert.Equal(t, "bin/tool", result.OutputFiles[0].Path)
	assert.True(t, result.OutputFiles[0].IsExecutable)
	assert.False(t, result.OutputFiles[1].IsExecutable)

	same := fn.Compute([]byte("same"))
	assert.True(t, proto.Equal(same.ToProto(), result.OutputFiles[1].Digest))
	assert.True(t, proto.Equal(same.ToProto(), result.OutputFiles[2].Digest))

	// Identical contents collapse into one blob.
	assert.Len(t, blobs, 2)
	assert.Contains(t, blobs, same)
	assert.Contains(t, blobs, fn.Compute([]byte("#!/bin/sh\n")))
}

func TestOutputFileThroughSymlink(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "real.txt"), "target", 0o644)
	require.NoError(t, os.Symlink("real.txt", filepath.Join(root, "link.txt")))

	result := &remoteexecution.ActionResult{}
	blobs, err := NewBuilder(fn).BuildOutputs(result, root, []string{"link.txt"}, nil)
	require.NoError(t, err)

	require.Len(t, result.OutputFiles, 1)
	assert.Contains(t, blobs, fn.Compute([]byte("target")))
}

func TestSymlinkInsideOutputDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "foo", "data"), "x", 0o644)
	require.NoError(t, os.Symlink("data", filepath.Join(root, "foo", "alias")))

	result := &remoteexecution.ActionResult{}
	blobs, err := NewBuilder(fn).BuildOutputs(result, root, nil, []string{"foo"})
	require.NoError(t, err)

	d, err := digest.FromProto(result.OutputDirectories[0].TreeDigest)
	require.NoError(t, err)
	tree := readTree(t, blobs, d)

	require.Len(t, tree.Root.Symlinks, 1)
	assert.Equal(t, "alias", tree.Root.Symlinks[0].Name)
	assert.Equal(t, "data", tree.Root.Symlinks[0].Target)
	require.Len(t, tree.Root.Files, 1)
	assert.Equal(t, "data", tree.Root.Files[0].Name)
}

func TestTreeIsDeterministicAndSorted(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		writeFile(t, filepath.Join(root, "foo", name), name, 0o644)
		writeFile(t, filepath.Join(root, "foo", "d_"+name, "f"), name, 0o644)
	}

	b := NewBuilder(fn)
	first := &remoteexecution.ActionResult{}
	blobs, err := b.BuildOutputs(first, root, nil, []string{"foo"})
	require.NoError(t, err)

	second := &remoteexecution.ActionResult{}
	_, err = b.BuildOutputs(second, root, nil, []string{"foo"})
	require.NoError(t, err)

	assert.True(t, proto.Equal(first.OutputDirectories[0].TreeDigest, second.OutputDirectories[0].TreeDigest))

	d, err := digest.FromProto(first.OutputDirectories[0].TreeDigest)
	require.NoError(t, err)
	tree := readTree(t, blobs, d)

	var files, dirs []string
	for _, f := range tree.Root.Files {
		files = append(files, f.Name)
	}
	for _, sub := range tree.Root.Directories {
		dirs = append(dirs, sub.Name)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, files)
	assert.Equal(t, []string{"d_alpha", "d_mid", "d_zeta"}, dirs)
	assert.Len(t, tree.Children, 3)
}

func TestTreeChildrenCoverAllDescendantsOnce(t *testing.T) {
	root := t.TempDir()
	// a/x and b/x are identical; c/deep/y is two levels down.
	writeFile(t, filepath.Join(root, "out", "a", "x"), "same", 0o644)
	writeFile(t, filepath.Join(root, "out", "b", "x"), "same", 0o644)
	writeFile(t, filepath.Join(root, "out", "c", "deep", "y"), "y", 0o644)

	result := &remoteexecution.ActionResult{}
	blobs, err := NewBuilder(fn).BuildOutputs(result, root, nil, []string{"out"})
	require.NoError(t, err)

	d, err := digest.FromProto(result.OutputDirectories[0].TreeDigest)
	require.NoError(t, err)
	tree := readTree(t, blobs, d)

	children := make(map[digest.Digest]bool)
	for _, child := range tree.Children {
		cd := mustDigest(t, child)
		assert.False(t, children[cd], "duplicate child %s", cd)
		children[cd] = true
	}

	// Every DirectoryNode anywhere in the tree resolves to a child.
	dirs := append([]*remoteexecution.Directory{tree.Root}, tree.Children...)
	for _, dir := range dirs {
		for _, node := range dir.Directories {
			nd, err := digest.FromProto(node.Digest)
			require.NoError(t, err)
			assert.True(t, children[nd], "directory %s not in children", node.Name)
		}
	}

	// a and b collapse; c, and c/deep remain.
	assert.Len(t, tree.Children, 3)

	// Pre-order: a, c, deep (b is a duplicate of a).
	deep := tree.Children[2]
	require.Len(t, deep.Files, 1)
	assert.Equal(t, "y", deep.Files[0].Name)
}

func TestEveryReferencedBlobIsInSet(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "lib", "one.a"), "1", 0o644)
	writeFile(t, filepath.Join(root, "lib", "sub", "two.a"), "22", 0o755)
	writeFile(t, filepath.Join(root, "top.txt"), "top", 0o644)

	result := &remoteexecution.ActionResult{}
	blobs, err := NewBuilder(fn).BuildOutputs(result, root, []string{"top.txt"}, []string{"lib"})
	require.NoError(t, err)

	for _, f := range result.OutputFiles {
		d, err := digest.FromProto(f.Digest)
		require.NoError(t, err)
		assert.Contains(t, blobs, d)
	}

	d, err := digest.FromProto(result.OutputDirectories[0].TreeDigest)
	require.NoError(t, err)
	tree := readTree(t, blobs, d)
	for _, dir := range append([]*remoteexecution.Directory{tree.Root}, tree.Children...) {
		for _, f := range dir.Files {
			fd, err := digest.FromProto(f.Digest)
			require.NoError(t, err)
			assert.Contains(t, blobs, fd)
		}
	}
}

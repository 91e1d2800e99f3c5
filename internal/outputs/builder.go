// Package outputs turns the files and directories an action produced into
// content-addressed REv2 records.
package outputs

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/cas"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/digest"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/metrics"
)

// Builder computes output records and the blobs backing them.
type Builder struct {
	fn  digest.Function
	log *slog.Logger
}

// NewBuilder creates a Builder that digests with fn.
func NewBuilder(fn digest.Function) *Builder {
	return &Builder{
		fn:  fn,
		log: slog.With("component", "outputs"),
	}
}

// BuildOutputs inspects every declared output under execRoot, appends an
// OutputFile or OutputDirectory record to result for each one present, and
// returns every blob those records reference. Absent outputs are skipped.
// A declared file that is not a regular file, or a declared directory that
// is not one, aborts the whole call with a *TypeMismatchError. A declared
// path that leaves execRoot aborts it with an *InvalidPathError.
func (b *Builder) BuildOutputs(result *remoteexecution.ActionResult, execRoot string, outputFiles, outputDirs []string) (cas.BlobSet, error) {
	startTime := time.Now()
	blobs := cas.BlobSet{}
	m := metrics.Get()

	for _, p := range outputFiles {
		if !filepath.IsLocal(p) {
			return nil, &InvalidPathError{Path: p}
		}
		path := filepath.Join(execRoot, p)

		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			b.log.Debug("output file not found", "path", p)
			countOutput(m, "missing")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat output file %s: %w", p, err)
		}
		if !info.Mode().IsRegular() {
			return nil, &TypeMismatchError{Path: p, Declared: "file", Found: kindOf(info.Mode())}
		}

		src, err := cas.NewFileSource(b.fn, path)
		if err != nil {
			return nil, fmt.Errorf("output file %s: %w", p, err)
		}
		blobs.Add(src)

		result.OutputFiles = append(result.OutputFiles, &remoteexecution.OutputFile{
			Path:         p,
			Digest:       src.Digest().ToProto(),
			IsExecutable: isExecutable(info.Mode()),
		})
		countOutput(m, "file")
	}

	for _, p := range outputDirs {
		if !filepath.IsLocal(p) {
			return nil, &InvalidPathError{Path: p}
		}
		path := filepath.Join(execRoot, p)

		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			b.log.Debug("output directory not found", "path", p)
			countOutput(m, "missing")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat output directory %s: %w", p, err)
		}
		if !info.IsDir() {
			return nil, &TypeMismatchError{Path: p, Declared: "directory", Found: kindOf(info.Mode())}
		}

		treeDigest, treeBlobs, dirCount, err := b.buildTree(path)
		if err != nil {
			return nil, fmt.Errorf("output directory %s: %w", p, err)
		}
		blobs.Merge(treeBlobs)

		result.OutputDirectories = append(result.OutputDirectories, &remoteexecution.OutputDirectory{
			Path:       p,
			TreeDigest: treeDigest.ToProto(),
		})
		countOutput(m, "directory")
		if m != nil {
			m.ObserveTreeDirectories(float64(dirCount))
		}
	}

	if m != nil {
		m.ObserveTreeBuildDuration(time.Since(startTime).Seconds())
	}
	return blobs, nil
}

// buildTree assembles the Tree rooted at path and returns its digest along
// with every blob it references, the serialized Tree included. The root
// Directory travels inside the Tree and gets no blob of its own.
func (b *Builder) buildTree(path string) (digest.Digest, cas.BlobSet, int, error) {
	root, descendants, blobs, err := b.buildDirectory(path)
	if err != nil {
		return digest.Digest{}, nil, 0, err
	}

	tree := &remoteexecution.Tree{Root: root}
	seen := make(map[digest.Digest]bool, len(descendants))
	for _, child := range descendants {
		if seen[child.digest] {
			continue
		}
		seen[child.digest] = true
		tree.Children = append(tree.Children, child.dir)
	}

	treeSrc, err := cas.NewMessageSource(b.fn, tree)
	if err != nil {
		return digest.Digest{}, nil, 0, fmt.Errorf("serialize tree: %w", err)
	}
	blobs.Add(treeSrc)

	return treeSrc.Digest(), blobs, len(tree.Children) + 1, nil
}

type digestedDirectory struct {
	dir    *remoteexecution.Directory
	digest digest.Digest
}

// buildDirectory snapshots one directory level. It returns the Directory
// for path, every directory nested below it in pre-order, and the blobs of
// the files and subdirectories it references. It reads the filesystem and
// nothing else.
func (b *Builder) buildDirectory(path string) (*remoteexecution.Directory, []digestedDirectory, cas.BlobSet, error) {
	// ReadDir returns entries sorted by name, so every list below is sorted.
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read directory %s: %w", path, err)
	}

	dir := &remoteexecution.Directory{}
	blobs := cas.BlobSet{}
	var descendants []digestedDirectory

	for _, e := range entries {
		name := e.Name()
		child := filepath.Join(path, name)
		mode := e.Type()

		switch {
		case mode&fs.ModeSymlink != 0:
			target, err := os.Readlink(child)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("read symlink %s: %w", child, err)
			}
			dir.Symlinks = append(dir.Symlinks, &remoteexecution.SymlinkNode{
				Name:   name,
				Target: target,
			})

		case mode.IsDir():
			sub, subDescendants, subBlobs, err := b.buildDirectory(child)
			if err != nil {
				return nil, nil, nil, err
			}
			src, err := cas.NewMessageSource(b.fn, sub)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("serialize directory %s: %w", child, err)
			}
			blobs.Add(src)
			blobs.Merge(subBlobs)

			dir.Directories = append(dir.Directories, &remoteexecution.DirectoryNode{
				Name:   name,
				Digest: src.Digest().ToProto(),
			})
			descendants = append(descendants, digestedDirectory{dir: sub, digest: src.Digest()})
			descendants = append(descendants, subDescendants...)

		case mode.IsRegular():
			info, err := e.Info()
			if err != nil {
				return nil, nil, nil, fmt.Errorf("stat %s: %w", child, err)
			}
			src, err := cas.NewFileSource(b.fn, child)
			if err != nil {
				return nil, nil, nil, err
			}
			blobs.Add(src)

			dir.Files = append(dir.Files, &remoteexecution.FileNode{
				Name:         name,
				Digest:       src.Digest().ToProto(),
				IsExecutable: isExecutable(info.Mode()),
			})

		default:
			b.log.Debug("skipping special file", "path", child, "mode", mode.String())
		}
	}

	return dir, descendants, blobs, nil
}

func isExecutable(mode fs.FileMode) bool {
	return mode&0o111 != 0
}

func kindOf(mode fs.FileMode) string {
	switch {
	case mode.IsRegular():
		return "file"
	case mode.IsDir():
		return "directory"
	default:
		return "special file"
	}
}

func countOutput(m *metrics.Metrics, kind string) {
	if m != nil {
		m.IncOutputsCollected(metrics.Labels{Kind: kind})
	}
}

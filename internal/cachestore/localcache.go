// Package cachestore implements the content-addressed cache: a local
// filesystem store of gzip-tar archives keyed by task hash, an optional
// remote mirror reached over HTTP, and the per-task lastRun.json state
// file each protected by a filesystem lock.
//
// Grounded on internal/cache's fsCache/httpCache split (local .tar(.zst)
// lookup-then-fetch, falling back to a remote artifact store when the
// local file is absent), generalized from turbopath's AnchoredSystemPath
// world to this system's wpath package and adapted to gzip archives named
// <hash>.tar.gz with atomic tmp-then-rename writes instead of the
// original's direct writes, since concurrent task execution can race a
// writer against a reader of the same hash.
package cachestore

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"github.com/moonrun/moonrun/internal/wpath"
)

// OutputFile is one file to archive, named relative to the workspace.
type OutputFile struct {
	Path     wpath.WorkspaceRelative
	Absolute wpath.AbsolutePath
}

// Manifest is the putative content of a cache entry's output log, stored
// alongside the archive so a hit can report exactly what ran without
// re-reading the tarball.
type Manifest struct {
	Hash       string
	ExitCode   int
	Files      []wpath.WorkspaceRelative
	DurationMS int64
}

// LocalCache is the on-disk artifact store rooted at a cache directory
// (the run command uses workspace-relative .moonrun/cache).
type LocalCache struct {
	dir wpath.AbsolutePath
}

// NewLocalCache returns a LocalCache rooted at dir, creating it if absent.
func NewLocalCache(dir wpath.AbsolutePath) (*LocalCache, error) {
	if err := dir.MkdirAll(0o775); err != nil {
		return nil, fmt.Errorf("cachestore: creating cache dir: %w", err)
	}
	return &LocalCache{dir: dir}, nil
}

func (c *LocalCache) archivePath(hash string) wpath.AbsolutePath {
	return c.dir.Join(hash + ".tar.gz")
}

func (c *LocalCache) tmpArchivePath(hash string) wpath.AbsolutePath {
	return c.dir.Join(hash + ".tar.gz.tmp")
}

// Exists reports whether an artifact for hash is present locally.
func (c *LocalCache) Exists(hash string) bool {
	return c.archivePath(hash).FileExists()
}

// ArchiveBytes reads back the raw gzip-tar archive for hash, for a
// caller (the remote cache uploader) that needs the bytes already
// written by Put without re-walking the source files.
func (c *LocalCache) ArchiveBytes(hash string) ([]byte, error) {
	return c.archivePath(hash).ReadFile()
}

// PutArchive writes an already-assembled gzip-tar archive verbatim,
// atomically via the same tmp-then-rename path as Put. Used to promote a
// remote-cache download into the local store so a subsequent Fetch can
// restore it the same way a local hit would.
func (c *LocalCache) PutArchive(hash string, data []byte) error {
	tmpPath := c.tmpArchivePath(hash)
	if err := os.WriteFile(tmpPath.String(), data, 0o644); err != nil {
		return fmt.Errorf("cachestore: writing downloaded archive: %w", err)
	}
	if err := os.Rename(tmpPath.String(), c.archivePath(hash).String()); err != nil {
		os.Remove(tmpPath.String())
		return fmt.Errorf("cachestore: finalizing downloaded archive: %w", err)
	}
	return nil
}

// Put archives the union of output files plus the two log files into
// <hash>.tar.gz, writing to a .tmp sibling first and renaming atomically
// so a concurrent Fetch never observes a partial archive.
func (c *LocalCache) Put(hash string, root wpath.AbsolutePath, files []OutputFile, stdoutLog, stderrLog []byte) error {
	tmpPath := c.tmpArchivePath(hash)
	f, err := os.Create(tmpPath.String())
	if err != nil {
		return fmt.Errorf("cachestore: creating archive: %w", err)
	}

	if err := writeArchive(f, root, files, stdoutLog, stderrLog); err != nil {
		f.Close()
		os.Remove(tmpPath.String())
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath.String())
		return fmt.Errorf("cachestore: closing archive: %w", err)
	}

	if err := os.Rename(tmpPath.String(), c.archivePath(hash).String()); err != nil {
		return fmt.Errorf("cachestore: finalizing archive: %w", err)
	}
	return nil
}

func writeArchive(w io.Writer, root wpath.AbsolutePath, files []OutputFile, stdoutLog, stderrLog []byte) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, f := range files {
		if err := addFileToTar(tw, f); err != nil {
			return err
		}
	}
	if err := addBytesToTar(tw, "stdout.log", stdoutLog); err != nil {
		return err
	}
	if err := addBytesToTar(tw, "stderr.log", stderrLog); err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("cachestore: closing tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("cachestore: closing gzip writer: %w", err)
	}
	return nil
}

func addFileToTar(tw *tar.Writer, f OutputFile) error {
	info, err := os.Stat(f.Absolute.String())
	if err != nil {
		return fmt.Errorf("cachestore: stat %s: %w", f.Absolute, err)
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = f.Path.String()

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}

	src, err := os.Open(f.Absolute.String())
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(tw, src)
	return err
}

func addBytesToTar(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}

// FetchResult is the outcome of restoring a cache hit.
type FetchResult struct {
	Files     []wpath.WorkspaceRelative
	StdoutLog []byte
	StderrLog []byte
}

// Fetch restores a hash's archived outputs under root, hit is false when
// no local artifact exists for hash.
func (c *LocalCache) Fetch(hash string, root wpath.AbsolutePath) (result FetchResult, hit bool, err error) {
	if !c.Exists(hash) {
		return FetchResult{}, false, nil
	}

	f, err := os.Open(c.archivePath(hash).String())
	if err != nil {
		return FetchResult{}, false, fmt.Errorf("cachestore: opening archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return FetchResult{}, false, fmt.Errorf("cachestore: opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return FetchResult{}, false, fmt.Errorf("cachestore: reading tar entry: %w", err)
		}

		switch hdr.Name {
		case "stdout.log":
			result.StdoutLog, err = io.ReadAll(tr)
			if err != nil {
				return FetchResult{}, false, err
			}
			continue
		case "stderr.log":
			result.StderrLog, err = io.ReadAll(tr)
			if err != nil {
				return FetchResult{}, false, err
			}
			continue
		}

		dest := wpath.WorkspaceRelative(hdr.Name).RestoreAnchor(root)
		if hdr.Typeflag == tar.TypeDir {
			if err := dest.MkdirAll(0o775); err != nil {
				return FetchResult{}, false, err
			}
			continue
		}

		if err := dest.Dir().MkdirAll(0o775); err != nil {
			return FetchResult{}, false, err
		}
		out, err := os.OpenFile(dest.String(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return FetchResult{}, false, err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return FetchResult{}, false, err
		}
		out.Close()
		result.Files = append(result.Files, wpath.WorkspaceRelative(hdr.Name))
	}

	return result, true, nil
}

package internal

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/goplus/nativebind/internal/install"
)

// outputResult writes the install prefixes in dirs, keyed by repository
// name, to dest. Each prefix lands under a directory named after its
// repository. If dest ends with ".zip" or ".tar.xz" an archive is created;
// otherwise the prefixes are copied into dest.
func outputResult(dirs map[string]string, dest string) error {
	switch {
	case strings.HasSuffix(dest, ".zip"):
		return writeArchive(dest, dirs, newZipWriter)
	case strings.HasSuffix(dest, ".tar.xz"):
		return writeArchive(dest, dirs, newTarXZWriter)
	}
	for _, name := range sortedNames(dirs) {
		if err := copyTree(dirs[name], filepath.Join(dest, name)); err != nil {
			return err
		}
	}
	return nil
}

func sortedNames(dirs map[string]string) []string {
	names := make([]string, 0, len(dirs))
	for name := range dirs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// walkPrefix calls fn for every file and symlink below root except the
// install manifest. rel uses forward slashes.
func walkPrefix(root string, fn func(rel, path string, info os.FileInfo) error) error {
	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == install.ManifestFile {
			return nil
		}
		return fn(filepath.ToSlash(rel), p, info)
	})
}

// archiveWriter receives the files of an archive.
type archiveWriter interface {
	add(name, path string, info os.FileInfo) error
	Close() error
}

func writeArchive(dest string, dirs map[string]string, newWriter func(io.Writer) (archiveWriter, error)) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := newWriter(f)
	if err != nil {
		return err
	}
	for _, name := range sortedNames(dirs) {
		err := walkPrefix(dirs[name], func(rel, p string, info os.FileInfo) error {
			return w.add(path.Join(name, rel), p, info)
		})
		if err != nil {
			w.Close()
			return fmt.Errorf("archive %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	return f.Close()
}

type zipWriter struct {
	w *zip.Writer
}

func newZipWriter(w io.Writer) (archiveWriter, error) {
	return &zipWriter{w: zip.NewWriter(w)}, nil
}

// add stores the content symlinks point to; zip has no portable links.
func (z *zipWriter) add(name, p string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		var err error
		if info, err = os.Stat(p); err != nil {
			return err
		}
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	writer, err := z.w.CreateHeader(header)
	if err != nil {
		return err
	}
	file, err := os.Open(p)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(writer, file)
	return err
}

func (z *zipWriter) Close() error { return z.w.Close() }

type tarXZWriter struct {
	xz  *xz.Writer
	tar *tar.Writer
}

func newTarXZWriter(w io.Writer) (archiveWriter, error) {
	xw, err := xz.NewWriter(w)
	if err != nil {
		return nil, err
	}
	return &tarXZWriter{xz: xw, tar: tar.NewWriter(xw)}, nil
}

func (t *tarXZWriter) add(name, p string, info os.FileInfo) error {
	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		var err error
		if link, err = os.Readlink(p); err != nil {
			return err
		}
	}
	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = name
	if err := t.tar.WriteHeader(header); err != nil {
		return err
	}
	if link != "" {
		return nil
	}
	file, err := os.Open(p)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(t.tar, file)
	return err
}

func (t *tarXZWriter) Close() error {
	if err := t.tar.Close(); err != nil {
		return err
	}
	return t.xz.Close()
}

// copyTree copies the prefix at src to dst, recreating symlinks.
func copyTree(src, dst string) error {
	return walkPrefix(src, func(rel, p string, info os.FileInfo) error {
		target := filepath.Join(dst, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}

// Package fsutil holds the file publishing helpers shared by every writer.
package fsutil

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	tperrors "tomoprep/pkg/errors"
)

// WriteFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path. Readers see either the old file or the new one.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return WriteAtomic(path, perm, func(w io.Writer) error {
		_, err := io.Copy(w, bytes.NewReader(data))
		return err
	})
}

// WriteAtomic streams the output of fill into a temp file and publishes it
// under path on success. On any error the temp file is removed and path is
// left untouched. Errors are returned as *errors.WriteError.
func WriteAtomic(path string, perm os.FileMode, fill func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &tperrors.WriteError{Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return &tperrors.WriteError{Path: path, Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if err := fill(tmp); err != nil {
		return &tperrors.WriteError{Path: path, Err: err}
	}
	if err := tmp.Chmod(perm); err != nil {
		return &tperrors.WriteError{Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return &tperrors.WriteError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &tperrors.WriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &tperrors.WriteError{Path: path, Err: err}
	}
	committed = true
	return nil
}

// CopyFile copies src to dst atomically, keeping src's permissions
func CopyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	return WriteAtomic(dst, info.Mode().Perm(), func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// Exists reports whether name exists
func Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// Package storage manages blob content files in the configured storage
// directory. Files are named by their validated filename; names carrying the
// reserved prefix (the database file among them) are refused here as a last
// line of defense.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"blobserver/internal/model"
)

// Dir is a storage directory holding blob content files.
type Dir struct {
	root string
}

// New creates the storage directory if needed and returns it.
func New(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Dir{root: root}, nil
}

// Root returns the storage directory path.
func (d *Dir) Root() string { return d.root }

// path maps a filename to its location in the storage directory. Filenames
// are validated by the blob store before they get here; the checks below
// only stop reserved or path-escaping names from slipping through.
func (d *Dir) path(filename string) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("empty filename")
	}
	if strings.HasPrefix(filename, model.ReservedPrefix) {
		return "", fmt.Errorf("reserved filename: %s", filename)
	}
	if strings.ContainsAny(filename, `/\`) {
		return "", fmt.Errorf("filename contains path separator: %s", filename)
	}
	return filepath.Join(d.root, filename), nil
}

// Exists reports whether a content file is present for the filename.
func (d *Dir) Exists(filename string) (bool, error) {
	p, err := d.path(filename)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", filename, err)
	}
	return true, nil
}

// StageContent writes content to a temporary file in the storage directory
// and returns its path. The temporary name carries the reserved prefix, so
// it can never be mistaken for a blob. Promote or Discard must follow.
func (d *Dir) StageContent(content []byte) (string, error) {
	tmp, err := os.CreateTemp(d.root, model.ReservedPrefix+"tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	written, err := tmp.Write(content)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != len(content) {
		os.Remove(tmpPath)
		return "", fmt.Errorf("size mismatch: expected %d bytes, wrote %d", len(content), written)
	}
	return tmpPath, nil
}

// Promote renames a staged temporary file onto its final filename. The
// rename is within one directory, so observers never see a partial file.
func (d *Dir) Promote(tmpPath, filename string) error {
	dest, err := d.path(filename)
	if err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Discard removes a staged temporary file. Safe to call when the file is
// already gone.
func (d *Dir) Discard(tmpPath string) {
	os.Remove(tmpPath)
}

// Open opens a content file for reading.
func (d *Dir) Open(filename string) (io.ReadCloser, error) {
	p, err := d.path(filename)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("content %s: %w", filename, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open %s: %w", filename, err)
	}
	return f, nil
}

// Read returns the full content of a file.
func (d *Dir) Read(filename string) ([]byte, error) {
	f, err := d.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	return data, nil
}

// Remove deletes a content file. Removing an absent file is an error so the
// caller can distinguish a cleanup failure from a clean delete.
func (d *Dir) Remove(filename string) error {
	p, err := d.path(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("failed to remove %s: %w", filename, err)
	}
	return nil
}

// Rename moves a content file to a new filename. The destination must not
// exist: an unmanaged file in the way is reported, never overwritten. On a
// case-insensitive filesystem a case-only rename stats the source itself at
// the destination; the same file does not count as occupied.
func (d *Dir) Rename(oldName, newName string) error {
	src, err := d.path(oldName)
	if err != nil {
		return err
	}
	dest, err := d.path(newName)
	if err != nil {
		return err
	}
	if destInfo, err := os.Stat(dest); err == nil {
		srcInfo, serr := os.Stat(src)
		if serr != nil || !os.SameFile(srcInfo, destInfo) {
			return &model.ConsistencyError{Path: dest, Reason: "destination file already exists"}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", newName, err)
	}
	if err := os.Rename(src, dest); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", oldName, newName, err)
	}
	return nil
}

package app

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"blobserver/internal/database"
	"blobserver/internal/model"
)

// Dump writes the database and all blob content files to a tar.gz archive.
// The database is snapshotted with VACUUM INTO so the archived copy is
// consistent even while the server is running.
func (a *App) Dump(ctx context.Context, tarPath string) (count int, size int64, err error) {
	out, err := os.Create(tarPath)
	if err != nil {
		return 0, 0, fmt.Errorf("creating dump file: %w", err)
	}
	defer out.Close()

	var gz *gzip.Writer
	var w io.Writer = out
	if strings.HasSuffix(tarPath, ".gz") {
		gz = gzip.NewWriter(out)
		w = gz
	}
	tw := tar.NewWriter(w)

	// Snapshot the database first, under its reserved name.
	tmp, err := os.CreateTemp("", "blobserver-dump-*.db")
	if err != nil {
		return 0, 0, fmt.Errorf("creating temp database snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	os.Remove(tmpPath) // VACUUM INTO refuses to overwrite
	defer os.Remove(tmpPath)

	if err := database.BackupTo(a.db, tmpPath); err != nil {
		return 0, 0, err
	}
	n, err := addFile(tw, tmpPath, database.FileName)
	if err != nil {
		return 0, 0, err
	}
	count, size = 1, n

	// Then every blob content file.
	blobs, err := a.blobs.List(ctx)
	if err != nil {
		return count, size, err
	}
	for _, b := range blobs {
		n, err := addFile(tw, filepath.Join(a.dir.Root(), b.Filename), b.Filename)
		if err != nil {
			return count, size, err
		}
		count++
		size += n
	}

	if err := tw.Close(); err != nil {
		return count, size, fmt.Errorf("closing tar: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return count, size, fmt.Errorf("closing gzip: %w", err)
		}
	}
	return count, size, nil
}

func addFile(tw *tar.Writer, path, name string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", name, err)
	}
	hdr := &tar.Header{Name: name, Mode: 0644, Size: info.Size(), ModTime: info.ModTime()}
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, fmt.Errorf("writing tar header for %s: %w", name, err)
	}
	n, err := io.Copy(tw, f)
	if err != nil {
		return 0, fmt.Errorf("writing %s: %w", name, err)
	}
	return n, nil
}

// Undump restores a dump archive into the storage directory. It refuses to
// run against a non-empty database and requires the archive to contain the
// database file.
func Undump(storageDir, tarPath string) (int, error) {
	in, err := os.Open(tarPath)
	if err != nil {
		return 0, fmt.Errorf("opening dump file: %w", err)
	}
	defer in.Close()

	var r io.Reader = in
	if strings.HasSuffix(tarPath, ".gz") {
		gz, err := gzip.NewReader(in)
		if err != nil {
			return 0, fmt.Errorf("opening gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return 0, fmt.Errorf("creating storage directory: %w", err)
	}
	if _, err := os.Stat(database.PathIn(storageDir)); err == nil {
		return 0, fmt.Errorf("cannot undump: database already exists in %s", storageDir)
	}

	tr := tar.NewReader(r)
	count := 0
	sawDB := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("reading dump: %w", err)
		}
		name := filepath.Base(hdr.Name)
		if name == database.FileName {
			sawDB = true
		} else if strings.HasPrefix(name, model.ReservedPrefix) {
			// No other reserved-prefix file belongs in a dump.
			continue
		}
		dest := filepath.Join(storageDir, name)
		out, err := os.Create(dest)
		if err != nil {
			return count, fmt.Errorf("creating %s: %w", name, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return count, fmt.Errorf("writing %s: %w", name, err)
		}
		if err := out.Close(); err != nil {
			return count, fmt.Errorf("closing %s: %w", name, err)
		}
		count++
	}
	if !sawDB {
		return count, fmt.Errorf("no database file in the dump archive")
	}
	return count, nil
}

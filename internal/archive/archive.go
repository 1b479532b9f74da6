package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// MaxExtractBytes bounds the uncompressed size Extract will write.
const MaxExtractBytes = 1 << 30

var ErrUnsafeEntry = errors.New("unsafe archive entry")

// Write zips every regular file under dir. Entry names are relative to dir
// and use forward slashes.
func Write(w io.Writer, dir string) error {
	zw := zip.NewWriter(w)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate

		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(fw, f)
		return err
	})
	if err != nil {
		_ = zw.Close()
		return fmt.Errorf("zip %s: %w", dir, err)
	}
	return zw.Close()
}

// Extract unpacks a zip produced by Write into dest and returns the written
// file names. Entries that would land outside dest, links and oversized
// archives are rejected.
func Extract(r io.ReaderAt, size int64, dest string) ([]string, error) {
	// A reader returned together with an error flags insecure names, which
	// entryName rejects below.
	zr, err := zip.NewReader(r, size)
	if zr == nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}

	var (
		names   []string
		written int64
	)
	for _, f := range zr.File {
		name, err := entryName(f.Name)
		if err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(filepath.Join(dest, name), 0o755); err != nil {
				return nil, err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			return nil, fmt.Errorf("%s is not a regular file: %w", f.Name, ErrUnsafeEntry)
		}

		n, err := extractFile(f, filepath.Join(dest, name), MaxExtractBytes-written)
		if err != nil {
			return nil, err
		}
		written += n
		names = append(names, filepath.ToSlash(name))
	}
	return names, nil
}

// entryName cleans an archive path and refuses anything absolute or escaping.
func entryName(name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") || filepath.VolumeName(clean) != "" {
		return "", fmt.Errorf("%q: %w", name, ErrUnsafeEntry)
	}
	return filepath.FromSlash(clean), nil
}

func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write %s: %w", f.Name, err)
	}
	if n > budget {
		return n, fmt.Errorf("archive exceeds %d bytes: %w", int64(MaxExtractBytes), ErrUnsafeEntry)
	}
	return n, nil
}

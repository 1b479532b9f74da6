package archive

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
)

func TestWriteExtract_RoundTrip(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"manifest.yaml":      "format: docqa-index\n",
		"index.gob.gz":       "binary\x00data",
		"nested/extra/a.txt": "deep",
	}
	for name, body := range files {
		p := filepath.Join(src, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := Write(&buf, src); err != nil {
		t.Fatalf("Write: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	var entries []string
	for _, f := range zr.File {
		entries = append(entries, f.Name)
	}
	sort.Strings(entries)
	want := []string{"index.gob.gz", "manifest.yaml", "nested/extra/a.txt"}
	if len(entries) != len(want) {
		t.Fatalf("entries = %v", entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, entries[i], want[i])
		}
	}

	dest := t.TempDir()
	names, err := Extract(bytes.NewReader(buf.Bytes()), int64(buf.Len()), dest)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(names) != len(files) {
		t.Errorf("extracted %v", names)
	}
	for name, body := range files {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != body {
			t.Errorf("%s = %q, want %q", name, got, body)
		}
	}
}

func TestExtract_RejectsEscapingEntries(t *testing.T) {
	for _, name := range []string{"../evil.txt", "/etc/passwd", `..\win.txt`, "a/../../b.txt"} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			zw := zip.NewWriter(&buf)
			fw, err := zw.Create(name)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := fw.Write([]byte("x")); err != nil {
				t.Fatal(err)
			}
			if err := zw.Close(); err != nil {
				t.Fatal(err)
			}

			dest := t.TempDir()
			_, err = Extract(bytes.NewReader(buf.Bytes()), int64(buf.Len()), dest)
			if !errors.Is(err, ErrUnsafeEntry) {
				t.Fatalf("expected ErrUnsafeEntry, got %v", err)
			}
		})
	}
}

func TestExtract_NotAZip(t *testing.T) {
	data := []byte("plain text")
	if _, err := Extract(bytes.NewReader(data), int64(len(data)), t.TempDir()); err == nil {
		t.Fatal("expected error for non-zip input")
	}
}

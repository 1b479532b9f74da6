package chromemdb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"docqa/internal/embedding"
	"docqa/internal/models"
)

const (
	FormatName    = "docqa-index"
	FormatVersion = 1
	ManifestFile  = "manifest.yaml"

	indexFileBase = "index.gob"
)

// Manifest describes a persisted index. It is written next to the chromem
// export and checked before anything is decoded.
type Manifest struct {
	Format         string    `yaml:"format"`
	Version        int       `yaml:"version"`
	Document       string    `yaml:"document"`
	Collection     string    `yaml:"collection"`
	Chunks         int       `yaml:"chunks"`
	Dimension      int       `yaml:"dimension"`
	EmbeddingModel string    `yaml:"embedding_model,omitempty"`
	File           string    `yaml:"file"`
	Compressed     bool      `yaml:"compressed"`
	Encrypted      bool      `yaml:"encrypted"`
	SHA256         string    `yaml:"sha256"`
	CreatedAt      time.Time `yaml:"created_at"`
}

type PersistOptions struct {
	Compress      bool
	EncryptionKey string
}

// LoadOptions gate Load. Decoding an export runs gob over the file contents,
// so it is refused unless the caller vouches for the source with Trusted.
type LoadOptions struct {
	Trusted       bool
	EncryptionKey string
}

func indexFileName(compress, encrypt bool) string {
	name := indexFileBase
	if encrypt {
		name += ".enc"
	}
	if compress {
		name += ".gz"
	}
	return name
}

// Persist writes idx into dir, creating it if needed.
func Persist(ctx context.Context, idx *Index, dir string, opts PersistOptions) error {
	if idx == nil {
		return errors.New("nothing to persist: index is empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	file := indexFileName(opts.Compress, opts.EncryptionKey != "")
	path := filepath.Join(dir, file)

	log.Debug().Str("collection", idx.collection.Name).Str("path", path).Bool("compress", opts.Compress).Msg("Exporting index")
	if err := idx.db.ExportToFile(path, opts.Compress, opts.EncryptionKey, idx.collection.Name); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}

	sum, err := fileChecksum(path)
	if err != nil {
		return err
	}
	m := Manifest{
		Format:         FormatName,
		Version:        FormatVersion,
		Document:       idx.document,
		Collection:     idx.collection.Name,
		Chunks:         idx.Len(),
		Dimension:      idx.dimension,
		EmbeddingModel: idx.model,
		File:           file,
		Compressed:     opts.Compress,
		Encrypted:      opts.EncryptionKey != "",
		SHA256:         sum,
		CreatedAt:      time.Now().UTC(),
	}
	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp := filepath.Join(dir, ManifestFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, ManifestFile))
}

// ReadManifest parses and checks the manifest in dir without touching the export.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %v: %w", err, models.ErrCorruptIndex)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %v: %w", err, models.ErrCorruptIndex)
	}
	switch {
	case m.Format != FormatName:
		return nil, fmt.Errorf("unknown index format %q: %w", m.Format, models.ErrCorruptIndex)
	case m.Version != FormatVersion:
		return nil, fmt.Errorf("unsupported index version %d: %w", m.Version, models.ErrCorruptIndex)
	case m.File == "" || filepath.Base(m.File) != m.File:
		return nil, fmt.Errorf("bad index file name %q: %w", m.File, models.ErrCorruptIndex)
	case m.Collection == "" || m.Document == "":
		return nil, fmt.Errorf("manifest names no document: %w", models.ErrCorruptIndex)
	case m.Chunks <= 0:
		return nil, fmt.Errorf("manifest lists %d chunks: %w", m.Chunks, models.ErrCorruptIndex)
	}
	return &m, nil
}

// Load restores an index written by Persist. Queries are embedded with emb,
// which must report the model named in the manifest when both are known.
func Load(ctx context.Context, emb embedding.Embedder, dir string, opts LoadOptions) (*Index, error) {
	if !opts.Trusted {
		return nil, fmt.Errorf("load %s: %w", dir, models.ErrUntrustedLoad)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if want, got := m.EmbeddingModel, modelName(emb); want != "" && got != "" && want != got {
		return nil, fmt.Errorf("index was embedded with %q, queries would use %q: %w", want, got, models.ErrCorruptIndex)
	}
	if m.Encrypted && opts.EncryptionKey == "" {
		return nil, fmt.Errorf("index is encrypted and no key was given: %w", models.ErrCorruptIndex)
	}
	path := filepath.Join(dir, m.File)
	sum, err := fileChecksum(path)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, models.ErrCorruptIndex)
	}
	if sum != m.SHA256 {
		return nil, fmt.Errorf("checksum mismatch for %s: %w", m.File, models.ErrCorruptIndex)
	}

	idx := &Index{
		document:  m.Document,
		db:        chromem.NewDB(),
		embedder:  emb,
		model:     m.EmbeddingModel,
		dimension: m.Dimension,
	}
	key := ""
	if m.Encrypted {
		key = opts.EncryptionKey
	}
	if err := idx.db.ImportFromFile(path, key, m.Collection); err != nil {
		return nil, fmt.Errorf("failed to import database: %v: %w", err, models.ErrCorruptIndex)
	}
	idx.collection = idx.db.GetCollection(m.Collection, queryFunc(emb))
	if idx.collection == nil {
		return nil, fmt.Errorf("collection %q missing from export: %w", m.Collection, models.ErrCorruptIndex)
	}
	if n := idx.collection.Count(); n != m.Chunks {
		return nil, fmt.Errorf("export holds %d chunks, manifest lists %d: %w", n, m.Chunks, models.ErrCorruptIndex)
	}

	log.Debug().Str("document", m.Document).Int("chunks", m.Chunks).Msg("Loaded index")
	return idx, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

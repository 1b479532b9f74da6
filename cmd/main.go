package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"

	"docqa/internal/app"
	"docqa/internal/archive"
	"docqa/internal/chromemdb"
	"docqa/internal/config"
	"docqa/internal/helper"
	"docqa/internal/objectstore"
	"docqa/internal/server"
	"docqa/internal/session"
	"docqa/internal/tui"
)

const (
	configFilePath  = "./configs/config.yaml"
	shutdownTimeout = 10 * time.Second
)

const usage = `Usage: docqa <command> [flags] [args]

Commands:
  ingest  FILE...          index documents and persist each index under rag.index_dir
  ask     -q QUESTION      answer one question from persisted indexes (needs -trust)
  export  INDEX_DIR...     zip persisted indexes, optionally publishing them to S3
  chat    [FILE...]        terminal chat over the given documents
  serve                    run the HTTP API
`

// options are the flags every command shares.
type options struct {
	configPath string
	apiKey     string
}

func newFlagSet(name string) (*flag.FlagSet, *options) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	opts := &options{}
	fs.StringVar(&opts.configPath, "config", configFilePath, "Path to the YAML config file")
	fs.StringVar(&opts.apiKey, "api-key", "", "API key for hosted models; overrides the environment and config")
	return fs, opts
}

func loadConfig(opts *options) *config.Config {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	helper.SetupLogger(cfg.LogLevel)
	log.Debug().Str("path", opts.configPath).Msg("Loaded config")
	return cfg
}

func main() {
	helper.SetupLogger("info")
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "ingest":
		runIngest(ctx, args)
	case "ask":
		runAsk(ctx, args)
	case "export":
		runExport(ctx, args)
	case "chat":
		runChat(ctx, args)
	case "serve":
		runServe(ctx, args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}

// ingestFiles reads paths from disk and indexes them into sess.
func ingestFiles(ctx context.Context, sess *session.Session, paths []string) []session.IngestReport {
	uploads := make([]session.Upload, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			log.Fatal().Err(err).Str("file", p).Msg("Error reading document")
		}
		uploads = append(uploads, session.Upload{Name: filepath.Base(p), Data: data})
	}
	reports, err := sess.AddDocuments(ctx, uploads)
	if err != nil {
		log.Fatal().Err(err).Msg("Error indexing documents")
	}
	for _, r := range reports {
		if r.Indexed {
			log.Info().Str("document", r.Name).Int("chunks", r.Chunks).Msg(r.Message)
		} else {
			log.Warn().Str("document", r.Name).Msg(r.Message)
		}
	}
	return reports
}

func runIngest(ctx context.Context, args []string) {
	fs, opts := newFlagSet("ingest")
	dryRun := fs.Bool("dry-run", false, "Index in memory only, do not persist")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		log.Fatal().Msg("Please provide one or more document files")
	}
	cfg := loadConfig(opts)

	sess, err := app.NewSession(cfg, opts.apiKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Error creating session")
	}
	defer sess.Close()

	reports := ingestFiles(ctx, sess, fs.Args())
	helper.PrettyPrint(reports)
	if *dryRun {
		return
	}

	if err := helper.CreateFolder(cfg.RAG.IndexDir); err != nil {
		log.Fatal().Err(err).Msg("Error creating index folder")
	}
	for _, r := range reports {
		if !r.Indexed {
			continue
		}
		dir := filepath.Join(cfg.RAG.IndexDir, helper.SafeName(r.Name))
		if err := sess.ExportIndex(ctx, r.Name, dir); err != nil {
			log.Fatal().Err(err).Str("document", r.Name).Msg("Error persisting index")
		}
		log.Info().Str("document", r.Name).Str("dir", dir).Msg("Persisted index")
	}
}

// indexDirs lists the persisted indexes under root, or returns explicit
// when given.
func indexDirs(root string, explicit []string) []string {
	if len(explicit) > 0 {
		return explicit
	}
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		log.Fatal().Err(err).Str("dir", root).Msg("Error listing indexes")
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, chromemdb.ManifestFile)); err == nil {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func loadIndexes(ctx context.Context, sess *session.Session, dirs []string, trusted bool) {
	for _, dir := range dirs {
		info, err := sess.ImportIndex(ctx, dir, trusted)
		if err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("Error loading index")
		}
		log.Info().Str("document", info.Name).Int("chunks", info.Chunks).Msg("Loaded index")
	}
}

func runAsk(ctx context.Context, args []string) {
	fs, opts := newFlagSet("ask")
	question := fs.String("q", "", "Question to be answered")
	trust := fs.Bool("trust", false, "Load persisted indexes; only use with indexes you created")
	_ = fs.Parse(args)
	if *question == "" {
		log.Fatal().Msg("Please provide a question using the -q flag")
	}
	cfg := loadConfig(opts)

	sess, err := app.NewSession(cfg, opts.apiKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Error creating session")
	}
	defer sess.Close()

	loadIndexes(ctx, sess, indexDirs(cfg.RAG.IndexDir, fs.Args()), *trust)

	reply := sess.Ask(ctx, *question)
	if reply.Failed() {
		log.Error().Str("code", string(reply.Failure.Code)).Msg(reply.Failure.Message)
		os.Exit(1)
	}

	log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", reply.Query)

	log.Info().Str("mode", string(reply.Mode)).Msg("Source: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%v\n\n", reply.Sources)

	log.Info().Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", reply.Text)
}

func runExport(ctx context.Context, args []string) {
	fs, opts := newFlagSet("export")
	out := fs.String("out", ".", "Folder the zip archives are written to")
	publish := fs.Bool("publish", false, "Upload the archives to the configured S3 bucket")
	_ = fs.Parse(args)
	cfg := loadConfig(opts)

	var pub *objectstore.S3Publisher
	if *publish {
		var err error
		if pub, err = objectstore.NewS3Publisher(ctx, cfg.S3); err != nil {
			log.Fatal().Err(err).Msg("Error creating S3 client")
		}
	}
	if err := helper.CreateFolder(*out); err != nil {
		log.Fatal().Err(err).Msg("Error creating output folder")
	}

	for _, dir := range indexDirs(cfg.RAG.IndexDir, fs.Args()) {
		m, err := chromemdb.ReadManifest(dir)
		if err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("Error reading manifest")
		}
		name := helper.SafeName(m.Document) + ".zip"
		path := filepath.Join(*out, name)
		if err := writeArchive(path, dir); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("Error writing archive")
		}
		log.Info().Str("document", m.Document).Str("file", path).Msg("Exported index")

		if pub == nil {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			log.Fatal().Err(err).Msg("Error opening archive")
		}
		url, err := pub.Publish(ctx, name, f)
		f.Close()
		if err != nil {
			log.Fatal().Err(err).Str("file", path).Msg("Error publishing archive")
		}
		log.Info().Str("document", m.Document).Str("url", url).Msg("Published index")
	}
}

func writeArchive(path, dir string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	return archive.Write(f, dir)
}

func runChat(ctx context.Context, args []string) {
	fs, opts := newFlagSet("chat")
	trust := fs.Bool("trust", false, "Also load the persisted indexes under rag.index_dir")
	_ = fs.Parse(args)
	cfg := loadConfig(opts)

	sess, err := app.NewSession(cfg, opts.apiKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Error creating session")
	}
	defer sess.Close()

	if *trust {
		loadIndexes(ctx, sess, indexDirs(cfg.RAG.IndexDir, nil), true)
	}
	if fs.NArg() > 0 {
		ingestFiles(ctx, sess, fs.Args())
	}

	p := tea.NewProgram(tui.New(ctx, sess), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatal().Err(err).Msg("Error running chat")
	}
}

func runServe(ctx context.Context, args []string) {
	fs, opts := newFlagSet("serve")
	port := fs.Int("port", 0, "Port to listen on; overrides http.port")
	_ = fs.Parse(args)
	cfg := loadConfig(opts)
	if *port > 0 {
		cfg.HTTP.Port = *port
	}

	var pub server.Publisher
	if cfg.S3.Enabled() {
		s3pub, err := objectstore.NewS3Publisher(ctx, cfg.S3)
		if err != nil {
			log.Fatal().Err(err).Msg("Error creating S3 client")
		}
		pub = s3pub
	}

	srv := server.New(cfg, func(apiKey string) (*session.Session, error) {
		return app.NewSession(cfg, apiKey)
	}, pub)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error shutting down HTTP server")
		}
	}
}

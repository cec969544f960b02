// Package main is the MedRagnosis CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/medragnosis/medragnosis/internal/auth"
	"github.com/medragnosis/medragnosis/internal/blobstore"
	"github.com/medragnosis/medragnosis/internal/cli"
	"github.com/medragnosis/medragnosis/internal/config"
	"github.com/medragnosis/medragnosis/internal/diagnosis"
	"github.com/medragnosis/medragnosis/internal/embedding"
	"github.com/medragnosis/medragnosis/internal/evaluate"
	"github.com/medragnosis/medragnosis/internal/extract"
	"github.com/medragnosis/medragnosis/internal/indexer"
	"github.com/medragnosis/medragnosis/internal/llm"
	"github.com/medragnosis/medragnosis/internal/models"
	"github.com/medragnosis/medragnosis/internal/ocr"
	"github.com/medragnosis/medragnosis/internal/retrieval"
	"github.com/medragnosis/medragnosis/internal/server"
	"github.com/medragnosis/medragnosis/internal/storage"
	"github.com/medragnosis/medragnosis/internal/vector"
	"github.com/medragnosis/medragnosis/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/medragnosis/config.yaml"
	cliIdentity       = "medragnosis-cli"
	shutdownTimeout   = 10 * time.Second
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// A .env file next to the config or in the current directory is loaded first so that
// secrets reach config.ApplyEnv.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				path = fallback
			}
		}
	}
	if err := config.LoadDotEnv(".env", filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, "", fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "token":
		runToken()
	case "reset":
		runReset()
	case "evaluate":
		runEvaluate()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("medragnosis version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// setup loads config and builds the logger shared by every subcommand.
func setup(configPath string, debug bool) (*config.Config, *zap.Logger, string) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if debug {
		cfg.Debug = true
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	return cfg, logger, resolved
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, logger, resolvedConfigPath := setup(*configPath, *debug)
	defer logger.Sync()
	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", cfg.Debug),
	)
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config", zap.Error(err))
	}

	ctx := context.Background()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	authenticator, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatal("Failed to initialize auth", zap.Error(err))
	}
	status := func(ctx context.Context) (*server.Status, error) {
		return server.CollectStatus(ctx, components.Storage, components.VectorIndex, cfg)
	}
	srv := server.NewServer(components.Service, authenticator, status, &cfg.Server, cfg.Ingest.MaxUploadBytes, logger)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(sigCtx, srv, components, logger); err != nil {
		logger.Error("Server failed", zap.Error(err))
		components.Close()
		_ = logger.Sync()
		os.Exit(1)
	}
}

// serve runs srv until ctx is done, then drains in-flight requests and saves the vector
// snapshot, so uploads accepted during shutdown are included.
func serve(ctx context.Context, srv *server.Server, c *Components, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		c.SaveVectorIndex()
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := srv.Stop(shutdownCtx)
	saveErr := c.saveSnapshot()
	if saveErr != nil {
		saveErr = fmt.Errorf("save vector index: %w", saveErr)
	}
	return errors.Join(stopErr, <-errCh, saveErr)
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	uploader := fs.String("uploader", "", "patient name that owns the reports (required)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 || strings.TrimSpace(*uploader) == "" {
		fmt.Println("Usage: medragnosis ingest --uploader <name> <file-or-directory>...")
		os.Exit(1)
	}
	format, err := parseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, logger, _ := setup(*configPath, false)
	defer logger.Sync()
	components, err := initializeComponents(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	items := ingestPaths(context.Background(), components.Indexer, fs.Args(), *uploader)
	components.SaveVectorIndex()
	if err := cli.WriteBatchResults(os.Stdout, items, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
	if succeeded(items) == 0 {
		os.Exit(1)
	}
}

// ingestPaths ingests every file and directory in paths for uploader. Failures are
// reported per item and never stop the remaining paths.
func ingestPaths(ctx context.Context, idx *indexer.Indexer, paths []string, uploader string) []indexer.BatchItem {
	var items []indexer.BatchItem
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			items = append(items, indexer.BatchItem{Filename: p, Error: err.Error()})
			continue
		}
		if info.IsDir() {
			dirItems, err := idx.IngestDirectory(ctx, p, uploader)
			if err != nil {
				items = append(items, indexer.BatchItem{Filename: p, Error: err.Error()})
				continue
			}
			items = append(items, dirItems...)
			continue
		}
		res, err := idx.IngestFile(ctx, p, uploader)
		if err != nil {
			items = append(items, indexer.BatchItem{Filename: filepath.Base(p), Error: err.Error()})
			continue
		}
		items = append(items, indexer.BatchItem{Filename: res.SourceFilename, DocID: res.DocID, ChunkCount: res.ChunkCount})
	}
	return items
}

func succeeded(items []indexer.BatchItem) int {
	n := 0
	for _, it := range items {
		if it.Error == "" {
			n++
		}
	}
	return n
}

func runToken() {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	user := fs.String("user", "", "user name (token subject)")
	role := fs.String("role", string(models.RolePatient), "role: patient or doctor")
	_ = fs.Parse(os.Args[2:])

	cfg, logger, _ := setup(*configPath, false)
	defer logger.Sync()
	token, err := issueToken(cfg, *user, *role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Token failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func issueToken(cfg *config.Config, user, role string) (string, error) {
	authenticator, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return "", err
	}
	return authenticator.Issue(models.Identity{Name: strings.TrimSpace(user), Role: models.Role(role)})
}

func runReset() {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	yes := fs.Bool("yes", false, "confirm deletion of every report, record, vector and upload")
	_ = fs.Parse(os.Args[2:])

	if !*yes {
		fmt.Println("This deletes every report, diagnosis record, vector and uploaded file.")
		fmt.Println("Re-run with --yes to confirm.")
		os.Exit(1)
	}
	cfg, logger, _ := setup(*configPath, false)
	defer logger.Sync()
	components, err := initializeComponents(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	if err := resetAll(context.Background(), components); err != nil {
		fmt.Fprintf(os.Stderr, "Reset failed: %v\n", err)
		os.Exit(1)
	}
	components.SaveVectorIndex()
	fmt.Println("All reports, records, vectors and uploads deleted.")
}

// resetAll clears every store. All stores are attempted; their errors are joined.
func resetAll(ctx context.Context, c *Components) error {
	var errs []error
	if err := c.Storage.Purge(ctx); err != nil {
		errs = append(errs, fmt.Errorf("purge records: %w", err))
	}
	if err := c.VectorIndex.DeleteAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear vector index: %w", err))
	}
	if err := c.Blobs.DeleteAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("delete uploads: %w", err))
	}
	return errors.Join(errs...)
}

func runEvaluate() {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	casesPath := fs.String("cases", "", "YAML file with evaluation cases (required)")
	out := fs.String("out", "", "write an .xlsx report to this path")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if *casesPath == "" {
		fmt.Println("Usage: medragnosis evaluate --cases cases.yaml [--out report.xlsx]")
		os.Exit(1)
	}
	format, err := parseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cases, err := evaluate.LoadCases(*casesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load cases failed: %v\n", err)
		os.Exit(1)
	}

	cfg, logger, _ := setup(*configPath, false)
	defer logger.Sync()
	components, err := initializeComponents(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	summary := evaluate.Run(context.Background(), components.Engine, cases, logger)
	if err := cli.WriteEvaluation(os.Stdout, summary, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
	if *out != "" {
		if err := summary.WriteXLSX(*out); err != nil {
			fmt.Fprintf(os.Stderr, "Write report failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Report written to %s\n", *out)
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = use direct storage)")
	token := fs.String("token", "", "bearer token for --server (default: issued from the config secret)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format, err := parseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, logger, _ := setup(*configPath, false)
	defer logger.Sync()

	var status *server.Status
	if *serverURL != "" {
		bearer := *token
		if bearer == "" {
			bearer, err = issueToken(cfg, cliIdentity, string(models.RoleDoctor))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Token failed: %v\n", err)
				os.Exit(1)
			}
		}
		status, err = statusViaHTTP(*serverURL, bearer)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		components, err := initializeComponents(context.Background(), cfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
			os.Exit(1)
		}
		defer components.Close()
		status, err = server.CollectStatus(context.Background(), components.Storage, components.VectorIndex, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cli.WriteStatus(os.Stdout, status, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func statusViaHTTP(serverURL, token string) (*server.Status, error) {
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(serverURL, "/")+"/api/v1/status", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var s server.Status
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &s, nil
}

func parseOutputFormat(s string) (cli.OutputFormat, error) {
	switch s {
	case "text":
		return cli.OutputText, nil
	case "json":
		return cli.OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text or json", s)
	}
}

// Components holds initialized services.
type Components struct {
	Storage     storage.Storage
	Blobs       blobstore.Store
	Embedder    embedding.Embedder
	VectorIndex vector.VectorIndex
	Generator   llm.Generator
	OCR         ocr.Recognizer
	Indexer     *indexer.Indexer
	Engine      *retrieval.Engine
	Service     *diagnosis.Service

	snapshotPath string
	logger       *zap.Logger
}

// SaveVectorIndex writes the local vector snapshot. Hosted indexes ignore it.
func (c *Components) SaveVectorIndex() {
	if err := c.saveSnapshot(); err != nil {
		c.logger.Warn("vector index save failed", zap.String("path", c.snapshotPath), zap.Error(err))
	}
}

func (c *Components) saveSnapshot() error {
	if c.snapshotPath == "" || c.VectorIndex == nil {
		return nil
	}
	return c.VectorIndex.Save(c.snapshotPath)
}

func (c *Components) Close() {
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
	if c.Blobs != nil {
		_ = c.Blobs.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.VectorIndex != nil {
		_ = c.VectorIndex.Close()
	}
	if c.Generator != nil {
		_ = c.Generator.Close()
	}
	if c.OCR != nil {
		_ = c.OCR.Close()
	}
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Components, err error) {
	c := &Components{logger: logger}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Storage = store

	blobs, err := blobstore.New(ctx, cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize blob store: %w", err)
	}
	c.Blobs = blobs

	embedder, err := embedding.NewEmbedder(ctx, &cfg.Embedding, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	c.Embedder = embedder

	vectorIndex, err := vector.NewVectorIndex(ctx, &cfg.Vector, cfg.Embedding.Dimensions, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	c.VectorIndex = vectorIndex
	if cfg.Vector.IndexType == string(vector.IndexTypeMemory) {
		c.snapshotPath = cfg.Storage.VectorIndexPath
		if loadErr := vectorIndex.Load(c.snapshotPath); loadErr != nil {
			logger.Warn("vector index load skipped (re-ingest reports to rebuild)", zap.String("path", c.snapshotPath), zap.Error(loadErr))
		}
	}
	logger.Info("vector index initialized", zap.String("type", cfg.Vector.IndexType))

	generator, err := llm.NewGenerator(ctx, &cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize llm: %w", err)
	}
	c.Generator = generator

	idxOpts := []indexer.IndexerOption{indexer.WithLogger(logger)}
	if c.snapshotPath != "" {
		idxOpts = append(idxOpts, indexer.WithPersist(c.saveSnapshot))
	}
	if cfg.OCR.EnabledOrDefault() {
		recognizer, ocrErr := ocr.NewVisionRecognizer(ctx, nil,
			ocr.WithLogger(logger),
			ocr.WithPagesPerBatch(cfg.OCR.PagesPerBatch),
			ocr.WithMaxPages(cfg.OCR.MaxPages),
		)
		if ocrErr != nil {
			// Scanned PDFs then fail extraction instead of being recognized.
			logger.Warn("OCR fallback unavailable", zap.Error(ocrErr))
		} else {
			c.OCR = recognizer
			idxOpts = append(idxOpts, indexer.WithOCR(recognizer))
		}
	}

	c.Indexer = indexer.NewIndexer(c.Storage, c.Blobs, c.Embedder, c.VectorIndex, &cfg.Ingest, extract.NewExtractor(), idxOpts...)
	c.Engine = retrieval.NewEngine(c.Embedder, c.VectorIndex, c.Generator, c.Storage,
		retrieval.WithLogger(logger),
		retrieval.WithTopK(cfg.Retrieval.TopK, cfg.Retrieval.LongitudinalTopK),
		retrieval.WithTimeout(cfg.Retrieval.Timeout),
	)
	c.Service = diagnosis.NewService(c.Storage, c.Blobs, c.Engine, c.Indexer, diagnosis.WithLogger(logger))
	return c, nil
}

func printUsage() {
	fmt.Println(`medragnosis - Medical report question answering with doctor review

Usage:
  medragnosis server [flags]                         Start the HTTP server
  medragnosis ingest --uploader <name> <path>...     Ingest report files or directories
  medragnosis token --user <name> --role <role>      Issue a bearer token
  medragnosis reset --yes                            Delete all reports, records, vectors and uploads
  medragnosis evaluate --cases <file> [--out <xlsx>] Score retrieval against ground truth
  medragnosis status [flags]                         Show record/index/storage status
  medragnosis version                                Show version
  medragnosis help                                   Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/medragnosis/config.yaml,
                     or ./config.yaml when present). Secrets may come from .env.

Server Flags:
  --debug            Enable debug logging

Ingest Flags:
  --uploader string  Patient that owns the reports
  --output string    Output format: text or json (default: text)

Token Flags:
  --user string      Token subject
  --role string      patient or doctor (default: patient)

Evaluate Flags:
  --cases string     YAML file with a top-level "cases" list of {question, ground_truth, doc_id}
  --out string       Write an .xlsx report
  --output string    Output format: text or json (default: text)

Status Flags:
  --server string    Server URL (default: http://localhost:8080). Use --server "" for direct storage.
  --token string     Bearer token (default: a doctor token issued from the config secret)
  --output string    Output format: text or json (default: text)

The memory vector index is a single-process snapshot: stop the server before running
ingest or reset against the same data directory.

Examples:
  medragnosis server
  medragnosis token --user alice --role patient
  medragnosis ingest --uploader alice ./reports/cbc.pdf ./reports/2024
  medragnosis evaluate --cases eval.yaml --out eval.xlsx
  medragnosis status --output json`)
}

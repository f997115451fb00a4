package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/basekick-labs/ix2parquet/internal/config"
	"github.com/basekick-labs/ix2parquet/internal/ingest"
	"github.com/basekick-labs/ix2parquet/internal/logger"
	"github.com/basekick-labs/ix2parquet/internal/metrics"
	"github.com/basekick-labs/ix2parquet/internal/shutdown"
	"github.com/basekick-labs/ix2parquet/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Version is set at build time
var Version = "dev"

// errHelp is returned when usage was requested; it is not a failure
var errHelp = errors.New("help requested")

func main() {
	err := run(context.Background(), os.Args[1:], os.Stdin, os.Stderr)
	if errors.Is(err, errHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags turns command line flags into config overrides.
// Only flags that were actually given override lower layers.
func parseFlags(args []string, stderr io.Writer) (string, map[string]any, bool, error) {
	fs := flag.NewFlagSet("ix2parquet", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: ix2parquet [flags] < index.txt\n\n")
		fmt.Fprintf(stderr, "Converts a multistream index dump (offset:id:title per line) to Parquet.\n\n")
		fs.PrintDefaults()
	}

	output := fs.String("o", "", "output path (local file, or object key for s3/azure)")
	compression := fs.String("c", "", "Parquet compression: uncompressed, snappy, lzo, lz4, gzip, zstd")
	batchSize := fs.String("b", "", "rows per row group")
	input := fs.String("i", "", "input file (default stdin, \"-\" for stdin)")
	configFile := fs.String("config", "", "path to a TOML config file")
	version := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return "", nil, false, errHelp
		}
		return "", nil, false, err
	}
	if fs.NArg() > 0 {
		return "", nil, false, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	overrides := make(map[string]any)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "o":
			overrides["output.path"] = *output
		case "c":
			overrides["output.compression"] = *compression
		case "b":
			overrides["output.batch_size"] = *batchSize
		case "i":
			overrides["input.path"] = *input
		}
	})

	return *configFile, overrides, *version, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stderr io.Writer) (err error) {
	configFile, overrides, showVersion, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, errHelp) {
			return err
		}
		return fmt.Errorf("config: %w", err)
	}
	if showVersion {
		fmt.Fprintf(stderr, "ix2parquet %s\n", Version)
		return errHelp
	}

	// Load configuration
	cfg, err := config.Load(configFile, overrides)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	codec, err := ingest.ParseCompression(cfg.Output.Compression)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// Setup logger
	logger.SetupWriter(stderr, cfg.Log.Level, cfg.Log.Format)
	runID := uuid.NewString()
	log := logger.Get("main").With().Str("run_id", runID).Logger()
	log.Info().
		Str("version", Version).
		Str("output", cfg.Output.Path).
		Str("compression", cfg.Output.Compression).
		Int("batch_size", cfg.Output.BatchSize).
		Msg("Starting ix2parquet")

	m := metrics.Init(log)

	coordinator := shutdown.New(30*time.Second, log)
	defer func() {
		if serr := coordinator.Shutdown(); serr != nil {
			log.Warn().Err(serr).Msg("Cleanup finished with errors")
		}
	}()

	if cfg.Metrics.TextfilePath != "" {
		coordinator.RegisterHook("metrics-textfile", func(context.Context) error {
			return m.WriteTextfile(cfg.Metrics.TextfilePath)
		}, shutdown.PriorityMetrics)
	}

	input, err := openInput(cfg.Input, stdin, coordinator, log)
	if err != nil {
		return fmt.Errorf("input: %w", err)
	}

	backend, destPath, err := newBackend(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("output: %w", err)
	}
	coordinator.Register("storage", backend, shutdown.PriorityStorage)

	if err := storage.CheckOverwrite(ctx, backend, destPath, cfg.Output.Overwrite); err != nil {
		return fmt.Errorf("output: %w", err)
	}

	staged, err := storage.NewStagedFile(backend, destPath, cfg.Storage.StagingDir, logger.Get("storage"))
	if err != nil {
		return fmt.Errorf("output: %w", err)
	}
	coordinator.Register("staged-output", staged, shutdown.PriorityStaging)

	runCtx := coordinator.CancelOnSignal(ctx)

	opts := ingest.ConvertOptions{
		Writer: ingest.WriterOptions{
			Compression:     codec,
			BatchSize:       cfg.Output.BatchSize,
			UseDictionary:   cfg.Output.UseDictionary,
			WriteStatistics: cfg.Output.WriteStatistics,
			DataPageVersion: cfg.Output.DataPageVersion,
		},
		MaxLineSize: int(cfg.Input.MaxLineSize),
		InvalidUTF8: cfg.Input.InvalidUTF8,
	}

	stats, err := ingest.Convert(runCtx, input, staged, opts, logger.Get("ingest").With().Str("run_id", runID).Logger())
	if err != nil {
		log.Error().
			Err(err).
			Int64("lines", stats.LinesRead).
			Int("row_groups", stats.RowGroups).
			Msg("Conversion failed, output discarded")
		return err
	}

	if err := staged.Commit(runCtx); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	log.Info().
		Fields(m.Snapshot()).
		Str("location", storage.Location(backend, destPath)).
		Int64("size", staged.Size()).
		Msg("Done")

	return nil
}

// openInput opens the configured input and layers decompression and charset decoding on top
func openInput(cfg config.InputConfig, stdin io.Reader, coordinator *shutdown.Coordinator, log zerolog.Logger) (io.Reader, error) {
	var raw io.Reader = stdin
	name := "stdin"
	if cfg.Path != "" && cfg.Path != "-" {
		f, err := os.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		coordinator.Register("input-file", f, shutdown.PriorityInput)
		raw = f
		name = cfg.Path
	}

	decompressed, mode, err := ingest.OpenInput(raw, cfg.Decompress)
	if err != nil {
		return nil, err
	}
	coordinator.Register("input-decompressor", decompressed, shutdown.PriorityInput)

	decoded, err := ingest.DecodeCharset(decompressed, cfg.Charset)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("input", name).
		Str("decompress", mode).
		Str("charset", cfg.Charset).
		Msg("Opened input")

	return decoded, nil
}

// newBackend creates the storage backend and returns the destination path on it
func newBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storage.Backend, string, error) {
	storageLog := logger.Get("storage")

	switch cfg.Storage.Backend {
	case "s3", "minio":
		backend, err := storage.NewS3Backend(ctx, &storage.S3Config{
			Bucket:    cfg.Storage.S3Bucket,
			Region:    cfg.Storage.S3Region,
			Endpoint:  cfg.Storage.S3Endpoint,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
			UseSSL:    cfg.Storage.S3UseSSL,
			PathStyle: cfg.Storage.S3PathStyle,
		}, storageLog)
		if err != nil {
			return nil, "", err
		}
		return backend, cfg.Output.Path, nil

	case "azure", "azblob":
		backend, err := storage.NewAzureBlobBackend(ctx, &storage.AzureBlobConfig{
			ConnectionString:   cfg.Storage.AzureConnectionString,
			AccountName:        cfg.Storage.AzureAccountName,
			AccountKey:         cfg.Storage.AzureAccountKey,
			SASToken:           cfg.Storage.AzureSASToken,
			UseManagedIdentity: cfg.Storage.AzureUseManagedIdentity,
			ContainerName:      cfg.Storage.AzureContainer,
			Endpoint:           cfg.Storage.AzureEndpoint,
		}, storageLog)
		if err != nil {
			return nil, "", err
		}
		return backend, cfg.Output.Path, nil

	default:
		// Local output is addressed relative to its own directory
		dir, file := filepath.Split(cfg.Output.Path)
		if dir == "" {
			dir = "."
		}
		backend, err := storage.NewLocalBackend(dir, storageLog)
		if err != nil {
			return nil, "", err
		}
		log.Debug().Str("dir", backend.GetBasePath()).Msg("Using local output directory")
		return backend, file, nil
	}
}

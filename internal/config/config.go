package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/basekick-labs/ix2parquet/internal/ingest"
	"github.com/spf13/viper"
)

// Config holds all configuration for ix2parquet
type Config struct {
	Output  OutputConfig  `mapstructure:"output"`
	Input   InputConfig   `mapstructure:"input"`
	Storage StorageConfig `mapstructure:"storage"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

type OutputConfig struct {
	Path            string `mapstructure:"path"`              // Local path, or object key for s3/azure
	Compression     string `mapstructure:"compression"`       // uncompressed, snappy, lzo, lz4, gzip, zstd
	BatchSize       int    `mapstructure:"-"`                 // Rows per record batch and row group
	UseDictionary   bool   `mapstructure:"use_dictionary"`
	WriteStatistics bool   `mapstructure:"write_statistics"`
	DataPageVersion string `mapstructure:"data_page_version"` // 1.0 or 2.0
	Overwrite       bool   `mapstructure:"overwrite"`         // false refuses an existing destination
}

type InputConfig struct {
	Path        string `mapstructure:"path"`       // empty or "-" reads stdin
	Decompress  string `mapstructure:"decompress"` // auto, none, gzip, zstd, bzip2
	Charset     string `mapstructure:"charset"`
	InvalidUTF8 string `mapstructure:"invalid_utf8"` // error or replace
	MaxLineSize int64  `mapstructure:"-"`
}

type StorageConfig struct {
	Backend    string `mapstructure:"backend"`     // local, s3, azure
	StagingDir string `mapstructure:"staging_dir"` // remote backends only; os temp dir when empty

	S3Bucket    string `mapstructure:"s3_bucket"`
	S3Region    string `mapstructure:"s3_region"`
	S3Endpoint  string `mapstructure:"s3_endpoint"` // MinIO or other S3-compatible server
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3UseSSL    bool   `mapstructure:"s3_use_ssl"`
	S3PathStyle bool   `mapstructure:"s3_path_style"`

	AzureConnectionString   string `mapstructure:"azure_connection_string"`
	AzureAccountName        string `mapstructure:"azure_account_name"`
	AzureAccountKey         string `mapstructure:"azure_account_key"`
	AzureSASToken           string `mapstructure:"azure_sas_token"`
	AzureContainer          string `mapstructure:"azure_container"`
	AzureEndpoint           string `mapstructure:"azure_endpoint"` // Azurite
	AzureUseManagedIdentity bool   `mapstructure:"azure_use_managed_identity"`
}

type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path"` // node_exporter textfile collector target
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Environment variables understood by earlier releases of the converter.
// The prefixed names take precedence.
var legacyEnv = map[string]string{
	"output.path":        "OUT_FILENAME",
	"output.compression": "COMPRESSION",
	"output.batch_size":  "BATCH_SIZE",
}

// Load loads configuration from defaults, config file and environment.
// configFile may be empty to search the default locations.
// overrides are applied last, typically from command line flags.
func Load(configFile string, overrides map[string]any) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("IX2PARQUET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		envKey := "IX2PARQUET_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", legacy, err)
		}
	}

	// Config file (optional)
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("ix2parquet")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ix2parquet/")
		v.AddConfigPath("$HOME/.ix2parquet/")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
			// Config file not found is OK, use defaults
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	// Unmarshal only sees environment variables for keys viper knows about,
	// so every key has a default in setDefaults.
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Read as a string so "abc" is an error instead of silently becoming 0
	rawBatchSize := strings.TrimSpace(v.GetString("output.batch_size"))
	batchSize, err := strconv.Atoi(rawBatchSize)
	if err != nil {
		return nil, fmt.Errorf("invalid output.batch_size %q: must be an integer", rawBatchSize)
	}
	cfg.Output.BatchSize = batchSize

	if cfg.Input.MaxLineSize, err = ParseSize(v.GetString("input.max_line_size")); err != nil {
		return nil, fmt.Errorf("invalid input.max_line_size: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

// normalize lowercases the enumerated settings
func (cfg *Config) normalize() {
	for _, s := range []*string{
		&cfg.Output.Compression,
		&cfg.Input.Decompress,
		&cfg.Input.Charset,
		&cfg.Input.InvalidUTF8,
		&cfg.Storage.Backend,
		&cfg.Log.Level,
		&cfg.Log.Format,
	} {
		*s = strings.ToLower(strings.TrimSpace(*s))
	}
}

func setDefaults(v *viper.Viper) {
	defaults := map[string]any{
		"output.path":              "",
		"output.compression":       "uncompressed",
		"output.batch_size":        ingest.DefaultBatchSize,
		"output.use_dictionary":    true,
		"output.write_statistics":  true,
		"output.data_page_version": "1.0",
		"output.overwrite":         true,

		"input.path":          "",
		"input.decompress":    ingest.DecompressAuto,
		"input.charset":       ingest.CharsetUTF8,
		"input.invalid_utf8":  ingest.InvalidUTF8Error,
		"input.max_line_size": "1MB",

		"storage.backend":     "local",
		"storage.staging_dir": "",

		"storage.s3_bucket":     "",
		"storage.s3_region":     "us-east-1",
		"storage.s3_endpoint":   "",
		"storage.s3_access_key": "",
		"storage.s3_secret_key": "",
		"storage.s3_use_ssl":    true,
		"storage.s3_path_style": false,

		"storage.azure_connection_string":    "",
		"storage.azure_account_name":         "",
		"storage.azure_account_key":          "",
		"storage.azure_sas_token":            "",
		"storage.azure_container":            "",
		"storage.azure_endpoint":             "",
		"storage.azure_use_managed_identity": false,

		"metrics.textfile_path": "",

		"log.level":  "info",
		"log.format": "console",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Validate checks the configuration before any input is read
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.Output.Path) == "" {
		return fmt.Errorf("output.path is required (set -o, IX2PARQUET_OUTPUT_PATH or OUT_FILENAME)")
	}
	if cfg.Output.BatchSize < 1 {
		return fmt.Errorf("invalid output.batch_size %d: must be at least 1", cfg.Output.BatchSize)
	}
	if _, err := ingest.ParseCompression(cfg.Output.Compression); err != nil {
		return fmt.Errorf("invalid output.compression: %w", err)
	}
	switch cfg.Output.DataPageVersion {
	case "1.0", "2.0":
	default:
		return fmt.Errorf("invalid output.data_page_version %q: must be 1.0 or 2.0", cfg.Output.DataPageVersion)
	}

	if err := cfg.Input.Validate(); err != nil {
		return err
	}
	return cfg.Storage.Validate()
}

// Validate checks the input decoding settings
func (cfg *InputConfig) Validate() error {
	switch cfg.Decompress {
	case ingest.DecompressAuto, ingest.DecompressNone, ingest.DecompressGzip, ingest.DecompressZstd, ingest.DecompressBzip2:
	default:
		return fmt.Errorf("invalid input.decompress %q: must be auto, none, gzip, zstd or bzip2", cfg.Decompress)
	}

	switch cfg.Charset {
	case ingest.CharsetUTF8, "utf8", ingest.CharsetLatin1, "iso-8859-1", ingest.CharsetWindows1252, "cp1252":
	default:
		return fmt.Errorf("invalid input.charset %q: must be utf-8, latin1 or windows-1252", cfg.Charset)
	}

	switch cfg.InvalidUTF8 {
	case ingest.InvalidUTF8Error, ingest.InvalidUTF8Replace:
	default:
		return fmt.Errorf("invalid input.invalid_utf8 %q: must be error or replace", cfg.InvalidUTF8)
	}

	if cfg.MaxLineSize < 1 {
		return fmt.Errorf("invalid input.max_line_size %d: must be positive", cfg.MaxLineSize)
	}
	return nil
}

// Validate checks the storage backend settings
func (cfg *StorageConfig) Validate() error {
	switch cfg.Backend {
	case "local":
	case "s3", "minio":
		if cfg.S3Bucket == "" {
			return fmt.Errorf("storage.s3_bucket is required for the %s backend", cfg.Backend)
		}
	case "azure", "azblob":
		if cfg.AzureContainer == "" {
			return fmt.Errorf("storage.azure_container is required for the azure backend")
		}
		if cfg.AzureConnectionString == "" && cfg.AzureAccountName == "" {
			return fmt.Errorf("storage.azure_connection_string or storage.azure_account_name is required for the azure backend")
		}
	default:
		return fmt.Errorf("invalid storage.backend %q: must be local, s3 or azure", cfg.Backend)
	}
	return nil
}

// sizeUnits maps size suffixes to multipliers; a bare number is bytes
var sizeUnits = map[string]int64{
	"":   1,
	"B":  1,
	"K":  1 << 10,
	"KB": 1 << 10,
	"M":  1 << 20,
	"MB": 1 << 20,
	"G":  1 << 30,
	"GB": 1 << 30,
}

// ParseSize parses sizes such as "4096", "512KB" or "1.5GB" into bytes.
// Units are binary (1KB = 1024 bytes) and case-insensitive.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	split := strings.IndexFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.' && r != '-' && r != '+'
	})
	if split < 0 {
		split = len(s)
	}
	number, unit := s[:split], strings.TrimSpace(s[split:])

	multiplier, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q in %q (use B, KB, MB or GB)", unit, s)
	}
	n, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", s)
	}
	return int64(n * float64(multiplier)), nil
}
